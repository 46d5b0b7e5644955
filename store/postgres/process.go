package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/process"
)

// CreateDeployment persists a deployment and its definitions. The
// definition set is immutable once deployed, so it is stored whole as a
// JSONB column instead of normalized into rows.
func (s *Store) CreateDeployment(ctx context.Context, d *process.Deployment) error {
	defs, err := json.Marshal(d.Definitions)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: encode definitions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenancy_deployments (id, tenant_id, deployed_by, definitions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID.String(), d.TenantID, d.DeployedBy, defs, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, deploymentID id.DeploymentID) (*process.Deployment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, deployed_by, definitions, created_at, updated_at
		FROM tenancy_deployments WHERE id = $1`,
		deploymentID.String(),
	)

	d, err := scanDeployment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("tenancy/postgres: get deployment: %w", err)
	}
	return d, nil
}

// LatestDefinition returns the newest deployed definition for a key.
// JSONB containment narrows the scan to deployments holding the key;
// ordering picks the newest.
func (s *Store) LatestDefinition(ctx context.Context, key string) (*process.Definition, id.DeploymentID, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, definitions FROM tenancy_deployments
		WHERE definitions @> $1::jsonb
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		fmt.Sprintf(`[{"key":%q}]`, key),
	)

	var (
		idStr string
		raw   []byte
	)
	if err := row.Scan(&idStr, &raw); err != nil {
		if isNoRows(err) {
			return nil, id.Nil, tenancy.ErrDefinitionNotFound
		}
		return nil, id.Nil, fmt.Errorf("tenancy/postgres: latest definition: %w", err)
	}

	var defs []process.Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, id.Nil, fmt.Errorf("tenancy/postgres: decode definitions: %w", err)
	}

	depID, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, id.Nil, fmt.Errorf("tenancy/postgres: parse deployment id %q: %w", idStr, parseErr)
	}

	for i := range defs {
		if defs[i].Key == key {
			cp := defs[i]
			return &cp, depID, nil
		}
	}
	return nil, id.Nil, tenancy.ErrDefinitionNotFound
}

// CreateInstance persists a new process instance.
func (s *Store) CreateInstance(ctx context.Context, inst *process.Instance) error {
	vars, err := encodeVariables(inst.Variables)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: encode variables: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenancy_instances (
			id, tenant_id, deployment_id, process_key, started_by, variables,
			started_at, ended_at, pending_timers, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID.String(), inst.TenantID, inst.DeploymentID.String(),
		inst.ProcessKey, inst.StartedBy, vars,
		inst.StartedAt, inst.EndedAt, inst.PendingTimers,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*process.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, deployment_id, process_key, started_by, variables,
		       started_at, ended_at, pending_timers, created_at, updated_at
		FROM tenancy_instances WHERE id = $1`,
		instanceID.String(),
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("tenancy/postgres: get instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists changes to an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *process.Instance) error {
	vars, err := encodeVariables(inst.Variables)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: encode variables: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tenancy_instances SET
			tenant_id = $2, deployment_id = $3, process_key = $4, started_by = $5,
			variables = $6, started_at = $7, ended_at = $8, pending_timers = $9,
			updated_at = NOW()
		WHERE id = $1`,
		inst.ID.String(),
		inst.TenantID, inst.DeploymentID.String(), inst.ProcessKey, inst.StartedBy,
		vars, inst.StartedAt, inst.EndedAt, inst.PendingTimers,
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenancy.ErrInstanceNotFound
	}
	return nil
}

// EndInstance marks the instance ended at the given time.
func (s *Store) EndInstance(ctx context.Context, instanceID id.InstanceID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenancy_instances SET ended_at = $2, updated_at = NOW() WHERE id = $1`,
		instanceID.String(), at,
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: end instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenancy.ErrInstanceNotFound
	}
	return nil
}

// DecrementPendingTimers atomically decrements the instance's
// pending-timer count, never below zero, and returns the remaining
// count. The conditional UPDATE is the atomicity: concurrent callers
// serialize on the row.
func (s *Store) DecrementPendingTimers(ctx context.Context, instanceID id.InstanceID) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE tenancy_instances
		SET pending_timers = pending_timers - 1, updated_at = NOW()
		WHERE id = $1 AND pending_timers > 0
		RETURNING pending_timers`,
		instanceID.String(),
	).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !isNoRows(err) {
		return 0, fmt.Errorf("tenancy/postgres: decrement pending timers: %w", err)
	}

	// No row updated: the instance is missing or already at zero.
	err = s.pool.QueryRow(ctx,
		`SELECT pending_timers FROM tenancy_instances WHERE id = $1`,
		instanceID.String(),
	).Scan(&remaining)
	if isNoRows(err) {
		return 0, tenancy.ErrInstanceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("tenancy/postgres: decrement pending timers: %w", err)
	}
	return remaining, nil
}

// CountActiveInstances returns the number of instances not yet ended.
func (s *Store) CountActiveInstances(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tenancy_instances WHERE ended_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tenancy/postgres: count active instances: %w", err)
	}
	return count, nil
}

// CreateTask persists a new open task.
func (s *Store) CreateTask(ctx context.Context, task *process.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenancy_tasks (id, tenant_id, instance_id, name, assignee, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID.String(), task.TenantID, task.InstanceID.String(),
		task.Name, task.Assignee, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*process.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, instance_id, name, assignee, created_at, updated_at
		FROM tenancy_tasks WHERE id = $1`,
		taskID.String(),
	)

	task, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrTaskNotFound
		}
		return nil, fmt.Errorf("tenancy/postgres: get task: %w", err)
	}
	return task, nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tenancy_tasks WHERE id = $1`, taskID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/postgres: delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenancy.ErrTaskNotFound
	}
	return nil
}

// ListTasks returns open tasks matching the given options, ordered by
// creation time ascending.
func (s *Store) ListTasks(ctx context.Context, opts process.TaskListOpts) ([]*process.Task, error) {
	query := `
		SELECT id, tenant_id, instance_id, name, assignee, created_at, updated_at
		FROM tenancy_tasks`
	var args []any
	argIdx := 1

	if !opts.InstanceID.IsNil() {
		query += fmt.Sprintf(` WHERE instance_id = $%d`, argIdx)
		args = append(args, opts.InstanceID.String())
		argIdx++
	}

	query += ` ORDER BY created_at ASC, id ASC`

	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenancy/postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*process.Task
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("tenancy/postgres: scan task row: %w", scanErr)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy/postgres: iterate task rows: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the number of open tasks for an instance, or all
// open tasks when instanceID is nil.
func (s *Store) CountTasks(ctx context.Context, instanceID id.InstanceID) (int64, error) {
	query := `SELECT COUNT(*) FROM tenancy_tasks`
	var args []any

	if !instanceID.IsNil() {
		query += ` WHERE instance_id = $1`
		args = append(args, instanceID.String())
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("tenancy/postgres: count tasks: %w", err)
	}
	return count, nil
}

// ── scan helpers ─────────────────────────────────────────────────

func encodeVariables(vars map[string]any) ([]byte, error) {
	if vars == nil {
		return nil, nil
	}
	return json.Marshal(vars)
}

func scanDeployment(row pgx.Row) (*process.Deployment, error) {
	var (
		d     process.Deployment
		idStr string
		raw   []byte
	)
	err := row.Scan(&idStr, &d.TenantID, &d.DeployedBy, &raw, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/postgres: parse deployment id %q: %w", idStr, parseErr)
	}
	d.ID = parsed

	if decErr := json.Unmarshal(raw, &d.Definitions); decErr != nil {
		return nil, fmt.Errorf("tenancy/postgres: decode definitions: %w", decErr)
	}
	return &d, nil
}

func scanInstance(row pgx.Row) (*process.Instance, error) {
	var (
		inst   process.Instance
		idStr  string
		depStr string
		raw    []byte
	)
	err := row.Scan(
		&idStr, &inst.TenantID, &depStr, &inst.ProcessKey, &inst.StartedBy, &raw,
		&inst.StartedAt, &inst.EndedAt, &inst.PendingTimers,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/postgres: parse instance id %q: %w", idStr, parseErr)
	}
	inst.ID = parsed

	if depStr != "" {
		if dep, depErr := id.Parse(depStr); depErr == nil {
			inst.DeploymentID = dep
		}
	}

	if len(raw) > 0 {
		if decErr := json.Unmarshal(raw, &inst.Variables); decErr != nil {
			return nil, fmt.Errorf("tenancy/postgres: decode variables: %w", decErr)
		}
	}
	return &inst, nil
}

func scanTask(row pgx.Row) (*process.Task, error) {
	var (
		task    process.Task
		idStr   string
		instStr string
	)
	err := row.Scan(&idStr, &task.TenantID, &instStr, &task.Name, &task.Assignee,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/postgres: parse task id %q: %w", idStr, parseErr)
	}
	task.ID = parsed

	if instStr != "" {
		if inst, instErr := id.Parse(instStr); instErr == nil {
			task.InstanceID = inst
		}
	}
	return &task, nil
}
