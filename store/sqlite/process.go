package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/process"
)

// CreateDeployment persists a deployment and its definitions. The
// definition set is immutable once deployed, so it is stored whole as a
// JSON column instead of normalized into rows.
func (s *Store) CreateDeployment(ctx context.Context, d *process.Deployment) error {
	defs, err := json.Marshal(d.Definitions)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: encode definitions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenancy_deployments (id, tenant_id, deployed_by, definitions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.TenantID, d.DeployedBy, defs,
		timeNs(d.CreatedAt), timeNs(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, deploymentID id.DeploymentID) (*process.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, deployed_by, definitions, created_at, updated_at
		FROM tenancy_deployments WHERE id = ?`,
		deploymentID.String(),
	)

	d, err := scanDeployment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("tenancy/sqlite: get deployment: %w", err)
	}
	return d, nil
}

// LatestDefinition returns the newest deployed definition for a key.
// Deployments are walked newest-first; the first one containing the key
// wins.
func (s *Store) LatestDefinition(ctx context.Context, key string) (*process.Definition, id.DeploymentID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definitions FROM tenancy_deployments
		ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, id.Nil, fmt.Errorf("tenancy/sqlite: latest definition: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idStr string
			raw   []byte
		)
		if scanErr := rows.Scan(&idStr, &raw); scanErr != nil {
			return nil, id.Nil, fmt.Errorf("tenancy/sqlite: latest definition scan: %w", scanErr)
		}

		var defs []process.Definition
		if decErr := json.Unmarshal(raw, &defs); decErr != nil {
			return nil, id.Nil, fmt.Errorf("tenancy/sqlite: decode definitions: %w", decErr)
		}

		for i := range defs {
			if defs[i].Key == key {
				depID, parseErr := id.Parse(idStr)
				if parseErr != nil {
					return nil, id.Nil, fmt.Errorf("tenancy/sqlite: parse deployment id %q: %w", idStr, parseErr)
				}
				cp := defs[i]
				return &cp, depID, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, id.Nil, fmt.Errorf("tenancy/sqlite: latest definition rows: %w", err)
	}
	return nil, id.Nil, tenancy.ErrDefinitionNotFound
}

// CreateInstance persists a new process instance.
func (s *Store) CreateInstance(ctx context.Context, inst *process.Instance) error {
	vars, err := encodeVariables(inst.Variables)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: encode variables: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenancy_instances (
			id, tenant_id, deployment_id, process_key, started_by, variables,
			started_at, ended_at, pending_timers, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID.String(), inst.TenantID, inst.DeploymentID.String(),
		inst.ProcessKey, inst.StartedBy, vars,
		timeNs(inst.StartedAt), nullNs(inst.EndedAt), inst.PendingTimers,
		timeNs(inst.CreatedAt), timeNs(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*process.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, deployment_id, process_key, started_by, variables,
		       started_at, ended_at, pending_timers, created_at, updated_at
		FROM tenancy_instances WHERE id = ?`,
		instanceID.String(),
	)

	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("tenancy/sqlite: get instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists changes to an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *process.Instance) error {
	vars, err := encodeVariables(inst.Variables)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: encode variables: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tenancy_instances SET
			tenant_id = ?, deployment_id = ?, process_key = ?, started_by = ?,
			variables = ?, started_at = ?, ended_at = ?, pending_timers = ?,
			updated_at = ?
		WHERE id = ?`,
		inst.TenantID, inst.DeploymentID.String(), inst.ProcessKey, inst.StartedBy,
		vars, timeNs(inst.StartedAt), nullNs(inst.EndedAt), inst.PendingTimers,
		timeNs(time.Now().UTC()),
		inst.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenancy.ErrInstanceNotFound
	}
	return nil
}

// EndInstance marks the instance ended at the given time.
func (s *Store) EndInstance(ctx context.Context, instanceID id.InstanceID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenancy_instances SET ended_at = ?, updated_at = ? WHERE id = ?`,
		timeNs(at), timeNs(time.Now().UTC()), instanceID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: end instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	err := s.db.QueryRowContext(ctx, `
		UPDATE tenancy_instances
		SET pending_timers = pending_timers - 1, updated_at = ?
		WHERE id = ? AND pending_timers > 0
		RETURNING pending_timers`,
		timeNs(time.Now().UTC()), instanceID.String(),
	).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !isNoRows(err) {
		return 0, fmt.Errorf("tenancy/sqlite: decrement pending timers: %w", err)
	}

	// No row updated: the instance is missing or already at zero.
	err = s.db.QueryRowContext(ctx,
		`SELECT pending_timers FROM tenancy_instances WHERE id = ?`,
		instanceID.String(),
	).Scan(&remaining)
	if isNoRows(err) {
		return 0, tenancy.ErrInstanceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("tenancy/sqlite: decrement pending timers: %w", err)
	}
	return remaining, nil
}

// CountActiveInstances returns the number of instances not yet ended.
func (s *Store) CountActiveInstances(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenancy_instances WHERE ended_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tenancy/sqlite: count active instances: %w", err)
	}
	return count, nil
}

// CreateTask persists a new open task.
func (s *Store) CreateTask(ctx context.Context, task *process.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenancy_tasks (id, tenant_id, instance_id, name, assignee, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(), task.TenantID, task.InstanceID.String(),
		task.Name, task.Assignee,
		timeNs(task.CreatedAt), timeNs(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*process.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, instance_id, name, assignee, created_at, updated_at
		FROM tenancy_tasks WHERE id = ?`,
		taskID.String(),
	)

	task, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenancy.ErrTaskNotFound
		}
		return nil, fmt.Errorf("tenancy/sqlite: get task: %w", err)
	}
	return task, nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tenancy_tasks WHERE id = ?`, taskID.String(),
	)
	if err != nil {
		return fmt.Errorf("tenancy/sqlite: delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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

	if !opts.InstanceID.IsNil() {
		query += ` WHERE instance_id = ?`
		args = append(args, opts.InstanceID.String())
	}

	query += ` ORDER BY created_at ASC, id ASC`

	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenancy/sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*process.Task
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("tenancy/sqlite: scan task row: %w", scanErr)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy/sqlite: iterate task rows: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the number of open tasks for an instance, or all
// open tasks when instanceID is nil.
func (s *Store) CountTasks(ctx context.Context, instanceID id.InstanceID) (int64, error) {
	query := `SELECT COUNT(*) FROM tenancy_tasks`
	var args []any

	if !instanceID.IsNil() {
		query += ` WHERE instance_id = ?`
		args = append(args, instanceID.String())
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("tenancy/sqlite: count tasks: %w", err)
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

func scanDeployment(row rowScanner) (*process.Deployment, error) {
	var (
		d         process.Deployment
		idStr     string
		raw       []byte
		createdNs int64
		updatedNs int64
	)
	err := row.Scan(&idStr, &d.TenantID, &d.DeployedBy, &raw, &createdNs, &updatedNs)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/sqlite: parse deployment id %q: %w", idStr, parseErr)
	}
	d.ID = parsed

	if decErr := json.Unmarshal(raw, &d.Definitions); decErr != nil {
		return nil, fmt.Errorf("tenancy/sqlite: decode definitions: %w", decErr)
	}

	d.CreatedAt = nsTime(createdNs)
	d.UpdatedAt = nsTime(updatedNs)
	return &d, nil
}

func scanInstance(row rowScanner) (*process.Instance, error) {
	var (
		inst      process.Instance
		idStr     string
		depStr    string
		raw       []byte
		startedNs int64
		endedNs   sql.NullInt64
		createdNs int64
		updatedNs int64
	)
	err := row.Scan(
		&idStr, &inst.TenantID, &depStr, &inst.ProcessKey, &inst.StartedBy, &raw,
		&startedNs, &endedNs, &inst.PendingTimers, &createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/sqlite: parse instance id %q: %w", idStr, parseErr)
	}
	inst.ID = parsed

	if depStr != "" {
		if dep, depErr := id.Parse(depStr); depErr == nil {
			inst.DeploymentID = dep
		}
	}

	if len(raw) > 0 {
		if decErr := json.Unmarshal(raw, &inst.Variables); decErr != nil {
			return nil, fmt.Errorf("tenancy/sqlite: decode variables: %w", decErr)
		}
	}

	inst.StartedAt = nsTime(startedNs)
	inst.EndedAt = nsPtr(endedNs)
	inst.CreatedAt = nsTime(createdNs)
	inst.UpdatedAt = nsTime(updatedNs)
	return &inst, nil
}

func scanTask(row rowScanner) (*process.Task, error) {
	var (
		task      process.Task
		idStr     string
		instStr   string
		createdNs int64
		updatedNs int64
	)
	err := row.Scan(&idStr, &task.TenantID, &instStr, &task.Name, &task.Assignee, &createdNs, &updatedNs)
	if err != nil {
		return nil, err
	}

	parsed, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("tenancy/sqlite: parse task id %q: %w", idStr, parseErr)
	}
	task.ID = parsed

	if instStr != "" {
		if inst, instErr := id.Parse(instStr); instErr == nil {
			task.InstanceID = inst
		}
	}

	task.CreatedAt = nsTime(createdNs)
	task.UpdatedAt = nsTime(updatedNs)
	return &task, nil
}
