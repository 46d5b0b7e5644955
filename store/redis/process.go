package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/process"
)

// CreateDeployment stores the deployment blob and indexes it by
// creation time so the latest definition lookup can walk newest-first.
func (s *Store) CreateDeployment(ctx context.Context, d *process.Deployment) error {
	raw, err := encodeDeployment(d)
	if err != nil {
		return err
	}

	dID := d.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, deploymentKey(dID), raw, 0)
	pipe.ZAdd(ctx, deploymentsKey, goredis.Z{
		Score:  float64(d.CreatedAt.UnixMilli()),
		Member: dID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy/redis: create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, deploymentID id.DeploymentID) (*process.Deployment, error) {
	raw, err := s.client.Get(ctx, deploymentKey(deploymentID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, tenancy.ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("tenancy/redis: get deployment: %w", err)
	}
	return decodeDeployment(raw)
}

// LatestDefinition returns the newest deployed definition for a key.
func (s *Store) LatestDefinition(ctx context.Context, key string) (*process.Definition, id.DeploymentID, error) {
	ids, err := s.client.ZRevRange(ctx, deploymentsKey, 0, -1).Result()
	if err != nil {
		return nil, id.Nil, fmt.Errorf("tenancy/redis: latest definition range: %w", err)
	}

	for _, dID := range ids {
		raw, getErr := s.client.Get(ctx, deploymentKey(dID)).Bytes()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return nil, id.Nil, fmt.Errorf("tenancy/redis: latest definition get: %w", getErr)
		}

		d, decErr := decodeDeployment(raw)
		if decErr != nil {
			return nil, id.Nil, decErr
		}

		for i := range d.Definitions {
			if d.Definitions[i].Key == key {
				cp := d.Definitions[i]
				return &cp, d.ID, nil
			}
		}
	}
	return nil, id.Nil, tenancy.ErrDefinitionNotFound
}

// CreateInstance persists a new process instance.
func (s *Store) CreateInstance(ctx context.Context, inst *process.Instance) error {
	raw, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	iID := inst.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, instanceKey(iID), raw, 0)
	pipe.SAdd(ctx, instanceIDsKey, iID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy/redis: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*process.Instance, error) {
	raw, err := s.client.Get(ctx, instanceKey(instanceID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, tenancy.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("tenancy/redis: get instance: %w", err)
	}
	return decodeInstance(raw)
}

// UpdateInstance persists changes to an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *process.Instance) error {
	iID := inst.ID.String()

	exists, err := s.client.Exists(ctx, instanceKey(iID)).Result()
	if err != nil {
		return fmt.Errorf("tenancy/redis: update instance exists: %w", err)
	}
	if exists == 0 {
		return tenancy.ErrInstanceNotFound
	}

	cp := *inst
	cp.UpdatedAt = time.Now().UTC()
	raw, err := encodeInstance(&cp)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, instanceKey(iID), raw, 0).Err(); err != nil {
		return fmt.Errorf("tenancy/redis: update instance: %w", err)
	}
	return nil
}

// EndInstance marks the instance ended at the given time.
func (s *Store) EndInstance(ctx context.Context, instanceID id.InstanceID, at time.Time) error {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	t := at
	inst.EndedAt = &t
	return s.UpdateInstance(ctx, inst)
}

// DecrementPendingTimers atomically decrements the instance's
// pending-timer count, never below zero, and returns the remaining
// count. An optimistic WATCH transaction provides the atomicity; a
// concurrent writer aborts it and the decrement is retried.
func (s *Store) DecrementPendingTimers(ctx context.Context, instanceID id.InstanceID) (int, error) {
	key := instanceKey(instanceID.String())

	for {
		var remaining int
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			raw, getErr := tx.Get(ctx, key).Bytes()
			if getErr != nil {
				return getErr
			}

			inst, decErr := decodeInstance(raw)
			if decErr != nil {
				return decErr
			}
			if inst.PendingTimers > 0 {
				inst.PendingTimers--
			}
			remaining = inst.PendingTimers
			inst.UpdatedAt = time.Now().UTC()

			updated, encErr := encodeInstance(inst)
			if encErr != nil {
				return encErr
			}

			_, pipeErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			return pipeErr
		}, key)

		switch {
		case errors.Is(err, goredis.Nil):
			return 0, tenancy.ErrInstanceNotFound
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case err != nil:
			return 0, fmt.Errorf("tenancy/redis: decrement pending timers: %w", err)
		}
		return remaining, nil
	}
}

// CountActiveInstances returns the number of instances not yet ended.
func (s *Store) CountActiveInstances(ctx context.Context) (int64, error) {
	ids, err := s.client.SMembers(ctx, instanceIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("tenancy/redis: count active instances: %w", err)
	}

	var n int64
	for _, iID := range ids {
		raw, getErr := s.client.Get(ctx, instanceKey(iID)).Bytes()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return 0, fmt.Errorf("tenancy/redis: count active instances get: %w", getErr)
		}

		inst, decErr := decodeInstance(raw)
		if decErr != nil {
			return 0, decErr
		}
		if inst.Active() {
			n++
		}
	}
	return n, nil
}

// CreateTask persists a new open task.
func (s *Store) CreateTask(ctx context.Context, task *process.Task) error {
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}

	tID := task.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(tID), raw, 0)
	pipe.SAdd(ctx, taskIDsKey, tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy/redis: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*process.Task, error) {
	raw, err := s.client.Get(ctx, taskKey(taskID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, tenancy.ErrTaskNotFound
		}
		return nil, fmt.Errorf("tenancy/redis: get task: %w", err)
	}
	return decodeTask(raw)
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	tID := taskID.String()

	exists, err := s.client.Exists(ctx, taskKey(tID)).Result()
	if err != nil {
		return fmt.Errorf("tenancy/redis: delete task exists: %w", err)
	}
	if exists == 0 {
		return tenancy.ErrTaskNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, taskKey(tID))
	pipe.SRem(ctx, taskIDsKey, tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenancy/redis: delete task: %w", err)
	}
	return nil
}

// ListTasks returns open tasks matching the given options, ordered by
// creation time ascending.
func (s *Store) ListTasks(ctx context.Context, opts process.TaskListOpts) ([]*process.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: list tasks: %w", err)
	}

	var tasks []*process.Task
	for _, tID := range ids {
		raw, getErr := s.client.Get(ctx, taskKey(tID)).Bytes()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return nil, fmt.Errorf("tenancy/redis: list tasks get: %w", getErr)
		}

		task, decErr := decodeTask(raw)
		if decErr != nil {
			return nil, decErr
		}
		if !opts.InstanceID.IsNil() && task.InstanceID.String() != opts.InstanceID.String() {
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
	})

	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// CountTasks returns the number of open tasks for an instance, or all
// open tasks when instanceID is nil.
func (s *Store) CountTasks(ctx context.Context, instanceID id.InstanceID) (int64, error) {
	if instanceID.IsNil() {
		n, err := s.client.SCard(ctx, taskIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("tenancy/redis: count tasks: %w", err)
		}
		return n, nil
	}

	tasks, err := s.ListTasks(ctx, process.TaskListOpts{InstanceID: instanceID})
	if err != nil {
		return 0, err
	}
	return int64(len(tasks)), nil
}
