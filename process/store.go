package process

import (
	"context"
	"time"

	"github.com/xraph/tenancy/id"
)

// TaskListOpts controls filtering for task list queries.
type TaskListOpts struct {
	// InstanceID filters by owning instance. Nil ID means all instances.
	InstanceID id.InstanceID
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
}

// Store defines the per-tenant persistence contract for process state.
type Store interface {
	// CreateDeployment persists a deployment and its definitions.
	CreateDeployment(ctx context.Context, d *Deployment) error

	// GetDeployment retrieves a deployment by ID.
	GetDeployment(ctx context.Context, deploymentID id.DeploymentID) (*Deployment, error)

	// LatestDefinition returns the definition with the given key from
	// the most recent deployment containing it.
	LatestDefinition(ctx context.Context, key string) (*Definition, id.DeploymentID, error)

	// CreateInstance persists a new process instance.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*Instance, error)

	// UpdateInstance persists changes to an existing instance.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// EndInstance marks the instance ended at the given time.
	EndInstance(ctx context.Context, instanceID id.InstanceID, at time.Time) error

	// DecrementPendingTimers atomically decrements the instance's
	// pending-timer count, never below zero, and returns the remaining
	// count. Concurrent timer firings for the same instance must each
	// observe a distinct decrement.
	DecrementPendingTimers(ctx context.Context, instanceID id.InstanceID) (int, error)

	// CountActiveInstances returns the number of instances not yet ended.
	CountActiveInstances(ctx context.Context) (int64, error)

	// CreateTask persists a new open task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// DeleteTask removes a task (task completion).
	DeleteTask(ctx context.Context, taskID id.TaskID) error

	// ListTasks returns open tasks matching the given options.
	ListTasks(ctx context.Context, opts TaskListOpts) ([]*Task, error)

	// CountTasks returns the number of open tasks for an instance.
	// A nil instance ID counts all open tasks.
	CountTasks(ctx context.Context, instanceID id.InstanceID) (int64, error)
}
