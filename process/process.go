package process

import (
	"time"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/id"
)

// Deployment is one immutable set of process definitions deployed to a
// tenant's store. Instances always start from the latest deployment
// containing the requested key.
type Deployment struct {
	tenancy.Entity

	ID          id.DeploymentID `json:"id"`
	TenantID    string          `json:"tenant_id"`
	DeployedBy  string          `json:"deployed_by,omitempty"`
	Definitions []Definition    `json:"definitions"`
}

// Instance is one running execution of a process definition.
// It stays active until EndedAt is set.
type Instance struct {
	tenancy.Entity

	ID            id.InstanceID   `json:"id"`
	TenantID      string          `json:"tenant_id"`
	DeploymentID  id.DeploymentID `json:"deployment_id"`
	ProcessKey    string          `json:"process_key"`
	StartedBy     string          `json:"started_by,omitempty"`
	Variables     map[string]any  `json:"variables,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	PendingTimers int             `json:"pending_timers"`
}

// Active reports whether the instance has not ended.
func (i *Instance) Active() bool { return i.EndedAt == nil }

// Task is an open unit of human work belonging to one instance.
// Completing it removes it; an instance with no open tasks and no
// pending timers is ended.
type Task struct {
	tenancy.Entity

	ID         id.TaskID     `json:"id"`
	TenantID   string        `json:"tenant_id"`
	InstanceID id.InstanceID `json:"instance_id"`
	Name       string        `json:"name"`
	Assignee   string        `json:"assignee,omitempty"`
}
