package process

import "time"

// Timer schedules an asynchronous job when an instance of the owning
// definition starts.
type Timer struct {
	// Name identifies the timer within its definition.
	Name string `json:"name"`

	// Delay is how long after instance start the timer fires,
	// measured on the engine clock.
	Delay time.Duration `json:"delay"`

	// Cycle is an optional cron expression. A cyclic timer is
	// rescheduled to its next occurrence after each firing instead of
	// being removed.
	Cycle string `json:"cycle,omitempty"`

	// FollowUpTask, when non-empty, names a user task created when the
	// timer fires, keeping the instance active past the firing.
	FollowUpTask string `json:"follow_up_task,omitempty"`
}

// Definition describes a deployable process: the user tasks an instance
// opens on start and the timers it schedules.
type Definition struct {
	// Key is the stable identifier instances are started by.
	Key string `json:"key"`

	// Name is the human-readable title.
	Name string `json:"name,omitempty"`

	// UserTasks are the task names opened when an instance starts.
	UserTasks []string `json:"user_tasks,omitempty"`

	// Timers are the timer jobs scheduled when an instance starts.
	Timers []Timer `json:"timers,omitempty"`
}
