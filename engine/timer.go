package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tenancy"
	"github.com/xraph/tenancy/executor"
	"github.com/xraph/tenancy/id"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/process"
	"github.com/xraph/tenancy/store"
)

// timerPayload is the wire form of a scheduled timer job.
type timerPayload struct {
	TimerName    string `json:"timer_name"`
	FollowUpTask string `json:"follow_up_task,omitempty"`
}

// scheduleTimer creates the async job backing one timer of a starting
// instance. The job lands in the same tenant store as the instance.
func (e *Engine) scheduleTimer(ctx context.Context, st store.Store, inst *process.Instance, tenantID, userID string, timer process.Timer, now time.Time) error {
	payload, err := json.Marshal(timerPayload{
		TimerName:    timer.Name,
		FollowUpTask: timer.FollowUpTask,
	})
	if err != nil {
		return fmt.Errorf("encode timer %s: %w", timer.Name, err)
	}

	dueAt := now.Add(timer.Delay)
	if timer.Cycle != "" && timer.Delay == 0 {
		sched, parseErr := executor.ParseSchedule(timer.Cycle)
		if parseErr != nil {
			return fmt.Errorf("timer %s cycle: %w", timer.Name, parseErr)
		}
		dueAt = sched.Next(now)
	}

	j := &job.Job{
		ID:         id.NewJobID(),
		TenantID:   tenantID,
		UserID:     userID,
		Name:       timerJobName,
		InstanceID: inst.ID,
		Payload:    payload,
		DueAt:      dueAt,
		Repeat:     timer.Cycle,
		MaxRetries: e.cfg.MaxRetries,
	}
	j.Entity = tenancy.NewEntity()
	return st.CreateJob(ctx, j)
}

// fireTimer is the registered handler for timer jobs. It runs with the
// job's tenant on the context, so the router resolves the right store.
func (e *Engine) fireTimer(ctx context.Context, j *job.Job) error {
	st, err := e.router.StoreFor(ctx)
	if err != nil {
		return err
	}

	var payload timerPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return fmt.Errorf("decode timer payload: %w", err)
		}
	}

	inst, err := st.GetInstance(ctx, j.InstanceID)
	if err != nil {
		if errors.Is(err, tenancy.ErrInstanceNotFound) {
			// The instance ended and was removed before the timer
			// fired. Nothing to do.
			return nil
		}
		return err
	}
	if !inst.Active() {
		return nil
	}

	if payload.FollowUpTask != "" {
		task := &process.Task{
			ID:         id.NewTaskID(),
			TenantID:   inst.TenantID,
			InstanceID: inst.ID,
			Name:       payload.FollowUpTask,
		}
		task.Entity = tenancy.NewEntity()
		if err := st.CreateTask(ctx, task); err != nil {
			return err
		}
	}

	e.logger.Info("timer fired",
		slog.String("tenant_id", inst.TenantID),
		slog.String("instance_id", inst.ID.String()),
		slog.String("timer", payload.TimerName),
	)

	// Cyclic timers stay pending; the runner reschedules the job.
	if j.Repeat != "" {
		return nil
	}

	// The decrement must be atomic in the store: two timers of the same
	// instance can fire on concurrent workers.
	if _, err := st.DecrementPendingTimers(ctx, inst.ID); err != nil {
		return err
	}
	return e.maybeEndInstance(ctx, st, inst.ID)
}
