package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Task is a unit of periodic work. Every instance runs the same schedule;
// the lease on the current slot decides which instance does the work.
type Task struct {
	Name string
	// Schedule is "@every <duration>" or a plain duration such as "10m".
	Schedule string
	Run      func(ctx context.Context) error
	// LockTTL bounds how long a crashed runner blocks the slot. Zero uses
	// the runtime default.
	LockTTL time.Duration
	// Timeout bounds a single run. Zero means no timeout beyond LockTTL.
	Timeout time.Duration
	// RequireExclusive skips the run when the lease store is unreachable
	// instead of running without coordination.
	RequireExclusive bool
	// Heartbeat, when positive, extends the lease while the task runs.
	Heartbeat time.Duration
}

// Validate verifies required fields and schedule syntax.
func (t *Task) Validate() error {
	if t == nil {
		return schedulerError(ErrValidation, "task is nil")
	}
	if strings.TrimSpace(t.Name) == "" {
		return schedulerError(ErrValidation, "task name is required")
	}
	if strings.ContainsAny(t.Name, ": ") {
		return schedulerError(ErrValidation, fmt.Sprintf("task name %q must not contain ':' or spaces", t.Name))
	}
	if t.Run == nil {
		return schedulerError(ErrValidation, "task run function is required")
	}
	if t.LockTTL < 0 || t.Timeout < 0 || t.Heartbeat < 0 {
		return schedulerError(ErrValidation, "task durations must not be negative")
	}
	_, err := t.interval()
	return err
}

func (t *Task) interval() (time.Duration, error) {
	raw := strings.TrimSpace(t.Schedule)
	if raw == "" {
		return 0, schedulerError(ErrValidation, "task schedule is required")
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "@every "))
	interval, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Join(schedulerError(ErrValidation, fmt.Sprintf("invalid schedule %q", t.Schedule)), err)
	}
	if interval < time.Second {
		return 0, schedulerError(ErrValidation, "schedule interval must be at least 1s")
	}
	return interval, nil
}

// nextSlot returns the first interval boundary strictly after now. Slots
// are aligned to the Unix epoch so every instance computes the same ones.
func nextSlot(now time.Time, interval time.Duration) time.Time {
	return now.UTC().Truncate(interval).Add(interval)
}

func slotKey(name string, slot time.Time) string {
	return fmt.Sprintf("scheduler:task:%s:%d", name, slot.Unix())
}
