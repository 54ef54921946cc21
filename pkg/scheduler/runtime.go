// Package scheduler runs periodic tasks on every instance and uses a lease
// per schedule slot so only one instance does the work for that slot. The
// slot lease is kept after the run until the slot's window has passed, so a
// late timer on another instance finds the slot already taken.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/lease"
	"github.com/nimburion/coordination/pkg/observability/logger"
)

const (
	DefaultLockTTL = time.Minute
)

// Config controls scheduler runtime behavior.
type Config struct {
	DefaultLockTTL time.Duration
}

func (c *Config) normalize() {
	if c.DefaultLockTTL <= 0 {
		c.DefaultLockTTL = DefaultLockTTL
	}
}

// Runtime runs registered tasks until stopped.
type Runtime struct {
	leases *lease.Manager
	log    logger.Logger
	config Config
	now    func() time.Time

	mu      sync.Mutex
	tasks   map[string]Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduler runtime coordinated through leases.
func NewRuntime(leases *lease.Manager, log logger.Logger, cfg Config) (*Runtime, error) {
	if leases == nil {
		return nil, schedulerError(ErrNotInitialized, "lease manager is required")
	}
	if log == nil {
		return nil, schedulerError(ErrNotInitialized, "logger is required")
	}
	cfg.normalize()
	return &Runtime{
		leases: leases,
		log:    log.With("component", "scheduler"),
		config: cfg,
		now:    time.Now,
		tasks:  map[string]Task{},
	}, nil
}

// Register adds a new scheduled task.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = task
	return nil
}

// Tasks returns the registered task names in order.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs all registered tasks and blocks until ctx is done or Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "runtime is nil")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	tasks := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	r.log.Info("scheduler started", "tasks", len(tasks))
	for _, task := range tasks {
		r.wg.Add(1)
		go r.runTaskLoop(runningCtx, task)
	}

	<-runningCtx.Done()
	return r.Stop(context.Background())
}

// Stop requests shutdown and waits for running tasks to return.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		r.log.Info("scheduler stopped")
		return nil
	}
}

// RunNow executes the named task for the slot containing the current time,
// under the same lease as a scheduled run.
func (r *Runtime) RunNow(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	task, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return false, schedulerError(ErrNotFound, fmt.Sprintf("task %q", name))
	}
	interval, _ := task.interval()
	slot := r.now().UTC().Truncate(interval)
	return r.runSlot(ctx, task, slot)
}

func (r *Runtime) runTaskLoop(ctx context.Context, task Task) {
	defer r.wg.Done()

	interval, err := task.interval()
	if err != nil {
		r.log.Error("scheduler task has invalid schedule", "task", task.Name, "error", err)
		return
	}

	for {
		slot := nextSlot(r.now(), interval)
		wait := slot.Sub(r.now())
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := r.runSlot(ctx, task, slot); err != nil {
			r.log.Error("scheduled task failed", "task", task.Name, "slot", slot, "error", err)
		}
	}
}

// runSlot reports whether this instance ran the task for slot.
func (r *Runtime) runSlot(ctx context.Context, task Task, slot time.Time) (bool, error) {
	ttl := task.LockTTL
	if ttl <= 0 {
		ttl = r.config.DefaultLockTTL
	}
	opts := lease.Options{
		TTL:               ttl,
		RetryCount:        lease.NoRetry,
		RequireAcquired:   task.RequireExclusive,
		HeartbeatInterval: task.Heartbeat,
		RetainFor:         r.retainFor(task, slot, ttl),
	}
	key := slotKey(task.Name, slot)
	log := r.log.With("task", task.Name, "slot", slot.Unix())

	ran, err := r.leases.Do(ctx, key, opts, func(ctx context.Context) error {
		if l, ok := lease.FromContext(ctx); ok && l.Degraded() {
			log.Warn("running task without coordination")
			recordSchedulerRun(task.Name, runStatusDegraded)
		}

		schedulerRunInFlight.WithLabelValues(normalizeSchedulerLabel(task.Name)).Inc()
		defer schedulerRunInFlight.WithLabelValues(normalizeSchedulerLabel(task.Name)).Dec()

		timeout := task.Timeout
		if timeout <= 0 {
			timeout = ttl
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return task.Run(runCtx)
	})

	switch {
	case err != nil && !ran:
		recordSchedulerRun(task.Name, runStatusFailed)
		return false, err
	case !ran:
		log.Debug("slot handled elsewhere or not coordinated, skipping")
		recordSchedulerRun(task.Name, runStatusSkipped)
		return false, nil
	case err != nil:
		recordSchedulerRun(task.Name, runStatusFailed)
		return true, err
	}
	log.Debug("scheduled task completed")
	recordSchedulerRun(task.Name, runStatusSucceeded)
	return true, nil
}

// retainFor is how long a finished slot stays claimed: until the end of the
// slot's window, and never less than the lock TTL.
func (r *Runtime) retainFor(task Task, slot time.Time, ttl time.Duration) time.Duration {
	interval, err := task.interval()
	if err != nil {
		return ttl
	}
	if remaining := slot.Add(interval).Sub(r.now()); remaining > ttl {
		return remaining
	}
	return ttl
}

// PurgeTask reclaims expired rows in stores that keep them, such as the
// Postgres backend.
func PurgeTask(purger coordstore.Purger, interval time.Duration, log logger.Logger) Task {
	return Task{
		Name:     "coordination-purge",
		Schedule: "@every " + interval.String(),
		Run: func(ctx context.Context) error {
			removed, err := purger.PurgeExpired(ctx)
			if err != nil {
				return errors.Join(errors.New("purge expired coordination keys failed"), err)
			}
			if removed > 0 && log != nil {
				log.Info("purged expired coordination keys", "count", removed)
			}
			return nil
		},
	}
}
