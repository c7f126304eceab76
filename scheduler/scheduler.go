// Package scheduler runs recurring tasks on fixed intervals. Registration is
// keyed by a stable task name and is idempotent, so a service restart or a
// repeated startup call never results in a duplicate trigger.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a unit of recurring work. Task errors are logged, never fatal to
// the trigger.
type Task func(ctx context.Context) error

// registration is one named recurring trigger.
type registration struct {
	name   string
	period time.Duration
	task   Task
}

// Registry owns the recurring triggers for the service.
type Registry struct {
	mu            sync.Mutex
	registrations map[string]*registration
	started       bool
	cancel        context.CancelFunc
	done          sync.WaitGroup
	log           *logrus.Entry
}

// NewRegistry creates a new trigger registry.
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]*registration),
		log:           logrus.WithField("component", "scheduler"),
	}
}

// Register adds a recurring trigger. Re-registering an existing name is a
// no-op, which makes registration at service startup safe across restarts.
func (r *Registry) Register(name string, period time.Duration, task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registrations[name]; ok {
		r.log.WithField("trigger", name).Debug("trigger already registered")
		return
	}
	r.registrations[name] = &registration{name: name, period: period, task: task}
}

// Start launches one ticker goroutine per registered trigger. Starting an
// already-started registry is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for _, reg := range r.registrations {
		r.done.Add(1)
		go r.run(runCtx, reg)
	}
}

// Stop cancels all running triggers and waits for them to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.done.Wait()
}

// run executes one trigger's task on its fixed period until the context is
// cancelled.
func (r *Registry) run(ctx context.Context, reg *registration) {
	defer r.done.Done()
	triggerLog := r.log.WithField("trigger", reg.name)
	triggerLog.WithField("period", reg.period).Info("recurring trigger started")

	ticker := time.NewTicker(reg.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			triggerLog.Info("recurring trigger stopped")
			return
		case <-ticker.C:
			if err := reg.task(ctx); err != nil {
				triggerLog.WithError(err).Error("recurring task failed")
			}
		}
	}
}
