// Package reconcile runs periodic background refreshes on a cron
// schedule. The unread ledger registers itself as a task so its displayed
// total is regularly reconciled against the store; the service registers
// a drift sweep over known profiles. Task failures degrade to stale
// counts, never to a crashed scheduler.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"parley/pkg/logger"
)

// Task is one periodic unit of work.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry is a mutable set of tasks shared with a running scheduler, so
// ledgers can come and go with their surfaces.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Add registers t, replacing any task with the same name. It returns a
// func that removes the registration.
func (r *Registry) Add(t Task) func() {
	name := t.Name()
	r.mu.Lock()
	r.tasks[name] = t
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.tasks, name)
		r.mu.Unlock()
	}
}

func (r *Registry) snapshot() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// RunAll runs every registered task once, logging failures.
func (r *Registry) RunAll(ctx context.Context) {
	for _, t := range r.snapshot() {
		if err := t.Run(ctx); err != nil {
			logger.Warn("reconcile_task_failed", "task", t.Name(), "error", err)
		}
	}
}

// Start starts the scheduler for the given cron expression and returns a
// cancel func. An invalid expression is an error; an empty one maps to
// every minute.
func Start(ctx context.Context, cronExpr string, reg *Registry) (context.CancelFunc, error) {
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("reconcile_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid reconcile cron expression: %s", cronExpr)
	}
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, reg)
	logger.Info("reconcile_scheduler_started", "cron", cronExpr)
	return cancel, nil
}

// runScheduler computes the next tick with gronx and sleeps until then.
func runScheduler(ctx context.Context, cronExpr string, reg *Registry) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconcile_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("reconcile_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			reg.RunAll(ctx)
		case <-ctx.Done():
			logger.Info("reconcile_scheduler_stopping")
			return
		}
	}
}
