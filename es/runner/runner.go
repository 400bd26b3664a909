// Package runner runs periodic tasks such as sequencing, publishing and
// catch-up side by side until the context is canceled.
//
// Any number of processes may run the same tasks against one database;
// the tasks coordinate through database locks, not through the runner.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getpup/puplink/es"
)

var (
	// ErrNoTasks indicates that no tasks were provided to run.
	ErrNoTasks = errors.New("no tasks provided")

	// ErrInvalidTask indicates a task that cannot be scheduled.
	ErrInvalidTask = errors.New("invalid task")
)

// Task is one unit of periodic work.
type Task struct {
	// Run performs one tick. Errors matching es.ErrHalt stop the runner;
	// any other error is logged and the task runs again on the next tick.
	Run func(ctx context.Context) error

	// Name identifies the task in logs and errors
	Name string

	// Interval is the pause between the end of one tick and the next
	Interval time.Duration
}

// Config configures a Runner.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger es.Logger
}

// Runner runs tasks concurrently.
type Runner struct {
	config Config
}

// New creates a Runner.
func New(config Config) *Runner {
	return &Runner{config: config}
}

// Run runs every task in its own goroutine until ctx is canceled or a task
// halts. When a task halts all others are canceled and the halting error is
// returned; otherwise Run returns ctx.Err().
func (r *Runner) Run(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return ErrNoTasks
	}
	for i := range tasks {
		if tasks[i].Run == nil {
			return fmt.Errorf("%w: task %q at index %d has no run function", ErrInvalidTask, tasks[i].Name, i)
		}
		if tasks[i].Interval <= 0 {
			return fmt.Errorf("%w: task %q at index %d has a non-positive interval", ErrInvalidTask, tasks[i].Name, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return r.loop(gctx, task)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context, task Task) error {
	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "task started", "task", task.Name, "interval", task.Interval)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if r.config.Logger != nil {
				r.config.Logger.Info(ctx, "task stopped", "task", task.Name)
			}
			return nil
		case <-timer.C:
		}

		err := task.Run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, es.ErrHalt):
			if r.config.Logger != nil {
				r.config.Logger.Error(ctx, "task halted", "task", task.Name, "error", err)
			}
			return fmt.Errorf("task %q halted: %w", task.Name, err)
		case ctx.Err() != nil:
			return nil
		default:
			if r.config.Logger != nil {
				r.config.Logger.Error(ctx, "task failed, retrying on next tick", "task", task.Name, "error", err)
			}
		}

		timer.Reset(task.Interval)
	}
}
