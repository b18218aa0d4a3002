// Package reaper runs the control plane's periodic background tasks. Every
// task must be safe to run on any number of replicas at once; the runner
// only schedules them.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/metrics"
)

const DefaultInterval = time.Minute

// Task is one periodic job. Run returns how many items it handled by
// result label (for example "expired", "skipped", "failed").
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (map[string]int, error)
}

type Runner struct {
	tasks []Task
	wg    sync.WaitGroup
}

func NewRunner(tasks ...Task) *Runner {
	return &Runner{tasks: tasks}
}

// Start launches every task on its own ticker. The tasks stop when ctx is
// cancelled; Wait blocks until they have.
func (r *Runner) Start(ctx context.Context) {
	for _, t := range r.tasks {
		if t.Interval <= 0 {
			t.Interval = DefaultInterval
		}
		r.wg.Add(1)
		go func(t Task) {
			defer r.wg.Done()
			r.loop(ctx, t)
		}(t)
		slog.Info("Background task started", "task", t.Name, "interval", t.Interval)
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Background task stopped", "task", t.Name)
			return
		case <-ticker.C:
			RunOnce(ctx, t)
		}
	}
}

// RunOnce executes a task a single time and records its metrics. A panic
// inside the task is logged and counted as a failed run.
func RunOnce(ctx context.Context, t Task) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperDuration.WithLabelValues(t.Name))

	defer func() {
		if rec := recover(); rec != nil {
			metrics.ReaperRuns.WithLabelValues(t.Name, "panic").Inc()
			slog.Error("Background task panicked", "task", t.Name, "panic", rec)
		}
	}()

	counts, err := t.Run(ctx)
	for result, n := range counts {
		if n > 0 {
			metrics.ReaperItems.WithLabelValues(t.Name, result).Add(float64(n))
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ReaperRuns.WithLabelValues(t.Name, "error").Inc()
		slog.Error("Background task failed", "task", t.Name, "error", err)
		return
	}

	metrics.ReaperRuns.WithLabelValues(t.Name, "ok").Inc()
	slog.Debug("Background task finished", "task", t.Name, "duration", timer.Duration(), "items", counts)
}
