// Package jobs runs the periodic maintenance sweeps.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-tracking/internal/observability"
)

// Task performs one sweep and reports how many records it touched.
type Task func(ctx context.Context) (int64, error)

// Sweeper runs a task on a fixed interval until its context ends.
type Sweeper struct {
	Name     string
	Interval time.Duration
	Task     Task
	Log      *slog.Logger
}

// Run blocks until ctx is cancelled. A failing run is logged and the next
// tick proceeds normally.
func (s Sweeper) Run(ctx context.Context) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	if s.Interval <= 0 {
		log.Warn("sweeper_disabled", "job", s.Name)
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Info("sweeper_started", "job", s.Name, "interval", s.Interval.String())

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper_stopped", "job", s.Name)
			return
		case <-ticker.C:
			s.RunOnce(ctx, log)
		}
	}
}

func (s Sweeper) RunOnce(ctx context.Context, log *slog.Logger) {
	start := time.Now()
	n, err := s.Task(ctx)
	if err != nil {
		observability.SweepRuns.WithLabelValues(s.Name, "error").Inc()
		log.Error("sweep_failed", "job", s.Name, "error", err)
		return
	}
	observability.SweepRuns.WithLabelValues(s.Name, "ok").Inc()
	observability.SweepRemoved.WithLabelValues(s.Name).Add(float64(n))
	if n > 0 {
		log.Info("sweep_done", "job", s.Name, "affected", n, "duration_ms", time.Since(start).Milliseconds())
	}
}
