// Package worker provides the background scheduler that triggers pipeline runs.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trendscope/trendscope/internal/models"
)

// PipelineRunner defines the interface for triggering a pipeline run.
type PipelineRunner interface {
	Run(ctx context.Context) (*models.PipelineRun, error)
}

// Scheduler is a background worker that triggers pipeline runs on a fixed
// interval. Runs are serialized: a tick that arrives while a run is still in
// progress is dropped, not queued, since the next run would recompute the
// same snapshot anyway.
type Scheduler struct {
	runner   PipelineRunner
	interval time.Duration

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new pipeline scheduler.
func NewScheduler(runner PipelineRunner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &Scheduler{
		runner:   runner,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("pipeline scheduler started", "interval", s.interval)

	// Run immediately on startup
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pipeline scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce triggers a single pipeline run unless one is already in progress.
func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Warn("previous pipeline run still in progress, skipping tick")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	run, err := s.runner.Run(ctx)
	if err != nil {
		// The run outcome is already logged with its reason; prior derived
		// state stays authoritative until the next successful run.
		slog.Error("scheduled pipeline run aborted", "error", err)
		return
	}

	slog.Info("scheduled pipeline run finished",
		"run_id", run.ID,
		"status", run.Status,
		"reason", run.Reason,
	)
}
