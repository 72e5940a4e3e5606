package worker

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/regn-data/nowcast.report/internal/monitoring"
)

// Scheduler runs the worker cycle on a fixed interval.
type Scheduler struct {
	scheduler *gocron.Scheduler
	worker    *Worker
	interval  time.Duration
}

// NewScheduler builds a scheduler around w. Cycles never overlap; a
// cycle that outlives the interval delays the next one.
func NewScheduler(w *Worker, interval time.Duration) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{scheduler: s, worker: w, interval: interval}
}

// Start schedules the cycle, runs it once immediately, and returns.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(s.interval).StartImmediately().Do(func() {
		// Each cycle gets its own deadline so a wedged download
		// cannot stall the pipeline forever.
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		if err := s.worker.RunCycle(ctx); err != nil {
			monitoring.Logf("scheduler: cycle error: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	monitoring.Logf("scheduler: running every %v", s.interval)
	return nil
}

// Stop halts the scheduler and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
