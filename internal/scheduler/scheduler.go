// Package scheduler drives the correlation engine on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"github.com/breachrange/collectors/internal/logging"
)

// Ticker is the work the scheduler drives. The orchestrator implements it.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Scheduler runs one tick immediately, then one per interval. A failed tick
// is the engine's problem to log and count; the loop always continues.
type Scheduler struct {
	ticker   Ticker
	interval time.Duration
	log      *logging.Logger
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a scheduler.
func New(ticker Ticker, interval time.Duration, log *logging.Logger) *Scheduler {
	return &Scheduler{
		ticker:   ticker,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins the loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	s.log.Info("scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.run(ctx)

	for {
		select {
		case <-ticker.C:
			s.run(ctx)
		case <-s.stop:
			s.log.Info("scheduler stopped")
			return
		case <-ctx.Done():
			s.log.Info("scheduler context cancelled")
			return
		}
	}
}

// Stop signals the loop to finish and waits for it.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// Tick logs and counts its own failures.
	_ = s.ticker.Tick(ctx)
}
