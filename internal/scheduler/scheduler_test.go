package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/breachrange/collectors/internal/logging"
)

type countingTicker struct {
	ticks atomic.Int64
	err   error
}

func (t *countingTicker) Tick(ctx context.Context) error {
	t.ticks.Add(1)
	return t.err
}

func TestSchedulerRunsImmediatelyAndPeriodically(t *testing.T) {
	ct := &countingTicker{}
	s := New(ct, 20*time.Millisecond, logging.New(slog.LevelError, "text"))

	go s.Start(context.Background())
	time.Sleep(70 * time.Millisecond)
	s.Stop()

	ticks := ct.ticks.Load()
	assert.GreaterOrEqual(t, ticks, int64(2), "one immediate tick plus interval ticks")
}

func TestSchedulerContinuesAfterTickError(t *testing.T) {
	ct := &countingTicker{err: errors.New("vendor down")}
	s := New(ct, 20*time.Millisecond, logging.New(slog.LevelError, "text"))

	go s.Start(context.Background())
	time.Sleep(70 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, ct.ticks.Load(), int64(2), "failed ticks never stop the loop")
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	ct := &countingTicker{}
	s := New(ct, time.Hour, logging.New(slog.LevelError, "text"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}
