package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketplane/escrowd/internal/logging"
)

// Timer runs the sweep on an interval. One sweep fires immediately on start
// so the status gauges populate without waiting a full interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a sweep timer. A non-positive interval falls back to five
// minutes.
func NewTimer(runner *Runner, interval time.Duration) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine; returns when
// ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer loop to exit. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// safeRun keeps one bad sweep from taking the loop down with it.
func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.runner.RunAll(ctx); err != nil {
		logging.L(ctx).Warn("reconciliation sweep failed", "error", err)
	}
}
