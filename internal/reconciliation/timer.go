package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs ReconcileAll every interval. Stop cancels an in-flight run.
type Timer struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool

	running atomic.Bool
	runs    atomic.Int64
}

// NewTimer creates a timer that runs svc.ReconcileAll every interval.
func NewTimer(svc *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{svc: svc, interval: interval, logger: logger}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Runs returns the number of completed runs, failed ones included.
func (t *Timer) Runs() int64 {
	return t.runs.Load()
}

// Start blocks running reconciliation until ctx is done or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("reconciliation timer started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

// Stop ends the loop. A Start after Stop returns immediately.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Timer) runOnce(ctx context.Context) {
	defer t.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.svc.ReconcileAll(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		t.logger.Warn("reconciliation run failed", "error", err)
	case report.Healthy():
		t.logger.Info("reconciliation completed", "accounts", report.Accounts, "duration_ms", report.DurationMs)
	}
}
