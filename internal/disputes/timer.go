package disputes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ReleaseTimer periodically releases orders whose release window passed.
type ReleaseTimer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool

	running atomic.Bool
}

// NewReleaseTimer creates a timer that runs service.AutoRelease every
// interval.
func NewReleaseTimer(service *Service, interval time.Duration, logger *slog.Logger) *ReleaseTimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReleaseTimer{service: service, interval: interval, logger: logger}
}

// Running reports whether the timer loop is actively running.
func (t *ReleaseTimer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *ReleaseTimer) Start(ctx context.Context) {
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

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.safeReleaseDue(ctx)
		}
	}
}

// Stop ends the loop. A Start after Stop returns immediately.
func (t *ReleaseTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *ReleaseTimer) safeReleaseDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in release timer", "panic", fmt.Sprint(r))
		}
	}()

	released, err := t.service.AutoRelease(ctx)
	if err != nil && ctx.Err() == nil {
		t.logger.Warn("auto-release run failed", "error", err)
	}
	if released > 0 {
		t.logger.Info("auto-released orders", "count", released)
	}
}
