// Package notify delivers "tell user X about event Y" signals raised by the
// ledger and dispute services.
//
// Delivery is asynchronous and best effort: Notify never blocks the caller
// and never reports failure. Events go through a bounded queue to every
// configured Sink (structured log, webhook, websocket hub).
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize bounds the number of undelivered events.
const DefaultQueueSize = 1024

const deliverTimeout = 30 * time.Second

// Event is one notification addressed to one user.
type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	UserID    int64          `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e *Event) error
}

// Emitter fans events out to its sinks from a pool of workers.
type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
	queue  chan *Event
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter. Call Start before events are delivered.
func NewEmitter(logger *slog.Logger, queueSize int, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Emitter{
		sinks:  sinks,
		logger: logger,
		queue:  make(chan *Event, queueSize),
		now:    time.Now,
	}
}

// Notify enqueues an event for userID. A full queue drops the event.
func (e *Emitter) Notify(_ context.Context, userID int64, kind string, payload map[string]any) {
	if e == nil {
		return
	}
	ev := &Event{
		ID:        "evt_" + uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Timestamp: e.now().UTC(),
		Payload:   payload,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		droppedTotal.WithLabelValues("closed").Inc()
		return
	}
	select {
	case e.queue <- ev:
		emittedTotal.WithLabelValues(kind).Inc()
	default:
		droppedTotal.WithLabelValues("queue_full").Inc()
		e.logger.Warn("notification queue full, dropping event", "kind", kind, "user_id", userID)
	}
}

// Start launches workers that deliver queued events until Close.
func (e *Emitter) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for range workers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for ev := range e.queue {
				e.deliver(ev)
			}
		}()
	}
}

// Close stops accepting events, drains the queue and waits for workers.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Emitter) deliver(ev *Event) {
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := s.Deliver(ctx, ev)
		cancel()
		if err != nil {
			deliveriesTotal.WithLabelValues(s.Name(), "error").Inc()
			e.logger.Warn("notification delivery failed",
				"sink", s.Name(), "kind", ev.Kind, "user_id", ev.UserID, "event_id", ev.ID, "error", err)
			continue
		}
		deliveriesTotal.WithLabelValues(s.Name(), "success").Inc()
	}
}
