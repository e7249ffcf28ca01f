package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Mellanfrost/twitch-bot/internal/logging"
	"github.com/Mellanfrost/twitch-bot/internal/metrics"
)

const (
	// Per-handler queue depth. A handler that falls this far behind starts
	// losing notifications rather than stalling the read loop.
	handlerQueueSize = 64

	stopTimeout = 10 * time.Second
)

// Notification is one decoded inbound event, passed by value to every
// handler registered for its type and then discarded.
type Notification struct {
	Type    string
	Payload map[string]any
}

// Handler processes one notification. A returned error is logged at the
// dispatch boundary and never reaches the read loop or sibling handlers.
type Handler func(ctx context.Context, n Notification) error

// worker owns one registered handler and a serial FIFO queue: the handler
// sees notifications in arrival order, and its slowness or failure affects
// nobody else (one goroutine per handler, same shape as a per-connection
// writer).
type worker struct {
	id        uuid.UUID
	eventType string
	handler   Handler
	queue     chan Notification
	done      chan struct{}
	clock     clockwork.Clock
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	for n := range w.queue {
		w.invoke(ctx, n)
	}
}

func (w *worker) invoke(ctx context.Context, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(w.eventType).Inc()
			logging.WithEventType(w.eventType).Error("Handler panic recovered", "handler_id", w.id.String(), "panic", r)
		}
	}()

	start := w.clock.Now()
	err := w.handler(ctx, n)
	metrics.HandlerDuration.WithLabelValues(w.eventType).Observe(w.clock.Since(start).Seconds())

	if err != nil {
		metrics.HandlerErrorsTotal.WithLabelValues(w.eventType).Inc()
		logging.WithEventType(w.eventType).Error("Handler failed", "handler_id", w.id.String(), "error", err)
	}
}

// Dispatcher maintains, per event type, an append-only ordered list of
// handlers and fans each inbound notification out to all of them.
type Dispatcher struct {
	clock  clockwork.Clock
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	workers map[string][]*worker // registration order defines invocation order
	stopped bool
}

func NewDispatcher(clock clockwork.Clock) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		clock:   clock,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string][]*worker),
	}
}

// Register appends a handler for eventType and returns its identity.
// Safe to call while dispatch is running; handlers are never removed.
func (d *Dispatcher) Register(eventType string, h Handler) uuid.UUID {
	w := &worker{
		id:        uuid.New(),
		eventType: eventType,
		handler:   h,
		queue:     make(chan Notification, handlerQueueSize),
		done:      make(chan struct{}),
		clock:     d.clock,
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		slog.Warn("Register after stop ignored", "event_type", eventType)
		return w.id
	}
	d.workers[eventType] = append(d.workers[eventType], w)
	d.mu.Unlock()

	go w.run(d.ctx)
	return w.id
}

// HandlerCount returns how many handlers are registered for eventType.
func (d *Dispatcher) HandlerCount(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.workers[eventType])
}

// Dispatch hands the notification to every handler registered for its type,
// in registration order, without waiting for any of them. Unknown types are
// dropped silently. Never blocks: a handler whose queue is full loses the
// notification instead of stalling the caller.
func (d *Dispatcher) Dispatch(eventType string, payload map[string]any) {
	d.mu.RLock()
	workers := d.workers[eventType]
	stopped := d.stopped
	d.mu.RUnlock()

	if stopped {
		return
	}
	if len(workers) == 0 {
		metrics.NotificationsDroppedTotal.Inc()
		return
	}

	n := Notification{Type: eventType, Payload: payload}
	metrics.NotificationsDispatchedTotal.WithLabelValues(eventType).Inc()

	for _, w := range workers {
		select {
		case w.queue <- n:
		default:
			metrics.HandlerErrorsTotal.WithLabelValues(eventType).Inc()
			slog.Warn("Handler queue full, dropping notification", "event_type", eventType, "handler_id", w.id.String())
		}
	}
}

// Stop closes all handler queues, lets queued work drain, and cancels the
// handler context. Blocks until every worker has exited or the timeout is
// reached. No dispatch occurs afterward.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	var all []*worker
	for _, ws := range d.workers {
		all = append(all, ws...)
	}
	d.mu.Unlock()

	for _, w := range all {
		close(w.queue)
	}

	timer := d.clock.NewTimer(stopTimeout)
	defer timer.Stop()
	for _, w := range all {
		select {
		case <-w.done:
		case <-timer.Chan():
			slog.Warn("Dispatcher stop timeout exceeded, abandoning workers")
			d.cancel()
			return
		}
	}
	d.cancel()
}
