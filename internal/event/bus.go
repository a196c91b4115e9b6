package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/obs"
)

// Handler consumes one event. Returning an error does not stop
// dispatch to later handlers.
type Handler func(ctx context.Context, e Event) error

type entry struct {
	id int
	fn Handler
}

// Bus dispatches events synchronously to handlers in registration
// order. Publish does not return until every handler has run; nested
// publishes from inside a handler complete depth-first before the
// outer publish resumes.
type Bus struct {
	mu       sync.Mutex
	handlers map[Type][]entry
	nextID   int
	metrics  *obs.Metrics

	emittingError bool
}

// NewBus allocates an empty bus.
func NewBus(metrics *obs.Metrics) *Bus {
	return &Bus{
		handlers: make(map[Type][]entry),
		metrics:  metrics,
	}
}

// Subscribe registers a handler for the event type and returns its
// unsubscribe func.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], entry{id: id, fn: h})
	return func() { b.unsubscribe(t, id) }
}

func (b *Bus) unsubscribe(t Type, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[t]
	for i, e := range entries {
		if e.id == id {
			b.handlers[t] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// HasHandlers reports whether any handler is registered for the type.
func (b *Bus) HasHandlers(t Type) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[t]) > 0
}

// Clear drops every registered handler.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Type][]entry)
}

// Publish runs all handlers for the event's type in registration
// order. A handler error or panic is converted into an
// error.recoverable event; failures raised while that error event is
// itself being published are logged instead of re-published.
func (b *Bus) Publish(ctx context.Context, e Event) {
	t := e.Type()
	if !t.IsAvailable() {
		logs.Warnf("dropping event with unknown type %q", t)
		return
	}
	b.metrics.IncEvent(string(t))
	start := time.Now()
	defer func() { b.metrics.ObservePublish(time.Since(start)) }()

	b.mu.Lock()
	entries := make([]entry, len(b.handlers[t]))
	copy(entries, b.handlers[t])
	if t == TypeErrorRecoverable {
		b.emittingError = true
		defer func() {
			b.mu.Lock()
			b.emittingError = false
			b.mu.Unlock()
		}()
	}
	b.mu.Unlock()

	for _, ent := range entries {
		if err := b.dispatch(ctx, ent.fn, e); err != nil {
			b.reportHandlerError(ctx, t, err)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, fn Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, e)
}

func (b *Bus) reportHandlerError(ctx context.Context, source Type, err error) {
	b.metrics.IncHandlerError()
	b.mu.Lock()
	guarded := b.emittingError
	b.mu.Unlock()
	if guarded || source == TypeErrorRecoverable {
		logs.Errorf("handler failed for %s while reporting an error: %v", source, err)
		return
	}
	logs.Warnf("handler failed for %s: %v", source, err)
	b.Publish(ctx, NewError(TypeErrorRecoverable, string(source), err.Error()))
}
