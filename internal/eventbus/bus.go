// Package eventbus is the in-memory publish/subscribe channel between the
// process manager and the watchdog. Neither side references the other; both
// only see the Emitter and Subscriber interfaces declared here.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Handler receives events synchronously in the emitting goroutine.
type Handler func(Event)

// Emitter publishes events.
type Emitter interface {
	Emit(e Event)
}

// Subscriber registers and removes handlers.
type Subscriber interface {
	On(t Type, h Handler) Subscription
	Off(sub Subscription)
}

// Subscription identifies one registered handler.
type Subscription struct {
	typ Type
	id  uint64
}

// Type returns the event type the subscription listens to.
func (s Subscription) Type() Type { return s.typ }

type entry struct {
	id uint64
	h  Handler
}

// Bus is a synchronous, in-process event bus. Safe for concurrent use.
// Handlers run in registration order in the goroutine calling Emit;
// there is no queue, no persistence and no replay for late subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]entry
	nextID   uint64
	closed   bool

	clock  clock.PassiveClock
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for dropped events and handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock sets the clock used to stamp events without a timestamp.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[Type][]entry),
		clock:    clock.RealClock{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// On registers h for events of type t. Registering on an unknown type or on
// a closed bus returns a zero Subscription and the handler is never called.
func (b *Bus) On(t Type, h Handler) Subscription {
	if h == nil || !t.Valid() {
		b.logger.Warn("eventbus: ignoring subscription", "type", string(t))
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}
	}
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], entry{id: id, h: h})
	return Subscription{typ: t, id: id}
}

// Off removes a handler. Unknown or zero subscriptions are ignored.
func (b *Bus) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[sub.typ]
	for i, e := range hs {
		if e.id == sub.id {
			// copy so in-flight Emit snapshots stay intact
			next := make([]entry, 0, len(hs)-1)
			next = append(next, hs[:i]...)
			next = append(next, hs[i+1:]...)
			b.handlers[sub.typ] = next
			return
		}
	}
}

// Emit delivers e to every handler registered for e.Type. ID and Timestamp
// are filled in when empty.
func (b *Bus) Emit(e Event) {
	if !e.Type.Valid() {
		b.logger.Warn("eventbus: dropping event of unknown type", "type", string(e.Type), "source", e.Source)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	hs := b.handlers[e.Type]
	b.mu.RUnlock()
	for _, en := range hs {
		b.dispatch(en.h, e)
	}
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panic", "type", string(e.Type), "source", e.Source, "panic", fmt.Sprint(r))
		}
	}()
	h(e)
}

// Len returns the number of handlers registered for t.
func (b *Bus) Len(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

// Close drops every subscription. Further Emit and On calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.handlers = make(map[Type][]entry)
	b.mu.Unlock()
}
