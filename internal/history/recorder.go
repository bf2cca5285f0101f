package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/procwatch/internal/eventbus"
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder subscribes to every event type and forwards records to sinks from
// a background goroutine, so slow sinks never block the emitter. When the
// queue is full new records are dropped and logged.
type Recorder struct {
	sub     eventbus.Subscriber
	subs    []eventbus.Subscription
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	queue     chan Record
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Record, n)
		}
	}
}

func WithSendTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder starts forwarding events from sub to sinks.
func NewRecorder(sub eventbus.Subscriber, sinks []Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sub:     sub,
		sinks:   append([]Sink(nil), sinks...),
		logger:  slog.Default(),
		timeout: DefaultSendTimeout,
		queue:   make(chan Record, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.run()
	for _, t := range eventbus.Types() {
		r.subs = append(r.subs, sub.On(t, r.enqueue))
	}
	return r
}

func (r *Recorder) enqueue(e eventbus.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- FromEvent(e):
	default:
		r.logger.Warn("history: queue full, dropping record", "type", string(e.Type), "id", e.ID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, rec); err != nil {
				r.logger.Error("history: sink send failed", "type", rec.Type, "id", rec.EventID, "error", err)
			}
			cancel()
		}
	}
}

// Close unsubscribes, flushes queued records and closes sinks that
// implement io.Closer.
func (r *Recorder) Close() error {
	var firstErr error
	r.closeOnce.Do(func() {
		for _, s := range r.subs {
			r.sub.Off(s)
		}
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}
