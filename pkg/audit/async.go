package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultAsyncQueue is the queue capacity applied when none is
// configured.
const DefaultAsyncQueue = 256

// AsyncLogger wraps another Logger with a bounded queue so callers never
// block on the backing store. Events that arrive while the queue is full
// are dropped and counted.
type AsyncLogger struct {
	inner Logger
	queue chan Event
	done  chan struct{}

	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewAsyncLogger wraps inner with a queue of the given capacity. A
// non-positive capacity falls back to DefaultAsyncQueue.
func NewAsyncLogger(inner Logger, capacity int) *AsyncLogger {
	if capacity <= 0 {
		capacity = DefaultAsyncQueue
	}
	l := &AsyncLogger{
		inner: inner,
		queue: make(chan Event, capacity),
		done:  make(chan struct{}),
	}
	go l.drain()
	return l
}

// drain forwards queued events to the inner logger until the queue
// closes.
func (l *AsyncLogger) drain() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.inner.Log(context.Background(), event); err != nil {
			slog.Warn("audit write failed", "event_id", event.ID, "error", err)
		}
	}
}

// Log enqueues the event without blocking. Events arriving after Close
// or while the queue is full are dropped and counted.
func (l *AsyncLogger) Log(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.dropped.Add(1)
		return nil
	}

	select {
	case l.queue <- event:
	default:
		l.dropped.Add(1)
	}
	return nil
}

// Query delegates to the wrapped logger. Events still in the queue are
// not visible until the drain loop has written them.
func (l *AsyncLogger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return l.inner.Query(ctx, filter)
}

// Dropped returns the number of events discarded because the queue was
// full or closed.
func (l *AsyncLogger) Dropped() uint64 {
	return l.dropped.Load()
}

// Close drains the queue, then closes the wrapped logger.
func (l *AsyncLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return l.inner.Close()
}

// Verify interface compliance.
var _ Logger = (*AsyncLogger)(nil)
