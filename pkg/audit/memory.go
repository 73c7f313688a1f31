package audit

import (
	"context"
	"sync"
)

// DefaultMemoryEvents is the ring capacity applied when none is
// configured.
const DefaultMemoryEvents = 1000

// MemoryLogger implements Logger with a bounded in-memory ring. It backs
// the audit trail when no database is configured; once the ring fills,
// the oldest event is discarded for each new one.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []Event
	max    int
}

// NewMemoryLogger creates an in-memory audit logger holding at most max
// events.
func NewMemoryLogger(max int) *MemoryLogger {
	if max <= 0 {
		max = DefaultMemoryEvents
	}
	return &MemoryLogger{
		events: make([]Event, 0, max),
		max:    max,
	}
}

// Log records an audit event.
func (l *MemoryLogger) Log(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if len(l.events) == l.max {
		copy(l.events, l.events[1:])
		l.events = l.events[:l.max-1]
	}
	l.events = append(l.events, event)
	l.mu.Unlock()
	return nil
}

// Query retrieves audit events matching the filter, newest first.
func (l *MemoryLogger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	skipped := 0
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of retained events.
func (l *MemoryLogger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Close does nothing; the ring is garbage collected with the logger.
func (l *MemoryLogger) Close() error {
	return nil
}

// Verify interface compliance.
var _ Logger = (*MemoryLogger)(nil)
