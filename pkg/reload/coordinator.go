// Package reload coalesces raw file-change notifications into debounced,
// categorized reload events for development-mode live reloading. A burst
// of changes to the same category produces a single downstream event
// carrying the set of changed paths, emitted once the window elapses with
// no further changes.
package reload

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Notify after the coordinator has been closed.
var ErrClosed = errors.New("reload coordinator closed")

const (
	// DefaultWindow is the debounce window applied to categories without
	// their own configured window.
	DefaultWindow = 100 * time.Millisecond

	// DefaultSubscriberBuffer is the per-subscriber event queue depth.
	DefaultSubscriberBuffer = 64
)

// Category names a reload class. Categories debounce independently so a
// slow-settling asset build does not delay template reloads.
type Category string

const (
	CategoryTemplates Category = "templates"
	CategoryConfig    Category = "config"
	CategoryPolicies  Category = "policies"
	CategoryAssets    Category = "assets"
	CategoryCode      Category = "code"
)

// Event is one coalesced reload notification.
type Event struct {
	Category Category `json:"category"`

	// Paths is the sorted set of changed paths in this window. Empty for
	// a forced reload, which asks subscribers to reload the whole
	// category.
	Paths []string `json:"paths"`

	At time.Time `json:"at"`
}

// Config configures the coordinator.
type Config struct {
	// DefaultWindow is the debounce window for categories not listed in
	// Windows.
	DefaultWindow time.Duration

	// Windows overrides the debounce window per category.
	Windows map[Category]time.Duration

	// SubscriberBuffer is the per-subscriber event queue depth.
	SubscriberBuffer int
}

// Stats is a point-in-time snapshot of coordinator counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Pending     int    `json:"pending"`
	Notifies    uint64 `json:"notifies"`
	Events      uint64 `json:"events"`
	Dropped     uint64 `json:"dropped"`
}

// Coordinator owns the debounce state for every category and fans
// coalesced events out to subscribers. Delivery to one subscriber never
// blocks on another: each subscriber has a bounded queue, and when it
// overflows the oldest queued event is dropped to make room for the
// newest.
type Coordinator struct {
	mu      sync.Mutex
	pending map[Category]*categoryState
	closed  bool

	defaultWindow time.Duration
	windows       map[Category]time.Duration

	subMu      sync.Mutex
	subs       map[uint64]chan Event
	nextSubID  uint64
	subsClosed bool
	buffer     int

	notifies atomic.Uint64
	events   atomic.Uint64
	dropped  atomic.Uint64
}

// categoryState accumulates one category's changes until its window
// elapses.
type categoryState struct {
	paths map[string]struct{}
	timer *time.Timer

	// deadline is when the current window ends. A timer fire that lands
	// before it was restarted by a newer notification defers to the
	// rescheduled one.
	deadline time.Time
}

// NewCoordinator creates a reload coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultWindow
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}

	windows := make(map[Category]time.Duration, len(cfg.Windows))
	for cat, w := range cfg.Windows {
		if w > 0 {
			windows[cat] = w
		}
	}

	return &Coordinator{
		pending:       make(map[Category]*categoryState),
		defaultWindow: cfg.DefaultWindow,
		windows:       windows,
		subs:          make(map[uint64]chan Event),
		buffer:        cfg.SubscriberBuffer,
	}
}

// Notify records a raw file-change event. The category's window restarts
// on every notification, so the coalesced event is emitted only after a
// quiet period with no further same-category changes.
func (c *Coordinator) Notify(ctx context.Context, path string, category Category) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	st, ok := c.pending[category]
	if !ok {
		st = &categoryState{paths: make(map[string]struct{})}
		c.pending[category] = st
	}
	st.paths[path] = struct{}{}

	window := c.window(category)
	st.deadline = time.Now().Add(window)
	if st.timer == nil {
		st.timer = time.AfterFunc(window, func() { c.flush(category) })
	} else {
		st.timer.Reset(window)
	}
	c.mu.Unlock()

	c.notifies.Add(1)
	return nil
}

// Force emits the category's pending changes immediately, bypassing the
// debounce window. Extra paths are merged into the event; with nothing
// pending and no extra paths, the event carries an empty path set, which
// asks subscribers to reload the whole category.
func (c *Coordinator) Force(ctx context.Context, category Category, paths ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	merged := make(map[string]struct{}, len(paths))
	if st, ok := c.pending[category]; ok {
		for p := range st.paths {
			merged[p] = struct{}{}
		}
		st.paths = make(map[string]struct{})
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	for _, p := range paths {
		merged[p] = struct{}{}
	}
	c.mu.Unlock()

	c.publish(Event{Category: category, Paths: sortedPaths(merged), At: time.Now()})
	return nil
}

// Subscribe registers a listener for coalesced reload events. The
// returned function unsubscribes and closes the channel.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subsClosed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan Event, c.buffer)
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Stats returns a snapshot of coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	pending := 0
	for _, st := range c.pending {
		if len(st.paths) > 0 {
			pending++
		}
	}
	c.mu.Unlock()

	c.subMu.Lock()
	subscribers := len(c.subs)
	c.subMu.Unlock()

	return Stats{
		Subscribers: subscribers,
		Pending:     pending,
		Notifies:    c.notifies.Load(),
		Events:      c.events.Load(),
		Dropped:     c.dropped.Load(),
	}
}

// Close stops all pending windows and closes subscriber channels.
// Pending changes that never reached their window are discarded.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, st := range c.pending {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	c.pending = make(map[Category]*categoryState)
	c.mu.Unlock()

	c.subMu.Lock()
	c.subsClosed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
	return nil
}

// flush emits the category's accumulated changes once its window
// elapses.
func (c *Coordinator) flush(category Category) {
	c.mu.Lock()
	st, ok := c.pending[category]
	if !ok || len(st.paths) == 0 {
		if ok {
			st.timer = nil
		}
		c.mu.Unlock()
		return
	}
	// A notification may have restarted the window while this fire was
	// already in flight. Emitting now would cut its quiet period short.
	if remaining := time.Until(st.deadline); remaining > 0 {
		st.timer.Reset(remaining)
		c.mu.Unlock()
		return
	}
	paths := sortedPaths(st.paths)
	st.paths = make(map[string]struct{})
	st.timer = nil
	c.mu.Unlock()

	c.publish(Event{Category: category, Paths: paths, At: time.Now()})
}

// publish fans one event out to every subscriber.
func (c *Coordinator) publish(ev Event) {
	c.events.Add(1)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		return
	}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
				c.dropped.Add(1)
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (c *Coordinator) window(category Category) time.Duration {
	if w, ok := c.windows[category]; ok {
		return w
	}
	return c.defaultWindow
}

func sortedPaths(set map[string]struct{}) []string {
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
