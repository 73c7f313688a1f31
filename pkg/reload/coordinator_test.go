package reload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	reloadTestWindow = 60 * time.Millisecond
	reloadTestWait   = time.Second
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.DefaultWindow == 0 {
		cfg.DefaultWindow = reloadTestWindow
	}
	c := NewCoordinator(cfg)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	return c
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(reloadTestWait):
		t.Fatal("timed out waiting for reload event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, events <-chan Event, within time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected reload event: %+v", ev)
	case <-time.After(within):
	}
}

func TestCoordinator_CoalescesBurst(t *testing.T) {
	c := newTestCoordinator(t, Config{DefaultWindow: 100 * time.Millisecond})
	ctx := context.Background()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Notify(ctx, "views/index.html", CategoryTemplates))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Notify(ctx, "views/login.html", CategoryTemplates))

	ev := waitEvent(t, events)
	assert.Equal(t, CategoryTemplates, ev.Category)
	assert.Equal(t, []string{"views/index.html", "views/login.html"}, ev.Paths)
	assert.False(t, ev.At.IsZero())

	// One burst, one event.
	assertNoEvent(t, events, 150*time.Millisecond)
}

func TestCoordinator_TrailingEdgeRestartsWindow(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	ctx := context.Background()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	// Each notify lands inside the previous window, so nothing is
	// emitted until the final quiet period.
	for i, path := range []string{"a.go", "b.go", "c.go"} {
		if i > 0 {
			time.Sleep(reloadTestWindow / 2)
		}
		require.NoError(t, c.Notify(ctx, path, CategoryCode))
	}

	ev := waitEvent(t, events)
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, ev.Paths)
}

func TestCoordinator_DuplicatePathCollapses(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	ctx := context.Background()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Notify(ctx, "app.yml", CategoryConfig))
	require.NoError(t, c.Notify(ctx, "app.yml", CategoryConfig))

	ev := waitEvent(t, events)
	assert.Equal(t, []string{"app.yml"}, ev.Paths)
}

func TestCoordinator_CategoriesDebounceIndependently(t *testing.T) {
	c := newTestCoordinator(t, Config{
		DefaultWindow: 250 * time.Millisecond,
		Windows: map[Category]time.Duration{
			CategoryTemplates: 30 * time.Millisecond,
		},
	})
	ctx := context.Background()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Notify(ctx, "main.go", CategoryCode))
	require.NoError(t, c.Notify(ctx, "views/index.html", CategoryTemplates))

	// The short template window fires first even though the code change
	// arrived earlier.
	first := waitEvent(t, events)
	assert.Equal(t, CategoryTemplates, first.Category)

	second := waitEvent(t, events)
	assert.Equal(t, CategoryCode, second.Category)
	assert.Equal(t, []string{"main.go"}, second.Paths)
}

func TestCoordinator_UnknownCategoryUsesDefaultWindow(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	ctx := context.Background()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Notify(ctx, "notes.md", Category("docs")))

	ev := waitEvent(t, events)
	assert.Equal(t, Category("docs"), ev.Category)
	assert.Equal(t, []string{"notes.md"}, ev.Paths)
}

func TestCoordinator_FanOutReachesAllSubscribers(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	ctx := context.Background()

	first, stopFirst := c.Subscribe()
	defer stopFirst()
	second, stopSecond := c.Subscribe()
	defer stopSecond()

	require.NoError(t, c.Notify(ctx, "views/index.html", CategoryTemplates))

	assert.Equal(t, []string{"views/index.html"}, waitEvent(t, first).Paths)
	assert.Equal(t, []string{"views/index.html"}, waitEvent(t, second).Paths)
}

func TestCoordinator_SlowSubscriberDropsOldest(t *testing.T) {
	c := newTestCoordinator(t, Config{SubscriberBuffer: 2})
	ctx := context.Background()

	slow, stopSlow := c.Subscribe()
	defer stopSlow()
	fast, stopFast := c.Subscribe()
	defer stopFast()

	// The slow subscriber never drains while three events are emitted.
	for _, cat := range []Category{CategoryTemplates, CategoryConfig, CategoryAssets} {
		require.NoError(t, c.Force(ctx, cat, "x"))
		assert.Equal(t, cat, waitEvent(t, fast).Category)
	}

	// It kept the newest two; the oldest was dropped to make room.
	assert.Equal(t, CategoryConfig, waitEvent(t, slow).Category)
	assert.Equal(t, CategoryAssets, waitEvent(t, slow).Category)
	assertNoEvent(t, slow, 50*time.Millisecond)

	assert.Equal(t, uint64(1), c.Stats().Dropped)
}

func TestCoordinator_ForceBypassesWindow(t *testing.T) {
	c := newTestCoordinator(t, Config{DefaultWindow: time.Hour})
	ctx := context.Background()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Notify(ctx, "policies/admin.yml", CategoryPolicies))
	require.NoError(t, c.Force(ctx, CategoryPolicies))

	ev := waitEvent(t, events)
	assert.Equal(t, []string{"policies/admin.yml"}, ev.Paths)

	// The hour-long window was cancelled along with the flush.
	assertNoEvent(t, events, 100*time.Millisecond)
}

func TestCoordinator_ForceWithoutPendingSignalsFullReload(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Force(context.Background(), CategoryTemplates))

	ev := waitEvent(t, events)
	assert.Equal(t, CategoryTemplates, ev.Category)
	assert.Empty(t, ev.Paths)
}

func TestCoordinator_Unsubscribe(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	events, unsubscribe := c.Subscribe()
	unsubscribe()

	_, open := <-events
	assert.False(t, open)

	// Unsubscribing twice is a no-op.
	unsubscribe()

	require.NoError(t, c.Force(context.Background(), CategoryConfig))
}

func TestCoordinator_NotifyAfterClose(t *testing.T) {
	c := NewCoordinator(Config{})
	require.NoError(t, c.Close())

	err := c.Notify(context.Background(), "x", CategoryConfig)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCoordinator_CanceledContext(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Notify(ctx, "x", CategoryConfig), context.Canceled)
	assert.ErrorIs(t, c.Force(ctx, CategoryConfig), context.Canceled)
}

func TestCoordinator_Stats(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	ctx := context.Background()

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Notify(ctx, "a", CategoryAssets))
	require.NoError(t, c.Notify(ctx, "b", CategoryAssets))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, uint64(2), stats.Notifies)

	waitEvent(t, events)

	stats = c.Stats()
	assert.Zero(t, stats.Pending)
	assert.Equal(t, uint64(1), stats.Events)
}
