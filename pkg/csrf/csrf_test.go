package csrf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	csrfTestTTL        = 5 * time.Minute
	csrfTestShortTTL   = 50 * time.Millisecond
	csrfTestSession    = "sess-1"
	csrfTestGoroutines = 10
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(Config{TTL: ttl})
	t.Cleanup(func() {
		require.NoError(t, m.Close())
	})
	return m
}

func TestManager_IssueIdempotent(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	first, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(first), 43)

	second, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestManager_IssuePerSession(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	a, err := m.Issue(ctx, "sess-a")
	require.NoError(t, err)
	b, err := m.Issue(ctx, "sess-b")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, m.Count(ctx))
}

func TestManager_IssueAfterExpiry(t *testing.T) {
	m := newTestManager(t, csrfTestShortTTL)
	ctx := context.Background()

	first, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)

	time.Sleep(2 * csrfTestShortTTL)

	second, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestManager_ValidateRotates(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	token, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)

	require.NoError(t, m.Validate(ctx, csrfTestSession, token))

	// The accepted token must never validate twice.
	err = m.Validate(ctx, csrfTestSession, token)
	assert.ErrorIs(t, err, ErrMismatch)

	next, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)
	assert.NotEqual(t, token, next)
	require.NoError(t, m.Validate(ctx, csrfTestSession, next))
}

func TestManager_ValidateNoTokenIssued(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)

	err := m.Validate(context.Background(), "unknown", "anything")
	assert.ErrorIs(t, err, ErrNoTokenIssued)
}

func TestManager_ValidateExpiredToken(t *testing.T) {
	m := newTestManager(t, csrfTestShortTTL)
	ctx := context.Background()

	token, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)

	time.Sleep(2 * csrfTestShortTTL)

	err = m.Validate(ctx, csrfTestSession, token)
	assert.ErrorIs(t, err, ErrNoTokenIssued)
}

func TestManager_ValidateMismatchKeepsToken(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	token, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)

	err = m.Validate(ctx, csrfTestSession, "forged-value")
	assert.ErrorIs(t, err, ErrMismatch)

	// A failed attempt must not burn the legitimate token.
	require.NoError(t, m.Validate(ctx, csrfTestSession, token))
}

func TestManager_ValidateMismatchDifferentLength(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	_, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)

	err = m.Validate(ctx, csrfTestSession, "short")
	assert.ErrorIs(t, err, ErrMismatch)

	err = m.Validate(ctx, csrfTestSession, "")
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestManager_ConcurrentValidateSameToken(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	token, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, csrfTestGoroutines)
	for i := 0; i < csrfTestGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Validate(ctx, csrfTestSession, token)
		}()
	}
	wg.Wait()
	close(results)

	var successes, mismatches int
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			assert.ErrorIs(t, err, ErrMismatch)
			mismatches++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, csrfTestGoroutines-1, mismatches)
}

func TestManager_CanceledContextDoesNotRotate(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	token, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	err = m.Validate(canceled, csrfTestSession, token)
	assert.ErrorIs(t, err, context.Canceled)

	// The caller never observed a success, so the token must survive.
	require.NoError(t, m.Validate(ctx, csrfTestSession, token))
}

func TestManager_Delete(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	token, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, csrfTestSession))
	assert.Equal(t, 0, m.Count(ctx))

	err = m.Validate(ctx, csrfTestSession, token)
	assert.ErrorIs(t, err, ErrNoTokenIssued)

	// Deleting again is a no-op.
	require.NoError(t, m.Delete(ctx, csrfTestSession))
}

func TestManager_Cleanup(t *testing.T) {
	m := newTestManager(t, csrfTestShortTTL)
	ctx := context.Background()

	_, err := m.Issue(ctx, "expiring")
	require.NoError(t, err)

	time.Sleep(2 * csrfTestShortTTL)

	require.NoError(t, m.Cleanup(ctx))
	assert.Equal(t, 0, m.Count(ctx))
}

func TestManager_CleanupRoutineLifecycle(t *testing.T) {
	m := NewManager(Config{TTL: csrfTestShortTTL})
	m.StartCleanupRoutine(10 * time.Millisecond)

	_, err := m.Issue(context.Background(), "expiring")
	require.NoError(t, err)

	time.Sleep(5 * csrfTestShortTTL)
	assert.Equal(t, 0, m.Count(context.Background()))

	require.NoError(t, m.Close())
}

func TestManager_CloseWithoutStart(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.Close())
}

func TestManager_Stats(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	token, err := m.Issue(ctx, csrfTestSession)
	require.NoError(t, err)
	require.NoError(t, m.Validate(ctx, csrfTestSession, token))
	assert.ErrorIs(t, m.Validate(ctx, csrfTestSession, token), ErrMismatch)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, uint64(2), stats.Issued)
	assert.Equal(t, uint64(1), stats.Validated)
	assert.Equal(t, uint64(1), stats.Rotated)
	assert.Equal(t, uint64(1), stats.Mismatches)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := newTestManager(t, csrfTestTTL)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < csrfTestGoroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			token, err := m.Issue(ctx, id)
			assert.NoError(t, err)
			assert.NoError(t, m.Validate(ctx, id, token))
		}(i)
	}
	wg.Wait()

	stats := m.Stats()
	assert.Equal(t, uint64(csrfTestGoroutines), stats.Validated)
}
