package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/pkg/audit"
)

const (
	testYear         = 2026
	testMonth        = 3
	testDurationMS   = 42
	testFilterLimit  = 10
	testFilterOffset = 5
	testCountResult  = 42
)

// selectColumns lists the SELECT column names in scan order.
var selectColumns = []string{
	"id", "timestamp", "type", "action", "session_id", "subject",
	"user_id", "user_email", "request_id", "details", "success",
	"error_message", "duration_ms",
}

func newTestEvent() audit.Event {
	return audit.Event{
		ID:           "evt-123",
		Timestamp:    time.Date(testYear, testMonth, 15, 10, 30, 0, 0, time.UTC),
		Type:         audit.EventTypeCircuit,
		Action:       "opened",
		SessionID:    "sess-789",
		Subject:      "data",
		UserID:       "user-abc",
		UserEmail:    "test@example.com",
		RequestID:    "req-456",
		Details:      map[string]any{"failures": float64(5)},
		Success:      false,
		ErrorMessage: "connection refused",
		DurationMS:   testDurationMS,
	}
}

func TestNew(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	t.Run("custom retention", func(t *testing.T) {
		store := New(db, Config{RetentionDays: 30})
		assert.Equal(t, 30, store.retentionDays)
		assert.Equal(t, db, store.db)
	})

	t.Run("default retention when zero", func(t *testing.T) {
		store := New(db, Config{RetentionDays: 0})
		assert.Equal(t, defaultRetentionDays, store.retentionDays)
	})
}

func TestLog_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 90})
	event := newTestEvent()

	detailsJSON, err := json.Marshal(event.Details)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_logs").WithArgs(
		event.ID,
		event.Timestamp,
		string(event.Type),
		event.Action,
		event.SessionID,
		event.Subject,
		event.UserID,
		event.UserEmail,
		event.RequestID,
		detailsJSON,
		event.Success,
		event.ErrorMessage,
		event.DurationMS,
		event.Timestamp.Format("2006-01-02"),
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Log(context.Background(), event)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLog_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("connection lost"))

	err = store.Log(context.Background(), newTestEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting audit log")
}

func TestQuery_Filters(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	event := newTestEvent()
	detailsJSON, err := json.Marshal(event.Details)
	require.NoError(t, err)

	rows := sqlmock.NewRows(selectColumns).AddRow(
		event.ID, event.Timestamp, string(event.Type), event.Action,
		event.SessionID, event.Subject, event.UserID, event.UserEmail,
		event.RequestID, detailsJSON, event.Success, event.ErrorMessage,
		event.DurationMS,
	)
	mock.ExpectQuery(`SELECT .+ FROM audit_logs WHERE type = \$1 AND session_id = \$2 ORDER BY timestamp DESC LIMIT 10 OFFSET 5`).
		WithArgs(string(audit.EventTypeCircuit), "sess-789").
		WillReturnRows(rows)

	events, err := store.Query(context.Background(), audit.QueryFilter{
		Type:      audit.EventTypeCircuit,
		SessionID: "sess-789",
		Limit:     testFilterLimit,
		Offset:    testFilterOffset,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, audit.EventTypeCircuit, events[0].Type)
	assert.Equal(t, map[string]any{"failures": float64(5)}, events[0].Details)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_SuccessFilter(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})

	mock.ExpectQuery(`SELECT .+ FROM audit_logs WHERE success = \$1 ORDER BY timestamp DESC`).
		WithArgs(false).
		WillReturnRows(sqlmock.NewRows(selectColumns))

	failed := false
	events, err := store.Query(context.Background(), audit.QueryFilter{Success: &failed})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection lost"))

	_, err = store.Query(context.Background(), audit.QueryFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "querying audit logs")
}

func TestCount(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE subject = \$1`).
		WithArgs("data").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(testCountResult))

	count, err := store.Count(context.Background(), audit.QueryFilter{Subject: "data"})
	require.NoError(t, err)
	assert.Equal(t, testCountResult, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 30})

	mock.ExpectExec("DELETE FROM audit_logs WHERE timestamp").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 12))

	err = store.Cleanup(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupRoutine(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 30})

	mock.ExpectExec("DELETE FROM audit_logs WHERE timestamp").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store.StartCleanupRoutine(20 * time.Millisecond)
	time.Sleep(35 * time.Millisecond)
	assert.NoError(t, store.Close())
}

func TestClose_WithoutStart(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	assert.NoError(t, store.Close())
}
