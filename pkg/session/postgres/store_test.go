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

	"github.com/strandkit/strand/pkg/session"
)

const (
	pgTestTTL    = 30 * time.Minute
	pgTestSessID = "sess-123"
)

var selectColumns = []string{
	"id", "user_id", "user_email", "user_name", "data", "flashes",
	"created_at", "last_active_at", "expires_at",
}

func newTestSession() *session.Session {
	now := time.Now().UTC()
	uid := int64(42)
	return &session.Session{
		ID:           pgTestSessID,
		UserID:       &uid,
		UserEmail:    "user@example.com",
		UserName:     "User",
		Data:         map[string]any{"key": "value"},
		Flashes:      []session.FlashMessage{{Level: session.FlashInfo, Message: "hi"}},
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(pgTestTTL),
	}
}

func TestSave_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	sess := newTestSession()

	dataJSON, err := json.Marshal(sess.Data)
	require.NoError(t, err)
	flashJSON, err := json.Marshal(sess.Flashes)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO sessions").WithArgs(
		sess.ID, sess.UserID, sess.UserEmail, sess.UserName,
		dataJSON, flashJSON, sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Save(context.Background(), sess)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New("connection refused"))

	err = store.Save(context.Background(), newTestSession())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "saving session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	sess := newTestSession()

	dataJSON, err := json.Marshal(sess.Data)
	require.NoError(t, err)
	flashJSON, err := json.Marshal(sess.Flashes)
	require.NoError(t, err)

	rows := sqlmock.NewRows(selectColumns).AddRow(
		sess.ID, *sess.UserID, sess.UserEmail, sess.UserName,
		dataJSON, flashJSON, sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt,
	)
	mock.ExpectQuery("SELECT .+ FROM sessions").WithArgs(pgTestSessID).WillReturnRows(rows)

	got, err := store.Load(context.Background(), pgTestSessID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pgTestSessID, got.ID)
	require.NotNil(t, got.UserID)
	assert.Equal(t, int64(42), *got.UserID)
	assert.Equal(t, "value", got.Data["key"])
	require.Len(t, got.Flashes, 1)
	assert.Equal(t, session.FlashInfo, got.Flashes[0].Level)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_AnonymousSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(selectColumns).AddRow(
		"sess-anon", nil, "", "", []byte("{}"), []byte("[]"),
		now, now, now.Add(pgTestTTL),
	)
	mock.ExpectQuery("SELECT .+ FROM sessions").WithArgs("sess-anon").WillReturnRows(rows)

	got, err := store.Load(context.Background(), "sess-anon")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.UserID)
	assert.NotNil(t, got.Data, "Data should be initialized even when empty")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	rows := sqlmock.NewRows(selectColumns)
	mock.ExpectQuery("SELECT .+ FROM sessions").WithArgs("nonexistent").WillReturnRows(rows)

	got, err := store.Load(context.Background(), "nonexistent")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT .+ FROM sessions").
		WillReturnError(errors.New("db unavailable"))

	got, err := store.Load(context.Background(), pgTestSessID)
	assert.Error(t, err)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "scanning session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM sessions WHERE id").WithArgs(pgTestSessID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Delete(context.Background(), pgTestSessID)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM sessions WHERE id").
		WillReturnError(errors.New("delete failed"))

	err = store.Delete(context.Background(), pgTestSessID)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "deleting session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM sessions WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 3))

	err = store.DeleteExpired(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM sessions WHERE expires_at").
		WillReturnError(errors.New("cleanup failed"))

	err = store.DeleteExpired(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "deleting expired sessions")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose_DoesNotCloseDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	require.NoError(t, store.Close())

	// The handle stays usable after Close.
	mock.ExpectExec("DELETE FROM sessions WHERE id").WithArgs("still-works").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.NoError(t, store.Delete(context.Background(), "still-works"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
