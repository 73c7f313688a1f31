// Package postgres provides PostgreSQL persistence for sessions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/strandkit/strand/pkg/session"
)

// Store implements session.Store using PostgreSQL. The session manager
// remains authoritative; this store only has to survive restarts.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save upserts the full session record.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	dataJSON, err := json.Marshal(sess.Data)
	if err != nil {
		dataJSON = []byte("{}")
	}
	flashJSON, err := json.Marshal(sess.Flashes)
	if err != nil {
		flashJSON = []byte("[]")
	}

	query := `
		INSERT INTO sessions (id, user_id, user_email, user_name, data, flashes, created_at, last_active_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			user_email = EXCLUDED.user_email,
			user_name = EXCLUDED.user_name,
			data = EXCLUDED.data,
			flashes = EXCLUDED.flashes,
			last_active_at = EXCLUDED.last_active_at,
			expires_at = EXCLUDED.expires_at
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.UserID, sess.UserEmail, sess.UserName,
		dataJSON, flashJSON, sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Load retrieves a session by ID. Returns nil, nil if not found or expired.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	query := `
		SELECT id, user_id, user_email, user_name, data, flashes, created_at, last_active_at, expires_at
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var (
		sess      session.Session
		userID    sql.NullInt64
		dataJSON  []byte
		flashJSON []byte
	)
	err := row.Scan(&sess.ID, &userID, &sess.UserEmail, &sess.UserName,
		&dataJSON, &flashJSON, &sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if userID.Valid {
		sess.UserID = &userID.Int64
	}
	sess.Data = make(map[string]any)
	if len(dataJSON) > 0 {
		_ = json.Unmarshal(dataJSON, &sess.Data)
	}
	if len(flashJSON) > 0 {
		_ = json.Unmarshal(flashJSON, &sess.Flashes)
	}
	return &sess, nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpired removes expired sessions.
func (s *Store) DeleteExpired(ctx context.Context) error {
	query := `DELETE FROM sessions WHERE expires_at <= NOW()`
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("deleting expired sessions: %w", err)
	}
	return nil
}

// Close releases store resources. The database handle is owned by the
// caller and is not closed here.
func (*Store) Close() error {
	return nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
