//go:build integration

package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strandkit/strand/pkg/platform"
	"github.com/strandkit/strand/pkg/session"
	"github.com/strandkit/strand/test/e2e/helpers"
)

// newPostgresConfig returns a platform config backed by the given DSN with
// both sessions and audit stored in PostgreSQL.
func newPostgresConfig(dsn string) *platform.Config {
	cfg := platform.DefaultConfig()
	cfg.Database.DSN = dsn
	cfg.Sessions.Store = platform.SessionStoreDatabase
	cfg.Audit.Enabled = true
	cfg.Audit.Backend = platform.AuditBackendDatabase
	cfg.Services.ProbeInterval = time.Hour
	return cfg
}

func startPlatform(t *testing.T, cfg *platform.Config) *platform.Platform {
	t.Helper()
	p, err := platform.New(platform.WithConfig(cfg))
	if err != nil {
		t.Fatalf("creating platform: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		_ = p.Close()
		t.Fatalf("starting platform: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestSessionPersistence validates that sessions written through the
// platform survive a full stop/start cycle against real PostgreSQL.
func TestSessionPersistence(t *testing.T) {
	dsn := helpers.StartPostgres(t)
	ctx := context.Background()

	p1 := startPlatform(t, newPostgresConfig(dsn))

	userID := int64(42)
	sess, err := p1.Sessions().Create(ctx, session.CreateOptions{
		UserID:    &userID,
		UserEmail: "ada@example.com",
		UserName:  "Ada",
		Data:      map[string]any{"theme": "dark"},
	})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	if err := p1.Sessions().SetValue(ctx, sess.ID, "cart", "sku-1"); err != nil {
		t.Fatalf("setting value: %v", err)
	}
	if err := p1.Sessions().AddFlash(ctx, sess.ID, session.FlashSuccess, "welcome back"); err != nil {
		t.Fatalf("adding flash: %v", err)
	}

	if err := p1.Close(); err != nil {
		t.Fatalf("closing first platform: %v", err)
	}

	// Second platform against the same database. Migrations are
	// idempotent, so the restart applies them again without error.
	p2 := startPlatform(t, newPostgresConfig(dsn))

	restored, err := p2.Sessions().Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("loading session after restart: %v", err)
	}
	if restored.UserEmail != "ada@example.com" {
		t.Errorf("UserEmail = %q, want %q", restored.UserEmail, "ada@example.com")
	}
	if restored.UserID == nil || *restored.UserID != userID {
		t.Errorf("UserID = %v, want %d", restored.UserID, userID)
	}
	if restored.Data["theme"] != "dark" {
		t.Errorf("Data[theme] = %v, want dark", restored.Data["theme"])
	}
	if restored.Data["cart"] != "sku-1" {
		t.Errorf("Data[cart] = %v, want sku-1", restored.Data["cart"])
	}

	flashes, err := p2.Sessions().TakeFlashes(ctx, sess.ID)
	if err != nil {
		t.Fatalf("taking flashes: %v", err)
	}
	if len(flashes) != 1 || flashes[0].Message != "welcome back" {
		t.Fatalf("flashes = %v, want one welcome back message", flashes)
	}
	if flashes[0].Level != session.FlashSuccess {
		t.Errorf("flash level = %q, want %q", flashes[0].Level, session.FlashSuccess)
	}

	// Flashes are consumed for good; a third platform must not see them.
	if err := p2.Close(); err != nil {
		t.Fatalf("closing second platform: %v", err)
	}

	p3 := startPlatform(t, newPostgresConfig(dsn))

	flashes, err = p3.Sessions().TakeFlashes(ctx, sess.ID)
	if err != nil {
		t.Fatalf("taking flashes after restart: %v", err)
	}
	if len(flashes) != 0 {
		t.Errorf("flashes after consumption = %v, want none", flashes)
	}

	if err := p3.Sessions().Destroy(ctx, sess.ID); err != nil {
		t.Fatalf("destroying session: %v", err)
	}
	if _, err := p3.Sessions().Get(ctx, sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get after destroy = %v, want ErrNotFound", err)
	}
}
