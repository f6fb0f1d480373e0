package retention

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/dbchat/internal/history"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(history.Config{
		Driver: history.DriverSQLite,
		SQLite: history.SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")},
	}, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestConfigDefaults(t *testing.T) {
	var cfg *Config
	if got := cfg.MaxAge(); got != DefaultMaxAge {
		t.Errorf("nil config MaxAge = %v, want %v", got, DefaultMaxAge)
	}
	if got := cfg.CronSchedule(); got != DefaultSchedule {
		t.Errorf("nil config CronSchedule = %q, want %q", got, DefaultSchedule)
	}

	cfg = &Config{Schedule: "*/5 * * * *", MaxAgeH: 48}
	if got := cfg.MaxAge(); got != 48*time.Hour {
		t.Errorf("MaxAge = %v, want 48h", got)
	}
	if got := cfg.CronSchedule(); got != "*/5 * * * *" {
		t.Errorf("CronSchedule = %q", got)
	}
}

func TestValidate(t *testing.T) {
	store := openTestStore(t)

	p := New(store, &Config{Schedule: "0 3 * * *"}, discardLogger())
	if err := p.Validate(); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}

	p = New(store, &Config{Schedule: "not a cron"}, discardLogger())
	if err := p.Validate(); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRunOncePrunesOldExchanges(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sessionID := uuid.New()

	if err := store.EnsureSession(ctx, sessionID); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	now := time.Now().UTC()
	if err := store.Append(ctx, history.Exchange{SessionID: sessionID, Question: "old", CreatedAt: now.Add(-80 * time.Hour)}); err != nil {
		t.Fatalf("Append old: %v", err)
	}
	if err := store.Append(ctx, history.Exchange{SessionID: sessionID, Question: "recent", CreatedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Append recent: %v", err)
	}

	p := New(store, &Config{MaxAgeH: 72}, discardLogger())
	p.now = func() time.Time { return now }
	p.runOnce(ctx)

	got, err := store.Recent(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Question != "recent" {
		t.Errorf("unexpected surviving exchanges: %+v", got)
	}
}
