package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/dbchat/internal/credentials"
	"github.com/jkaninda/dbchat/internal/dbconn"
	"github.com/jkaninda/dbchat/internal/history"
	"github.com/jkaninda/dbchat/internal/llm"
	"github.com/jkaninda/dbchat/internal/querychain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChain is a scriptable querychain.Chain.
type fakeChain struct {
	res  *querychain.Result
	err  error
	asks int
}

func (f *fakeChain) Ask(_ context.Context, question string) (*querychain.Result, error) {
	f.asks++
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	res.Question = question
	return &res, nil
}

// fakeDB returns an unopened handle; nothing in these tests touches the wire.
func fakeDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", "postgres://u:p@localhost:5432/none")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
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

func TestSessionAskRecordsHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	if err := store.EnsureSession(ctx, id); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	chain := &fakeChain{res: &querychain.Result{
		SQL:    "SELECT count(*) FROM artists",
		Answer: "There are 15086 artists.",
		Rows:   [][]string{{"15086"}},
		Usage:  llm.Usage{InputTokens: 100, OutputTokens: 20},
	}}
	sess := &Session{ID: id, chain: chain, store: store, logger: discardLogger()}

	res, err := sess.Ask(ctx, "How many artists are there?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != "There are 15086 artists." {
		t.Errorf("unexpected answer: %q", res.Answer)
	}

	got, err := sess.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(got))
	}
	if got[0].Question != "How many artists are there?" || got[0].RowsReturned != 1 {
		t.Errorf("unexpected exchange: %+v", got[0])
	}
	if sess.Info().Questions != 1 {
		t.Errorf("question count = %d, want 1", sess.Info().Questions)
	}
}

func TestSessionAskErrorIsNotRecorded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	if err := store.EnsureSession(ctx, id); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	wantErr := &querychain.QueryError{Stage: "execute", Err: errors.New("relation missing")}
	sess := &Session{ID: id, chain: &fakeChain{err: wantErr}, store: store, logger: discardLogger()}

	if _, err := sess.Ask(ctx, "bad question"); !errors.Is(err, wantErr) {
		t.Fatalf("expected chain error, got %v", err)
	}

	got, err := sess.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("failed questions must not be recorded, got %d exchanges", len(got))
	}
	if sess.Info().Questions != 0 {
		t.Errorf("question count = %d, want 0", sess.Info().Questions)
	}
}

func TestSessionCachedAnswerNotReRecorded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	if err := store.EnsureSession(ctx, id); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	chain := &fakeChain{res: &querychain.Result{Answer: "cached", Cached: true}}
	sess := &Session{ID: id, chain: chain, store: store, logger: discardLogger()}

	if _, err := sess.Ask(ctx, "repeat"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	got, err := sess.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("cached answers must not be re-recorded, got %d exchanges", len(got))
	}
}

func TestSessionInfoRedactsPassword(t *testing.T) {
	exp := time.Now().UTC()
	sess := &Session{
		ID:     uuid.New(),
		logger: discardLogger(),
		cred: &credentials.Credential{
			Username:      "v-app-user123",
			Password:      "A1b2c3d4e5f6",
			LeaseID:       "database/creds/app/abc123",
			LeaseDuration: time.Hour,
			IssuedAt:      exp,
		},
	}

	info := sess.Info()
	if info.Username != "v-app-user123" {
		t.Errorf("username = %q", info.Username)
	}
	if info.PasswordHint == "A1b2c3d4e5f6" {
		t.Fatal("password must not be exposed whole")
	}
	if info.PasswordHint[:5] != "A1b2c" {
		t.Errorf("password hint = %q, want first 5 chars visible", info.PasswordHint)
	}
	if info.LeaseID != "database/creds/app/abc123" {
		t.Errorf("lease id = %q", info.LeaseID)
	}
	if info.LeaseExpires == nil {
		t.Error("expected lease expiry")
	}

	raw, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "A1b2c3d4e5f6") {
		t.Error("serialized session info leaks the password")
	}
}

func TestSessionRotateSwapsConnection(t *testing.T) {
	oldDB := fakeDB(t)
	newDB := fakeDB(t)

	var rotatedTo atomic.Value
	sess := &Session{
		ID:     uuid.New(),
		logger: discardLogger(),
		db:     oldDB,
		cred:   &credentials.Credential{Username: "old", Password: "old"},
		connectWith: func(_ context.Context, cred *credentials.Credential) (*sql.DB, error) {
			return newDB, nil
		},
		onRotate: func(cred *credentials.Credential) { rotatedTo.Store(cred.Username) },
	}

	fresh := &credentials.Credential{Username: "new-user", Password: "new-pass", LeaseID: "lease-2"}
	sess.rotate(fresh)

	info := sess.Info()
	if info.Username != "new-user" {
		t.Errorf("session still on old credential: %q", info.Username)
	}
	if got, _ := rotatedTo.Load().(string); got != "new-user" {
		t.Errorf("rotation hook got %q", got)
	}
}

func TestSessionRotateKeepsOldConnectionOnFailure(t *testing.T) {
	oldDB := fakeDB(t)
	sess := &Session{
		ID:     uuid.New(),
		logger: discardLogger(),
		db:     oldDB,
		cred:   &credentials.Credential{Username: "old", Password: "old"},
		connectWith: func(_ context.Context, _ *credentials.Credential) (*sql.DB, error) {
			return nil, dbconn.ErrConnectionFailed
		},
	}

	sess.rotate(&credentials.Credential{Username: "new-user", Password: "x"})

	if got := sess.Info().Username; got != "old" {
		t.Errorf("failed rotation must keep the old credential, got %q", got)
	}
}

// --- Manager ---

func newFileManager(t *testing.T, store *history.Store, chainErr error) (*Manager, *fakeChain) {
	t.Helper()
	chain := &fakeChain{res: &querychain.Result{Answer: "ok"}, err: chainErr}
	m := NewManager(Options{
		Conn:   &dbconn.Provider{},
		LLM:    nil,
		Store:  store,
		Logger: discardLogger(),
		Instrument: func(querychain.Chain) querychain.Chain {
			return chain
		},
	})
	m.connect = func(_ context.Context) (*sql.DB, *credentials.Credential, error) {
		return fakeDB(t), &credentials.Credential{Username: "user123", Password: "pw456"}, nil
	}
	m.connectWith = func(_ context.Context, cred *credentials.Credential) (*sql.DB, error) {
		return fakeDB(t), nil
	}
	return m, chain
}

func TestManagerOpenAndClose(t *testing.T) {
	ctx := context.Background()
	var opens, closes atomic.Int32

	m, chain := newFileManager(t, openTestStore(t), nil)
	m.opts.OnOpen = func() { opens.Add(1) }
	m.opts.OnClose = func() { closes.Add(1) }

	sess, err := m.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}
	if got, ok := m.Get(sess.ID); !ok || got != sess {
		t.Error("session not tracked by ID")
	}

	if _, err := sess.Ask(ctx, "hello"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if chain.asks != 1 {
		t.Errorf("instrumented chain saw %d asks, want 1", chain.asks)
	}

	if !m.Close(ctx, sess.ID) {
		t.Error("Close returned false for tracked session")
	}
	if m.Count() != 0 {
		t.Errorf("count after close = %d, want 0", m.Count())
	}
	if m.Close(ctx, sess.ID) {
		t.Error("Close returned true for already-closed session")
	}
	if opens.Load() != 1 || closes.Load() != 1 {
		t.Errorf("hooks: opens=%d closes=%d, want 1/1", opens.Load(), closes.Load())
	}
}

func TestManagerCloseAll(t *testing.T) {
	ctx := context.Background()
	m, _ := newFileManager(t, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := m.Open(ctx); err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
	}
	if m.Count() != 3 {
		t.Fatalf("count = %d, want 3", m.Count())
	}
	m.CloseAll(ctx)
	if m.Count() != 0 {
		t.Errorf("count after CloseAll = %d, want 0", m.Count())
	}
}

func TestManagerVaultModeRevokesOnClose(t *testing.T) {
	ctx := context.Background()
	var revoked atomic.Int32

	vault := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/database/creds/app":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"lease_id": "database/creds/app/lease1",
				"lease_duration": 3600,
				"renewable": true,
				"data": {"username": "v-app-x1", "password": "secret-pw"}
			}`))
		case r.Method == http.MethodPut && r.URL.Path == "/v1/sys/leases/revoke":
			revoked.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPut && r.URL.Path == "/v1/sys/leases/renew":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"lease_duration": 3600, "renewable": true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer vault.Close()

	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	m := NewManager(Options{
		Conn:   &dbconn.Provider{},
		Logger: discardLogger(),
		Instrument: func(querychain.Chain) querychain.Chain {
			return &fakeChain{res: &querychain.Result{Answer: "ok"}}
		},
		NewRenewer: func(sessionID uuid.UUID) (*credentials.Renewer, error) {
			client, err := credentials.NewVaultClient(credentials.VaultConfig{
				Address:       vault.URL,
				Token:         "test-token",
				CorrelationID: sessionID.String(),
			})
			if err != nil {
				return nil, err
			}
			return credentials.NewRenewer(client, "database", "app", discardLogger()), nil
		},
	})
	m.connectWith = func(_ context.Context, cred *credentials.Credential) (*sql.DB, error) {
		if cred.Username != "v-app-x1" {
			t.Errorf("connectWith got username %q", cred.Username)
		}
		return fakeDB(t), nil
	}

	sess, err := m.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	info := sess.Info()
	if info.LeaseID != "database/creds/app/lease1" {
		t.Errorf("lease id = %q", info.LeaseID)
	}
	if !info.LeaseRenewing {
		t.Error("expected lease renewal to be active")
	}

	m.Close(ctx, sess.ID)
	if revoked.Load() != 1 {
		t.Errorf("revocations = %d, want 1", revoked.Load())
	}
}

func TestManagerVaultModeRenewalOutlivesOpenContext(t *testing.T) {
	var renews atomic.Int32

	vault := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/database/creds/app":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"lease_id": "database/creds/app/lease1",
				"lease_duration": 0,
				"renewable": true,
				"data": {"username": "v-app-x1", "password": "secret-pw"}
			}`))
		case r.Method == http.MethodPut && r.URL.Path == "/v1/sys/leases/renew":
			renews.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"lease_duration": 0, "renewable": true}`))
		case r.Method == http.MethodPut && r.URL.Path == "/v1/sys/leases/revoke":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer vault.Close()

	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	m := NewManager(Options{
		Conn:   &dbconn.Provider{},
		Logger: discardLogger(),
		Instrument: func(querychain.Chain) querychain.Chain {
			return &fakeChain{res: &querychain.Result{Answer: "ok"}}
		},
		NewRenewer: func(sessionID uuid.UUID) (*credentials.Renewer, error) {
			client, err := credentials.NewVaultClient(credentials.VaultConfig{
				Address: vault.URL,
				Token:   "test-token",
			})
			if err != nil {
				return nil, err
			}
			r := credentials.NewRenewer(client, "database", "app", discardLogger())
			r.MinInterval = 10 * time.Millisecond
			return r, nil
		},
	})
	m.connectWith = func(_ context.Context, _ *credentials.Credential) (*sql.DB, error) {
		return fakeDB(t), nil
	}

	// Sessions opened from an HTTP handler get the request context, which
	// net/http cancels as soon as the handler returns. The renew loop must
	// keep running regardless: the session lives across requests.
	reqCtx, cancel := context.WithCancel(context.Background())
	sess, err := m.Open(reqCtx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for renews.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("renew loop died with the request context after %d renewals", renews.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !sess.Info().LeaseRenewing {
		t.Error("expected renewal to be reported active")
	}

	m.Close(context.Background(), sess.ID)
	if sess.Info().LeaseRenewing {
		t.Error("closed session must not report active renewal")
	}
}

func TestSessionRotateAfterCloseClosesFreshConnection(t *testing.T) {
	ctx := context.Background()
	newDB := fakeDB(t)

	sess := &Session{
		ID:     uuid.New(),
		logger: discardLogger(),
		db:     fakeDB(t),
		cred:   &credentials.Credential{Username: "old", Password: "old"},
		connectWith: func(_ context.Context, _ *credentials.Credential) (*sql.DB, error) {
			return newDB, nil
		},
	}

	sess.Close(ctx)
	sess.rotate(&credentials.Credential{Username: "late", Password: "x", LeaseID: "lease-9"})

	if got := sess.Info().Username; got != "old" {
		t.Errorf("rotation after close must not install the credential, got %q", got)
	}
	if err := newDB.Ping(); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("fresh connection must be closed, Ping returned %v", err)
	}
}
