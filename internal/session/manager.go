package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/dbchat/internal/credentials"
	"github.com/jkaninda/dbchat/internal/dbconn"
	"github.com/jkaninda/dbchat/internal/history"
	"github.com/jkaninda/dbchat/internal/llm"
	"github.com/jkaninda/dbchat/internal/querychain"
	"github.com/jkaninda/dbchat/internal/schema"
)

// Options configures a Manager. Conn, LLM, and Logger are required.
type Options struct {
	Conn        *dbconn.Provider
	LLM         llm.Provider
	ChainConfig querychain.Config
	Store       *history.Store // Optional. Nil disables history and the answer cache.
	Logger      *slog.Logger

	// NewRenewer, when set, puts the manager in Vault mode: each session
	// acquires its own lease and keeps it renewed. The session ID is passed
	// so the renewer's Vault client can send it as the correlation ID.
	NewRenewer func(sessionID uuid.UUID) (*credentials.Renewer, error)

	// Instrument optionally wraps each session's chain (metrics, tracing).
	Instrument func(querychain.Chain) querychain.Chain

	// Lifecycle hooks for gauges. May be nil.
	OnOpen   func()
	OnClose  func()
	OnRotate func(cred *credentials.Credential)
}

// Manager opens and tracks chat sessions.
type Manager struct {
	opts Options

	// Connection seams, replaced in tests.
	connect     func(ctx context.Context) (*sql.DB, *credentials.Credential, error)
	connectWith func(ctx context.Context, cred *credentials.Credential) (*sql.DB, error)

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:        opts,
		connect:     opts.Conn.Connect,
		connectWith: opts.Conn.ConnectWith,
		sessions:    make(map[uuid.UUID]*Session),
	}
}

// Open starts a new session: issue or read a credential, connect to the
// database, and build the question answering chain. In Vault mode the
// lease renewal loop is started before returning.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	id := uuid.New()
	logger := m.opts.Logger

	var (
		db      *sql.DB
		cred    *credentials.Credential
		renewer *credentials.Renewer
		err     error
	)

	if m.opts.NewRenewer != nil {
		renewer, err = m.opts.NewRenewer(id)
		if err != nil {
			return nil, fmt.Errorf("creating lease renewer: %w", err)
		}
		cred, err = renewer.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		db, err = m.connectWith(ctx, cred)
		if err != nil {
			renewer.Revoke(ctx)
			return nil, err
		}
	} else {
		db, cred, err = m.connect(ctx)
		if err != nil {
			return nil, err
		}
	}

	inspector := schema.NewInspector(db, logger)
	sqlChain := querychain.NewSQLChain(m.opts.ChainConfig, m.opts.LLM, inspector, db, logger)

	if m.opts.Store != nil {
		if err := m.opts.Store.EnsureSession(ctx, id); err != nil {
			logger.WarnContext(ctx, "failed to register session in history",
				slog.String("session_id", id.String()),
				slog.String("error", err.Error()),
			)
		} else {
			sqlChain.WithCache(history.NewSessionCache(m.opts.Store, id, logger))
		}
	}

	var chain querychain.Chain = sqlChain
	if m.opts.Instrument != nil {
		chain = m.opts.Instrument(sqlChain)
	}

	sess := &Session{
		ID:          id,
		StartedAt:   time.Now().UTC(),
		chain:       chain,
		sqlChain:    sqlChain,
		inspector:   inspector,
		renewer:     renewer,
		store:       m.opts.Store,
		logger:      logger,
		connectWith: m.connectWith,
		onRotate:    m.opts.OnRotate,
		db:          db,
		cred:        cred,
	}

	if renewer != nil {
		renewer.OnRotate = sess.rotate
		if cred.Renewable {
			// The renew loop must outlive ctx: sessions opened from an HTTP
			// handler would otherwise lose their renewer the moment the
			// request finishes. The loop stops when Session.Close calls
			// renewer.Stop.
			if err := renewer.Start(context.WithoutCancel(ctx)); err != nil {
				sess.Close(ctx)
				return nil, fmt.Errorf("starting lease renewal: %w", err)
			}
		} else {
			logger.Warn("lease is not renewable, session will outlive it",
				slog.String("session_id", id.String()),
				slog.String("lease_id", cred.LeaseID),
			)
		}
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.opts.OnOpen != nil {
		m.opts.OnOpen()
	}

	logger.InfoContext(ctx, "session opened",
		slog.String("session_id", id.String()),
		slog.String("username", cred.Username),
	)
	return sess, nil
}

// Get returns a tracked session.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close ends one session and drops it from tracking.
func (m *Manager) Close(ctx context.Context, id uuid.UUID) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Close(ctx)
	if m.opts.OnClose != nil {
		m.opts.OnClose()
	}
	return true
}

// CloseAll ends every tracked session. Called on shutdown so leases are
// revoked instead of left to expire.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
		if m.opts.OnClose != nil {
			m.opts.OnClose()
		}
	}
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
