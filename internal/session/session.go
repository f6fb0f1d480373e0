// Package session ties one chat session to the lifetime of one database
// credential. A session owns its connection, its query chain, and (in
// Vault mode) the renewer keeping the lease alive. The session ID doubles
// as the correlation ID on upstream calls, so one conversation is
// traceable across the gateway, the secrets backend, and the LLM.
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
	"github.com/jkaninda/dbchat/internal/history"
	"github.com/jkaninda/dbchat/internal/querychain"
	"github.com/jkaninda/dbchat/internal/schema"
)

const rotateConnectTimeout = 30 * time.Second

// Session is one live chat session bound to one database credential.
type Session struct {
	ID        uuid.UUID
	StartedAt time.Time

	chain     querychain.Chain
	sqlChain  *querychain.SQLChain
	inspector *schema.Inspector
	renewer   *credentials.Renewer
	store     *history.Store
	logger    *slog.Logger

	// connectWith rebuilds the connection after a rotation. Replaced in tests.
	connectWith func(ctx context.Context, cred *credentials.Credential) (*sql.DB, error)

	// onRotate, when set, observes successful rotations (metrics hook).
	onRotate func(cred *credentials.Credential)

	mu        sync.Mutex
	db        *sql.DB
	cred      *credentials.Credential
	questions int
	closed    bool
}

// Info is the redacted session view rendered to clients. The password is
// never exposed whole; lease identifiers are safe to show.
type Info struct {
	ID            uuid.UUID  `json:"id"`
	StartedAt     time.Time  `json:"started_at"`
	Questions     int        `json:"questions"`
	Username      string     `json:"username,omitempty"`
	PasswordHint  string     `json:"password_hint,omitempty"`
	LeaseID       string     `json:"lease_id,omitempty"`
	LeaseExpires  *time.Time `json:"lease_expires,omitempty"`
	LeaseRenewing bool       `json:"lease_renewing"`
}

// Ask runs one question through the session's chain and records the
// exchange. Chain failures are per-question: the session survives them.
func (s *Session) Ask(ctx context.Context, question string) (*querychain.Result, error) {
	res, err := s.chain.Ask(ctx, question)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.questions++
	s.mu.Unlock()

	if s.store != nil && !res.Cached {
		if herr := s.store.Append(ctx, history.Exchange{
			SessionID:    s.ID,
			Question:     res.Question,
			SQL:          res.SQL,
			Answer:       res.Answer,
			RowsReturned: len(res.Rows),
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			Duration:     res.Duration,
		}); herr != nil {
			s.logger.WarnContext(ctx, "failed to record exchange",
				slog.String("session_id", s.ID.String()),
				slog.String("error", herr.Error()),
			)
		}
	}

	return res, nil
}

// History returns the session's recent exchanges, newest first.
func (s *Session) History(ctx context.Context, limit int) ([]history.Exchange, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Recent(ctx, s.ID, limit)
}

// DescribeSchema returns the schema description of the connected database.
func (s *Session) DescribeSchema(ctx context.Context) (string, error) {
	if s.inspector == nil {
		return "", nil
	}
	return s.inspector.Describe(ctx)
}

// Info returns the redacted session view.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:            s.ID,
		StartedAt:     s.StartedAt,
		Questions:     s.questions,
		LeaseRenewing: s.renewer != nil && !s.closed && s.renewer.Renewing(),
	}
	if s.cred != nil {
		info.Username = s.cred.Username
		info.PasswordHint = credentials.Redact(s.cred.Password, 5)
		info.LeaseID = s.cred.LeaseID
		if s.cred.LeaseDuration > 0 {
			exp := s.cred.ExpiresAt()
			info.LeaseExpires = &exp
		}
	}
	return info
}

// rotate swaps the session onto a freshly issued credential: open a new
// connection, point the chain and inspector at it, then close the old one.
func (s *Session) rotate(cred *credentials.Credential) {
	ctx, cancel := context.WithTimeout(context.Background(), rotateConnectTimeout)
	defer cancel()

	db, err := s.connectWith(ctx, cred)
	if err != nil {
		// The session keeps its old connection; it dies when the old lease
		// does. The renewer keeps the new lease alive for the next attempt.
		s.logger.Error("failed to reconnect after credential rotation",
			slog.String("session_id", s.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	if s.closed {
		// Close already ran; the session's renewer is stopping. Installing
		// the fresh connection now would leak it.
		s.mu.Unlock()
		_ = db.Close()
		return
	}
	old := s.db
	s.db = db
	s.cred = cred
	if s.sqlChain != nil {
		s.sqlChain.SetDB(db)
	}
	if s.inspector != nil {
		s.inspector.SetDB(db)
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	s.logger.Info("session rotated to new credential",
		slog.String("session_id", s.ID.String()),
		slog.String("lease_id", cred.LeaseID),
		slog.String("username", cred.Username),
	)

	if s.onRotate != nil {
		s.onRotate(cred)
	}
}

// Ping verifies the session's database connection.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("session has no database connection")
	}
	return db.PingContext(ctx)
}

// Close stops lease renewal, revokes the lease, and closes the connection.
// Safe to call multiple times.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	db := s.db
	s.db = nil
	s.mu.Unlock()

	if s.renewer != nil {
		s.renewer.Stop()
		s.renewer.Revoke(ctx)
	}
	if db != nil {
		_ = db.Close()
	}

	s.logger.Info("session closed", slog.String("session_id", s.ID.String()))
}
