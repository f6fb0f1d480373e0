package history

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/dbchat/internal/llm"
	"github.com/jkaninda/dbchat/internal/querychain"
)

// Compile-time interface check.
var _ querychain.AnswerCache = (*SessionCache)(nil)

// SessionCache serves repeated questions from a session's stored
// exchanges. Result rows are not persisted, so a cache hit returns the
// statement and the summarized answer only. Put is a no-op: the session
// records every exchange through Store.Append already, and recording it
// twice would double the question counters.
type SessionCache struct {
	store     *Store
	sessionID uuid.UUID
	logger    *slog.Logger
}

// NewSessionCache creates a cache scoped to one session.
func NewSessionCache(store *Store, sessionID uuid.UUID, logger *slog.Logger) *SessionCache {
	return &SessionCache{store: store, sessionID: sessionID, logger: logger}
}

// Get returns the most recent stored exchange with the same question text.
func (c *SessionCache) Get(ctx context.Context, question string) (*querychain.Result, bool) {
	var model ExchangeModel
	err := c.store.db.WithContext(ctx).
		Where("session_id = ? AND question = ?", c.sessionID, question).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			c.logger.Warn("answer cache lookup failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return &querychain.Result{
		Question: model.Question,
		SQL:      model.Statement,
		Answer:   model.Answer,
		Usage:    llm.Usage{InputTokens: model.InputTokens, OutputTokens: model.OutputTokens},
		Cached:   true,
	}, true
}

// Put is a no-op, see the type comment.
func (c *SessionCache) Put(_ context.Context, _ string, _ *querychain.Result) {}
