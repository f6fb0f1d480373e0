package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/dbchat/internal/history"
	"github.com/jkaninda/dbchat/internal/querychain"
	"github.com/jkaninda/dbchat/internal/ratelimit"
	"github.com/jkaninda/dbchat/internal/session"
	"github.com/jkaninda/okapi"
)

// AskRequest is the JSON body for POST /v1/ask.
type AskRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"` // Empty = start a new session.
}

// AskResponse is the JSON response for POST /v1/ask.
type AskResponse struct {
	Answer     string     `json:"answer"`
	SQL        string     `json:"sql,omitempty"`
	Columns    []string   `json:"columns,omitempty"`
	Rows       [][]string `json:"rows,omitempty"`
	SessionID  string     `json:"session_id"`
	TokensUsed int        `json:"tokens_used,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Cached     bool       `json:"cached,omitempty"`
	Error      string     `json:"error,omitempty"` // Set when the question failed but the session survives.
}

// HistoryResponse is the JSON response for GET /v1/history.
type HistoryResponse struct {
	SessionID string             `json:"session_id"`
	Exchanges []history.Exchange `json:"exchanges"`
}

func (s *Server) handleAsk(c *okapi.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("question is required")
	}
	if req.Question == "" {
		return c.AbortBadRequest("question is required")
	}

	sess, created, err := s.resolveSession(c, req.SessionID)
	if err != nil {
		return err
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(sess.ID.String()); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
			return c.AbortInternalServerError("rate limiter failure")
		}
	}

	s.logger.Info("http ask",
		slog.String("session_id", sess.ID.String()),
		slog.Bool("new_session", created),
	)

	start := time.Now()
	res, err := sess.Ask(c.Context(), req.Question)
	if err != nil {
		resp, ok := askFailure(sess.ID, err, time.Since(start))
		if !ok {
			s.logger.Error("question processing failed",
				slog.String("session_id", sess.ID.String()),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("processing failed")
		}
		return c.OK(resp)
	}

	return c.OK(askResponseFrom(sess.ID, res))
}

// askResponseFrom maps a chain result to the wire response.
func askResponseFrom(sessionID uuid.UUID, res *querychain.Result) AskResponse {
	return AskResponse{
		Answer:     res.Answer,
		SQL:        res.SQL,
		Columns:    res.Columns,
		Rows:       res.Rows,
		SessionID:  sessionID.String(),
		TokensUsed: res.Usage.Total(),
		DurationMS: res.Duration.Milliseconds(),
		Cached:     res.Cached,
	}
}

// askFailure maps a per-question chain failure to a 200 response carrying
// the fallback answer. The session survives; the user just asks again.
// Returns ok=false for failures that are not per-question.
func askFailure(sessionID uuid.UUID, err error, elapsed time.Duration) (AskResponse, bool) {
	var qerr *querychain.QueryError
	if !errors.As(err, &qerr) {
		return AskResponse{}, false
	}
	return AskResponse{
		Answer:     querychain.MsgNoAnswer,
		SQL:        qerr.SQL,
		SessionID:  sessionID.String(),
		DurationMS: elapsed.Milliseconds(),
		Error:      qerr.Error(),
	}, true
}

// SSEEvent represents a server-sent event for streaming responses.
type SSEEvent struct {
	Type    string     `json:"type,omitempty"`    // "sql", "rows", "text", "done", "error"
	Content string     `json:"content,omitempty"` // Text content.
	SQL     string     `json:"sql,omitempty"`     // Generated statement for sql events.
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
}

// handleAskStream handles POST /v1/ask/stream with SSE responses. The
// chain is not incremental, so the result is streamed as staged events:
// the generated SQL first, then the rows, then the answer text.
func (s *Server) handleAskStream(c *okapi.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("question is required")
	}
	if req.Question == "" {
		return c.AbortBadRequest("question is required")
	}

	sess, _, err := s.resolveSession(c, req.SessionID)
	if err != nil {
		return err
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(sess.ID.String()); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	res, err := sess.Ask(c.Context(), req.Question)
	if err != nil {
		resp, ok := askFailure(sess.ID, err, 0)
		if !ok {
			c.SSEvent("error", SSEEvent{Type: "error", Content: "processing failed"})
			return nil
		}
		c.SSEvent("text", SSEEvent{Type: "text", Content: resp.Answer})
		c.SSEvent("done", SSEEvent{Type: "done"})
		return nil
	}

	if res.SQL != "" {
		c.SSEvent("sql", SSEEvent{Type: "sql", SQL: res.SQL})
	}
	if len(res.Rows) > 0 {
		c.SSEvent("rows", SSEEvent{Type: "rows", Columns: res.Columns, Rows: res.Rows})
	}
	c.SSEvent("text", SSEEvent{Type: "text", Content: res.Answer})
	c.SSEvent("done", SSEEvent{Type: "done"})
	return nil
}

func (s *Server) handleHistory(c *okapi.Context) error {
	sess, err := s.lookupSession(c)
	if err != nil {
		return err
	}

	exchanges, err := sess.History(c.Context(), s.historyLimit())
	if err != nil {
		s.logger.Error("history lookup failed",
			slog.String("session_id", sess.ID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("history lookup failed")
	}
	if exchanges == nil {
		exchanges = []history.Exchange{}
	}

	return c.OK(HistoryResponse{
		SessionID: sess.ID.String(),
		Exchanges: exchanges,
	})
}

func (s *Server) handleSession(c *okapi.Context) error {
	sess, err := s.lookupSession(c)
	if err != nil {
		return err
	}
	return c.OK(sess.Info())
}

func (s *Server) handleSessionClose(c *okapi.Context) error {
	sess, err := s.lookupSession(c)
	if err != nil {
		return err
	}

	s.sessions.Close(c.Context(), sess.ID)
	if s.limiter != nil {
		s.limiter.Forget(sess.ID.String())
	}
	return c.OK(map[string]string{"status": "closed"})
}

// HealthResponse is the JSON response for the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// resolveSession returns the session named by the request, or opens a new
// one when none is named. The bool reports whether a session was created.
func (s *Server) resolveSession(c *okapi.Context, bodySessionID string) (*session.Session, bool, error) {
	raw := c.Header("X-Session-ID")
	if raw == "" {
		raw = bodySessionID
	}

	if raw == "" {
		sess, err := s.sessions.Open(c.Context())
		if err != nil {
			s.logger.Error("failed to open session", slog.String("error", err.Error()))
			return nil, false, c.AbortServiceUnavailable("could not open a database session")
		}
		return sess, true, nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, false, c.AbortBadRequest("invalid session ID")
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, false, c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
	}
	return sess, false, nil
}

// lookupSession resolves an existing session and never opens one.
func (s *Server) lookupSession(c *okapi.Context) (*session.Session, error) {
	raw := c.Header("X-Session-ID")
	if raw == "" {
		return nil, c.AbortBadRequest("X-Session-ID header is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, c.AbortBadRequest("invalid session ID")
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found"})
	}
	return sess, nil
}
