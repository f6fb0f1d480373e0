package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/dbchat/internal/querychain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAskFailure_QueryError(t *testing.T) {
	sessionID := uuid.New()
	qerr := &querychain.QueryError{
		Stage: "execute",
		SQL:   "SELECT count(*) FROM artworks",
		Err:   errors.New("relation does not exist"),
	}

	resp, ok := askFailure(sessionID, qerr, 150*time.Millisecond)
	if !ok {
		t.Fatal("expected query errors to map to a fallback response")
	}
	if resp.Answer != querychain.MsgNoAnswer {
		t.Errorf("Answer = %q, want %q", resp.Answer, querychain.MsgNoAnswer)
	}
	if resp.SQL != qerr.SQL {
		t.Errorf("SQL = %q, want %q", resp.SQL, qerr.SQL)
	}
	if resp.SessionID != sessionID.String() {
		t.Errorf("SessionID = %q, want %q", resp.SessionID, sessionID.String())
	}
	if resp.Error == "" {
		t.Error("expected error detail to be set")
	}
	if resp.DurationMS != 150 {
		t.Errorf("DurationMS = %d, want 150", resp.DurationMS)
	}
}

func TestAskFailure_WrappedQueryError(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), &querychain.QueryError{
		Stage: "generate",
		Err:   errors.New("model unavailable"),
	})

	if _, ok := askFailure(uuid.New(), wrapped, 0); !ok {
		t.Error("expected wrapped query errors to be recognized")
	}
}

func TestAskFailure_OtherError(t *testing.T) {
	if _, ok := askFailure(uuid.New(), errors.New("connection refused"), 0); ok {
		t.Error("expected non-query errors to be reported as fatal")
	}
}

func TestAskResponseFrom(t *testing.T) {
	sessionID := uuid.New()
	res := &querychain.Result{
		Question: "How many artworks are there?",
		SQL:      "SELECT count(*) FROM artworks",
		Columns:  []string{"count"},
		Rows:     [][]string{{"140848"}},
		Answer:   "There are 140848 artworks.",
		Duration: 2 * time.Second,
		Cached:   true,
	}
	res.Usage.InputTokens = 100
	res.Usage.OutputTokens = 40

	resp := askResponseFrom(sessionID, res)
	if resp.Answer != res.Answer {
		t.Errorf("Answer = %q, want %q", resp.Answer, res.Answer)
	}
	if resp.TokensUsed != 140 {
		t.Errorf("TokensUsed = %d, want 140", resp.TokensUsed)
	}
	if resp.DurationMS != 2000 {
		t.Errorf("DurationMS = %d, want 2000", resp.DurationMS)
	}
	if !resp.Cached {
		t.Error("expected Cached to carry through")
	}
	if resp.SessionID != sessionID.String() {
		t.Errorf("SessionID = %q, want %q", resp.SessionID, sessionID.String())
	}
}

func TestHistoryLimitDefault(t *testing.T) {
	s := &Server{config: Config{}}
	if got := s.historyLimit(); got != 20 {
		t.Errorf("historyLimit() = %d, want 20", got)
	}

	s.config.HistoryLimit = 5
	if got := s.historyLimit(); got != 5 {
		t.Errorf("historyLimit() = %d, want 5", got)
	}
}

func TestHandleIndex(t *testing.T) {
	s := &Server{logger: discardLogger()}

	rec := httptest.NewRecorder()
	s.handleIndex(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), "dbchat") {
		t.Error("expected page body to contain the application name")
	}
}

func TestHandleIndexNotFound(t *testing.T) {
	s := &Server{logger: discardLogger()}

	rec := httptest.NewRecorder()
	s.handleIndex(rec, httptest.NewRequest("GET", "/nope", nil))

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
