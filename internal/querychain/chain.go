// Package querychain turns natural-language questions into executed SQL and
// summarized answers. The Chain interface is the only thing the rest of the
// application depends on. The concrete LLM-backed implementation is
// swappable without touching the credential-lifecycle code.
package querychain

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaninda/dbchat/internal/llm"
)

// MsgNoAnswer is shown to the user when a question cannot be answered.
// Internal error detail is never surfaced to the UI.
const MsgNoAnswer = "Sorry, I could not find the answer to your question."

// Chain answers natural-language questions against a live database.
type Chain interface {
	// Ask runs one question through generation, execution, and
	// summarization. Failures at any stage surface as a *QueryError;
	// the session stays usable for the next question.
	Ask(ctx context.Context, question string) (*Result, error)
}

// Result is one completed question/answer exchange.
type Result struct {
	Question string
	SQL      string     // The generated statement that was executed.
	Columns  []string   // Result column names.
	Rows     [][]string // Formatted result rows, truncated at the row limit.
	Answer   string     // The model's natural-language summary.
	Usage    llm.Usage  // Combined token usage for the exchange.
	Duration time.Duration
	Cached   bool // True when served from the answer cache.
}

// QueryError wraps any failure inside the chain with the stage it occurred in
// and the generated SQL (when one exists). It is per-question: callers show a
// generic message and keep the session alive.
type QueryError struct {
	Stage string // "generate", "validate", "execute", "summarize"
	SQL   string
	Err   error
}

func (e *QueryError) Error() string {
	if e.SQL != "" {
		return fmt.Sprintf("query chain %s failed: %v (sql: %s)", e.Stage, e.Err, e.SQL)
	}
	return fmt.Sprintf("query chain %s failed: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
