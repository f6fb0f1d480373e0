package querychain

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/dbchat/internal/llm"
	"github.com/jkaninda/dbchat/internal/schema"
)

// Default limits.
const (
	defaultMaxRows      = 100
	defaultQueryTimeout = 30 * time.Second
	defaultTopK         = 3
	defaultTemperature  = 0.3
)

const systemPrompt = `You are a helpful assistant adept at querying databases. When given a natural language question about the data, you:

1. Analyze the question to understand the intent and entities. What data fields or tables are being asked about?
2. Formulate a PostgreSQL query that is syntactically correct and will retrieve the requested data. Focus on succinct, valid SQL with minimal unnecessary syntax.
3. Interpret query results and summarize them in a user-friendly way to answer the original question. Convey the essence clearly and concisely.

If you cannot understand the question or generate a suitable query, be honest and say so.
Optimize for informativeness, clarity, accuracy and brevity. Avoid irrelevant details or overly verbose responses.`

const generatePromptTemplate = `Given the following database schema:

%s

Write a single read-only PostgreSQL SELECT statement that answers this question. Unless the question asks for a count or aggregate, limit the result to at most %d rows. Reply with only the SQL statement, no explanation.

Question: %s`

const answerPromptTemplate = `Question: %s

SQL query: %s

Query result (%d rows):
%s

Answer the question in one or two plain sentences based on the query result.`

// SchemaDescriber renders the database structure as prompt text.
// *schema.Inspector is the production implementation.
type SchemaDescriber interface {
	Describe(ctx context.Context) (string, error)
}

// AnswerCache stores completed exchanges keyed by question. Nil = disabled.
type AnswerCache interface {
	Get(ctx context.Context, question string) (*Result, bool)
	Put(ctx context.Context, question string, res *Result)
}

// Config holds SQLChain settings.
type Config struct {
	MaxRows      int           // Rows fetched per query. Default: 100.
	QueryTimeout time.Duration // Per-query execution timeout. Default: 30s.
	TopK         int           // Row limit suggested to the model. Default: 3.
	MaxTokens    int           // Per LLM call. 0 = provider default.
	Temperature  float64       // Default: 0.3.
}

// SQLChain implements Chain using an LLM for generation and summarization
// and a live database connection for execution.
type SQLChain struct {
	config   Config
	provider llm.Provider
	schema   SchemaDescriber
	cache    AnswerCache
	logger   *slog.Logger

	// mu guards execQuery: SetDB runs on the renewer goroutine while Ask
	// runs on a request goroutine.
	mu sync.Mutex
	// execQuery runs a validated statement. Replaced in tests.
	execQuery func(ctx context.Context, query string) ([]string, [][]string, error)
}

// NewSQLChain creates a chain over the given provider, schema describer, and
// database connection.
func NewSQLChain(cfg Config, provider llm.Provider, describer SchemaDescriber, db *sql.DB, logger *slog.Logger) *SQLChain {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}

	c := &SQLChain{
		config:   cfg,
		provider: provider,
		schema:   describer,
		logger:   logger,
	}
	c.SetDB(db)
	return c
}

// WithCache attaches an answer cache.
func (c *SQLChain) WithCache(cache AnswerCache) *SQLChain {
	c.cache = cache
	return c
}

// SetDB swaps the underlying connection after a credential rotation rebuilt
// it. In-flight questions keep the old connection; the next one uses the new.
func (c *SQLChain) SetDB(db *sql.DB) {
	exec := func(ctx context.Context, query string) ([]string, [][]string, error) {
		return runQuery(ctx, db, query, c.config.MaxRows)
	}
	c.mu.Lock()
	c.execQuery = exec
	c.mu.Unlock()
}

// Ask runs one question through the chain.
func (c *SQLChain) Ask(ctx context.Context, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &QueryError{Stage: "generate", Err: fmt.Errorf("question must not be empty")}
	}

	if c.cache != nil {
		if res, ok := c.cache.Get(ctx, question); ok {
			c.logger.DebugContext(ctx, "answer served from cache", slog.String("question", question))
			return res, nil
		}
	}

	start := time.Now()

	schemaText, err := c.schema.Describe(ctx)
	if err != nil {
		return nil, &QueryError{Stage: "generate", Err: fmt.Errorf("inspecting schema: %w", err)}
	}

	// Generate.
	genResp, err := c.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(generatePromptTemplate, schemaText, c.config.TopK, question),
		}},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return nil, &QueryError{Stage: "generate", Err: err}
	}

	usage := genResp.Usage
	query := ExtractSQL(genResp.Content)
	if query == "" {
		return nil, &QueryError{Stage: "generate", Err: fmt.Errorf("model reply contained no SQL: %q", truncate(genResp.Content, 200))}
	}

	// Validate.
	if err := ValidateReadOnly(query); err != nil {
		return nil, &QueryError{Stage: "validate", SQL: query, Err: err}
	}

	// Execute.
	queryCtx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()

	c.logger.InfoContext(ctx, "executing generated query",
		slog.String("query", truncate(query, 200)),
	)

	c.mu.Lock()
	exec := c.execQuery
	c.mu.Unlock()

	columns, rows, err := exec(queryCtx, query)
	if err != nil {
		return nil, &QueryError{Stage: "execute", SQL: query, Err: err}
	}

	// Summarize.
	ansResp, err := c.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(answerPromptTemplate, question, query, len(rows), renderRows(columns, rows)),
		}},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return nil, &QueryError{Stage: "summarize", SQL: query, Err: err}
	}
	usage.Add(ansResp.Usage)

	res := &Result{
		Question: question,
		SQL:      query,
		Columns:  columns,
		Rows:     rows,
		Answer:   strings.TrimSpace(ansResp.Content),
		Usage:    usage,
		Duration: time.Since(start),
	}

	if c.cache != nil {
		c.cache.Put(ctx, question, res)
	}

	c.logger.InfoContext(ctx, "question answered",
		slog.Int("rows", len(rows)),
		slog.Int("tokens", usage.Total()),
		slog.Duration("duration", res.Duration),
	)

	return res, nil
}

// runQuery executes a statement and returns formatted columns and rows,
// truncated at maxRows.
func runQuery(ctx context.Context, db *sql.DB, query string, maxRows int) ([]string, [][]string, error) {
	sqlRows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer sqlRows.Close()

	columns, err := sqlRows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("getting columns: %w", err)
	}

	values := make([]any, len(columns))
	scanArgs := make([]any, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	var rows [][]string
	for sqlRows.Next() {
		if len(rows) >= maxRows {
			break
		}
		if err := sqlRows.Scan(scanArgs...); err != nil {
			return nil, nil, fmt.Errorf("scanning row %d: %w", len(rows), err)
		}
		row := make([]string, len(columns))
		for i, v := range values {
			row[i] = schema.FormatValue(v)
		}
		rows = append(rows, row)
	}
	if err := sqlRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating rows: %w", err)
	}

	return columns, rows, nil
}

// renderRows formats a result set as a tab-separated table with headers.
func renderRows(columns []string, rows [][]string) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(columns, "\t"))
	sb.WriteString("\n")
	for _, row := range rows {
		sb.WriteString(strings.Join(row, "\t"))
		sb.WriteString("\n")
	}
	if len(rows) == 0 {
		sb.WriteString("(no rows returned)\n")
	}
	return sb.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
