// Package mcpserver exposes the query chain as an MCP (Model Context
// Protocol) server over stdio, so MCP-capable clients can ask natural
// language questions against the database. The server owns a single
// database session for its lifetime; the session's credential is
// acquired on startup and revoked on shutdown.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/dbchat/internal/querychain"
	"github.com/jkaninda/dbchat/internal/session"
)

// Server bridges MCP tool calls to a database session.
type Server struct {
	name     string
	version  string
	sessions *session.Manager
	logger   *slog.Logger

	sess *session.Session
}

// New creates an MCP server that opens its session lazily on Serve.
func New(name, version string, sessions *session.Manager, logger *slog.Logger) *Server {
	return &Server{
		name:     name,
		version:  version,
		sessions: sessions,
		logger:   logger,
	}
}

// Serve opens a database session, registers the tools, and serves MCP
// over stdin/stdout until the context is canceled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	sess, err := s.sessions.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening database session: %w", err)
	}
	s.sess = sess
	defer s.sessions.Close(context.Background(), sess.ID)

	srv := server.NewMCPServer(s.name, s.version,
		server.WithToolCapabilities(false),
	)

	srv.AddTool(
		mcp.NewTool("ask_database",
			mcp.WithDescription("Ask a natural language question about the connected database. Generates a read-only SQL query, runs it, and answers from the results."),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question to answer, in natural language."),
			),
		),
		s.handleAsk,
	)

	srv.AddTool(
		mcp.NewTool("describe_schema",
			mcp.WithDescription("Describe the tables, columns, and sample rows of the connected database."),
		),
		s.handleDescribeSchema,
	)

	srv.AddTool(
		mcp.NewTool("session_info",
			mcp.WithDescription("Show the current database session: username, lease expiry, and questions asked. Credential material is redacted."),
		),
		s.handleSessionInfo,
	)

	s.logger.Info("mcp server listening on stdio",
		slog.String("session_id", sess.ID.String()),
	)

	stdio := server.NewStdioServer(srv)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// askToolResult is the JSON payload returned by the ask_database tool.
type askToolResult struct {
	Answer  string     `json:"answer"`
	SQL     string     `json:"sql,omitempty"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
	Cached  bool       `json:"cached,omitempty"`
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("question is required"), nil
	}

	res, err := s.sess.Ask(ctx, question)
	if err != nil {
		var qerr *querychain.QueryError
		if errors.As(err, &qerr) {
			return mcp.NewToolResultError(querychain.MsgNoAnswer + " (" + qerr.Error() + ")"), nil
		}
		return nil, fmt.Errorf("processing question: %w", err)
	}

	payload, err := json.Marshal(askToolResult{
		Answer:  res.Answer,
		SQL:     res.SQL,
		Columns: res.Columns,
		Rows:    res.Rows,
		Cached:  res.Cached,
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) handleDescribeSchema(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	desc, err := s.sess.DescribeSchema(ctx)
	if err != nil {
		return nil, fmt.Errorf("describing schema: %w", err)
	}
	return mcp.NewToolResultText(desc), nil
}

func (s *Server) handleSessionInfo(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(s.sess.Info())
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(payload)), nil
}
