package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/dbchat/internal/config"
	"github.com/jkaninda/dbchat/internal/mcpserver"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the query tools as an MCP server over stdio",
	Long: `Run an MCP (Model Context Protocol) server on stdin/stdout so that
MCP-capable clients can ask database questions through the same query
chain the web UI uses. The server holds one database session for its
lifetime; its credential is acquired on startup and revoked on exit.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", "", "path to config file (default: env and sidecar files only)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Stdout carries the MCP transport, so all logging goes to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("DBCHAT_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return mcpserver.New("dbchat", version, sc.Sessions, logger).Serve(ctx)
}
