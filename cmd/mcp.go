package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/joescharf/firefly/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant start focus sessions, add and complete
micro-actions, and check sync state. Configure it with:

  {
    "mcpServers": {
      "firefly": { "command": "firefly", "args": ["mcp"] }
    }
  }

Available tools: firefly_list_sessions, firefly_start_session,
firefly_add_action, firefly_complete_action, firefly_sync_status,
firefly_flush`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	user, err := currentUser()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	// Stdout carries the protocol; diagnostics go to stderr only.
	logger := slog.New(slog.NewTextHandler(ui.ErrOut, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var flusher mcp.Flusher
	coord, err := newCoordinator(s, logger)
	switch {
	case errors.Is(err, errNoRemote):
	case err != nil:
		return err
	default:
		flusher = coord
	}

	srv := mcp.NewServer(newEngine(s, nil), s, flusher, newDecomposer(), user)
	return srv.ServeStdio(ctx)
}
