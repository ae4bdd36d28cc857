package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/firefly/internal/decompose"
	"github.com/joescharf/firefly/internal/engine"
	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/store"
	"github.com/joescharf/firefly/internal/syncer"
)

// Flusher is the part of the sync coordinator exposed as tools.
type Flusher interface {
	Flush(ctx context.Context) (*syncer.FlushResult, error)
	Status() syncer.Status
}

// Server wraps the firefly engine and exposes it as MCP tools.
type Server struct {
	engine     *engine.Engine
	store      store.Store
	sync       Flusher
	decomposer decompose.Decomposer
	userID     string
}

// NewServer creates the MCP server wrapper. sync and dec may be nil.
func NewServer(eng *engine.Engine, st store.Store, sync Flusher, dec decompose.Decomposer, userID string) *Server {
	return &Server{
		engine:     eng,
		store:      st,
		sync:       sync,
		decomposer: dec,
		userID:     userID,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("firefly", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.startSessionTool())
	srv.AddTool(s.addActionTool())
	srv.AddTool(s.completeActionTool())
	srv.AddTool(s.syncStatusTool())
	srv.AddTool(s.flushTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// firefly_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("firefly_list_sessions",
		mcp.WithDescription("List focus sessions, newest first. Returns a JSON array with id, goal, status, minutes and sync state."),
		mcp.WithString("user_id", mcp.Description("Owner to list; defaults to the configured user")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := request.GetString("user_id", s.userID)
	sessions, err := s.engine.ListSessions(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID               string               `json:"id"`
		Goal             string               `json:"goal"`
		Status           models.SessionStatus `json:"status"`
		EstimatedMinutes int                  `json:"estimated_minutes"`
		ActualMinutes    int                  `json:"actual_minutes"`
		Synced           bool                 `json:"synced"`
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:               sess.ID,
			Goal:             sess.Goal,
			Status:           sess.Status,
			EstimatedMinutes: sess.TotalEstimatedMinutes,
			ActualMinutes:    sess.ActualMinutes,
			Synced:           sess.Synced(),
		}
	}
	return jsonResult(out)
}

// firefly_start_session
func (s *Server) startSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("firefly_start_session",
		mcp.WithDescription("Start a focus session for a goal. With decompose=true the goal is broken into micro-actions first. Works offline; the session syncs later."),
		mcp.WithString("goal", mcp.Required(), mcp.Description("What the user wants to get done")),
		mcp.WithBoolean("decompose", mcp.Description("Break the goal into micro-actions with the LLM")),
	)
	return tool, s.handleStartSession
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	goal, err := request.RequireString("goal")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: goal"), nil
	}

	var drafts []engine.ActionDraft
	if request.GetBool("decompose", false) {
		if s.decomposer == nil {
			return mcp.NewToolResultError("goal decomposition is not configured (set anthropic.api_key)"), nil
		}
		steps, err := s.decomposer.Decompose(ctx, goal)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to decompose goal: %v", err)), nil
		}
		for _, st := range steps {
			drafts = append(drafts, engine.ActionDraft{Text: st.Text, EstimatedMinutes: st.EstimatedMinutes, Confidence: st.Confidence})
		}
	}

	sess, actions, err := s.engine.StartSession(ctx, s.userID, goal, drafts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"session": sess,
		"actions": actions,
	})
}

// firefly_add_action
func (s *Server) addActionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("firefly_add_action",
		mcp.WithDescription("Append a custom micro-action to a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Local session id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("The action, starting with a verb")),
		mcp.WithNumber("estimated_minutes", mcp.Description("Estimated minutes (default 5)")),
		mcp.WithString("confidence", mcp.Description("Estimate confidence"), mcp.Enum("low", "medium", "high")),
	)
	return tool, s.handleAddAction
}

func (s *Server) handleAddAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}

	a, err := s.engine.AddAction(ctx, sessionID, engine.ActionDraft{
		Text:             text,
		EstimatedMinutes: request.GetInt("estimated_minutes", 5),
		Confidence:       models.Confidence(request.GetString("confidence", string(models.ConfidenceMedium))),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add action: %v", err)), nil
	}
	return jsonResult(a)
}

// firefly_complete_action
func (s *Server) completeActionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("firefly_complete_action",
		mcp.WithDescription("Mark a micro-action done."),
		mcp.WithString("action_id", mcp.Required(), mcp.Description("Local action id")),
	)
	return tool, s.handleCompleteAction
}

func (s *Server) handleCompleteAction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("action_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: action_id"), nil
	}
	a, err := s.engine.CompleteAction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to complete action: %v", err)), nil
	}
	return jsonResult(a)
}

// firefly_sync_status
func (s *Server) syncStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("firefly_sync_status",
		mcp.WithDescription("Report queued, in-flight and dead-lettered operations and the last sync pass."),
	)
	return tool, s.handleSyncStatus
}

func (s *Server) handleSyncStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.QueueStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read queue: %v", err)), nil
	}
	out := map[string]any{"queue": stats}
	if s.sync != nil {
		out["coordinator"] = s.sync.Status()
	}
	return jsonResult(out)
}

// firefly_flush
func (s *Server) flushTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("firefly_flush",
		mcp.WithDescription("Push queued changes to the remote store now."),
	)
	return tool, s.handleFlush
}

func (s *Server) handleFlush(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.sync == nil {
		return mcp.NewToolResultError("no remote store configured (set remote.base_url)"), nil
	}
	res, err := s.sync.Flush(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flush failed: %v", err)), nil
	}
	return jsonResult(res)
}
