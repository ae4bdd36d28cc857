package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joescharf/firefly/internal/decompose"
	"github.com/joescharf/firefly/internal/engine"
	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/reconcile"
	"github.com/joescharf/firefly/internal/store"
	"github.com/joescharf/firefly/internal/syncer"
)

// Syncer is the part of the sync coordinator the API drives.
type Syncer interface {
	Flush(ctx context.Context) (*syncer.FlushResult, error)
	Reconcile(ctx context.Context, ownerID string) (*reconcile.Report, error)
	Status() syncer.Status
	SetOnline(online bool)
	Notify()
}

// Server provides the REST API handlers.
type Server struct {
	engine     *engine.Engine
	store      store.Store
	sync       Syncer
	decomposer decompose.Decomposer
	userID     string
}

// NewServer creates a new API server. sync and dec may be nil when no
// remote store or API key is configured; their routes then answer 503.
func NewServer(eng *engine.Engine, st store.Store, sync Syncer, dec decompose.Decomposer, userID string) *Server {
	return &Server{
		engine:     eng,
		store:      st,
		sync:       sync,
		decomposer: dec,
		userID:     userID,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.startSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.purgeSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/pause", s.pauseSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", s.resumeSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/complete", s.completeSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/progress", s.recordProgress)

	mux.HandleFunc("GET /api/v1/sessions/{id}/actions", s.listActions)
	mux.HandleFunc("POST /api/v1/sessions/{id}/actions", s.addAction)
	mux.HandleFunc("PATCH /api/v1/actions/{id}", s.editAction)
	mux.HandleFunc("DELETE /api/v1/actions/{id}", s.deleteAction)
	mux.HandleFunc("POST /api/v1/actions/{id}/complete", s.completeAction)
	mux.HandleFunc("POST /api/v1/actions/{id}/move", s.moveAction)

	mux.HandleFunc("POST /api/v1/decompose", s.decompose)

	mux.HandleFunc("GET /api/v1/sync/status", s.syncStatus)
	mux.HandleFunc("POST /api/v1/sync/flush", s.flush)
	mux.HandleFunc("POST /api/v1/sync/reconcile", s.reconcile)
	mux.HandleFunc("POST /api/v1/sync/online", s.setOnline)

	mux.HandleFunc("GET /api/v1/queue", s.listQueue)
	mux.HandleFunc("GET /api/v1/dead-letters", s.listDeadLetters)
	mux.HandleFunc("POST /api/v1/dead-letters/{id}/requeue", s.requeueDeadLetter)
	mux.HandleFunc("DELETE /api/v1/dead-letters/{id}", s.discardDeadLetter)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps engine, store and sync errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, syncer.ErrOffline):
		status = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrStorageFailure):
		slog.Error("local storage failure", "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// --- Sessions ---

type sessionDetail struct {
	*models.OfflineSession
	Actions []*models.OfflineAction `json:"actions"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		user = s.userID
	}
	sessions, err := s.engine.ListSessions(r.Context(), user)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string               `json:"user_id"`
		Goal      string               `json:"goal"`
		Actions   []engine.ActionDraft `json:"actions"`
		Decompose bool                 `json:"decompose"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = s.userID
	}

	drafts := req.Actions
	if req.Decompose && len(drafts) == 0 {
		if s.decomposer == nil {
			writeError(w, http.StatusServiceUnavailable, "goal decomposition is not configured (set anthropic.api_key)")
			return
		}
		steps, err := s.decomposer.Decompose(r.Context(), req.Goal)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		drafts = Drafts(steps)
	}

	sess, actions, err := s.engine.StartSession(r.Context(), req.UserID, req.Goal, drafts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionDetail{OfflineSession: sess, Actions: actions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.GetSession(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	actions, err := s.engine.ListActions(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{OfflineSession: sess, Actions: actions})
}

func (s *Server) purgeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.PurgeSession(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.sessionResult(w, r, s.engine.PauseSession)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.sessionResult(w, r, s.engine.ResumeSession)
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	s.sessionResult(w, r, s.engine.CompleteSession)
}

func (s *Server) sessionResult(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.OfflineSession, error)) {
	sess, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) recordProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.engine.RecordProgress(r.Context(), r.PathValue("id"), req.Minutes)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Actions ---

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.engine.ListActions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) addAction(w http.ResponseWriter, r *http.Request) {
	var req engine.ActionDraft
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := s.engine.AddAction(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) editAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text             *string            `json:"text"`
		EstimatedMinutes *int               `json:"estimated_minutes"`
		Confidence       *models.Confidence `json:"confidence"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := s.engine.EditAction(r.Context(), r.PathValue("id"), engine.ActionEdit{
		Text:             req.Text,
		EstimatedMinutes: req.EstimatedMinutes,
		Confidence:       req.Confidence,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) completeAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.CompleteAction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) moveAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position *int `json:"position"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Position == nil {
		writeError(w, http.StatusBadRequest, "position is required")
		return
	}
	a, err := s.engine.MoveAction(r.Context(), r.PathValue("id"), *req.Position)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteAction(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAction(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Decomposition ---

func (s *Server) decompose(w http.ResponseWriter, r *http.Request) {
	if s.decomposer == nil {
		writeError(w, http.StatusServiceUnavailable, "goal decomposition is not configured (set anthropic.api_key)")
		return
	}
	var req struct {
		Goal string `json:"goal"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}
	steps, err := s.decomposer.Decompose(r.Context(), req.Goal)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Drafts(steps))
}

// Drafts converts decomposition steps into engine drafts.
func Drafts(steps []decompose.Step) []engine.ActionDraft {
	drafts := make([]engine.ActionDraft, len(steps))
	for i, st := range steps {
		drafts[i] = engine.ActionDraft{Text: st.Text, EstimatedMinutes: st.EstimatedMinutes, Confidence: st.Confidence}
	}
	return drafts
}

// --- Sync ---

type syncStatus struct {
	Queue       *models.QueueStats `json:"queue"`
	Coordinator *syncer.Status     `json:"coordinator,omitempty"`
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := syncStatus{Queue: stats}
	if s.sync != nil {
		st := s.sync.Status()
		resp.Coordinator = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no remote store configured (set remote.base_url)")
		return
	}
	res, err := s.sync.Flush(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no remote store configured (set remote.base_url)")
		return
	}
	user := r.URL.Query().Get("user_id")
	if user == "" {
		user = s.userID
	}
	if user == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	report, err := s.sync.Reconcile(r.Context(), user)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type onlineRequest struct {
	Online *bool `json:"online"`
}

// setOnline lets the UI shell report connectivity changes it observes.
func (s *Server) setOnline(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no remote store configured (set remote.base_url)")
		return
	}
	var req onlineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.sync.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, s.sync.Status())
}

// --- Queue ---

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	ops := []*models.Operation{}
	for op, err := range s.store.ListPending(r.Context()) {
		if err != nil {
			writeErr(w, err)
			return
		}
		ops = append(ops, op)
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.store.ListDeadLetters(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if dead == nil {
		dead = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	op, err := s.store.RequeueDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.sync != nil {
		s.sync.Notify()
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) discardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DiscardDeadLetter(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
