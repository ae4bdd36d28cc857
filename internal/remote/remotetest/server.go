// Package remotetest provides an in-memory remote store for tests. It honors
// idempotency keys, assigns sequential ids ("srv-1", "act-1", ...) and can
// inject failures.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/firefly/internal/remote"
)

// Request is one call observed by the server.
type Request struct {
	Method string
	Path   string
	Key    string
}

// failure is an injected response. A zero status drops the connection
// before the request is processed. afterCommit applies the request first and
// then drops the connection, leaving the client unsure whether it landed.
type failure struct {
	status      int
	afterCommit bool
	method      string // empty matches any request
	pathPrefix  string
}

func (f failure) matches(r *http.Request) bool {
	if f.method != "" && f.method != r.Method {
		return false
	}
	return strings.HasPrefix(r.URL.Path, f.pathPrefix)
}

type replay struct {
	status int
	body   []byte
}

// Server is a fake remote store backed by maps.
type Server struct {
	*httptest.Server

	// Token, when set, must be presented as a bearer token.
	Token string

	mu          sync.Mutex
	sessions    map[string]*remote.SessionRecord
	actions     map[string]*remote.ActionRecord
	seen        map[string]replay
	failures    []failure
	requests    []Request
	sessionSeq  int
	actionSeq   int
	onlineState bool
}

// NewServer starts a fake store. Call Close when done.
func NewServer() *Server {
	s := &Server{
		sessions:    make(map[string]*remote.SessionRecord),
		actions:     make(map[string]*remote.ActionRecord),
		seen:        make(map[string]replay),
		onlineState: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.createSession)
	mux.HandleFunc("GET /sessions", s.listSessions)
	mux.HandleFunc("PATCH /sessions/{id}", s.updateSession)
	mux.HandleFunc("POST /sessions/{id}/actions", s.createAction)
	mux.HandleFunc("GET /sessions/{id}/actions", s.listActions)
	mux.HandleFunc("PATCH /actions/{id}", s.updateAction)
	mux.HandleFunc("DELETE /actions/{id}", s.deleteAction)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// Client returns a remote.Client pointed at the server. Keep-alives are off
// so every request uses a fresh connection; net/http would otherwise replay
// a keyed request on its own when a reused connection is dropped.
func (s *Server) Client() *remote.Client {
	hc := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   5 * time.Second,
	}
	return remote.NewClient(hc, s.URL, remote.StaticToken(s.Token))
}

// FailNext makes the next n requests answer with status. Status 0 drops the
// connection without a response.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, failure{status: status})
	}
}

// FailMatching makes the next request with the given method and path prefix
// answer with status. Other requests are served normally.
func (s *Server) FailMatching(method, pathPrefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{status: status, method: method, pathPrefix: pathPrefix})
}

// DropAfterCommit makes the next request take effect and then drops the
// connection before the client reads the response.
func (s *Server) DropAfterCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{afterCommit: true})
}

// SetOnline toggles whether requests are served at all. Offline requests
// have their connections dropped.
func (s *Server) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlineState = online
}

// Requests returns a copy of the request log.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Sessions returns the stored sessions ordered by id.
func (s *Server) Sessions() []remote.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

// Actions returns the stored actions of one session ordered by order index.
func (s *Server) Actions(sessionID string) []remote.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actionsOf(sessionID)
}

// PutSession seeds a session directly, bypassing the HTTP surface. A
// record without id gets the next sequential one.
func (s *Server) PutSession(rec remote.SessionRecord) remote.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		s.sessionSeq++
		rec.ID = fmt.Sprintf("srv-%d", s.sessionSeq)
	}
	s.sessions[rec.ID] = &rec
	return rec
}

// PutAction seeds an action directly.
func (s *Server) PutAction(rec remote.ActionRecord) remote.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		s.actionSeq++
		rec.ID = fmt.Sprintf("act-%d", s.actionSeq)
	}
	s.actions[rec.ID] = &rec
	return rec
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(remote.IdempotencyHeader)

		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Key: key})
		online := s.onlineState
		var f *failure
		if online {
			for i := range s.failures {
				if s.failures[i].matches(r) {
					picked := s.failures[i]
					f = &picked
					s.failures = append(s.failures[:i], s.failures[i+1:]...)
					break
				}
			}
		}
		s.mu.Unlock()

		if !online || (f != nil && !f.afterCommit && f.status == 0) {
			dropConnection(w)
			return
		}
		if f != nil && !f.afterCommit {
			writeError(w, f.status, http.StatusText(f.status))
			return
		}

		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if key != "" && r.Method != http.MethodGet {
			s.mu.Lock()
			prev, ok := s.seen[key]
			s.mu.Unlock()
			if ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(prev.status)
				_, _ = w.Write(prev.body)
				return
			}
		}

		rec := httptest.NewRecorder()
		next.ServeHTTP(rec, r)

		if key != "" && r.Method != http.MethodGet && rec.Code < 500 {
			s.mu.Lock()
			s.seen[key] = replay{status: rec.Code, body: rec.Body.Bytes()}
			s.mu.Unlock()
		}

		if f != nil && f.afterCommit {
			dropConnection(w)
			return
		}
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
	})
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("remotetest: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	_ = conn.Close()
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var rec remote.SessionRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(rec.Goal) == "" {
		writeError(w, http.StatusUnprocessableEntity, "goal is required")
		return
	}
	if !rec.Status.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "invalid status")
		return
	}

	s.mu.Lock()
	s.sessionSeq++
	rec.ID = fmt.Sprintf("srv-%d", s.sessionSeq)
	stamp(&rec.CreatedAt, &rec.UpdatedAt)
	stored := rec
	s.sessions[rec.ID] = &stored
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var rec remote.SessionRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	existing, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	rec.ID = id
	rec.CreatedAt = existing.CreatedAt
	stamp(&rec.CreatedAt, &rec.UpdatedAt)
	*existing = rec
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	out := []remote.SessionRecord{}
	for _, rec := range s.Sessions() {
		if userID == "" || rec.UserID == userID {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createAction(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var rec remote.ActionRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(rec.Text) == "" {
		writeError(w, http.StatusUnprocessableEntity, "text is required")
		return
	}

	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.actionSeq++
	rec.ID = fmt.Sprintf("act-%d", s.actionSeq)
	rec.SessionID = sessionID
	stamp(&rec.CreatedAt, &rec.UpdatedAt)
	stored := rec
	s.actions[rec.ID] = &stored
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	out := s.actionsOf(sessionID)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) updateAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var rec remote.ActionRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	existing, ok := s.actions[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	rec.ID = id
	rec.SessionID = existing.SessionID
	rec.CreatedAt = existing.CreatedAt
	stamp(&rec.CreatedAt, &rec.UpdatedAt)
	*existing = rec
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.actions[id]
	delete(s.actions, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// actionsOf must be called with s.mu held.
func (s *Server) actionsOf(sessionID string) []remote.ActionRecord {
	out := []remote.ActionRecord{}
	for _, rec := range s.actions {
		if rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return idLess(out[i].ID, out[j].ID)
	})
	return out
}

// stamp fills missing timestamps. Client-provided update times are kept so
// last-writer-wins compares the times the edits were made.
func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}

// idLess orders "srv-2" before "srv-10".
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
