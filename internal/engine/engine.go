// Package engine is the local-first API the UI layer calls. Every mutation
// is written to the local store and queued before it returns; the sync
// coordinator is then signaled to push it to the remote store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/store"
)

var (
	// ErrInvalidInput is returned when a mutation's arguments are rejected
	// before anything is written.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition is returned when a session cannot move to the
	// requested status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Signaler is told when new operations are queued.
type Signaler interface {
	Notify()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns local mutations of sessions and actions.
type Engine struct {
	store  store.Store
	signal Signaler
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine writing to st. signal may be nil when nothing drains
// the queue in this process.
func New(st store.Store, signal Signaler, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		signal: signal,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lock serializes mutations within one session so order indices are never
// maintained by two writers at once.
func (e *Engine) lock(sessionID string) func() {
	e.mu.Lock()
	m, ok := e.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[sessionID] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e *Engine) notify() {
	if e.signal != nil {
		e.signal.Notify()
	}
}

// enqueue queues kind for the entity's current state.
func (e *Engine) enqueue(ctx context.Context, kind models.OperationKind, targetID, sessionID string, entity interface{ SyncPayload() ([]byte, error) }) error {
	payload, err := entity.SyncPayload()
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	op, created, err := e.store.EnqueueOperation(ctx, kind, targetID, sessionID, payload)
	if err != nil {
		return fmt.Errorf("queue %s: %w", kind, err)
	}
	if !created {
		e.logger.Debug("operation already queued", "kind", kind, "target", targetID, "op", op.ID)
	}
	return nil
}

func (e *Engine) saveSession(ctx context.Context, sess *models.OfflineSession, kind models.OperationKind) error {
	if err := e.store.PutSession(ctx, sess, store.PutOptions{}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return e.enqueue(ctx, kind, sess.ID, sess.ID, sess)
}

func (e *Engine) saveAction(ctx context.Context, a *models.OfflineAction, kind models.OperationKind) error {
	if err := e.store.PutAction(ctx, a, store.PutOptions{}); err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	return e.enqueue(ctx, kind, a.ID, a.SessionID, a)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}
