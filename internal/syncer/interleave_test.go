package syncer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/firefly/internal/engine"
	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/store"
)

// drainingStore runs one drain pass right after the first read named by
// after, so the engine writes back a copy taken before the creates were
// bound.
type drainingStore struct {
	store.Store
	coord *Coordinator
	after string // "GetSession" or "ListActions"

	once sync.Once
	err  error
}

func (s *drainingStore) drain(ctx context.Context, call string) {
	if call != s.after {
		return
	}
	s.once.Do(func() { _, s.err = s.coord.Flush(ctx) })
}

func (s *drainingStore) GetSession(ctx context.Context, localID string) (*models.OfflineSession, error) {
	sess, err := s.Store.GetSession(ctx, localID)
	s.drain(ctx, "GetSession")
	return sess, err
}

func (s *drainingStore) ListActions(ctx context.Context, sessionID string) ([]*models.OfflineAction, error) {
	actions, err := s.Store.ListActions(ctx, sessionID)
	s.drain(ctx, "ListActions")
	return actions, err
}

func TestEditDuringDrain_KeepsSessionBinding(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	sess := h.startSession("g")

	ds := &drainingStore{Store: h.store, coord: h.coord, after: "GetSession"}
	paused, err := engine.New(ds, nil).PauseSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, ds.err)
	assert.Equal(t, "srv-1", paused.RemoteID)

	stored, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", stored.RemoteID)

	res := h.flush()
	assert.Zero(t, res.DeadLettered)
	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, h.escalated())

	remoteSessions := h.srv.Sessions()
	require.Len(t, remoteSessions, 1)
	assert.Equal(t, models.SessionStatusPaused, remoteSessions[0].Status)
}

func TestEditDuringDrain_KeepsActionBinding(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	sess := h.startSession("g")
	a := h.addAction(sess, "first", 0)

	ds := &drainingStore{Store: h.store, coord: h.coord, after: "ListActions"}
	text := "first, reworded"
	edited, err := engine.New(ds, nil).EditAction(ctx, a.ID, engine.ActionEdit{Text: &text})
	require.NoError(t, err)
	require.NoError(t, ds.err)
	assert.NotEmpty(t, edited.RemoteID)
	assert.Equal(t, "srv-1", edited.RemoteSessionID)

	res := h.flush()
	assert.Zero(t, res.DeadLettered)
	assert.Empty(t, h.escalated())

	remoteActions := h.srv.Actions("srv-1")
	require.Len(t, remoteActions, 1)
	assert.Equal(t, text, remoteActions[0].Text)
}
