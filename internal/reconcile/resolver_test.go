package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/remote"
	"github.com/joescharf/firefly/internal/remote/remotetest"
	"github.com/joescharf/firefly/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueEntity(t *testing.T, s store.Store, kind models.OperationKind, target, key string, payload []byte) *models.Operation {
	t.Helper()
	op, _, err := s.EnqueueOperation(context.Background(), kind, target, key, payload)
	require.NoError(t, err)
	return op
}

func TestAcknowledge_CreateSessionBinds(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	ctx := context.Background()

	sess := &models.OfflineSession{UserID: "u", Goal: "Write report", Status: models.SessionStatusActive}
	require.NoError(t, s.PutSession(ctx, sess, store.PutOptions{}))
	payload, err := sess.SyncPayload()
	require.NoError(t, err)
	op := enqueueEntity(t, s, models.OpCreateSession, sess.ID, sess.ID, payload)

	require.NoError(t, r.Acknowledge(ctx, op, "srv-1"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.RemoteID)
	assert.False(t, got.NeedsSync)
}

func TestAcknowledge_UpdateCompletes(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	ctx := context.Background()

	sess := &models.OfflineSession{UserID: "u", Goal: "g", Status: models.SessionStatusActive, RemoteID: "srv-4"}
	require.NoError(t, s.PutSession(ctx, sess, store.PutOptions{}))
	payload, err := sess.SyncPayload()
	require.NoError(t, err)
	op := enqueueEntity(t, s, models.OpUpdateSession, sess.ID, sess.ID, payload)

	require.NoError(t, r.Acknowledge(ctx, op, "srv-4"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced())
}

func TestBindSession_MissingEntityIsIncomplete(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	ctx := context.Background()

	op := enqueueEntity(t, s, models.OpCreateSession, "ghost", "ghost", []byte(`{"goal":"x"}`))
	err := r.BindSession(ctx, op, "srv-1")
	assert.ErrorIs(t, err, ErrBindIncomplete)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetOperation(ctx, op.ID)
	assert.NoError(t, err, "nothing was committed")
}

func TestBindAction(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	ctx := context.Background()

	sess := &models.OfflineSession{UserID: "u", Goal: "g", Status: models.SessionStatusActive, RemoteID: "srv-1"}
	require.NoError(t, s.PutSession(ctx, sess, store.PutOptions{}))
	a := &models.OfflineAction{SessionID: sess.ID, RemoteSessionID: "srv-1", Text: "step", Confidence: models.ConfidenceLow}
	require.NoError(t, s.PutAction(ctx, a, store.PutOptions{}))
	payload, err := a.SyncPayload()
	require.NoError(t, err)
	op := enqueueEntity(t, s, models.OpCreateAction, a.ID, sess.ID, payload)

	require.NoError(t, r.Acknowledge(ctx, op, "act-1"))

	got, err := s.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "act-1", got.RemoteID)
	assert.False(t, got.NeedsSync)
}

func TestReconcileOwner_InsertsRemoteOnly(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	srv := remotetest.NewServer()
	defer srv.Close()
	ctx := context.Background()

	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := srv.PutSession(remote.SessionRecord{UserID: "u", Goal: "from web", Status: models.SessionStatusActive, CreatedAt: ts, UpdatedAt: ts})
	srv.PutAction(remote.ActionRecord{SessionID: rec.ID, Text: "b", OrderIndex: 1, Confidence: models.ConfidenceHigh, CreatedAt: ts, UpdatedAt: ts})
	srv.PutAction(remote.ActionRecord{SessionID: rec.ID, Text: "a", OrderIndex: 0, Confidence: models.ConfidenceHigh, CreatedAt: ts, UpdatedAt: ts})
	srv.PutSession(remote.SessionRecord{UserID: "other", Goal: "not mine", Status: models.SessionStatusActive})

	report, err := r.ReconcileOwner(ctx, srv.Client(), "u")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Inserted)

	sessions, err := s.ListSessions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.ID, sessions[0].RemoteID)
	assert.False(t, sessions[0].NeedsSync)

	actions, err := s.ListActions(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "a", actions[0].Text)
	assert.Equal(t, rec.ID, actions[0].RemoteSessionID)
	assert.True(t, actions[0].Synced())

	// A second pass changes nothing.
	report, err = r.ReconcileOwner(ctx, srv.Client(), "u")
	require.NoError(t, err)
	assert.Zero(t, report.Inserted)
	assert.Zero(t, report.Updated)
}

func TestReconcileOwner_RefreshesSyncedRecord(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	srv := remotetest.NewServer()
	defer srv.Close()
	ctx := context.Background()

	old := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := srv.PutSession(remote.SessionRecord{UserID: "u", Goal: "new goal", Status: models.SessionStatusPaused, UpdatedAt: old.Add(time.Hour)})

	local := &models.OfflineSession{UserID: "u", Goal: "old goal", Status: models.SessionStatusActive, RemoteID: rec.ID, UpdatedAt: old}
	require.NoError(t, s.PutSession(ctx, local, store.PutOptions{PreserveSyncState: true}))

	report, err := r.ReconcileOwner(ctx, srv.Client(), "u")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	got, err := s.GetSession(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "new goal", got.Goal)
	assert.Equal(t, models.SessionStatusPaused, got.Status)
}

func TestReconcileOwner_ConflictRemoteNewer(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	srv := remotetest.NewServer()
	defer srv.Close()
	ctx := context.Background()

	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := srv.PutSession(remote.SessionRecord{UserID: "u", Goal: "remote edit", Status: models.SessionStatusActive, UpdatedAt: t0.Add(time.Minute)})

	local := &models.OfflineSession{UserID: "u", Goal: "local edit", Status: models.SessionStatusActive, RemoteID: rec.ID, UpdatedAt: t0}
	require.NoError(t, s.PutSession(ctx, local, store.PutOptions{}))
	payload, err := local.SyncPayload()
	require.NoError(t, err)
	enqueueEntity(t, s, models.OpUpdateSession, local.ID, local.ID, payload)

	report, err := r.ReconcileOwner(ctx, srv.Client(), "u")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.LocalWins)

	got, err := s.GetSession(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote edit", got.Goal)
	assert.False(t, got.NeedsSync, "superseded update was discarded")

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestReconcileOwner_ConflictLocalNewer(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	srv := remotetest.NewServer()
	defer srv.Close()
	ctx := context.Background()

	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := srv.PutSession(remote.SessionRecord{UserID: "u", Goal: "remote edit", Status: models.SessionStatusActive, UpdatedAt: t0})

	local := &models.OfflineSession{UserID: "u", Goal: "local edit", Status: models.SessionStatusActive, RemoteID: rec.ID, UpdatedAt: t0.Add(time.Minute)}
	require.NoError(t, s.PutSession(ctx, local, store.PutOptions{}))
	payload, err := local.SyncPayload()
	require.NoError(t, err)
	enqueueEntity(t, s, models.OpUpdateSession, local.ID, local.ID, payload)

	report, err := r.ReconcileOwner(ctx, srv.Client(), "u")
	require.NoError(t, err)
	assert.Equal(t, 1, report.LocalWins)

	got, err := s.GetSession(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, "local edit", got.Goal)
	assert.True(t, got.NeedsSync)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending, "local update still goes out")
}

func TestReconcileOwner_RemovesVanishedSynced(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	srv := remotetest.NewServer()
	defer srv.Close()
	ctx := context.Background()

	gone := &models.OfflineSession{UserID: "u", Goal: "deleted elsewhere", Status: models.SessionStatusActive, RemoteID: "srv-99"}
	require.NoError(t, s.PutSession(ctx, gone, store.PutOptions{PreserveSyncState: true}))
	pending := &models.OfflineSession{UserID: "u", Goal: "offline only", Status: models.SessionStatusActive}
	require.NoError(t, s.PutSession(ctx, pending, store.PutOptions{}))

	report, err := r.ReconcileOwner(ctx, srv.Client(), "u")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)

	list, err := s.ListSessions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)
}

func TestReconcileOwner_NormalizesOrder(t *testing.T) {
	s := newTestStore(t)
	r := New(s, nil)
	srv := remotetest.NewServer()
	defer srv.Close()
	ctx := context.Background()

	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := srv.PutSession(remote.SessionRecord{UserID: "u", Goal: "g", Status: models.SessionStatusActive, UpdatedAt: t0})
	srv.PutAction(remote.ActionRecord{SessionID: rec.ID, Text: "remote", OrderIndex: 0, Confidence: models.ConfidenceLow, CreatedAt: t0, UpdatedAt: t0})

	local := &models.OfflineSession{UserID: "u", Goal: "g", Status: models.SessionStatusActive, RemoteID: rec.ID, UpdatedAt: t0}
	require.NoError(t, s.PutSession(ctx, local, store.PutOptions{PreserveSyncState: true}))
	mine := &models.OfflineAction{SessionID: local.ID, RemoteSessionID: rec.ID, Text: "local", OrderIndex: 0,
		Confidence: models.ConfidenceLow, CreatedAt: t0.Add(time.Second)}
	require.NoError(t, s.PutAction(ctx, mine, store.PutOptions{}))

	_, err := r.ReconcileOwner(ctx, srv.Client(), "u")
	require.NoError(t, err)

	actions, err := s.ListActions(ctx, local.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "remote", actions[0].Text)
	assert.Equal(t, 0, actions[0].OrderIndex)
	assert.Equal(t, "local", actions[1].Text)
	assert.Equal(t, 1, actions[1].OrderIndex)
}
