package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/reconcile"
	"github.com/joescharf/firefly/internal/remote/remotetest"
	"github.com/joescharf/firefly/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t     *testing.T
	store *store.SQLiteStore
	srv   *remotetest.Server
	clock *fakeClock
	coord *Coordinator

	mu          sync.Mutex
	escalations []Escalation
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)

	h := &harness{t: t, store: st, srv: srv, clock: newFakeClock()}
	h.coord = New(st, srv.Client(), reconcile.New(st, nil), cfg,
		WithClock(h.clock.Now),
		WithNotifier(NotifierFunc(func(e Escalation) {
			h.mu.Lock()
			h.escalations = append(h.escalations, e)
			h.mu.Unlock()
		})),
	)
	return h
}

func (h *harness) escalated() []Escalation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Escalation(nil), h.escalations...)
}

// startSession writes a session locally and queues its create, the way the
// engine does.
func (h *harness) startSession(goal string) *models.OfflineSession {
	h.t.Helper()
	ctx := context.Background()
	sess := &models.OfflineSession{
		UserID:    "user-1",
		Goal:      goal,
		Status:    models.SessionStatusActive,
		UpdatedAt: h.clock.Now(),
	}
	require.NoError(h.t, h.store.PutSession(ctx, sess, store.PutOptions{}))
	h.enqueue(models.OpCreateSession, sess.ID, sess.ID, sess)
	return sess
}

func (h *harness) updateSession(sess *models.OfflineSession) {
	h.t.Helper()
	stored, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(h.t, err)
	stored.Goal = sess.Goal
	stored.Status = sess.Status
	stored.ActualMinutes = sess.ActualMinutes
	require.NoError(h.t, h.store.PutSession(context.Background(), stored, store.PutOptions{}))
	h.enqueue(models.OpUpdateSession, stored.ID, stored.ID, stored)
}

func (h *harness) addAction(sess *models.OfflineSession, text string, order int) *models.OfflineAction {
	h.t.Helper()
	ctx := context.Background()
	stored, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(h.t, err)
	a := &models.OfflineAction{
		SessionID:        sess.ID,
		RemoteSessionID:  stored.RemoteID,
		Text:             text,
		EstimatedMinutes: 5,
		Confidence:       models.ConfidenceMedium,
		OrderIndex:       order,
	}
	require.NoError(h.t, h.store.PutAction(ctx, a, store.PutOptions{}))
	h.enqueue(models.OpCreateAction, a.ID, sess.ID, a)
	return a
}

func (h *harness) enqueue(kind models.OperationKind, target, key string, entity interface{ SyncPayload() ([]byte, error) }) {
	h.t.Helper()
	payload, err := entity.SyncPayload()
	require.NoError(h.t, err)
	_, _, err = h.store.EnqueueOperation(context.Background(), kind, target, key, payload)
	require.NoError(h.t, err)
}

func (h *harness) pending() []*models.Operation {
	h.t.Helper()
	var ops []*models.Operation
	for op, err := range h.store.ListPending(context.Background()) {
		require.NoError(h.t, err)
		ops = append(ops, op)
	}
	return ops
}

func (h *harness) flush() *FlushResult {
	h.t.Helper()
	res, err := h.coord.Flush(context.Background())
	require.NoError(h.t, err)
	return res
}

// drainAll flushes until the queue is empty, advancing the clock past every
// backoff.
func (h *harness) drainAll(maxPasses int) {
	h.t.Helper()
	for i := 0; i < maxPasses; i++ {
		h.flush()
		if len(h.pending()) == 0 {
			return
		}
		h.clock.Advance(2 * time.Minute)
	}
	h.t.Fatalf("queue not empty after %d passes", maxPasses)
}

// Offline create, reconnect, bind srv-1.
func TestEndToEnd_OfflineCreateThenReconnect(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	h.coord.SetOnline(false)
	sess := h.startSession("Write report")

	ops := h.pending()
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpCreateSession, ops[0].Kind)

	_, err := h.coord.Flush(ctx)
	assert.ErrorIs(t, err, ErrOffline)

	action := h.addAction(sess, "Open a blank doc", 0)
	h.srv.FailMatching(http.MethodPost, "/sessions/srv-1/actions", http.StatusServiceUnavailable)

	h.coord.SetOnline(true)
	res := h.flush()
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Retried)

	got, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.RemoteID)
	assert.False(t, got.NeedsSync)

	ops = h.pending()
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpCreateAction, ops[0].Kind)
	var payload models.OfflineAction
	require.NoError(t, json.Unmarshal(ops[0].Payload, &payload))
	assert.Equal(t, "srv-1", payload.RemoteSessionID, "queued create carries the bound id")

	h.clock.Advance(time.Second)
	h.flush()
	assert.Empty(t, h.pending())

	a, err := h.store.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "act-1", a.RemoteID)
	assert.False(t, a.NeedsSync)

	remoteActions := h.srv.Actions("srv-1")
	require.Len(t, remoteActions, 1)
	assert.Equal(t, "Open a blank doc", remoteActions[0].Text)
}

func TestIdempotentCreateReplay(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess := h.startSession("Write report")
	h.srv.DropAfterCommit()

	res := h.flush()
	assert.Equal(t, 1, res.Retried, "outcome unknown, so the create is retried")
	assert.Len(t, h.srv.Sessions(), 1, "the first attempt landed")

	h.clock.Advance(time.Second)
	h.flush()

	assert.Len(t, h.srv.Sessions(), 1, "replay must not create a second record")
	got, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.RemoteID)

	var keys []string
	for _, r := range h.srv.Requests() {
		if r.Method == http.MethodPost && r.Path == "/sessions" {
			keys = append(keys, r.Key)
		}
	}
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
}

func TestUpdateWaitsForCreate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess := h.startSession("draft")
	sess.Goal = "final"
	h.updateSession(sess)

	h.srv.FailNext(1, http.StatusBadGateway)
	res := h.flush()
	assert.Equal(t, 1, res.Dispatched, "update is blocked behind the failed create")
	assert.Equal(t, 1, res.Deferred)
	assert.Len(t, h.pending(), 2)

	h.clock.Advance(time.Second)
	res = h.flush()
	assert.Equal(t, 2, res.Succeeded)

	recs := h.srv.Sessions()
	require.Len(t, recs, 1)
	assert.Equal(t, "final", recs[0].Goal)

	got, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced())
}

func TestNotDueOperationIsDeferred(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.startSession("g")
	h.srv.FailNext(1, http.StatusServiceUnavailable)
	res := h.flush()
	require.Equal(t, 1, res.Retried)
	require.NotNil(t, res.NextDue)
	assert.Equal(t, h.clock.Now().Add(time.Second), *res.NextDue)

	res = h.flush()
	assert.Zero(t, res.Dispatched)
	assert.Equal(t, 1, res.Deferred)
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg)
	ctx := context.Background()

	sess := h.startSession("g")
	h.srv.FailNext(10, http.StatusServiceUnavailable)

	var delays []time.Duration
	for i := 0; i < cfg.MaxAttempts; i++ {
		before := h.clock.Now()
		res := h.flush()
		require.Equal(t, 1, res.Retried, "attempt %d", i+1)
		ops := h.pending()
		require.Len(t, ops, 1)
		assert.Equal(t, i+1, ops[0].Attempts)
		delays = append(delays, ops[0].NextAttemptAt.Sub(before))
		h.clock.Advance(time.Minute)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	res := h.flush()
	assert.Equal(t, 1, res.DeadLettered)
	assert.Empty(t, h.pending())

	letters, err := h.store.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, http.StatusServiceUnavailable, letters[0].StatusCode)
	assert.Contains(t, letters[0].Reason, "retries exhausted")

	got, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsSync)

	esc := h.escalated()
	require.Len(t, esc, 1)
	assert.Equal(t, sess.ID, esc[0].Op.TargetID)
}

func TestRejectionIsTerminalAndOrphansFollow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	bad := h.startSession("")
	h.addAction(bad, "step", 0)
	good := h.startSession("valid goal")

	res := h.flush()
	assert.Equal(t, 2, res.DeadLettered, "rejected create plus its orphaned action")
	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, h.pending())

	letters, err := h.store.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	byKind := map[models.OperationKind]*models.DeadLetter{}
	for _, dl := range letters {
		byKind[dl.Kind] = dl
	}
	assert.Equal(t, http.StatusUnprocessableEntity, byKind[models.OpCreateSession].StatusCode)
	assert.Contains(t, byKind[models.OpCreateAction].Reason, "never created remotely")

	got, err := h.store.GetSession(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced())

	assert.Len(t, h.escalated(), 2)
}

func TestDeleteOfUnsyncedActionCompletesLocally(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess := h.startSession("g")
	h.flush()

	// An action whose create was lost, then deleted.
	a := &models.OfflineAction{SessionID: sess.ID, Text: "x", Confidence: models.ConfidenceLow}
	require.NoError(t, h.store.PutAction(ctx, a, store.PutOptions{}))
	a.Deleted = true
	require.NoError(t, h.store.PutAction(ctx, a, store.PutOptions{}))
	h.enqueue(models.OpDeleteAction, a.ID, sess.ID, a)

	res := h.flush()
	assert.Equal(t, 1, res.Succeeded)
	_, err := h.store.GetAction(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	for _, r := range h.srv.Requests() {
		assert.NotEqual(t, http.MethodDelete, r.Method)
	}
}

func TestDeleteActionReachesRemote(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess := h.startSession("g")
	a := h.addAction(sess, "x", 0)
	h.flush()
	require.Len(t, h.srv.Actions("srv-1"), 1)

	stored, err := h.store.GetAction(ctx, a.ID)
	require.NoError(t, err)
	stored.Deleted = true
	require.NoError(t, h.store.PutAction(ctx, stored, store.PutOptions{}))
	h.enqueue(models.OpDeleteAction, a.ID, sess.ID, stored)

	h.flush()
	assert.Empty(t, h.srv.Actions("srv-1"))
	_, err = h.store.GetAction(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFlushRecoversInFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	h.startSession("g")
	ops := h.pending()
	require.NoError(t, h.store.MarkInFlight(ctx, ops[0]))

	res := h.flush()
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 1, res.Succeeded)
}

func TestCompactsPurgedSessions(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	sess := h.startSession("g")
	h.flush()

	stored, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	stored.Deleted = true
	require.NoError(t, h.store.PutSession(ctx, stored, store.PutOptions{}))

	res := h.flush()
	assert.Equal(t, int64(1), res.Compacted)
}

func TestStatusReflectsLastPass(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	st := h.coord.Status()
	assert.True(t, st.Online)
	assert.False(t, st.Running)

	h.startSession("g")
	h.flush()

	st = h.coord.Status()
	assert.Equal(t, 1, st.LastResult.Succeeded)
	assert.Empty(t, st.LastError)

	h.coord.SetOnline(false)
	assert.False(t, h.coord.Status().Online)
}

func TestSetOnlineTriggersPass(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.coord.SetOnline(false)
	h.coord.SetOnline(true)
	assert.Len(t, h.coord.wake, 1)

	h.coord.Notify()
	assert.Len(t, h.coord.wake, 1, "notifications coalesce")
}

func TestRunDrainsOnNotify(t *testing.T) {
	st, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	defer st.Close()
	srv := remotetest.NewServer()
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	coord := New(st, srv.Client(), reconcile.New(st, nil), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()

	sess := &models.OfflineSession{UserID: "u", Goal: "g", Status: models.SessionStatusActive}
	require.NoError(t, st.PutSession(context.Background(), sess, store.PutOptions{}))
	payload, err := sess.SyncPayload()
	require.NoError(t, err)
	_, _, err = st.EnqueueOperation(context.Background(), models.OpCreateSession, sess.ID, sess.ID, payload)
	require.NoError(t, err)
	coord.Notify()

	require.Eventually(t, func() bool {
		got, err := st.GetSession(context.Background(), sess.ID)
		return err == nil && got.Synced()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func runCoordinator(t *testing.T, coord *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
}

func countRequests(srv *remotetest.Server, method, path string) int {
	n := 0
	for _, r := range srv.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func TestRunPausesWhileRemoteUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.srv.SetOnline(false)
	sess := h.startSession("g")
	runCoordinator(t, h.coord)

	require.Eventually(t, func() bool { return !h.coord.Online() }, 5*time.Second, 5*time.Millisecond)
	ops := h.pending()
	require.Len(t, ops, 1)
	attempts := ops[0].Attempts
	assert.Equal(t, 1, attempts, "only the pass that found the remote unreachable counts")

	// Every scheduled retry is due, and several ticks pass while offline.
	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return countRequests(h.srv, http.MethodGet, "/health") >= 3 },
		5*time.Second, 5*time.Millisecond)
	assert.False(t, h.coord.Online())

	ops = h.pending()
	require.Len(t, ops, 1)
	assert.Equal(t, attempts, ops[0].Attempts)
	assert.Equal(t, 1, countRequests(h.srv, http.MethodPost, "/sessions"))
	assert.Empty(t, h.escalated())

	h.srv.SetOnline(true)
	require.Eventually(t, func() bool {
		got, err := h.store.GetSession(ctx, sess.ID)
		return err == nil && got.Synced()
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, h.coord.Online())
	assert.Len(t, h.srv.Sessions(), 1)
}

func TestRunStaysOnlineOnServerErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	h := newHarness(t, cfg)

	h.srv.FailNext(1, http.StatusServiceUnavailable)
	h.startSession("g")
	runCoordinator(t, h.coord)

	require.Eventually(t, func() bool {
		for op, err := range h.store.ListPending(context.Background()) {
			return err == nil && op.Attempts == 1
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.True(t, h.coord.Online(), "an answering store is reachable")
	assert.Zero(t, countRequests(h.srv, http.MethodGet, "/health"))
}

func TestManualOfflineIsNotLifted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.coord.SetOnline(false)
	h.startSession("g")
	runCoordinator(t, h.coord)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, h.coord.Online())
	assert.Empty(t, h.srv.Requests())
	require.Len(t, h.pending(), 1)
	assert.Zero(t, h.pending()[0].Attempts)
}

func TestReconcileRequiresOnline(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.coord.SetOnline(false)
	_, err := h.coord.Reconcile(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrOffline)

	h.coord.SetOnline(true)
	report, err := h.coord.Reconcile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, report.Inserted)
}

func TestFlakyRemoteEventuallyConverges(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.srv.FailNext(5, http.StatusServiceUnavailable)

	for i := 0; i < 3; i++ {
		sess := h.startSession("goal")
		h.addAction(sess, "first", 0)
		h.addAction(sess, "second", 1)
	}
	h.drainAll(20)

	assert.Len(t, h.srv.Sessions(), 3)
	sessions, err := h.store.ListSessions(context.Background(), "")
	require.NoError(t, err)
	for _, s := range sessions {
		assert.True(t, s.Synced(), "session %s", s.ID)
		actions, err := h.store.ListActions(context.Background(), s.ID)
		require.NoError(t, err)
		for _, a := range actions {
			assert.True(t, a.Synced(), "action %s", a.ID)
		}
		assert.Len(t, h.srv.Actions(s.RemoteID), 2)
	}
	assert.Empty(t, h.escalated())
}
