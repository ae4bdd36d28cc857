package engine

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/store"
)

type countingSignal struct{ n atomic.Int32 }

func (c *countingSignal) Notify() { c.n.Add(1) }

type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *countingSignal) {
	t.Helper()
	st, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	sig := &countingSignal{}
	clock := &tickingClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(st, sig, WithClock(clock.Now)), st, sig
}

func pendingKinds(t *testing.T, st store.Store) []models.OperationKind {
	t.Helper()
	var kinds []models.OperationKind
	for op, err := range st.ListPending(context.Background()) {
		require.NoError(t, err)
		kinds = append(kinds, op.Kind)
	}
	return kinds
}

func drafts() []ActionDraft {
	return []ActionDraft{
		{Text: "Open the document", EstimatedMinutes: 2, Confidence: models.ConfidenceHigh},
		{Text: "Write the outline", EstimatedMinutes: 10, Confidence: models.ConfidenceMedium},
		{Text: "Draft the intro", EstimatedMinutes: 15, Confidence: models.ConfidenceLow},
	}
}

func orderOf(t *testing.T, e *Engine, sessionID string) []string {
	t.Helper()
	actions, err := e.ListActions(context.Background(), sessionID)
	require.NoError(t, err)
	var texts []string
	for i, a := range actions {
		require.Equal(t, i, a.OrderIndex, "order index of %q", a.Text)
		texts = append(texts, a.Text)
	}
	return texts
}

func TestStartSession(t *testing.T) {
	e, st, sig := newTestEngine(t)
	ctx := context.Background()

	sess, actions, err := e.StartSession(ctx, "user-1", "  Write report ", drafts())
	require.NoError(t, err)

	assert.Equal(t, "Write report", sess.Goal)
	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.Equal(t, 27, sess.TotalEstimatedMinutes)
	assert.True(t, sess.NeedsSync)
	require.Len(t, actions, 3)
	for i, a := range actions {
		assert.Equal(t, i, a.OrderIndex)
		assert.False(t, a.IsCustom)
		assert.Equal(t, sess.ID, a.SessionID)
	}

	assert.Equal(t, []models.OperationKind{
		models.OpCreateSession, models.OpCreateAction, models.OpCreateAction, models.OpCreateAction,
	}, pendingKinds(t, st))
	assert.Equal(t, int32(1), sig.n.Load())

	for op, err := range st.ListPending(ctx) {
		require.NoError(t, err)
		assert.Equal(t, sess.ID, op.EntityKey)
	}
}

func TestStartSession_Validation(t *testing.T) {
	e, st, sig := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		goal   string
		drafts []ActionDraft
	}{
		{"missing user", "", "goal", nil},
		{"blank goal", "u", "   ", nil},
		{"blank action", "u", "goal", []ActionDraft{{Text: " ", Confidence: models.ConfidenceLow}}},
		{"negative estimate", "u", "goal", []ActionDraft{{Text: "x", EstimatedMinutes: -1, Confidence: models.ConfidenceLow}}},
		{"bad confidence", "u", "goal", []ActionDraft{{Text: "x", Confidence: "certain"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.StartSession(ctx, tt.user, tt.goal, tt.drafts)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Empty(t, pendingKinds(t, st))
	assert.Zero(t, sig.n.Load())
}

func TestSessionTransitions(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	sess, _, err := e.StartSession(ctx, "u", "Focus", nil)
	require.NoError(t, err)

	_, err = e.ResumeSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := e.PauseSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, got.Status)

	got, err = e.ResumeSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)

	got, err = e.CompleteSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)

	_, err = e.PauseSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.CompleteSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, []models.OperationKind{
		models.OpCreateSession, models.OpUpdateSession, models.OpUpdateSession, models.OpUpdateSession,
	}, pendingKinds(t, st))

	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, stored.Status)
}

func TestSessionTransition_NotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.PauseSession(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordProgress(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	sess, _, err := e.StartSession(ctx, "u", "Focus", nil)
	require.NoError(t, err)

	_, err = e.RecordProgress(ctx, sess.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.RecordProgress(ctx, sess.ID, 25)
	require.NoError(t, err)
	got, err := e.RecordProgress(ctx, sess.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 30, got.ActualMinutes)
	assert.True(t, got.UpdatedAt.After(sess.UpdatedAt))
}

func TestAddAction(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	sess, _, err := e.StartSession(ctx, "u", "Write report", drafts())
	require.NoError(t, err)

	a, err := e.AddAction(ctx, sess.ID, ActionDraft{Text: "Proofread", EstimatedMinutes: 3})
	require.NoError(t, err)
	assert.True(t, a.IsCustom)
	assert.Equal(t, 3, a.OrderIndex)
	assert.Equal(t, models.ConfidenceMedium, a.Confidence)

	got, err := e.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.TotalEstimatedMinutes)

	kinds := pendingKinds(t, st)
	assert.Equal(t, []models.OperationKind{models.OpCreateAction, models.OpUpdateSession}, kinds[len(kinds)-2:])

	_, err = e.AddAction(ctx, "missing", ActionDraft{Text: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEditAction_MarksCustomOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	sess, actions, err := e.StartSession(ctx, "u", "Write report", drafts())
	require.NoError(t, err)
	id := actions[1].ID

	text := "Outline three sections"
	got, err := e.EditAction(ctx, id, ActionEdit{Text: &text})
	require.NoError(t, err)
	assert.True(t, got.IsCustom)
	assert.Equal(t, "Write the outline", got.OriginalText)
	assert.Equal(t, text, got.Text)

	again := "Outline two sections"
	minutes := 20
	got, err = e.EditAction(ctx, id, ActionEdit{Text: &again, EstimatedMinutes: &minutes})
	require.NoError(t, err)
	assert.Equal(t, "Write the outline", got.OriginalText)
	assert.Equal(t, 20, got.EstimatedMinutes)

	s, err := e.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 37, s.TotalEstimatedMinutes)

	blank := " "
	_, err = e.EditAction(ctx, id, ActionEdit{Text: &blank})
	assert.ErrorIs(t, err, ErrInvalidInput)
	bad := models.Confidence("sure")
	_, err = e.EditAction(ctx, id, ActionEdit{Confidence: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEditAction_NoChangeQueuesNothing(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	_, actions, err := e.StartSession(ctx, "u", "Write report", drafts())
	require.NoError(t, err)
	before := len(pendingKinds(t, st))

	same := actions[0].Text
	got, err := e.EditAction(ctx, actions[0].ID, ActionEdit{Text: &same})
	require.NoError(t, err)
	assert.False(t, got.IsCustom)
	assert.Len(t, pendingKinds(t, st), before)
}

func TestCompleteAction_Idempotent(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	_, actions, err := e.StartSession(ctx, "u", "Write report", drafts())
	require.NoError(t, err)

	got, err := e.CompleteAction(ctx, actions[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	stamp := *got.CompletedAt
	n := len(pendingKinds(t, st))

	got, err = e.CompleteAction(ctx, actions[0].ID)
	require.NoError(t, err)
	assert.True(t, got.CompletedAt.Equal(stamp))
	assert.Len(t, pendingKinds(t, st), n)
}

func TestMoveAction(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	sess, actions, err := e.StartSession(ctx, "u", "Write report", drafts())
	require.NoError(t, err)
	before := len(pendingKinds(t, st))

	_, err = e.MoveAction(ctx, actions[2].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Draft the intro", "Open the document", "Write the outline"}, orderOf(t, e, sess.ID))
	assert.Len(t, pendingKinds(t, st), before+3)

	_, err = e.MoveAction(ctx, actions[2].ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Open the document", "Draft the intro", "Write the outline"}, orderOf(t, e, sess.ID))

	_, err = e.MoveAction(ctx, actions[0].ID, 3)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteAction_ClosesGap(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	sess, actions, err := e.StartSession(ctx, "u", "Write report", drafts())
	require.NoError(t, err)

	require.NoError(t, e.DeleteAction(ctx, actions[0].ID))
	assert.Equal(t, []string{"Write the outline", "Draft the intro"}, orderOf(t, e, sess.ID))

	_, err = e.GetAction(ctx, actions[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, e.DeleteAction(ctx, actions[0].ID), store.ErrNotFound)

	s, err := e.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, s.TotalEstimatedMinutes)

	kinds := pendingKinds(t, st)
	assert.Contains(t, kinds, models.OpDeleteAction)
}

func TestPurgeSession(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	sess, _, err := e.StartSession(ctx, "u", "Write report", drafts())
	require.NoError(t, err)

	require.NoError(t, e.PurgeSession(ctx, sess.ID))

	_, err = e.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	list, err := e.ListSessions(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, list)

	deletes := 0
	for _, k := range pendingKinds(t, st) {
		if k == models.OpDeleteAction {
			deletes++
		}
	}
	assert.Equal(t, 3, deletes)

	remaining, err := st.ListActions(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestConcurrentAddsKeepOrderContiguous(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	sess, _, err := e.StartSession(ctx, "u", "Write report", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.AddAction(ctx, sess.ID, ActionDraft{Text: "step", EstimatedMinutes: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, orderOf(t, e, sess.ID), 10)
	s, err := e.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, s.TotalEstimatedMinutes)
}

func TestEnqueue_LogsOnlyCollapsedWrites(t *testing.T) {
	st, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := New(st, nil, WithLogger(logger))

	sess := &models.OfflineSession{UserID: "user-1", Goal: "g", Status: models.SessionStatusActive}
	require.NoError(t, st.PutSession(ctx, sess, store.PutOptions{}))

	require.NoError(t, e.enqueue(ctx, models.OpUpdateSession, sess.ID, sess.ID, sess))
	assert.NotContains(t, buf.String(), "operation already queued")

	require.NoError(t, e.enqueue(ctx, models.OpUpdateSession, sess.ID, sess.ID, sess))
	assert.Contains(t, buf.String(), "operation already queued")
	assert.Equal(t, []models.OperationKind{models.OpUpdateSession}, pendingKinds(t, st))
}
