package cmd

import (
	"context"
	"net/http"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/firefly/internal/engine"
	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/remote/remotetest"
	"github.com/joescharf/firefly/internal/store"
)

// cliEnv is testEnv plus a configured user.
func cliEnv(t *testing.T) store.Store {
	t.Helper()
	testEnv(t)
	viper.Set("user_id", "user-1")
	sessionSteps, sessionDecompose, sessionAll = nil, false, false
	s, err := getStore()
	require.NoError(t, err)
	return s
}

// onlySession returns the single session of user-1.
func onlySession(t *testing.T, s store.Store) *models.OfflineSession {
	t.Helper()
	sessions, err := s.ListSessions(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	return sessions[0]
}

func TestSessionStart_RequiresUser(t *testing.T) {
	testEnv(t)

	err := sessionStartRun("Anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id is not set")
}

func TestSessionStart_WithSteps(t *testing.T) {
	s := cliEnv(t)
	sessionSteps = []string{"Open the laptop", "Write one sentence"}

	require.NoError(t, sessionStartRun("Draft the report"))

	sess := onlySession(t, s)
	assert.Equal(t, "Draft the report", sess.Goal)
	assert.Equal(t, 10, sess.TotalEstimatedMinutes)
	assert.Contains(t, stdout(), "Started session")
	assert.Contains(t, stdout(), "Write one sentence")

	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
}

func TestSessionStart_DecomposeUnconfigured(t *testing.T) {
	cliEnv(t)
	sessionDecompose = true

	err := sessionStartRun("Clean the kitchen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestSessionStart_DryRun(t *testing.T) {
	s := cliEnv(t)
	dryRun = true
	ui.DryRun = true
	defer func() { dryRun = false }()

	require.NoError(t, sessionStartRun("Nothing happens"))

	sessions, err := s.ListSessions(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSessionLifecycle_CLI(t *testing.T) {
	s := cliEnv(t)
	require.NoError(t, sessionStartRun("Read a chapter"))
	sess := onlySession(t, s)
	prefix := shortID(sess.ID)

	require.NoError(t, sessionTransitionRun(prefix, "Paused", (*engine.Engine).PauseSession))
	assert.Equal(t, models.SessionStatusPaused, onlySession(t, s).Status)

	require.NoError(t, sessionTransitionRun(prefix, "Resumed", (*engine.Engine).ResumeSession))
	require.NoError(t, sessionProgressRun(prefix, 20))
	assert.Equal(t, 20, onlySession(t, s).ActualMinutes)

	require.NoError(t, sessionTransitionRun(prefix, "Completed", (*engine.Engine).CompleteSession))
	assert.Equal(t, models.SessionStatusCompleted, onlySession(t, s).Status)

	err := sessionTransitionRun(prefix, "Paused", (*engine.Engine).PauseSession)
	require.Error(t, err, "completed sessions cannot be paused")

	require.NoError(t, sessionShowRun(prefix))
	assert.Contains(t, stdout(), "Read a chapter")
	assert.Contains(t, stdout(), "20m")
}

func TestSessionList_HidesCompleted(t *testing.T) {
	s := cliEnv(t)
	require.NoError(t, sessionStartRun("Finished thing"))
	require.NoError(t, sessionTransitionRun(onlySession(t, s).ID, "Completed", (*engine.Engine).CompleteSession))

	require.NoError(t, sessionListRun())
	assert.Contains(t, stdout(), "No sessions found")

	sessionAll = true
	require.NoError(t, sessionListRun())
	assert.Contains(t, stdout(), "Finished thing")
}

func TestFindSession_NotFound(t *testing.T) {
	s := cliEnv(t)

	_, err := findSession(context.Background(), newEngine(s, nil), "ZZZZ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestSessionPurge(t *testing.T) {
	s := cliEnv(t)
	sessionSteps = []string{"Step one"}
	require.NoError(t, sessionStartRun("Throwaway"))

	require.NoError(t, sessionPurgeRun(onlySession(t, s).ID))

	sessions, err := s.ListSessions(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestActionCommands(t *testing.T) {
	s := cliEnv(t)
	ctx := context.Background()
	sessionSteps = []string{"First", "Second"}
	require.NoError(t, sessionStartRun("Sort the mail"))
	sess := onlySession(t, s)

	actionMinutes, actionConfidence = 3, "high"
	require.NoError(t, actionAddRun(shortID(sess.ID), "Third"))

	actions, err := s.ListActions(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, actions, 3)
	third := actions[2]
	assert.True(t, third.IsCustom)
	assert.Equal(t, models.ConfidenceHigh, third.Confidence)

	require.NoError(t, actionMoveRun(third.ID, 1))
	actions, err = s.ListActions(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Third", actions[0].Text)
	assert.Equal(t, "Second", actions[2].Text)

	require.NoError(t, actionCompleteRun(third.ID))
	a, err := s.GetAction(ctx, third.ID)
	require.NoError(t, err)
	assert.True(t, a.Completed())

	require.NoError(t, actionDeleteRun(actions[1].ID))
	actions, err = s.ListActions(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, 0, actions[0].OrderIndex)
	assert.Equal(t, 1, actions[1].OrderIndex)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.TotalEstimatedMinutes)
}

func TestActionEdit(t *testing.T) {
	s := cliEnv(t)
	sessionSteps = []string{"Original"}
	require.NoError(t, sessionStartRun("Edit things"))
	actions, err := s.ListActions(context.Background(), onlySession(t, s).ID)
	require.NoError(t, err)
	id := actions[0].ID

	t.Run("nothing to change", func(t *testing.T) {
		err := actionEditRun(actionEditCmd, id)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nothing to change")
	})

	t.Run("text", func(t *testing.T) {
		require.NoError(t, actionEditCmd.Flags().Set("text", "Rewritten"))
		t.Cleanup(func() { actionEditCmd.Flags().Lookup("text").Changed = false })

		require.NoError(t, actionEditRun(actionEditCmd, id))
		a, err := s.GetAction(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "Rewritten", a.Text)
		assert.Equal(t, "Original", a.OriginalText)
		assert.True(t, a.IsCustom)
	})
}

func TestQueueAndSyncCommands(t *testing.T) {
	s := cliEnv(t)
	ctx := context.Background()
	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)
	viper.Set("remote.base_url", srv.URL)

	sessionSteps = []string{"Stretch"}
	require.NoError(t, sessionStartRun("Warm up"))

	require.NoError(t, queueListRun())
	assert.Contains(t, stdout(), "2 pending")
	assert.Contains(t, stdout(), "create_session")

	require.NoError(t, syncRun())
	assert.Contains(t, stdout(), "Pushed")
	require.Len(t, srv.Sessions(), 1)
	assert.True(t, onlySession(t, s).Synced())

	// A rejected update lands in the dead-letter set.
	srv.FailMatching(http.MethodPatch, "/sessions/", http.StatusUnprocessableEntity)
	require.NoError(t, sessionProgressRun(onlySession(t, s).ID, 5))
	require.NoError(t, syncRun())

	dead, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.NoError(t, queueDeadRun())
	assert.Contains(t, stdout(), "update_session")

	require.NoError(t, queueRequeueRun(shortID(dead[0].ID)))
	require.NoError(t, syncRun())
	assert.Equal(t, 5, srv.Sessions()[0].ActualMinutes)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.DeadLetters)

	require.NoError(t, reconcileRun())
	assert.Contains(t, stdout(), "Reconciled")
}

func TestQueueDiscard(t *testing.T) {
	s := cliEnv(t)
	ctx := context.Background()
	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)
	viper.Set("remote.base_url", srv.URL)

	srv.FailMatching(http.MethodPost, "/sessions", http.StatusBadRequest)
	require.NoError(t, sessionStartRun("Doomed"))
	require.NoError(t, syncRun())

	dead, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, queueDiscardRun(dead[0].ID))
	dead, err = s.ListDeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	err = queueDiscardRun("NOPE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSyncRun_NoRemote(t *testing.T) {
	cliEnv(t)

	err := syncRun()
	assert.ErrorIs(t, err, errNoRemote)
}
