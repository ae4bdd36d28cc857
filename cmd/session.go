package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/firefly/internal/engine"
	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/output"
	"github.com/joescharf/firefly/internal/store"
)

var (
	sessionDecompose bool
	sessionSteps     []string
	sessionAll       bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Manage focus sessions",
	Long:    "Start, list, show and move focus sessions through their lifecycle. All changes are saved locally and queued for sync.",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <goal>",
	Short: "Start a focus session",
	Long: `Start a focus session for a goal.

Use --decompose to have the goal broken into micro-actions, or --step to
list them yourself. Without either the session starts with no actions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStartRun(strings.Join(args, " "))
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session and its actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause an active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], "Paused", (*engine.Engine).PauseSession)
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], "Resumed", (*engine.Engine).ResumeSession)
	},
}

var sessionCompleteCmd = &cobra.Command{
	Use:     "complete <id>",
	Aliases: []string{"done"},
	Short:   "Complete a session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], "Completed", (*engine.Engine).CompleteSession)
	},
}

var sessionProgressCmd = &cobra.Command{
	Use:   "progress <id> <minutes>",
	Short: "Record minutes worked on a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid minutes %q: %w", args[1], err)
		}
		return sessionProgressRun(args[0], minutes)
	},
}

var sessionPurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Delete a session and its actions",
	Long:  "Delete a session and its actions on this device. Synced actions are deleted remotely on the next sync.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionPurgeRun(args[0])
	},
}

func init() {
	sessionStartCmd.Flags().BoolVarP(&sessionDecompose, "decompose", "d", false, "Break the goal into micro-actions with the LLM")
	sessionStartCmd.Flags().StringArrayVar(&sessionSteps, "step", nil, "Micro-action text, repeatable (5 minutes each)")
	sessionListCmd.Flags().BoolVarP(&sessionAll, "all", "a", false, "Include completed sessions")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionPauseCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionCompleteCmd)
	sessionCmd.AddCommand(sessionProgressCmd)
	sessionCmd.AddCommand(sessionPurgeCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionStartRun(goal string) error {
	user, err := currentUser()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var drafts []engine.ActionDraft
	switch {
	case sessionDecompose && len(sessionSteps) > 0:
		return fmt.Errorf("--decompose and --step cannot be combined")
	case sessionDecompose:
		if drafts, err = decomposeGoal(ctx, goal); err != nil {
			return err
		}
	default:
		for _, text := range sessionSteps {
			drafts = append(drafts, engine.ActionDraft{Text: text, EstimatedMinutes: 5, Confidence: models.ConfidenceMedium})
		}
	}

	if dryRun {
		ui.DryRunMsg("Would start session %q with %d actions", goal, len(drafts))
		return nil
	}

	sess, actions, err := newEngine(s, nil).StartSession(ctx, user, goal, drafts)
	if err != nil {
		return err
	}
	ui.Success("Started session %s: %s", output.Cyan(shortID(sess.ID)), sess.Goal)
	if len(actions) > 0 {
		printActions(actions)
	}
	return nil
}

func sessionListRun() error {
	user, err := currentUser()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := newEngine(s, nil).ListSessions(context.Background(), user)
	if err != nil {
		return err
	}

	now := time.Now()
	table := ui.Table([]string{"ID", "Goal", "Status", "Estimate", "Worked", "Updated", "Sync"})
	rows := 0
	for _, sess := range sessions {
		if !sessionAll && sess.Status == models.SessionStatusCompleted {
			continue
		}
		_ = table.Append([]string{
			shortID(sess.ID),
			sess.Goal,
			output.StatusColor(string(sess.Status)),
			output.Minutes(sess.TotalEstimatedMinutes),
			output.Minutes(sess.ActualMinutes),
			output.Ago(sess.UpdatedAt, now),
			output.SyncState(sess.Synced(), sess.SyncAttempts),
		})
		rows++
	}
	if rows == 0 {
		ui.Info("No sessions found.")
		return nil
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	sess, err := findSession(ctx, eng, id)
	if err != nil {
		return err
	}
	actions, err := eng.ListActions(ctx, sess.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(sess.ID)), sess.Goal)
	fmt.Fprintf(ui.Out, "  Status:    %s\n", output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  Estimate:  %s\n", output.Minutes(sess.TotalEstimatedMinutes))
	fmt.Fprintf(ui.Out, "  Worked:    %s\n", output.Minutes(sess.ActualMinutes))
	fmt.Fprintf(ui.Out, "  Started:   %s\n", sess.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Fprintf(ui.Out, "  Sync:      %s\n", output.SyncState(sess.Synced(), sess.SyncAttempts))
	if sess.RemoteID != "" {
		fmt.Fprintf(ui.Out, "  Remote ID: %s\n", sess.RemoteID)
	}

	if len(actions) == 0 {
		return nil
	}
	fmt.Fprintln(ui.Out)
	printActions(actions)
	return nil
}

type sessionTransition func(e *engine.Engine, ctx context.Context, id string) (*models.OfflineSession, error)

func sessionTransitionRun(id, verb string, fn sessionTransition) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	sess, err := findSession(ctx, eng, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would mark session %s %s", shortID(sess.ID), strings.ToLower(verb))
		return nil
	}
	sess, err = fn(eng, ctx, sess.ID)
	if err != nil {
		return err
	}
	ui.Success("%s session %s: %s", verb, output.Cyan(shortID(sess.ID)), sess.Goal)
	return nil
}

func sessionProgressRun(id string, minutes int) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	sess, err := findSession(ctx, eng, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would add %s to session %s", output.Minutes(minutes), shortID(sess.ID))
		return nil
	}
	sess, err = eng.RecordProgress(ctx, sess.ID, minutes)
	if err != nil {
		return err
	}
	ui.Success("Session %s: %s worked of %s", output.Cyan(shortID(sess.ID)),
		output.Minutes(sess.ActualMinutes), output.Minutes(sess.TotalEstimatedMinutes))
	return nil
}

func sessionPurgeRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	sess, err := findSession(ctx, eng, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would purge session %s: %s", shortID(sess.ID), sess.Goal)
		return nil
	}
	if err := eng.PurgeSession(ctx, sess.ID); err != nil {
		return err
	}
	ui.Success("Purged session %s: %s", output.Cyan(shortID(sess.ID)), sess.Goal)
	return nil
}

// printActions renders a session's actions in order.
func printActions(actions []*models.OfflineAction) {
	table := ui.Table([]string{"#", "ID", "Action", "Estimate", "Confidence", "Done", "Sync"})
	for _, a := range actions {
		done := ""
		if a.Completed() {
			done = output.Green("✓")
		}
		text := a.Text
		if a.IsCustom {
			text += " *"
		}
		_ = table.Append([]string{
			strconv.Itoa(a.OrderIndex + 1),
			shortID(a.ID),
			text,
			output.Minutes(a.EstimatedMinutes),
			output.ConfidenceColor(string(a.Confidence)),
			done,
			output.SyncState(a.Synced(), a.SyncAttempts),
		})
	}
	_ = table.Render()
}

// findSession finds a session of the current user by full ID or prefix match.
func findSession(ctx context.Context, eng *engine.Engine, id string) (*models.OfflineSession, error) {
	if sess, err := eng.GetSession(ctx, id); err == nil {
		return sess, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user, err := currentUser()
	if err != nil {
		return nil, err
	}
	sessions, err := eng.ListSessions(ctx, user)
	if err != nil {
		return nil, err
	}

	upper := strings.ToUpper(id)
	var matches []*models.OfflineSession
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, upper) {
			matches = append(matches, sess)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session ID %s: matches %d sessions", id, len(matches))
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
