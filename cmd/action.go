package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/firefly/internal/engine"
	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/output"
	"github.com/joescharf/firefly/internal/store"
)

var (
	actionMinutes    int
	actionConfidence string
	actionText       string

	actionEditMinutes    int
	actionEditConfidence string
)

var actionCmd = &cobra.Command{
	Use:     "action",
	Aliases: []string{"a"},
	Short:   "Manage a session's micro-actions",
}

var actionAddCmd = &cobra.Command{
	Use:   "add <session-id> <text>",
	Short: "Append a custom micro-action",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return actionAddRun(args[0], strings.Join(args[1:], " "))
	},
}

var actionListCmd = &cobra.Command{
	Use:     "list <session-id>",
	Aliases: []string{"ls"},
	Short:   "List a session's actions in order",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var actionEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit an action's text, estimate or confidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return actionEditRun(cmd, args[0])
	},
}

var actionCompleteCmd = &cobra.Command{
	Use:     "complete <id>",
	Aliases: []string{"done"},
	Short:   "Mark an action done",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return actionCompleteRun(args[0])
	},
}

var actionMoveCmd = &cobra.Command{
	Use:   "move <id> <position>",
	Short: "Move an action to a 1-based position",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid position %q: %w", args[1], err)
		}
		return actionMoveRun(args[0], pos)
	},
}

var actionDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an action",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return actionDeleteRun(args[0])
	},
}

func init() {
	actionAddCmd.Flags().IntVarP(&actionMinutes, "minutes", "m", 5, "Estimated minutes")
	actionAddCmd.Flags().StringVarP(&actionConfidence, "confidence", "c", "medium", "Estimate confidence: low, medium, high")

	actionEditCmd.Flags().StringVarP(&actionText, "text", "t", "", "New action text")
	actionEditCmd.Flags().IntVarP(&actionEditMinutes, "minutes", "m", 0, "New estimate in minutes")
	actionEditCmd.Flags().StringVarP(&actionEditConfidence, "confidence", "c", "", "New confidence: low, medium, high")

	actionCmd.AddCommand(actionAddCmd)
	actionCmd.AddCommand(actionListCmd)
	actionCmd.AddCommand(actionEditCmd)
	actionCmd.AddCommand(actionCompleteCmd)
	actionCmd.AddCommand(actionMoveCmd)
	actionCmd.AddCommand(actionDeleteCmd)
	rootCmd.AddCommand(actionCmd)
}

func actionAddRun(sessionID, text string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	sess, err := findSession(ctx, eng, sessionID)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would add action to session %s: %s", shortID(sess.ID), text)
		return nil
	}

	a, err := eng.AddAction(ctx, sess.ID, engine.ActionDraft{
		Text:             text,
		EstimatedMinutes: actionMinutes,
		Confidence:       models.Confidence(actionConfidence),
	})
	if err != nil {
		return err
	}
	ui.Success("Added action %s at position %d: %s", output.Cyan(shortID(a.ID)), a.OrderIndex+1, a.Text)
	return nil
}

func actionEditRun(cmd *cobra.Command, id string) error {
	var edit engine.ActionEdit
	if cmd.Flags().Changed("text") {
		edit.Text = &actionText
	}
	if cmd.Flags().Changed("minutes") {
		edit.EstimatedMinutes = &actionEditMinutes
	}
	if cmd.Flags().Changed("confidence") {
		c := models.Confidence(actionEditConfidence)
		edit.Confidence = &c
	}
	if edit.Text == nil && edit.EstimatedMinutes == nil && edit.Confidence == nil {
		return fmt.Errorf("nothing to change: pass --text, --minutes or --confidence")
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	a, err := findAction(ctx, eng, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would update action %s", shortID(a.ID))
		return nil
	}
	a, err = eng.EditAction(ctx, a.ID, edit)
	if err != nil {
		return err
	}
	ui.Success("Updated action %s: %s (%s)", output.Cyan(shortID(a.ID)), a.Text, output.Minutes(a.EstimatedMinutes))
	return nil
}

func actionCompleteRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	a, err := findAction(ctx, eng, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would complete action %s: %s", shortID(a.ID), a.Text)
		return nil
	}
	a, err = eng.CompleteAction(ctx, a.ID)
	if err != nil {
		return err
	}
	ui.Success("Completed %s: %s", output.Cyan(shortID(a.ID)), a.Text)
	return nil
}

func actionMoveRun(id string, position int) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	a, err := findAction(ctx, eng, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would move action %s to position %d", shortID(a.ID), position)
		return nil
	}
	a, err = eng.MoveAction(ctx, a.ID, position-1)
	if err != nil {
		return err
	}
	ui.Success("Moved %s to position %d", output.Cyan(shortID(a.ID)), a.OrderIndex+1)
	return nil
}

func actionDeleteRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	eng := newEngine(s, nil)

	a, err := findAction(ctx, eng, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete action %s: %s", shortID(a.ID), a.Text)
		return nil
	}
	if err := eng.DeleteAction(ctx, a.ID); err != nil {
		return err
	}
	ui.Success("Deleted action %s: %s", output.Cyan(shortID(a.ID)), a.Text)
	return nil
}

// findAction finds an action in the current user's sessions by full ID or
// prefix match.
func findAction(ctx context.Context, eng *engine.Engine, id string) (*models.OfflineAction, error) {
	if a, err := eng.GetAction(ctx, id); err == nil {
		return a, nil
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
	var matches []*models.OfflineAction
	for _, sess := range sessions {
		actions, err := eng.ListActions(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			if strings.HasPrefix(a.ID, upper) {
				matches = append(matches, a)
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("action not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous action ID %s: matches %d actions", id, len(matches))
	}
}
