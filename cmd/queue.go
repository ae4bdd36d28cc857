package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/firefly/internal/models"
	"github.com/joescharf/firefly/internal/output"
	"github.com/joescharf/firefly/internal/store"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	Short:   "Inspect the local sync queue",
	Long: `Inspect pending and dead-lettered sync operations.

Running bare 'firefly queue' is the same as 'firefly queue list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun()
	},
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pending operations in sync order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun()
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List operations that failed permanently",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueDeadRun()
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Put a dead-lettered operation back on the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRequeueRun(args[0])
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a dead-lettered operation for good",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueDiscardRun(args[0])
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}

func queueListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	stats, err := s.QueueStats(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	summary := fmt.Sprintf("%d pending, %d in flight, %d dead", stats.Pending, stats.InFlight, stats.DeadLetters)
	if stats.Oldest != nil {
		summary += fmt.Sprintf(", oldest queued %s", output.Ago(*stats.Oldest, now))
	}
	ui.Info("%s", summary)

	if stats.Pending+stats.InFlight == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Seq", "ID", "Kind", "Target", "State", "Attempts", "Next", "Last Error"})
	for op, err := range s.ListPending(ctx) {
		if err != nil {
			return err
		}
		next := ""
		if op.NextAttemptAt != nil && op.NextAttemptAt.After(now) {
			next = op.NextAttemptAt.Local().Format("15:04:05")
		}
		_ = table.Append([]string{
			strconv.FormatInt(op.Seq, 10),
			shortID(op.ID),
			string(op.Kind),
			shortID(op.TargetID),
			string(op.State),
			strconv.Itoa(op.Attempts),
			next,
			op.LastError,
		})
	}
	_ = table.Render()
	return nil
}

func queueDeadRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	dead, err := s.ListDeadLetters(context.Background())
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		ui.Info("No dead-lettered operations.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"ID", "Kind", "Target", "Attempts", "Status", "Reason", "Failed"})
	for _, d := range dead {
		status := ""
		if d.StatusCode > 0 {
			status = output.Red(strconv.Itoa(d.StatusCode))
		}
		_ = table.Append([]string{
			shortID(d.ID),
			string(d.Kind),
			shortID(d.TargetID),
			strconv.Itoa(d.Attempts),
			status,
			d.Reason,
			output.Ago(d.DeadLetteredAt, now),
		})
	}
	_ = table.Render()
	return nil
}

func queueRequeueRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	d, err := findDeadLetter(ctx, s, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would requeue %s %s", d.Kind, shortID(d.ID))
		return nil
	}
	op, err := s.RequeueDeadLetter(ctx, d.ID)
	if err != nil {
		return err
	}
	ui.Success("Requeued %s %s at position %d", op.Kind, output.Cyan(shortID(op.ID)), op.Seq)
	return nil
}

func queueDiscardRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	d, err := findDeadLetter(ctx, s, id)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would discard %s %s", d.Kind, shortID(d.ID))
		return nil
	}
	if err := s.DiscardDeadLetter(ctx, d.ID); err != nil {
		return err
	}
	ui.Success("Discarded %s %s", d.Kind, output.Cyan(shortID(d.ID)))
	return nil
}

// findDeadLetter finds a dead-lettered operation by full ID or prefix match.
func findDeadLetter(ctx context.Context, s store.Store, id string) (*models.DeadLetter, error) {
	dead, err := s.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}

	upper := strings.ToUpper(id)
	var matches []*models.DeadLetter
	for _, d := range dead {
		if d.ID == id {
			return d, nil
		}
		if strings.HasPrefix(d.ID, upper) {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("dead-lettered operation not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous operation ID %s: matches %d operations", id, len(matches))
	}
}
