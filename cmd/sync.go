package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/firefly/internal/output"
	"github.com/joescharf/firefly/internal/syncer"
)

var syncWatch bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes to the remote store",
	Long: `Run one drain pass over the local queue and print what happened.

With --watch the coordinator keeps running in the foreground, draining on
the configured interval and whenever a retry becomes due, until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncWatch {
			return syncWatchRun()
		}
		return syncRun()
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Pull the remote state and merge it into the local cache",
	Long: `Fetch every session and action the remote store holds for the configured
user and fold them into the local cache. Conflicting edits are resolved by
last-writer-wins on the update timestamp; records with queued local changes
are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return reconcileRun()
	},
}

func init() {
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false, "Keep syncing in the foreground until interrupted")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func syncRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	coord, err := newCoordinator(s, cliLogger())
	if err != nil {
		return err
	}

	if dryRun {
		stats, err := s.QueueStats(context.Background())
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would push %d pending operations to %s", stats.Pending, viper.GetString("remote.base_url"))
		return nil
	}

	res, err := coord.Flush(context.Background())
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	printFlushResult(res)
	return nil
}

func syncWatchRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(ui.ErrOut, &slog.HandlerOptions{Level: slog.LevelInfo}))
	coord, err := newCoordinator(s, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	ui.Info("Syncing with %s (Ctrl-C to stop)", output.Cyan(viper.GetString("remote.base_url")))
	return coord.Run(ctx)
}

func reconcileRun() error {
	user, err := currentUser()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	coord, err := newCoordinator(s, cliLogger())
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would reconcile sessions of %s from %s", user, viper.GetString("remote.base_url"))
		return nil
	}

	report, err := coord.Reconcile(context.Background(), user)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	ui.Success("Reconciled: %d inserted, %d updated, %d conflicts (%d kept local), %d removed",
		report.Inserted, report.Updated, report.Conflicts, report.LocalWins, report.Removed)
	return nil
}

func printFlushResult(res *syncer.FlushResult) {
	if res.Dispatched == 0 && res.Deferred == 0 {
		ui.Success("Nothing to sync")
		return
	}
	ui.Success("Pushed %d of %d operations in %s", res.Succeeded, res.Dispatched, res.Duration.Round(time.Millisecond))
	if res.Retried > 0 {
		ui.Warning("%d operations will be retried", res.Retried)
	}
	if res.Unreachable > 0 && res.Unreachable == res.Dispatched {
		ui.Warning("Remote store unreachable; changes are kept locally")
	}
	if res.Deferred > 0 {
		ui.Info("%d operations waiting on backoff or an earlier change", res.Deferred)
	}
	if res.NextDue != nil {
		ui.Info("Next retry at %s", res.NextDue.Local().Format("15:04:05"))
	}
	if res.DeadLettered > 0 {
		ui.Error("%d operations failed permanently (see 'firefly queue dead')", res.DeadLettered)
	}
	if res.Recovered > 0 {
		ui.VerboseLog("Recovered %d operations from an interrupted pass", res.Recovered)
	}
	if res.Compacted > 0 {
		ui.VerboseLog("Compacted %d deleted records", res.Compacted)
	}
}
