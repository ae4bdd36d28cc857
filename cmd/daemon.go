package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/firefly/internal/daemon"
	"github.com/joescharf/firefly/internal/output"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background sync daemon",
	Long: `Manage a background process that keeps the local queue in sync with the
remote store. The daemon drains the queue on the configured interval and
whenever a scheduled retry becomes due. Logs go to a rotating file in the
state directory.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sync daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonStartRun()
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonStopRun()
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the sync daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonStatusRun()
	},
}

var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the sync daemon in the foreground",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemonRunRun(context.Background())
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonRunCmd)
	rootCmd.AddCommand(daemonCmd)
}

// pidFile returns the daemon's PID file in the state directory.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "firefly-sync.pid"))
}

// daemonLogPath returns the daemon's log file in the state directory.
func daemonLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "firefly-sync.log")
}

func daemonStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("sync daemon is already running (pid %d)", pid)
	}
	if viper.GetString("remote.base_url") == "" {
		return errNoRemote
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"daemon", "run"}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	if dryRun {
		ui.DryRunMsg("Would start %s %v", exe, args)
		return nil
	}

	child := exec.Command(exe, args...)
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start sync daemon: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	ui.Success("Sync daemon started (pid %d)", pid)
	ui.Info("Logs: %s", daemonLogPath())
	return nil
}

func daemonStopRun() error {
	if dryRun {
		ui.DryRunMsg("Would stop the sync daemon")
		return nil
	}
	pid, err := pidFile().Stop()
	if err != nil {
		return err
	}
	ui.Success("Sent stop signal to sync daemon (pid %d)", pid)
	return nil
}

func daemonStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Sync daemon is %s", output.Yellow("not running"))
		return nil
	}
	ui.Success("Sync daemon is %s (pid %d)", output.Green("running"), pid)
	ui.Info("Logs: %s", daemonLogPath())
	return nil
}

// daemonRunRun holds the PID file and runs the coordinator until ctx is
// done or the process is signaled. A reconciliation pass runs first when a
// user is configured.
func daemonRunRun(ctx context.Context) error {
	logCfg := daemon.DefaultLogConfig(daemonLogPath())
	if verbose {
		logCfg.Level = slog.LevelDebug
	}
	logger, closer := daemon.NewLogger(logCfg)
	defer func() { _ = closer.Close() }()

	s, err := getStore()
	if err != nil {
		logger.Error("open store", "error", err)
		return err
	}
	coord, err := newCoordinator(s, logger)
	if err != nil {
		logger.Error("configure coordinator", "error", err)
		return err
	}

	return daemon.Run(ctx, pidFile(), logger, func(ctx context.Context) error {
		if user := viper.GetString("user_id"); user != "" {
			report, err := coord.Reconcile(ctx, user)
			if err != nil {
				logger.Warn("startup reconciliation failed", "error", err)
			} else {
				logger.Info("startup reconciliation finished",
					"inserted", report.Inserted, "updated", report.Updated, "conflicts", report.Conflicts)
			}
		}
		return coord.Run(ctx)
	})
}
