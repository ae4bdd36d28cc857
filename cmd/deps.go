package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/viper"

	"github.com/joescharf/firefly/internal/decompose"
	"github.com/joescharf/firefly/internal/engine"
	"github.com/joescharf/firefly/internal/reconcile"
	"github.com/joescharf/firefly/internal/remote"
	"github.com/joescharf/firefly/internal/store"
	"github.com/joescharf/firefly/internal/syncer"
)

// errNoRemote is returned by commands that need the remote store when none
// is configured.
var errNoRemote = errors.New("no remote store configured (set remote.base_url or FIREFLY_REMOTE_BASE_URL)")

// envKeyReplacer maps nested keys like remote.base_url to FIREFLY_REMOTE_BASE_URL.
var envKeyReplacer = strings.NewReplacer(".", "_")

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// currentUser returns the configured user id.
func currentUser() (string, error) {
	u := viper.GetString("user_id")
	if u == "" {
		return "", fmt.Errorf("user_id is not set (run 'firefly config init' or set FIREFLY_USER_ID)")
	}
	return u, nil
}

func syncConfig() syncer.Config {
	return syncer.Config{
		Interval:    viper.GetDuration("sync.interval"),
		BaseDelay:   viper.GetDuration("sync.base_delay"),
		MaxDelay:    viper.GetDuration("sync.max_delay"),
		MaxAttempts: viper.GetInt("sync.max_attempts"),
		FanOut:      viper.GetInt("sync.fan_out"),
	}
}

// newRemote builds the remote store client from config.
func newRemote() (*remote.Client, error) {
	baseURL := viper.GetString("remote.base_url")
	if baseURL == "" {
		return nil, errNoRemote
	}
	hc := &http.Client{Timeout: viper.GetDuration("remote.timeout")}
	return remote.NewClient(hc, baseURL, remote.StaticToken(viper.GetString("remote.token"))), nil
}

// newCoordinator wires the sync coordinator over s. Terminal failures are
// reported through the CLI output.
func newCoordinator(s store.Store, logger *slog.Logger) (*syncer.Coordinator, error) {
	rem, err := newRemote()
	if err != nil {
		return nil, err
	}
	notifier := syncer.NotifierFunc(func(e syncer.Escalation) {
		if e.Op != nil {
			ui.Error("%s %s could not be synced: %s", e.Op.Kind, e.Op.TargetID, e.Reason)
			return
		}
		ui.Error("sync: %s", e.Reason)
	})
	return syncer.New(s, rem, reconcile.New(s, logger), syncConfig(),
		syncer.WithLogger(logger),
		syncer.WithNotifier(notifier),
	), nil
}

// newEngine returns the local-first engine. signal may be nil.
func newEngine(s store.Store, signal engine.Signaler) *engine.Engine {
	return engine.New(s, signal, engine.WithLogger(cliLogger()))
}

// newDecomposer returns nil when no API key is configured.
func newDecomposer() decompose.Decomposer {
	key := viper.GetString("anthropic.api_key")
	if key == "" {
		return nil
	}
	return decompose.NewClient(key, viper.GetString("anthropic.model"))
}

// cliLogger logs to stderr, at debug level with --verbose.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(ui.ErrOut, &slog.HandlerOptions{Level: level}))
}
