package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/firefly/internal/api"
	"github.com/joescharf/firefly/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local API server",
	Long: `Start an HTTP server exposing sessions, actions and the sync queue as a
JSON API on localhost. When a remote store is configured the sync
coordinator runs alongside it and is woken after every change.
By default it listens on port 8421. Use --port to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
		defer stop()
		return serveRun(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8421, "port to listen on")
	_ = viper.BindPFlag("serve.port", serveCmd.Flags().Lookup("port"))
}

func serveRun(ctx context.Context) error {
	user, err := currentUser()
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	logger := slog.Default()

	var (
		syncSvc  api.Syncer
		notifier engine.Signaler
	)
	coord, err := newCoordinator(s, logger)
	switch {
	case errors.Is(err, errNoRemote):
		ui.Warning("No remote store configured; changes stay on this device")
	case err != nil:
		return err
	default:
		syncSvc, notifier = coord, coord
	}

	eng := engine.New(s, notifier, engine.WithLogger(logger))
	apiSrv := api.NewServer(eng, s, syncSvc, newDecomposer(), user)

	addr := fmt.Sprintf("127.0.0.1:%d", viper.GetInt("serve.port"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if coord != nil {
		g.Go(func() error { return coord.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	ui.Info("Serving API at http://%s/api/v1", addr)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	ui.Info("Server stopped")
	return nil
}
