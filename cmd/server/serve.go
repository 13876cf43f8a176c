package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tides-backend/internal/config"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/httpapi"
	"github.com/DoyleJ11/tides-backend/internal/hub"
	"github.com/DoyleJ11/tides-backend/internal/observability"
	"github.com/DoyleJ11/tides-backend/internal/relay"
	"github.com/DoyleJ11/tides-backend/internal/session"
	"github.com/DoyleJ11/tides-backend/internal/storage/postgres"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log, err := observability.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	var (
		store   flags.Store
		channel relay.Channel
	)
	switch cfg.Store.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		pgStore := postgres.NewStore(db, log.Named("store"))
		pgRelay := postgres.NewRelayChannel(db, cfg.Coordinator.RelayBuffer)
		defer pgStore.Close()
		defer pgRelay.Close()
		listener := postgres.NewListener(db, pgStore, pgRelay, log.Named("listener"))
		g.Go(func() error { return listener.Run(ctx) })
		store, channel = pgStore, pgRelay
	default:
		mem := relay.NewMemoryChannel(cfg.Coordinator.RelayBuffer)
		defer mem.Close()
		store, channel = flags.NewMemoryStore(), mem
	}

	h := hub.NewHub(ctx, hub.Deps{
		Store: store,
		Relay: channel,
		Log:   log,
		Session: session.Config{
			GMUsers:           cfg.Coordinator.GMUsers,
			Tracker:           tracker.Options{PlayerWritePermission: cfg.Coordinator.PlayerWritePermission},
			ReconcileInterval: cfg.Coordinator.ReconcileInterval,
		},
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: httpapi.SetupRoutes(h),
	}

	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-h.Done()
		return err
	})
	return g.Wait()
}
