package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/httpapi"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	database, err := a.openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	rootID, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"role": "server",
		"pid":  os.Getpid(),
		"addr": a.cfg.ListenAddr,
	})
	if err != nil {
		return err
	}
	events := &relay.EventLog{DB: database, Root: rootID, Logger: a.logger}

	registry, err := a.registry()
	if err != nil {
		return err
	}
	svc := relay.NewService(database, registry, a.cfg, a.logger, events)
	api, err := httpapi.New(svc, a.cfg, a.logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("relay listening",
			zap.String("addr", a.cfg.ListenAddr),
			zap.String("default_provider", registry.Resolve("")),
			zap.Strings("providers", registry.Names()),
			zap.Int64("root_event_id", rootID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
