package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tenebris-backend/internal/config"
	"github.com/DoyleJ11/tenebris-backend/internal/httpapi"
	"github.com/DoyleJ11/tenebris-backend/internal/hub"
	"github.com/DoyleJ11/tenebris-backend/internal/logging"
	"github.com/DoyleJ11/tenebris-backend/internal/store/pgstore"
	"github.com/DoyleJ11/tenebris-backend/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Server, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var snapshots hub.SnapshotStore = pgstore.NewMemory()
	if cfg.DatabaseURL != "" {
		db, err := pgstore.Open(cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		snapshots = db
	} else {
		logger.Warn("no database configured, sessions are kept in memory")
	}

	h := hub.NewHub(ctx, hub.Config{
		Store:      snapshots,
		MaxPlayers: cfg.MaxPlayers,
		Log:        logger,
	})

	// Build the router *with* the hub injected
	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     httpapi.SetupRoutes(h, logger, ws.WithOutboxSize(cfg.OutboxSize)),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stop()
		<-h.Done()
		return err
	})
	return g.Wait()
}
