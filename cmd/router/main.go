package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paket-core/router/internal/config"
	"github.com/paket-core/router/internal/storage/sqlite"
	"github.com/paket-core/router/pkg/delivery"
	"github.com/paket-core/router/pkg/escrow"
	"github.com/paket-core/router/pkg/ledger"
	"github.com/paket-core/router/pkg/notify"
	"github.com/paket-core/router/pkg/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("router stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	token := ledger.Asset{Code: cfg.TokenCode, Issuer: cfg.TokenIssuer}
	horizon := ledger.NewHorizon(cfg.HorizonURL, cfg.NetworkPassphrase, token, logger)
	gateway := ledger.NewGateway(horizon, ledger.GatewayConfig{
		MaxAttempts: cfg.SubmitAttempts,
	}, logger)
	composer := escrow.NewComposer(horizon, cfg.NetworkPassphrase, token)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.FCMKey != "" {
		notifier = notify.NewFCM(cfg.FCMKey, logger)
	}

	service := delivery.NewService(store, composer, horizon,
		delivery.WithNotifier(notifier),
		delivery.WithLogger(logger))

	srv, err := server.New(
		server.WithService(service),
		server.WithComposer(composer),
		server.WithGateway(gateway),
		server.WithLedger(horizon),
		server.WithHorizon(horizon),
		server.WithLogger(logger),
		server.WithDebug(cfg.Debug),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("router listening",
			"addr", httpServer.Addr,
			"horizon", cfg.HorizonURL,
			"token", cfg.TokenCode,
			"debug", cfg.Debug)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("router shut down")
	return nil
}
