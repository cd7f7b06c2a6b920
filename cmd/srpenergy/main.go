package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/raterudder/srpenergy/pkg/config"
	"github.com/raterudder/srpenergy/pkg/hass"
	"github.com/raterudder/srpenergy/pkg/integration"
	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/server"
	"github.com/raterudder/srpenergy/pkg/srp"
)

func main() {
	// init packages
	accounts := config.Configured()
	provider := srp.Configured()
	store := hass.Configured()
	manager := integration.Configured(provider, store)

	// init server
	srv := server.Configured(manager, store)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.New(os.Stdout))
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close state store", slog.Any("error", err))
		}
	}()

	cfgs, err := accounts.Load()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load accounts", slog.Any("error", err))
		os.Exit(1)
	}
	for _, cfg := range cfgs {
		if _, err := manager.ConfigureAccount(ctx, cfg); err != nil {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"failed to configure account",
				slog.Any("account", cfg),
				slog.String("code", integration.FlowErrorCode(err)),
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}

	// Run will block until context is canceled or error happens
	runErr := srv.Run(ctx)

	unloadCtx, unloadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer unloadCancel()
	if err := manager.UnloadAll(unloadCtx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unload entries", slog.Any("error", err))
	}

	if runErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", runErr))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
