package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"controlsync/internal/app/server"
	"controlsync/internal/config"
	"controlsync/internal/utils/logger"
)

func main() {
	conf := config.MustLoad()
	log := logger.New(conf.Env)
	log.Info("starting controlsync", "env", conf.Env, "storage", conf.Storage.Driver, "terminals", len(conf.Terminals))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.New(ctx, conf, log)
	if err != nil {
		log.Error("failed to initialize", logger.Err(err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		log.Error("server stopped with error", logger.Err(err))
		os.Exit(1)
	}
	log.Info("stopped")
}
