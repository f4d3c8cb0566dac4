package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/comfyq/internal/app"
	"github.com/ternarybob/comfyq/internal/common"
	"github.com/ternarybob/comfyq/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (TOML)")
	port := flag.Int("port", 0, "HTTP port override")
	host := flag.String("host", "", "HTTP host override")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(common.GetFullVersion())
		return
	}

	config, err := common.LoadFromFiles(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *port, *host)

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start background services")
		os.Exit(1)
	}

	httpServer := server.New(application)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	logger.Info().
		Str("version", common.GetVersion()).
		Str("environment", config.Environment).
		Int("port", config.Server.Port).
		Str("queue_root", config.Paths.Root).
		Str("upstream", config.Comfy.BaseURL).
		Msg("ComfyQ started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := application.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("Application shutdown incomplete")
	}
	logger.Info().Msg("ComfyQ stopped")
}
