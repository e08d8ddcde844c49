package main

import (
	"log"

	"sentinel-backend/config"
	"sentinel-backend/internal/logging"
	"sentinel-backend/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	sup := supervisor.New(cfg, logger)
	if err := sup.Run(); err != nil {
		logger.Fatal().Err(err).Msg("supervisor exited")
	}
}
