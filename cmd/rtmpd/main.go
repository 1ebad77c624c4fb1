// This is the main entrypoint for the rtmpd server.
// It handles configuration loading, server startup, and graceful shutdown.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"rtmpd/internal/config"
	"rtmpd/internal/logging"
	"rtmpd/internal/server"
	"rtmpd/internal/svc/api"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Stderr(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log config: %v\n", err)
		os.Exit(1)
	}
	api.Version = version

	srv := server.New(cfg, log)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("start failed")
	}

	if err := server.NewShutdownHandler(srv, context.Background(), log).Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown")
		os.Exit(1)
	}
	log.Info().Msg("server shut down cleanly")
}
