// Command gardenview keeps a live view of a PiGarden irrigation backend and
// serves it, together with the control commands, over HTTP.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/app"
	"github.com/pigarden/gardenview/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	checkOnly := flag.Bool("check", false, "Validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gardenview: load %s: %v\n", configPath, err)
		return 2
	}
	if *checkOnly {
		fmt.Printf("%s: ok (%d zones, %d relays)\n", configPath, len(cfg.Zones), len(cfg.Relays))
		return 0
	}

	initLogger(cfg.Log)
	log.Info().Str("config", configPath).Msg("Starting gardenview")

	application, err := app.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return 1
	}

	if err := application.Run(app.SignalContext()); err != nil {
		log.Error().Err(err).Msg("gardenview stopped on error")
		return 1
	}
	log.Info().Msg("gardenview stopped")
	return 0
}

func initLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.GetLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.UseJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !cfg.Colors,
	})
}
