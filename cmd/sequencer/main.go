package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/sequencer/cmd/sequencer/commands"
	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal asks running sequences to stop at their next
	// checkpoint, the second one exits.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, stopping...")
		cancel()
		<-sigChan
		log.Warn().Msg("Received second interrupt signal, exiting")
		os.Exit(exitCode(engine.StatusInterrupted))
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(exitCode(engine.Classify(err)))
	}
}

func exitCode(status engine.TerminalStatus) int {
	switch status {
	case engine.StatusInterrupted:
		return 130
	case engine.StatusCritical:
		return 3
	default:
		return 1
	}
}

// setupLogging configures the logger used before settings are loaded.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	level, err := telemetry.ParseLevel(os.Getenv(telemetry.LevelEnv))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
