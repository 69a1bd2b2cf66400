package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LevelEnv overrides the configured log level when set.
const LevelEnv = "LOG_LEVEL"

// ParseLevel converts a level name to a zerolog level. An empty name is info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// OpenOutput opens the log destination named by output: stdout, stderr or a
// file path that is appended to. The returned closer is a no-op for the
// standard streams.
func OpenOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, io.NopCloser(nil), nil
	case "stdout":
		return os.Stdout, io.NopCloser(nil), nil
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output: %w", err)
		}
		return file, file, nil
	}
}

// NewLogger creates the base logger writing to w. The LOG_LEVEL environment
// variable takes precedence over cfg.Level.
func NewLogger(cfg LoggingConfig, w io.Writer) (zerolog.Logger, error) {
	levelName := cfg.Level
	if env := os.Getenv(LevelEnv); env != "" {
		levelName = env
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), err
	}

	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), nil
}
