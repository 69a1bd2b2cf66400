package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/config"
	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/operations"
	"github.com/openfroyo/sequencer/pkg/policy"
	"github.com/openfroyo/sequencer/pkg/selector"
	"github.com/openfroyo/sequencer/pkg/stores"
	"github.com/openfroyo/sequencer/pkg/telemetry"
	"github.com/openfroyo/sequencer/pkg/transports/ssh"
)

// loadSettings reads the settings named by --config and applies the global
// flags to them.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose && settings.Telemetry.Logging.Level != "trace" {
		settings.Telemetry.Logging.Level = "debug"
	}
	if jsonOutput {
		settings.Telemetry.Logging.Format = "json"
	}
	return settings, nil
}

// newTelemetry sets up logging, tracing and metrics from settings.
func newTelemetry(settings *config.Settings, version string) (*telemetry.Telemetry, error) {
	cfg := settings.Telemetry
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = version
	}
	tel, err := telemetry.New(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if settings.Source != "" {
		tel.Logger.Debug().Str("config", settings.Source).Msg("Loaded settings")
	}
	return tel, nil
}

// newRegistry returns the built-in node kinds plus the remote operations,
// sharing one SSH connection pool.
func newRegistry(settings *config.Settings, pool *ssh.Pool) (*engine.Registry, error) {
	reg := engine.DefaultRegistry()
	err := operations.Register(reg, operations.Deps{
		SSH: operations.PoolConnector{
			Pool: pool,
			Tune: func(c *ssh.Config) { tuneSSH(settings.SSH, c) },
		},
		Region: settings.S3.Region,
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func tuneSSH(s config.SSHSettings, c *ssh.Config) {
	if s.ConnectionTimeout > 0 {
		c.ConnectionTimeout = s.ConnectionTimeout
	}
	if s.CommandTimeout > 0 {
		c.CommandTimeout = s.CommandTimeout
	}
	if s.KnownHosts != "" {
		c.KnownHostsPath = s.KnownHosts
	}
	if !s.StrictHostKeyChecking {
		c.StrictHostKeyChecking = false
	}
}

func newSelector(settings *config.Settings, logger zerolog.Logger) *selector.StarlarkSelector {
	return selector.NewStarlarkSelector(logger, settings.Engine.SelectionTimeout)
}

// newPolicyEngine loads the built-in policies and those under the configured
// paths. It returns nil when policy checks are disabled.
func newPolicyEngine(ctx context.Context, settings *config.Settings, extra []string, logger zerolog.Logger) (*policy.Engine, error) {
	if settings.Policy.Disabled {
		return nil, nil
	}
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	paths := append(append([]string(nil), settings.Policy.Paths...), extra...)
	if len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// openStore opens the run history. It returns nil when history is disabled.
func openStore(ctx context.Context, settings *config.Settings) (*stores.SQLiteStore, error) {
	if settings.Store.Disabled {
		return nil, nil
	}
	if path := settings.Store.Path; path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	return stores.Open(ctx, stores.Config{Path: settings.Store.Path})
}
