package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sequencer/pkg/telemetry"
)

// Environment variables that override settings.
const (
	EnvConfig  = "SEQUENCER_CONFIG"
	EnvDB      = "SEQUENCER_DB"
	EnvPolicy  = "SEQUENCER_POLICY_PATH"
	EnvRegion  = "AWS_REGION"
	configName = "sequencer"
)

// Settings is the process configuration of the sequencer.
type Settings struct {
	Engine    EngineSettings   `yaml:"engine"`
	Store     StoreSettings    `yaml:"store"`
	Policy    PolicySettings   `yaml:"policy"`
	SSH       SSHSettings      `yaml:"ssh"`
	S3        S3Settings       `yaml:"s3"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Source is the file the settings were read from, empty for defaults.
	Source string `yaml:"-"`
}

// EngineSettings configures processors.
type EngineSettings struct {
	// MaxDepth bounds nested processing contexts created by calls.
	MaxDepth int `yaml:"max_depth" validate:"gte=1,lte=1024"`

	// JoinTimeout is the default timeout of foreach and call nodes. Zero
	// waits indefinitely.
	JoinTimeout time.Duration `yaml:"join_timeout" validate:"gte=0"`

	// SelectionTimeout bounds the evaluation of one selection expression.
	SelectionTimeout time.Duration `yaml:"selection_timeout" validate:"gte=0"`
}

// StoreSettings configures the run history.
type StoreSettings struct {
	Path     string `yaml:"path" validate:"required_unless=Disabled true"`
	Disabled bool   `yaml:"disabled"`
}

// PolicySettings configures pre-run policy checks.
type PolicySettings struct {
	// Paths are policy files or directories loaded in addition to the
	// built-in policies.
	Paths    []string `yaml:"paths"`
	Disabled bool     `yaml:"disabled"`
}

// SSHSettings configures remote execution.
type SSHSettings struct {
	ConnectionTimeout     time.Duration `yaml:"connection_timeout" validate:"gte=0"`
	CommandTimeout        time.Duration `yaml:"command_timeout" validate:"gte=0"`
	KnownHosts            string        `yaml:"known_hosts"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
}

// S3Settings configures uploads to S3.
type S3Settings struct {
	// Region is used by s3-put nodes that do not name one.
	Region string `yaml:"region"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Engine: EngineSettings{
			MaxDepth:         32,
			SelectionTimeout: 10 * time.Second,
		},
		Store: StoreSettings{
			Path: defaultStorePath(),
		},
		SSH: SSHSettings{
			ConnectionTimeout:     30 * time.Second,
			StrictHostKeyChecking: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

func defaultStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return configName + ".db"
	}
	return filepath.Join(dir, configName, "history.db")
}

// Load reads settings from path over the defaults, applies environment
// overrides and validates the result. An empty path uses $SEQUENCER_CONFIG,
// or the defaults when that is unset too. The format is chosen by extension:
// .yaml and .yml are YAML, .cue and .json are CUE checked against the
// settings schema.
func Load(path string) (*Settings, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := s.decode(path, data); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
		s.Source = path
	}

	s.applyEnv()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	case ".cue", ".json":
		var err error
		if data, err = cueToYAML(path, data); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv(EnvDB); v != "" {
		s.Store.Path = v
	}
	if v := os.Getenv(EnvPolicy); v != "" {
		s.Policy.Paths = filepath.SplitList(v)
	}
	if s.S3.Region == "" {
		s.S3.Region = os.Getenv(EnvRegion)
	}
}

var validate = validator.New()

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on the '%s' rule", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid settings: telemetry: %w", err)
	}
	return nil
}
