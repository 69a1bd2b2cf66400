package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// Resource attributes read by ConfigFromTarget.
const (
	AttrAddress    = "address"
	AttrPort       = "port"
	AttrUser       = "user"
	AttrPassword   = "password"
	AttrKey        = "key"
	AttrKnownHosts = "known-hosts"
	AttrInsecure   = "insecure"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// CommandTimeout bounds a single remote command
	CommandTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
	}
}

// ConfigFromTarget builds a Config from the attributes of a target resource.
// The host defaults to the resource id and the user to $USER. A password
// attribute selects password authentication.
func ConfigFromTarget(t *engine.Target) (*Config, error) {
	if t == nil || t.Resource == nil {
		return nil, fmt.Errorf("no target resource")
	}
	attrs := t.Resource.Attrs

	host := attrs[AttrAddress]
	if host == "" {
		host = t.Resource.ID
	}
	user := attrs[AttrUser]
	if user == "" {
		user = os.Getenv("USER")
	}

	cfg := DefaultConfig(host, user)
	if v, ok := attrs[AttrPort]; ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid port %q", t.Path, v)
		}
		cfg.Port = port
	}
	if v, ok := attrs[AttrPassword]; ok {
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = v
	}
	if v, ok := attrs[AttrKey]; ok {
		cfg.PrivateKeyPath = v
	}
	if v, ok := attrs[AttrKnownHosts]; ok {
		cfg.KnownHostsPath = v
	}
	if v, ok := attrs[AttrInsecure]; ok {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid insecure flag %q", t.Path, v)
		}
		cfg.StrictHostKeyChecking = !insecure
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", t.Path, err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				keyPath := filepath.Join(homeDir, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	return nil
}

// BuildClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers prompt for the password through keyboard-interactive.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// poolKey identifies connections that can be shared.
func (c *Config) poolKey() string {
	return c.User + "@" + c.Address()
}
