package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/sequencer/pkg/engine"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name:       "key file missing",
			modifyFunc: func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			errorMsg:   "private key file not found",
		},
		{
			name:       "unsupported auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "agent" },
			errorMsg:   "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "invalid command timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.CommandTimeout = 0
			},
			errorMsg: "command timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigFromTarget(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name     string
		resource *engine.Resource
		check    func(t *testing.T, c *Config)
		errorMsg string
	}{
		{
			name: "password from attributes",
			resource: &engine.Resource{ID: "web1", Kind: "host", Attrs: map[string]string{
				"address": "10.0.0.11", "port": "2222", "user": "deploy", "password": "pw", "insecure": "true",
			}},
			check: func(t *testing.T, c *Config) {
				if c.Address() != "10.0.0.11:2222" || c.User != "deploy" {
					t.Errorf("config = %s as %s", c.Address(), c.User)
				}
				if c.AuthMethod != AuthMethodPassword || c.StrictHostKeyChecking {
					t.Errorf("auth = %s strict = %v", c.AuthMethod, c.StrictHostKeyChecking)
				}
			},
		},
		{
			name: "host defaults to resource id",
			resource: &engine.Resource{ID: "web1.internal", Kind: "host", Attrs: map[string]string{
				"user": "deploy", "key": keyPath, "known-hosts": "/etc/ssh/known_hosts",
			}},
			check: func(t *testing.T, c *Config) {
				if c.Host != "web1.internal" || c.PrivateKeyPath != keyPath {
					t.Errorf("config = %+v", c)
				}
				if c.KnownHostsPath != "/etc/ssh/known_hosts" {
					t.Errorf("KnownHostsPath = %q", c.KnownHostsPath)
				}
			},
		},
		{
			name:     "bad port",
			resource: &engine.Resource{ID: "a", Kind: "host", Attrs: map[string]string{"port": "ssh"}},
			errorMsg: `invalid port "ssh"`,
		},
		{
			name:     "bad insecure flag",
			resource: &engine.Resource{ID: "a", Kind: "host", Attrs: map[string]string{"password": "x", "insecure": "maybe"}},
			errorMsg: "invalid insecure flag",
		},
		{
			name:     "invalid config",
			resource: &engine.Resource{ID: "a", Kind: "host", Attrs: map[string]string{"user": "u", "key": "/nonexistent/key"}},
			errorMsg: "/host[a]: private key file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &engine.Target{Path: "/host[" + tt.resource.ID + "]", Resource: tt.resource}
			config, err := ConfigFromTarget(target)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("expected error containing '%s', got %v", tt.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, config)
		})
	}

	if _, err := ConfigFromTarget(nil); err == nil {
		t.Error("expected error for nil target")
	}
}

func TestBuildClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = writeTestKey(t)
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("unparseable key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "bad_key")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath

		if _, err := config.BuildClientConfig(); err == nil || !strings.Contains(err.Error(), "failed to parse private key") {
			t.Errorf("expected parse error, got %v", err)
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.BuildClientConfig(); err == nil || !strings.Contains(err.Error(), "known_hosts") {
			t.Errorf("expected known_hosts error, got %v", err)
		}
	})
}

// writeTestKey writes an unencrypted ED25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}
