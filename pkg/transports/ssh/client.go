package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// Client is a connection to one remote host. It is safe for concurrent use;
// every command runs in its own session.
type Client struct {
	config *Config

	mu     sync.RWMutex
	conn   *ssh.Client
	closed bool
}

// Dial connects to the host described by config.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Host: config.Host, Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, err := config.BuildClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: config.Host, Err: err, IsAuthError: true}
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &TransportError{Op: "connect", Host: config.Host, Err: err, IsTemporary: true}
	}

	// The handshake is bounded by the context as well as the timeout.
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	ncc, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	stop()
	if err != nil {
		_ = netConn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &TransportError{Op: "connect", Host: config.Host, Err: err, IsAuthError: isAuthError(err)}
	}

	log.Info().Str("address", address).Str("user", config.User).Msg("SSH connection established")

	return &Client{
		config: config,
		conn:   ssh.NewClient(ncc, chans, reqs),
	}, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Config returns the connection configuration.
func (c *Client) Config() *Config {
	return c.config
}

func (c *Client) client(op string) (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed || c.conn == nil {
		return nil, &TransportError{Op: op, Host: c.config.Host, Err: errors.New("not connected")}
	}
	return c.conn, nil
}

// Run executes cmd in a new session. A non-zero exit status is reported as an
// error together with the result. Cancelling ctx kills the remote command.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (*ExecResult, error) {
	conn, err := c.client("exec")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Host:        c.config.Host,
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	session.Stdin = stdin

	log.Debug().Str("host", c.config.Host).Str("command", cmd).Msg("executing command")

	start := time.Now()
	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &TransportError{
				Op:   "exec",
				Host: c.config.Host,
				Err:  fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr),
			}
		}
		result.ExitCode = -1
		return result, &TransportError{Op: "exec", Host: c.config.Host, Err: execErr, IsTemporary: ctx.Err() == nil}
	}

	return result, nil
}

// Upload writes the content of r to remotePath over SFTP, creating parent
// directories as needed. It returns the number of bytes written.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (int64, error) {
	conn, err := c.client("upload")
	if err != nil {
		return 0, err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Host:        c.config.Host,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	// Closing the client aborts an in-flight copy.
	stop := context.AfterFunc(ctx, func() { _ = sftpClient.Close() })
	defer stop()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{Op: "upload", Host: c.config.Host, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	dst, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, &TransportError{Op: "upload", Host: c.config.Host, Err: fmt.Errorf("failed to create remote file: %w", err)}
	}

	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return n, &TransportError{Op: "upload", Host: c.config.Host, Err: err, IsTemporary: ctx.Err() == nil}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			return n, &TransportError{Op: "upload", Host: c.config.Host, Err: fmt.Errorf("failed to set permissions: %w", err)}
		}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", n).
		Msg("file uploaded")

	return n, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return nil
	}
	c.closed = true

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.conn.Close(); err != nil {
		return &TransportError{Op: "disconnect", Host: c.config.Host, Err: err}
	}
	return nil
}
