package operations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/transports/ssh"
)

// Session runs commands and uploads files on one remote host.
type Session interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (*ssh.ExecResult, error)
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (int64, error)
}

// Connector hands out sessions to target hosts.
type Connector interface {
	Connect(ctx context.Context, config *ssh.Config) (Session, error)

	// Discard drops a session that failed at the transport level.
	Discard(config *ssh.Config)
}

// PoolConnector shares pooled SSH connections among work items.
type PoolConnector struct {
	Pool *ssh.Pool

	// Tune adjusts the connection settings derived from a target before
	// dialing. Optional.
	Tune func(*ssh.Config)
}

// Connect returns the pooled connection for config.
func (c PoolConnector) Connect(ctx context.Context, config *ssh.Config) (Session, error) {
	if c.Tune != nil {
		c.Tune(config)
	}
	client, err := c.Pool.Get(ctx, config)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Discard closes the pooled connection for config.
func (c PoolConnector) Discard(config *ssh.Config) {
	c.Pool.Discard(config)
}

// connect opens a session to the target named by ref.
func connect(ctx context.Context, env *engine.Env, connector Connector, kind, ref string) (Session, *ssh.Config, *engine.Target, error) {
	if connector == nil {
		return nil, nil, nil, fmt.Errorf("no SSH connector configured")
	}
	target, err := resolveTarget(env, ref)
	if err != nil {
		return nil, nil, nil, err
	}
	config, err := ssh.ConfigFromTarget(target)
	if err != nil {
		return nil, nil, nil, err
	}
	session, err := connector.Connect(ctx, config)
	if err != nil {
		return nil, nil, nil, remoteFailed(ctx, kind, target, err)
	}
	return session, config, target, nil
}

// transportFailed drops the connection after errors that may have broken it.
func transportFailed(connector Connector, config *ssh.Config, err error) {
	var transportErr *ssh.TransportError
	if errors.As(err, &transportErr) && transportErr.Temporary() {
		connector.Discard(config)
	}
}

// remoteFailed reports a failure on the target host, or an interruption if
// ctx ended.
func remoteFailed(ctx context.Context, kind string, target *engine.Target, err error) error {
	if ctx.Err() != nil {
		return interrupted(ctx, kind, err)
	}
	return engine.NewDomainError(target.Path, err).
		WithOperation(kind).
		WithCode(engine.ErrCodeRemote)
}

// sshOp runs a command on the target host.
type sshOp struct {
	connector Connector
	target    string
	command   string
	register  string
}

func newSSHOp(node *engine.Node, connector Connector) (engine.Operation, error) {
	command, err := requireAttr(node, "command")
	if err != nil {
		return nil, err
	}
	return &sshOp{
		connector: connector,
		target:    node.AttrOr("target", DefaultTargetRef),
		command:   command,
		register:  node.AttrOr("register", ""),
	}, nil
}

func (o *sshOp) Kind() string { return KindSSH }

func (o *sshOp) Validate(context.Context, *engine.Processor) error {
	return validateRegister(KindSSH, o.register)
}

func (o *sshOp) Execute(ctx context.Context, env *engine.Env) error {
	command, err := env.Expand(o.command)
	if err != nil {
		return err
	}

	session, config, target, err := connect(ctx, env, o.connector, KindSSH, o.target)
	if err != nil {
		return err
	}

	result, err := session.Run(ctx, command, nil)
	if err != nil {
		transportFailed(o.connector, config, err)
		return remoteFailed(ctx, KindSSH, target, err)
	}

	env.Logger.Debug().
		Str("target", target.Path).
		Str("command", command).
		Dur("duration", result.Duration).
		Msg("Remote command finished")

	if result.Stdout != "" {
		out := env.Output()
		for _, line := range strings.Split(result.Stdout, "\n") {
			fmt.Fprintf(out, "%s: %s\n", target.Path, line)
		}
	}
	if o.register != "" {
		env.Vars[o.register] = result.Stdout
	}
	return nil
}

// uploadOp copies a local file or inline content to the target host.
type uploadOp struct {
	connector Connector
	target    string
	dest      string
	mode      os.FileMode
	payload   payload
}

func newUploadOp(node *engine.Node, connector Connector) (engine.Operation, error) {
	dest, err := requireAttr(node, "dest")
	if err != nil {
		return nil, err
	}
	p, err := newPayload(node)
	if err != nil {
		return nil, err
	}
	mode, err := parseMode(node)
	if err != nil {
		return nil, err
	}
	return &uploadOp{
		connector: connector,
		target:    node.AttrOr("target", DefaultTargetRef),
		dest:      dest,
		mode:      mode,
		payload:   p,
	}, nil
}

func (o *uploadOp) Kind() string { return KindUpload }

func (o *uploadOp) Validate(context.Context, *engine.Processor) error { return nil }

func (o *uploadOp) Execute(ctx context.Context, env *engine.Env) error {
	dest, err := env.Expand(o.dest)
	if err != nil {
		return err
	}
	r, err := o.payload.open(env)
	if err != nil {
		return err
	}
	defer r.Close()

	session, config, target, err := connect(ctx, env, o.connector, KindUpload, o.target)
	if err != nil {
		return err
	}

	n, err := session.Upload(ctx, r, dest, o.mode)
	if err != nil {
		transportFailed(o.connector, config, err)
		return remoteFailed(ctx, KindUpload, target, err)
	}

	env.Logger.Debug().
		Str("target", target.Path).
		Str("dest", dest).
		Int64("bytes", n).
		Msg("File uploaded")
	return nil
}
