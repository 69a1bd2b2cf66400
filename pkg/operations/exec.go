package operations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// execOp runs a command on the local host through a shell.
type execOp struct {
	command  string
	shell    string
	dir      string
	register string
}

func newExecOp(node *engine.Node, _ *engine.Registry) (engine.Operation, error) {
	command, err := requireAttr(node, "command")
	if err != nil {
		return nil, err
	}
	return &execOp{
		command:  command,
		shell:    node.AttrOr("shell", "/bin/sh"),
		dir:      node.AttrOr("dir", ""),
		register: node.AttrOr("register", ""),
	}, nil
}

func (o *execOp) Kind() string { return KindExec }

func (o *execOp) Validate(context.Context, *engine.Processor) error {
	return validateRegister(KindExec, o.register)
}

func (o *execOp) Execute(ctx context.Context, env *engine.Env) error {
	command, err := env.Expand(o.command)
	if err != nil {
		return err
	}
	dir, err := env.Expand(o.dir)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, o.shell, "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()

	env.Logger.Debug().
		Str("command", command).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Local command finished")

	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx, KindExec, err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			var cause error
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				cause = errors.New(msg)
			}
			return engine.NewDomainError(fmt.Sprintf("command exited with code %d", exitErr.ExitCode()), cause).
				WithOperation(KindExec)
		}
		return fmt.Errorf("failed to execute command: %w", err)
	}

	out := strings.TrimSpace(stdout.String())
	if out != "" {
		fmt.Fprintln(env.Output(), out)
	}
	if o.register != "" {
		env.Vars[o.register] = out
	}
	return nil
}
