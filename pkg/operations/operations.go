package operations

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// Node kinds provided by this package.
const (
	KindExec   = "exec"
	KindSSH    = "ssh"
	KindUpload = "upload"
	KindS3Put  = "s3-put"
)

// DefaultTargetRef is the target of remote nodes that do not name one: the
// binding of a foreach using the default item name.
const DefaultTargetRef = "${item}"

// Deps carries the shared clients used by the operations of one run.
type Deps struct {
	// SSH opens connections to target hosts.
	SSH Connector

	// S3 creates S3 clients. Defaults to DefaultS3Factory.
	S3 S3Factory

	// Region is used by s3-put nodes that do not name one.
	Region string
}

// Register adds the exec, ssh, upload and s3-put node kinds to reg.
func Register(reg *engine.Registry, deps Deps) error {
	if deps.S3 == nil {
		deps.S3 = DefaultS3Factory
	}
	s3Clients := newS3Cache(deps.S3)

	constructors := map[string]engine.Constructor{
		KindExec: newExecOp,
		KindSSH: func(node *engine.Node, _ *engine.Registry) (engine.Operation, error) {
			return newSSHOp(node, deps.SSH)
		},
		KindUpload: func(node *engine.Node, _ *engine.Registry) (engine.Operation, error) {
			return newUploadOp(node, deps.SSH)
		},
		KindS3Put: func(node *engine.Node, _ *engine.Registry) (engine.Operation, error) {
			return newS3PutOp(node, s3Clients, deps.Region)
		},
	}
	for _, kind := range []string{KindExec, KindSSH, KindUpload, KindS3Put} {
		if err := reg.Register(kind, constructors[kind]); err != nil {
			return err
		}
	}
	return nil
}

func requireAttr(node *engine.Node, name string) (string, error) {
	v, ok := node.Attr(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("attribute %s is required", name)
	}
	return v, nil
}

func validateRegister(kind, name string) error {
	if name == "" {
		return nil
	}
	if err := engine.ValidateVariableName(name); err != nil {
		return engine.NewValidationError(fmt.Sprintf("invalid %s node", kind), err).WithOperation(kind)
	}
	return nil
}

// resolveTarget expands ref and looks the result up in the resource model.
func resolveTarget(env *engine.Env, ref string) (*engine.Target, error) {
	path, err := env.Expand(ref)
	if err != nil {
		return nil, err
	}
	model, err := env.Processor.Model()
	if err != nil {
		return nil, err
	}
	t, ok := model.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("unknown target %s", path)
	}
	return t, nil
}

// payload is the data of an upload: a local file or inline content.
type payload struct {
	source  string
	content string
	inline  bool
}

func newPayload(node *engine.Node) (payload, error) {
	source, hasSource := node.Attr("source")
	content, hasContent := node.Attr("content")
	switch {
	case hasSource && hasContent:
		return payload{}, fmt.Errorf("attributes source and content are exclusive")
	case hasSource:
		return payload{source: source}, nil
	case hasContent:
		return payload{content: content, inline: true}, nil
	default:
		return payload{}, fmt.Errorf("attribute source or content is required")
	}
}

// open returns the payload data. Relative sources resolve against the
// directory of the running document.
func (p payload) open(env *engine.Env) (io.ReadCloser, error) {
	if p.inline {
		content, err := env.Expand(p.content)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(strings.NewReader(content)), nil
	}

	path, err := env.Expand(p.source)
	if err != nil {
		return nil, err
	}
	if doc := env.Processor.Document(); !filepath.IsAbs(path) && doc != nil && doc.Path != "" {
		path = filepath.Join(filepath.Dir(doc.Path), path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	return f, nil
}

func parseMode(node *engine.Node) (os.FileMode, error) {
	v, ok := node.Attr("mode")
	if !ok {
		return 0, nil
	}
	mode, err := strconv.ParseUint(v, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("attribute mode: invalid octal mode %q", v)
	}
	return os.FileMode(mode), nil
}

// interrupted reports a failure caused by cancellation of ctx as an
// interruption.
func interrupted(ctx context.Context, kind string, err error) error {
	if ctx.Err() == nil {
		return err
	}
	return engine.NewInterruptedError(kind+" interrupted", context.Cause(ctx)).WithOperation(kind)
}
