package operations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/selector"
	"github.com/openfroyo/sequencer/pkg/transports/ssh"
)

// fakeConnector records the commands and uploads sent to each host.
type fakeConnector struct {
	mu         sync.Mutex
	commands   []string
	uploads    map[string]string
	modes      map[string]os.FileMode
	discarded  []string
	runErr     error
	connectErr error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		uploads: make(map[string]string),
		modes:   make(map[string]os.FileMode),
	}
}

func (c *fakeConnector) Connect(_ context.Context, config *ssh.Config) (Session, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return &fakeSession{host: config.Host, c: c}, nil
}

func (c *fakeConnector) Discard(config *ssh.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discarded = append(c.discarded, config.Host)
}

func (c *fakeConnector) sortedCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.commands...)
	sort.Strings(out)
	return out
}

type fakeSession struct {
	host string
	c    *fakeConnector
}

func (s *fakeSession) Run(_ context.Context, cmd string, _ io.Reader) (*ssh.ExecResult, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.runErr != nil {
		return nil, s.c.runErr
	}
	s.c.commands = append(s.c.commands, s.host+" "+cmd)
	return &ssh.ExecResult{Stdout: "ran " + cmd}, nil
}

func (s *fakeSession) Upload(_ context.Context, r io.Reader, remotePath string, mode os.FileMode) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.uploads[s.host+":"+remotePath] = string(data)
	s.c.modes[s.host+":"+remotePath] = mode
	return int64(len(data)), nil
}

// fakeS3 records PutObject calls.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	inputs  []*s3.PutObjectInput
	err     error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = string(data)
	f.inputs = append(f.inputs, params)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

type harness struct {
	connector *fakeConnector
	s3        *fakeS3
	regions   []string
	out       strings.Builder
	mu        sync.Mutex
}

func newHarness() *harness {
	return &harness{
		connector: newFakeConnector(),
		s3:        &fakeS3{objects: make(map[string]string)},
	}
}

func (h *harness) run(t *testing.T, ctx context.Context, doc *engine.Document) error {
	t.Helper()

	reg := engine.DefaultRegistry()
	err := Register(reg, Deps{
		SSH: h.connector,
		S3: func(_ context.Context, region string) (S3API, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.regions = append(h.regions, region)
			return h.s3, nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p := engine.NewProcessor(doc, doc.OrderNames(), nil, engine.Options{
		Registry: reg,
		Selector: selector.NewStarlarkSelector(zerolog.Nop(), 0),
		Output:   &h.out,
	})
	return p.Run(ctx)
}

func fleet(steps ...*engine.Node) *engine.Document {
	hosts := []*engine.Resource{
		{ID: "a", Kind: "host", Attrs: map[string]string{"address": "10.0.0.1", "user": "deploy", "password": "pw"}},
		{ID: "b", Kind: "host", Attrs: map[string]string{"address": "10.0.0.2", "user": "deploy", "password": "pw"}},
		{ID: "c", Kind: "host", Attrs: map[string]string{"address": "10.0.0.3", "user": "deploy", "password": "pw"}},
	}
	return &engine.Document{
		Name:      "fleet",
		Vars:      map[string]string{"version": "1.2"},
		Resources: hosts,
		Orders:    []*engine.OrderSpec{{Name: "main", Steps: steps}},
	}
}

func node(kind string, attrs map[string]string, children ...*engine.Node) *engine.Node {
	return &engine.Node{Kind: kind, Attrs: attrs, Children: children}
}

func foreachHosts(children ...*engine.Node) *engine.Node {
	return node(engine.KindForeach, map[string]string{"items": `by_kind("host")`, "max-par": "2"}, children...)
}

func TestExecOp(t *testing.T) {
	h := newHarness()
	doc := fleet(
		node(KindExec, map[string]string{"command": "echo hello ${version}", "register": "greeting"}),
		node(engine.KindEcho, map[string]string{"message": "got ${greeting}"}),
	)

	if err := h.run(t, context.Background(), doc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.out.String(); got != "hello 1.2\ngot hello 1.2\n" {
		t.Errorf("output = %q", got)
	}
}

func TestExecOpWorkingDirectory(t *testing.T) {
	h := newHarness()
	dir := t.TempDir()
	doc := fleet(node(KindExec, map[string]string{"command": "touch marker", "dir": dir}))

	if err := h.run(t, context.Background(), doc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Errorf("marker not created: %v", err)
	}
}

func TestExecOpFailure(t *testing.T) {
	h := newHarness()
	doc := fleet(node(KindExec, map[string]string{"command": "echo oops >&2; exit 3"}))

	err := h.run(t, context.Background(), doc)
	if !engine.IsDomain(err) {
		t.Fatalf("Run() error = %v, want a domain error", err)
	}
	for _, want := range []string{"command exited with code 3", "oops"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestExecOpInterrupted(t *testing.T) {
	h := newHarness()
	doc := fleet(node(KindExec, map[string]string{"command": "sleep 10"}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := h.run(t, ctx, doc)
	if !engine.IsInterrupted(err) {
		t.Fatalf("Run() error = %v, want an interruption", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() returned after %v", elapsed)
	}
}

func TestSSHOpFansOut(t *testing.T) {
	h := newHarness()
	doc := fleet(foreachHosts(
		node(KindSSH, map[string]string{"command": "deploy ${version}", "register": "result"}),
		node(engine.KindEcho, map[string]string{"message": "${item} => ${result}"}),
	))

	if err := h.run(t, context.Background(), doc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"10.0.0.1 deploy 1.2", "10.0.0.2 deploy 1.2", "10.0.0.3 deploy 1.2"}
	if got := h.connector.sortedCommands(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
	out := h.out.String()
	for _, line := range []string{
		"/host[a]: ran deploy 1.2",
		"/host[b] => ran deploy 1.2",
		"/host[c] => ran deploy 1.2",
	} {
		if !strings.Contains(out, line) {
			t.Errorf("output %q missing %q", out, line)
		}
	}
}

func TestSSHOpErrors(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(c *fakeConnector)
		attrs         map[string]string
		wantText      string
		wantRemote    bool
		wantDiscarded bool
	}{
		{
			name:     "unknown target",
			attrs:    map[string]string{"command": "true", "target": "/host[nope]"},
			wantText: "unknown target /host[nope]",
		},
		{
			name:     "unbound target variable",
			attrs:    map[string]string{"command": "true"},
			wantText: "item",
		},
		{
			name: "connect failure",
			setup: func(c *fakeConnector) {
				c.connectErr = errors.New("connection refused")
			},
			attrs:      map[string]string{"command": "true", "target": "/host[a]"},
			wantText:   "/host[a] (operation=ssh): connection refused",
			wantRemote: true,
		},
		{
			name: "broken connection is discarded",
			setup: func(c *fakeConnector) {
				c.runErr = &ssh.TransportError{Op: "exec", Host: "10.0.0.1", Err: errors.New("broken pipe"), IsTemporary: true}
			},
			attrs:         map[string]string{"command": "true", "target": "/host[a]"},
			wantText:      "/host[a] (operation=ssh): exec 10.0.0.1: broken pipe",
			wantRemote:    true,
			wantDiscarded: true,
		},
		{
			name: "failed command keeps connection",
			setup: func(c *fakeConnector) {
				c.runErr = &ssh.TransportError{Op: "exec", Host: "10.0.0.1", Err: errors.New("command exited with code 1")}
			},
			attrs:      map[string]string{"command": "false", "target": "/host[a]"},
			wantText:   "command exited with code 1",
			wantRemote: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			if tt.setup != nil {
				tt.setup(h.connector)
			}

			err := h.run(t, context.Background(), fleet(node(KindSSH, tt.attrs)))
			if !engine.IsDomain(err) {
				t.Fatalf("Run() error = %v, want a domain error", err)
			}
			if !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("error %q missing %q", err, tt.wantText)
			}
			remote := errors.Is(err, &engine.EngineError{Class: engine.ErrorClassDomain, Code: engine.ErrCodeRemote})
			if remote != tt.wantRemote {
				t.Errorf("remote failure = %v, want %v (error %v)", remote, tt.wantRemote, err)
			}
			if discarded := len(h.connector.discarded) > 0; discarded != tt.wantDiscarded {
				t.Errorf("discarded = %v, want %v", h.connector.discarded, tt.wantDiscarded)
			}
		})
	}
}

func TestUploadOp(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.conf"), []byte("port=80\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := newHarness()
	doc := fleet(foreachHosts(
		node(KindUpload, map[string]string{"content": "hello ${item}\n", "dest": "/etc/motd", "mode": "0640"}),
		node(KindUpload, map[string]string{"source": "app.conf", "dest": "/etc/app/${version}.conf"}),
	))
	doc.Path = filepath.Join(dir, "fleet.yaml")

	if err := h.run(t, context.Background(), doc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.connector.uploads["10.0.0.2:/etc/motd"]; got != "hello /host[b]\n" {
		t.Errorf("motd on b = %q", got)
	}
	if got := h.connector.modes["10.0.0.2:/etc/motd"]; got != 0o640 {
		t.Errorf("motd mode = %o", got)
	}
	if got := h.connector.uploads["10.0.0.3:/etc/app/1.2.conf"]; got != "port=80\n" {
		t.Errorf("app.conf on c = %q", got)
	}
	if len(h.connector.uploads) != 6 {
		t.Errorf("uploads = %d, want 6", len(h.connector.uploads))
	}
}

func TestUploadOpMissingSource(t *testing.T) {
	h := newHarness()
	doc := fleet(node(KindUpload, map[string]string{"source": "/nonexistent/file", "dest": "/tmp/x", "target": "/host[a]"}))

	err := h.run(t, context.Background(), doc)
	if !engine.IsDomain(err) || !strings.Contains(err.Error(), "failed to open source") {
		t.Errorf("Run() error = %v", err)
	}
}

func TestS3PutOp(t *testing.T) {
	h := newHarness()
	doc := fleet(foreachHosts(
		node(KindS3Put, map[string]string{
			"bucket":        "releases",
			"key":           "${version}/${item}.txt",
			"content":       "built for ${item}",
			"region":        "eu-west-1",
			"content-type":  "text/plain",
			"storage-class": "STANDARD_IA",
		}),
	))

	if err := h.run(t, context.Background(), doc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.s3.objects["releases/1.2//host[a].txt"]; got != "built for /host[a]" {
		t.Errorf("object = %q, objects = %v", got, h.s3.objects)
	}
	if len(h.s3.inputs) != 3 {
		t.Fatalf("PutObject calls = %d, want 3", len(h.s3.inputs))
	}
	in := h.s3.inputs[0]
	if aws.ToString(in.ContentType) != "text/plain" || in.StorageClass != "STANDARD_IA" {
		t.Errorf("input = %+v", in)
	}
	if aws.ToInt64(in.ContentLength) != int64(len("built for /host[a]")) {
		t.Errorf("ContentLength = %d", aws.ToInt64(in.ContentLength))
	}
	// One client is shared by every work item.
	if fmt.Sprint(h.regions) != "[eu-west-1]" {
		t.Errorf("factory regions = %v", h.regions)
	}
}

func TestS3PutOpFailure(t *testing.T) {
	h := newHarness()
	h.s3.err = errors.New("AccessDenied")
	doc := fleet(node(KindS3Put, map[string]string{"bucket": "b", "key": "k", "content": "x"}))

	err := h.run(t, context.Background(), doc)
	if !engine.IsDomain(err) || !strings.Contains(err.Error(), "failed to put s3://b/k: AccessDenied") {
		t.Errorf("Run() error = %v", err)
	}
}

func TestInvalidNodes(t *testing.T) {
	tests := []struct {
		name     string
		node     *engine.Node
		wantText string
	}{
		{"exec without command", node(KindExec, nil), "attribute command is required"},
		{"exec bad register", node(KindExec, map[string]string{"command": "true", "register": "1x"}), "1x"},
		{"ssh without command", node(KindSSH, map[string]string{"command": " "}), "attribute command is required"},
		{"ssh bad register", node(KindSSH, map[string]string{"command": "true", "register": "a b"}), "a b"},
		{"upload without dest", node(KindUpload, map[string]string{"content": "x"}), "attribute dest is required"},
		{"upload without payload", node(KindUpload, map[string]string{"dest": "/x"}), "attribute source or content is required"},
		{"upload with both payloads", node(KindUpload, map[string]string{"dest": "/x", "source": "a", "content": "b"}), "exclusive"},
		{"upload bad mode", node(KindUpload, map[string]string{"dest": "/x", "content": "b", "mode": "rw"}), "invalid octal mode"},
		{"s3-put without bucket", node(KindS3Put, map[string]string{"key": "k", "content": "x"}), "attribute bucket is required"},
		{"s3-put without key", node(KindS3Put, map[string]string{"bucket": "b", "content": "x"}), "attribute key is required"},
		{"s3-put bad storage class", node(KindS3Put, map[string]string{"bucket": "b", "key": "k", "content": "x", "storage-class": "COLD"}), `unknown storage class "COLD"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			err := h.run(t, context.Background(), fleet(tt.node))
			if !engine.IsValidation(err) {
				t.Fatalf("Run() error = %v, want a validation error", err)
			}
			if !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("error %q missing %q", err, tt.wantText)
			}
		})
	}
}

func TestRegisterTwice(t *testing.T) {
	reg := engine.NewRegistry()
	if err := Register(reg, Deps{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := Register(reg, Deps{}); err == nil {
		t.Error("second Register() error = nil")
	}
	for _, kind := range []string{KindExec, KindSSH, KindUpload, KindS3Put} {
		found := false
		for _, k := range reg.Kinds() {
			found = found || k == kind
		}
		if !found {
			t.Errorf("kind %s not registered", kind)
		}
	}
}
