package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const ownersRego = `# Hosts must name an owner.
# Owners get paged on failures.
# severity: error
# tags: ownership, hosts

package custom.owners

deny contains msg if {
	some resource in input.resources
	not resource.labels.owner
	msg := sprintf("%s has no owner", [resource.id])
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadRego(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "owners.rego", ownersRego)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("got %d policies, want 1", len(policies))
	}

	p := policies[0]
	if p.Name != "owners" || p.Source != path || !p.Enabled {
		t.Errorf("policy = %+v", p)
	}
	if p.Description != "Hosts must name an owner. Owners get paged on failures." {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %q, want error", p.Severity)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "ownership" || p.Tags[1] != "hosts" {
		t.Errorf("Tags = %v", p.Tags)
	}
}

func TestParseRegoDirectives(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantErr     bool
		wantEnabled bool
		wantSev     Severity
		wantDesc    string
	}{
		{
			name:        "no header",
			content:     "package a\n",
			wantEnabled: true,
			wantSev:     SeverityWarning,
		},
		{
			name:        "disabled",
			content:     "# disabled\n# Off for now.\npackage a\n",
			wantEnabled: false,
			wantSev:     SeverityWarning,
			wantDesc:    "Off for now.",
		},
		{
			name:        "later comments ignored",
			content:     "# First.\n\n# Second.\npackage a\n",
			wantEnabled: true,
			wantSev:     SeverityWarning,
			wantDesc:    "First.",
		},
		{
			name:    "unknown severity",
			content: "# severity: loud\npackage a\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseRego("/p/a.rego", tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRego() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.Enabled != tt.wantEnabled || p.Severity != tt.wantSev || p.Description != tt.wantDesc {
				t.Errorf("parseRego() = %+v", p)
			}
		})
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "labels.json", `{
		"name": "labels",
		"description": "Labels are required",
		"rego": "package labels\n",
		"enabled": true
	}`)

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if p := policies[0]; p.Name != "labels" || p.Severity != SeverityWarning || p.Source != path {
		t.Errorf("policy = %+v", p)
	}

	bad := writePolicy(t, dir, "bad.json", `{"rego": "package x"}`)
	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{bad}); err == nil {
		t.Error("LoadFromPaths() accepted a nameless JSON policy")
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "owners.rego", ownersRego)
	writePolicy(t, dir, "nested/extra.rego", "package extra\n")
	writePolicy(t, dir, "README.md", "not a policy")
	writePolicy(t, dir, "broken.json", "{")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if len(policies) != 2 || !names["owners"] || !names["extra"] {
		t.Errorf("loaded %v", names)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing.rego")}); err == nil {
		t.Error("missing path loaded")
	}
	txt := writePolicy(t, dir, "policy.txt", "package a")
	if _, err := loader.LoadFromPaths(context.Background(), []string{txt}); err == nil {
		t.Error("unsupported file type loaded")
	}
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "owners.rego", ownersRego)
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	writePolicy(t, dir, "owners.rego", "# Changed.\npackage custom.owners\n")

	policies, _ := loader.LoadFromPaths(context.Background(), []string{path})
	if policies[0].Description == "Changed." {
		t.Error("cached policy was re-read")
	}

	loader.ClearCache()
	policies, _ = loader.LoadFromPaths(context.Background(), []string{path})
	if policies[0].Description != "Changed." {
		t.Errorf("Description after ClearCache() = %q", policies[0].Description)
	}
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "owners.rego", ownersRego)
	loader := NewLoader(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writePolicy(t, dir, "extra.rego", "package extra\n")

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("reloaded %d policies, want 2", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("policy change was not reported")
	}
}

func TestLoadPoliciesIntoEngine(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "owners.rego", ownersRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	p, err := eng.GetPolicy("owners")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %q", p.Severity)
	}

	result, err := eng.Evaluate(context.Background(), cleanDocument(), []string{"deploy"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed {
		t.Error("custom policy did not block the run")
	}
}
