package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads policies from .rego and .json files.
//
// A .rego file becomes a policy named after the file. Its leading comment
// block is the description, except for directive lines:
//
//	# severity: error
//	# tags: security, ssh
//	# disabled
//
// A .json file holds a Policy object.
type Loader struct {
	logger zerolog.Logger
	mu     sync.RWMutex
	cache  map[string]*Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directories are walked recursively; unreadable files inside them are
// skipped with a warning, while an explicitly named file must load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if !info.IsDir() {
		policy, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*policy}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}

		policy, err := l.loadFromFile(file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	l.mu.RLock()
	if cached, ok := l.cache[path]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(path) {
	case ".rego":
		policy, err = parseRego(path, string(data))
	case ".json":
		policy, err = parseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if err != nil {
		return nil, err
	}
	policy.Source = path

	l.mu.Lock()
	l.cache[path] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")

	return policy, nil
}

// parseRego builds a policy from Rego source and its header comments.
func parseRego(path, content string) (*Policy, error) {
	policy := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     content,
		Severity: SeverityWarning,
		Enabled:  true,
	}

	var description []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if len(description) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		key, value, _ := strings.Cut(comment, ":")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "severity":
			sev := Severity(strings.ToLower(strings.TrimSpace(value)))
			if !sev.valid() {
				return nil, fmt.Errorf("%s: unknown severity %q", path, strings.TrimSpace(value))
			}
			policy.Severity = sev
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					policy.Tags = append(policy.Tags, tag)
				}
			}
		case "disabled":
			policy.Enabled = false
		default:
			if comment != "" {
				description = append(description, comment)
			}
		}
	}
	policy.Description = strings.Join(description, " ")

	return policy, nil
}

func parseJSON(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	return &policy, nil
}

// Watch reloads the policies at paths whenever a policy file below them
// changes and hands the result to reloadFn. It returns once the watcher is
// set up; watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			path = filepath.Dir(path)
		}
		err = filepath.WalkDir(path, func(dir string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			}
			return watcher.Add(dir)
		})
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

const reloadDelay = 500 * time.Millisecond

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")
	return nil
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*Policy)
	l.logger.Debug().Msg("Policy cache cleared")
}
