package descriptor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// ReloadFunc receives a descriptor reloaded after a change, or the error that
// prevented the reload.
type ReloadFunc func(path string, doc *engine.Document, err error)

// watchDebounce coalesces the bursts of events editors produce on save.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the descriptors at paths whenever they change and reports the
// result to fn. It returns once the watcher is set up; watching stops when ctx
// is done.
func (l *Loader) Watch(ctx context.Context, paths []string, fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Directories are watched so that atomic renames on save are seen.
	watched := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go l.processEvents(ctx, watcher, watched, fn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching descriptors")

	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, watched map[string]bool, fn ReloadFunc) {
	defer watcher.Close()

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			path, err := filepath.Abs(event.Name)
			if err != nil || !watched[path] {
				continue
			}

			l.logger.Debug().
				Str("file", path).
				Str("op", event.Op.String()).
				Msg("Descriptor changed")

			mu.Lock()
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(watchDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				l.Invalidate(path)
				doc, err := l.Load(ctx, path)
				if err != nil {
					l.logger.Warn().Err(err).Str("path", path).Msg("Descriptor reload failed")
				}
				fn(path, doc, err)
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
