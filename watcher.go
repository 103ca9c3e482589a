package relay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatcherConfig struct {
	Path string
	// Debounce collapses the burst of events editors produce on save.
	Debounce time.Duration
}

// NewConfigWatcherFn watches the config file and calls apply with every
// successfully reloaded config. The returned func blocks until ctx is done.
// The directory is watched rather than the file so atomic renames by
// editors are seen.
func NewConfigWatcherFn(ctx context.Context, cfg WatcherConfig, apply func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed creating watcher: %w", err)
	}

	fullPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed getting path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(fullPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed adding directory to watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	return func() {
		defer watcher.Close()

		var reload <-chan time.Time
		slog.InfoContext(ctx, "watching config file", "path", fullPath)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				eventPath, err := filepath.Abs(event.Name)
				if err != nil || eventPath != fullPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				reload = time.After(debounce)

			case <-reload:
				reload = nil
				next, err := LoadConfig(fullPath)
				if err != nil {
					slog.WarnContext(ctx, "config reload failed", "path", fullPath, "error", err)
					continue
				}
				slog.InfoContext(ctx, "config reloaded", "path", fullPath)
				apply(next)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.ErrorContext(ctx, "watcher error", "error", err)
			}
		}
	}, nil
}

// Reloadable applies the parts of a reloaded config that may change at
// runtime. The channel set and routes are fixed at startup.
type Reloadable struct {
	Current  Config
	Verifier *Verifier
	Level    *slog.LevelVar
}

func (r *Reloadable) Apply(ctx context.Context, next Config) {
	if !slices.Equal(next.Channels, r.Current.Channels) || next.Source != r.Current.Source {
		slog.WarnContext(ctx, "channel set cannot change at runtime, ignoring")
	}
	if !slices.Equal(next.Routes(), r.Current.Routes()) {
		slog.WarnContext(ctx, "transform routes cannot change at runtime, ignoring")
	}

	if lvl, err := ParseLevel(next.LogLevel); err != nil {
		slog.WarnContext(ctx, "ignoring log level", "error", err)
	} else if r.Level != nil && lvl != r.Level.Level() {
		r.Level.Set(lvl)
		slog.InfoContext(ctx, "log level changed", "level", lvl)
	}

	if next.Credentials() != r.Current.Credentials() {
		r.Verifier.Rotate(next.Credentials())
		slog.InfoContext(ctx, "producer credentials rotated")
		if next.InsecurePassword() {
			slog.WarnContext(ctx, "producer password is the insecure default")
		}
	}

	r.Current.LogLevel = next.LogLevel
	r.Current.Producer.Username = next.Producer.Username
	r.Current.Producer.Password = next.Producer.Password
}
