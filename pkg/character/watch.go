package character

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// WatchOption customizes Watch.
type WatchOption func(*watchConfig)

type watchConfig struct {
	debounce time.Duration
	onError  func(error)
}

// WithDebounce coalesces bursts of writes (editors often write twice).
func WithDebounce(d time.Duration) WatchOption {
	return func(cfg *watchConfig) {
		if d > 0 {
			cfg.debounce = d
		}
	}
}

// WithErrorHandler receives parse and watcher errors. Without it they are
// dropped and the previous character stays active.
func WithErrorHandler(fn func(error)) WatchOption {
	return func(cfg *watchConfig) {
		cfg.onError = fn
	}
}

// Watch reloads path whenever it changes and passes the parsed character to
// apply. It blocks until ctx is done. The parent directory is watched so
// atomic rename-on-save keeps working.
func Watch(ctx context.Context, path string, apply func(*Character), opts ...WatchOption) error {
	if apply == nil {
		return errors.New("character: watch requires an apply func")
	}
	cfg := watchConfig{debounce: defaultDebounce}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("character: resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("character: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("character: watch %s: %w", filepath.Dir(abs), err)
	}

	report := func(err error) {
		if cfg.onError != nil {
			cfg.onError(err)
		}
	}
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cfg.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(cfg.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			c, err := Load(abs)
			if err != nil {
				report(err)
				continue
			}
			apply(c)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			report(fmt.Errorf("character: watcher: %w", err))
		}
	}
}
