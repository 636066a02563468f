package session

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

const defaultWatchDebounce = 100 * time.Millisecond

type WatchOptions struct {
	Debounce time.Duration
	Logger   Logger
}

// Watch calls onChange whenever the session file at path is written,
// replaced or removed. Bursts of events within the debounce window collapse
// into one call. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(), opts WatchOptions) error {
	path = strings.TrimSpace(path)
	if path == "" || onChange == nil {
		return ErrInvalidInput
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so atomic rename-over saves are still observed.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	var pending <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if opts.Logger != nil {
				opts.Logger.Printf("session watch error: %v", err)
			}
		}
	}
}
