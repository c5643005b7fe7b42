package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period before a burst of file events triggers
// a single reload.
const DefaultDebounce = 100 * time.Millisecond

/*
Watch workflow:
 1. Watch the directory holding the rule file so saves that replace
    the file by rename are still seen.
 2. Keep only write, create and rename events naming the rule file.
 3. Debounce so a save that emits several events reloads once.
 4. Run onChange; its error is logged and watching continues.
*/

// Watch blocks until ctx is cancelled, calling onChange after the file at
// path changes.
func Watch(ctx context.Context, path string, debounce time.Duration, log zerolog.Logger, onChange func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch path: %w", err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	d := newDebouncer(debounce)
	defer d.stop()

	log = log.With().Str("component", "watcher").Str("path", target).Logger()
	log.Info().Dur("debounce", debounce).Msg("Rule file watcher started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Rule file watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !relevant(event, target) {
				continue
			}
			log.Debug().Str("op", event.Op.String()).Msg("Rule file event")

			d.trigger(func() {
				if err := onChange(); err != nil {
					log.Error().Err(err).Msg("Rule reload failed, keeping previous rules")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.Error().Err(err).Msg("Rule file watcher error")
		}
	}
}

func relevant(event fsnotify.Event, target string) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	return err == nil && name == target
}

// debouncer runs only the last callback of a burst, after a quiet interval.
type debouncer struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			callback()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
