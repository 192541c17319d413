package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/confman/pkg/telemetry"
)

// DefaultDebounce is how long the watcher waits for a burst of events to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher turns file system events under a local configuration root into
// scan triggers, so changes are picked up before the next poll.
type Watcher struct {
	root     string
	trigger  func()
	debounce time.Duration
	logger   *telemetry.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// NewWatcher creates a watcher calling trigger, usually Scanner.Trigger.
func NewWatcher(root string, trigger func(), debounce time.Duration, logger *telemetry.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{
		root:     root,
		trigger:  trigger,
		debounce: debounce,
		logger:   logger.NewComponentLogger("watcher").WithField("root", root),
	}
}

// Start watches the root and its services and factories directories until
// ctx is cancelled or Stop is called. Missing directories are created on the
// next scan's schedule, so the root itself is watched to catch them.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	for _, dir := range []string{ServicesDir, FactoriesDir} {
		w.addDir(watcher, filepath.Join(w.root, dir))
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	go w.processEvents(ctx, watcher, w.done)

	w.logger.Info("started watching configuration root")
	return nil
}

func (w *Watcher) addDir(watcher *fsnotify.Watcher, dir string) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	if err := watcher.Add(dir); err != nil {
		w.logger.WithError(err).WithField("path", dir).Warn("failed to watch directory")
	}
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.watcher == watcher {
				w.watcher = nil
				if w.timer != nil {
					w.timer.Stop()
				}
			}
			w.mu.Unlock()
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// A new services or factories directory needs its own watch
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(w.root) {
				w.addDir(watcher, event.Name)
			}

			w.logger.Debugf("%s %s", event.Op, event.Name)
			w.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("watcher error")
		}
	}
}

// schedule debounces bursts of events into one trigger.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.trigger)
}
