package unitmgr

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"vawter.tech/stopper"
)

// unitFileWatcher broadcasts UnitFilesChanged when unit directories are
// modified outside of the API. Bursts of events are debounced into one
// notification.
type unitFileWatcher struct {
	sctx      *stopper.Context
	mu        sync.Mutex
	debouncer clock.Timer
}

func newUnitFileWatcher(m *Manager, dirs []string, debounce time.Duration) (*unitFileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	var watched int
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			continue
		}
		if err := watcher.Add(d); err != nil {
			_ = watcher.Close()
			return nil, err
		}
		watched++
	}

	w := &unitFileWatcher{sctx: stopper.WithContext(context.Background())}
	w.sctx.Defer(func() {
		_ = watcher.Close()
	})

	log := m.logger.WithField("dirs", watched)
	fire := func() {
		if w.sctx.IsStopping() {
			return
		}
		m.unitFilesChangedExternally()
	}

	w.sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			w.mu.Lock()
			if w.debouncer != nil {
				w.debouncer.Stop()
			}
			w.mu.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Op == fsnotify.Chmod {
					continue
				}
				w.mu.Lock()
				if w.debouncer != nil {
					w.debouncer.Stop()
				}
				w.debouncer = m.clock.AfterFunc(debounce, fire)
				w.mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					log.WithError(err).Warn("unit file watch error")
				}
			}
		}
		return nil
	})

	log.Debug("watching unit directories")
	return w, nil
}

func (w *unitFileWatcher) stop() error {
	w.sctx.Stop(100 * time.Millisecond)
	return w.sctx.Wait()
}
