package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/klauern/crosssync/internal/logging"
)

// ReloadDebounce is how long the watcher waits after the last write before
// reloading.
const ReloadDebounce = 100 * time.Millisecond

// Watch reloads the rule document whenever it changes on disk. It watches
// the containing directory so editors that replace the file are seen.
func (s *Store) Watch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.watcher = w
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(loopCtx, w)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer s.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := make(chan struct{}, 1)
	name := filepath.Base(s.path)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(ReloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.Load(ctx); err == nil {
				logging.Info("sync rules reloaded", logging.Path(s.path))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.Debug("rules watcher error", logging.Err(err))
		}
	}
}

// Close stops the watcher.
func (s *Store) Close() error {
	s.mu.Lock()
	w, cancel := s.watcher, s.cancel
	s.watcher, s.cancel = nil, nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return w.Close()
}
