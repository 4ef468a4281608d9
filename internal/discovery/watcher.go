package discovery

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/claudio-ide/internal/logging"
)

// DefaultDebounce coalesces bursts of filesystem events.
const DefaultDebounce = 50 * time.Millisecond

// Watcher notices when a live session's record disappears from the
// discovery directory (deleted by a user or another host's sweeper) and
// writes it back. It only works on the real filesystem.
type Watcher struct {
	pub      *Publisher
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher starts watching pub's directory, creating it if needed.
func NewWatcher(pub *Publisher, debounce time.Duration) (*Watcher, error) {
	if err := pub.fs.MkdirAll(pub.dir, 0o700); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(pub.dir); err != nil {
		fw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		pub:      pub,
		watcher:  fw,
		debounce: debounce,
		logger:   pub.logger.With("watcher", true),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Stop ends the watch loop and waits for it to exit. Safe to call twice.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	<-w.doneCh
}

func (w *Watcher) watchLoop() {
	defer close(w.doneCh)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if _, sessionID, ok := ParseFileName(ev.Name); ok {
				pending[sessionID] = struct{}{}
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			for sessionID := range pending {
				w.reconcile(sessionID)
			}
			clear(pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("discovery watch error", "error", err.Error())
		}
	}
}

// reconcile republishes the record for sessionID if it is still owned and
// missing on disk.
func (w *Watcher) reconcile(sessionID string) {
	w.pub.mu.Lock()
	rec, owned := w.pub.published[sessionID]
	w.pub.mu.Unlock()
	if !owned {
		return
	}
	if exists, _ := existsOn(w.pub, rec.Path); exists {
		return
	}
	if _, err := w.pub.Republish(sessionID); err != nil {
		w.logger.Error("failed to republish discovery record",
			"session_id", sessionID,
			"path", filepath.Base(rec.Path),
			"error", err.Error())
	}
}

func existsOn(p *Publisher, path string) (bool, error) {
	_, err := p.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	return false, err
}
