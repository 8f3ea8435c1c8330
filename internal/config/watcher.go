package config

import (
	"sync"
)

// Watcher owns the currently active Snapshot and lets the daemon swap in a
// freshly-reloaded one on SIGHUP. A failed Reload leaves the previous
// snapshot, and the running state built from it, untouched.
type Watcher struct {
	path string

	mu        sync.RWMutex
	current   *Snapshot
	changedCh chan struct{}
}

// NewWatcher loads path for the first time. A failure here is fatal to
// startup.
func NewWatcher(path string) (*Watcher, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:      path,
		current:   snap,
		changedCh: make(chan struct{}, 1),
	}, nil
}

// Current returns the active snapshot.
func (w *Watcher) Current() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-parses the configuration file. On success the new snapshot
// becomes current and a pending notification is queued on Changed; on
// failure the previous snapshot is left untouched and the error is
// returned for the caller to log.
func (w *Watcher) Reload() error {
	snap, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.current = snap
	w.mu.Unlock()
	select {
	case w.changedCh <- struct{}{}:
	default:
	}
	return nil
}

// Changed signals once per successful Reload (a pending notification is not
// queued twice). The daemon's main loop does not read it: it re-activates
// target state itself right after a successful Reload returns.
func (w *Watcher) Changed() <-chan struct{} {
	return w.changedCh
}
