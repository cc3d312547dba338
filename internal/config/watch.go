package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "mailbot/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Watch reloads the config file whenever it changes, until ctx ends. With no
// file it just waits. Editors often replace the file instead of writing it,
// so the parent directory is watched and events are matched by name.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}

	// Bursts of events from one save collapse into a single reload.
	var (
		tmu   sync.Mutex
		timer *time.Timer
	)
	trigger := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, m.reloadLogged)
	}
	defer func() {
		tmu.Lock()
		if timer != nil {
			timer.Stop()
		}
		tmu.Unlock()
	}()

	backoff := watchBackoffBase
	for {
		healthy, err := m.watchDir(ctx, trigger)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			backoff = watchBackoffBase
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		m.log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		backoff = min(2*backoff, watchBackoffMax)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchDir runs one fsnotify watcher until it breaks. healthy reports whether
// it got far enough to watch the directory.
func (m *Manager) watchDir(ctx context.Context, trigger func()) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("fsnotify events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) &&
				(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, errors.New("fsnotify errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; one reload covers whatever they were.
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				trigger()
				continue
			}
			return true, err
		}
	}
}

func (m *Manager) reloadLogged() {
	changed, err := m.Reload()
	switch {
	case err != nil:
		m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
	case changed:
		m.log.Debug("config published", logx.String("path", m.path))
	default:
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
	}
}
