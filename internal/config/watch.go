package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Watch watches path (a soulmemory.toml) for writes and invokes onChange
// with the freshly-decoded Config each time the file changes, until
// Stop() is called on the returned watcher. onChange receives a non-nil
// error if the file became unreadable mid-watch (e.g. a partial editor
// write); callers typically log and keep the prior Config in that case.
// cron.Scheduler uses this so an edit to the decay constants or the
// maintenance clock takes effect without a restart.
type Watcher struct {
	w *fsnotify.Watcher
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.w.Close()
}

// Watch begins watching path and returns a Watcher whose Stop() ends it.
// The onChange callback runs on an internal goroutine; callers needing
// synchronization should do so themselves (e.g. via the same Lock a
// cron.Scheduler shares with Circulation).
func Watch(path string, onChange func(Config, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg := Default()
				_, decodeErr := toml.DecodeFile(path, &cfg)
				onChange(cfg, decodeErr)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				onChange(Config{}, err)
			}
		}
	}()

	return &Watcher{w: fw}, nil
}
