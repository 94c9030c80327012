package core

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/bonesdb/bones/internal/debug"
)

// watchPaths returns the two paths a sibling process's writes show up
// as: the events directory (covering current.events and shard rotation)
// and the projection database file.
func (e *Engine) watchPaths() (eventsDir, projectionDB string) {
	return filepath.Join(e.dir, "events"), filepath.Join(e.dir, "projection.db")
}

// Watch starts watching the active-shard pointer and the projection
// database for writes from a sibling process, so a long-lived reader can
// learn the projection advanced without polling iter_items. The returned
// channel receives one notification per batch of writes (multiple rapid
// writes coalesce, since the channel is buffered to 1 and sends are
// non-blocking); the stop function removes the watch and closes the
// channel.
func (e *Engine) Watch() (<-chan struct{}, func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	eventsDir, projectionDB := e.watchPaths()
	if err := watcher.Add(eventsDir); err != nil {
		watcher.Close()
		return nil, nil, err
	}
	if err := watcher.Add(projectionDB); err != nil {
		// The projection file may not exist yet on a brand new repo with no
		// events; the directory watch above still covers shard rotation.
		debug.Logf("core: watch: projection database not yet watchable: %v\n", err)
	}

	notify := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(notify)
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	stop := func() error {
		close(done)
		return watcher.Close()
	}
	return notify, stop, nil
}
