package checkpoint

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watcher tails the checkpoint directory with fsnotify so checkpoints
// written by other processes show up in the manager's task-id index.
type watcher struct {
	mgr *Manager
	fsw *fsnotify.Watcher

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func newWatcher(mgr *Manager) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(mgr.dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &watcher{
		mgr:  mgr,
		fsw:  fsw,
		done: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.mgr.logger.Warn().Err(err).Msg("checkpoint_watch_error")
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, fileSuffix) {
		return
	}
	checkpointID := strings.TrimSuffix(name, fileSuffix)

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		// Read the file to learn its task id. Partial writes parse as nil
		// and are picked up on the next Write event.
		if cp := w.mgr.LoadByID(checkpointID); cp != nil {
			w.mgr.indexAdd(cp.TaskID, cp.ID)
		}
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		// Task id is unknown once the file is gone; rebuild.
		w.mgr.rebuildIndex()
	}
}

func (w *watcher) close() {
	w.once.Do(func() {
		close(w.done)
		w.fsw.Close()
		w.wg.Wait()
	})
}
