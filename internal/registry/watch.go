package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"peerd/internal/common/fsutil"
)

// DefaultSettle is how long a file must stay quiet before it is imported.
// Downloads write the file incrementally.
const DefaultSettle = 2 * time.Second

// Watcher keeps the catalog in sync with a models directory.
type Watcher struct {
	dir      string
	importer *Importer
	settle   time.Duration
	w        *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewWatcher starts watching dir. settle <= 0 uses DefaultSettle.
func NewWatcher(dir string, importer *Importer, settle time.Duration) (*Watcher, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(abs); err != nil {
		fw.Close()
		return nil, err
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{dir: abs, importer: importer, settle: settle, w: fw, timers: make(map[string]*time.Timer)}, nil
}

// Run processes filesystem events until ctx is done, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		for p := range w.timers {
			w.stopLocked(p)
		}
		w.mu.Unlock()
		w.wg.Wait()
		_ = w.w.Close()
	}()
	log := w.importer.Log
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !IsModelFile(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				w.cancelPending(ev.Name)
				if err := w.importer.Forget(ctx, ev.Name); err != nil {
					log.Warn().Err(err).Str("model", ev.Name).Msg("watch_forget_failed")
				}
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
				w.schedule(ctx, ev.Name)
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", w.dir).Msg("watch_error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(w.settle)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := w.importer.Import(ctx, path, "", false); err != nil {
			w.importer.Log.Warn().Err(err).Str("model", path).Msg("watch_import_failed")
		}
	})
	w.timers[path] = t
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked(path)
}

// stopLocked cancels a pending import that has not started yet.
func (w *Watcher) stopLocked(path string) {
	if t, ok := w.timers[path]; ok {
		delete(w.timers, path)
		if t.Stop() {
			w.wg.Done()
		}
	}
}
