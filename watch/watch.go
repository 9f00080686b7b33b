// Package watch feeds magnet links into a resolver from a directory of
// .magnet files or from an RSS/Atom feed.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"magnet2torrent/logger"
)

const Ext = ".magnet"

// ResolveFunc turns one magnet URI into a .torrent.
type ResolveFunc func(ctx context.Context, uri string) error

type watcher struct {
	log     logger.Logger
	resolve ResolveFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

// Dir resolves every *.magnet file already in dir and every one written to
// it until ctx is done. A file is removed once its magnet resolved.
func Dir(ctx context.Context, dir string, log logger.Logger, resolve ResolveFunc) error {
	if w, err := os.Stat(dir); err != nil || !w.IsDir() {
		return fmt.Errorf("[watcher] %s is not dir", dir)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return err
	}
	log.Infof("watching %s for %s files", dir, Ext)

	w := &watcher{log: log, resolve: resolve, inflight: make(map[string]bool)}
	defer w.wg.Wait()

	existing, _ := filepath.Glob(filepath.Join(dir, "*"+Ext))
	for _, path := range existing {
		w.start(ctx, path)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !strings.HasSuffix(event.Name, Ext) {
				continue
			}
			w.start(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher: %v", err)
		}
	}
}

func (w *watcher) start(ctx context.Context, path string) {
	w.mu.Lock()
	if w.inflight[path] {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, path)
			w.mu.Unlock()
		}()
		w.handle(ctx, path)
	}()
}

func (w *watcher) handle(ctx context.Context, path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	uri := strings.TrimSpace(string(b))
	if uri == "" {
		// created but not written yet
		return
	}
	if err := w.resolve(ctx, uri); err != nil {
		w.log.Warnf("%s: %v", filepath.Base(path), err)
		return
	}
	if err := os.Remove(path); err != nil {
		w.log.Warnf("removing %s: %v", path, err)
		return
	}
	w.log.Infof("resolved %s, file removed", filepath.Base(path))
}
