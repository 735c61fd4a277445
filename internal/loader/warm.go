package loader

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WarmResult summarizes a WarmDir run.
type WarmResult struct {
	Files  int // Files with a known extension
	Loaded int // Files that produced a non-empty mesh
	Failed int
}

// WarmDir loads every model under root through the service so that the
// caches are populated. Unreadable entries are skipped. workers bounds the
// concurrent loads; 0 means GOMAXPROCS.
func (s *Service) WarmDir(ctx context.Context, root string, workers int) (WarmResult, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var files, loaded, failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.log.Debug("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if s.registry.Lookup(path) == nil {
			return nil
		}

		files.Add(1)
		g.Go(func() error {
			if s.warmFile(path) {
				loaded.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
		return nil
	})

	waitErr := g.Wait()
	res := WarmResult{Files: int(files.Load()), Loaded: int(loaded.Load()), Failed: int(failed.Load())}
	s.log.Info("cache warm finished",
		zap.String("root", root),
		zap.Int("files", res.Files),
		zap.Int("loaded", res.Loaded),
		zap.Int("failed", res.Failed))

	if walkErr != nil {
		return res, walkErr
	}
	return res, waitErr
}

// warmFile loads path and its thumbnail. It reports whether a mesh was
// produced.
func (s *Service) warmFile(path string) bool {
	m, err := s.LoadWithError(path)
	if err != nil {
		s.log.Warn("warm load failed", zap.String("path", path), zap.Error(err))
		return false
	}
	if m.IsEmpty() {
		return false
	}
	if s.cache != nil {
		s.Thumbnail(path)
	}
	return true
}

// Watch re-warms models under root whenever they are created or written,
// until ctx is cancelled. New subdirectories are watched as they appear.
func (s *Service) Watch(ctx context.Context, root string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := s.watchTree(w, root); err != nil {
		return err
	}
	s.log.Info("watching for model changes", zap.String("root", root))

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for path, t := range pending {
			if t.Stop() {
				wg.Done()
			}
			delete(pending, path)
		}
		mu.Unlock()
		wg.Wait()
	}()

	// schedule debounces bursts of writes to the same file.
	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := pending[path]; ok {
			if t.Stop() {
				wg.Done()
			}
		}
		wg.Add(1)
		var t *time.Timer
		t = time.AfterFunc(s.watchDelay, func() {
			defer wg.Done()
			mu.Lock()
			if pending[path] == t {
				delete(pending, path)
			}
			mu.Unlock()
			if ctx.Err() == nil {
				s.warmFile(path)
			}
		})
		pending[path] = t
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
				info, err := os.Stat(ev.Name)
				if err != nil {
					continue
				}
				if info.IsDir() {
					if ev.Has(fsnotify.Create) {
						if err := s.watchTree(w, ev.Name); err != nil {
							s.log.Warn("watching new directory", zap.String("path", ev.Name), zap.Error(err))
						}
					}
					continue
				}
				if s.registry.Lookup(ev.Name) != nil {
					schedule(ev.Name)
				}
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				if s.registry.Lookup(ev.Name) != nil {
					s.Forget(ev.Name)
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// watchTree adds root and every non-hidden directory below it.
func (s *Service) watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
