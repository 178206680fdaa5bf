package augment

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/qlsource"
	"github.com/Arashiailing/CQLLM/internal/refine"
)

// Watcher refines queries as they appear under a root. Rapid writes to the
// same file are debounced so a query is only picked up once it settles.
type Watcher struct {
	Runner        *Runner
	Root          string
	PublishPrefix string
	StagePrefix   string
	Debounce      time.Duration

	// OnResult, if set, receives every finished job.
	OnResult func(Result)

	mu       sync.Mutex
	pending  map[string]time.Time
	inFlight map[string]bool
}

// Watch blocks until ctx is done. Jobs already running are allowed to finish
// before it returns.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addTree(fw, w.Root); err != nil {
		return err
	}
	logging.Refine("watching %s for new queries", w.Root)

	w.pending = make(map[string]time.Time)
	w.inFlight = make(map[string]bool)
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	workers := w.Runner.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	defer g.Wait()

	ticker := time.NewTicker(debounce / 5)
	defer ticker.Stop()

	opts := findOptions(w.PublishPrefix)
	stager := refine.NewFileStager(w.StagePrefix)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, event, opts, stager)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Runner.logger().Warn("Watcher error", zap.Error(err))

		case <-ticker.C:
			for _, path := range w.settled(debounce) {
				job := Job{Source: path, Key: KeyFor(path, w.PublishPrefix)}
				if !w.claim(job.Key) {
					continue
				}
				g.Go(func() error {
					defer w.release(job.Key)
					res := w.Runner.RefineOne(ctx, job)
					if w.OnResult != nil {
						w.OnResult(res)
					}
					return nil
				})
			}
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event, opts qlsource.FindOptions, stager *refine.FileStager) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(fw, event.Name); err != nil {
				logging.RefineWarn("cannot watch %s: %v", event.Name, err)
			}
			return
		}
	}
	if !augmentable(event.Name, opts, stager) {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// settled returns paths that have been quiet for at least d.
func (w *Watcher) settled(d time.Duration) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	now := time.Now()
	for path, last := range w.pending {
		if now.Sub(last) >= d {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	return out
}

// claim marks key as in flight. No two refines ever share a key.
func (w *Watcher) claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[key] {
		return false
	}
	w.inFlight[key] = true
	return true
}

func (w *Watcher) release(key string) {
	w.mu.Lock()
	delete(w.inFlight, key)
	w.mu.Unlock()
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
