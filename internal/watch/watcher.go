// Package watch feeds filesystem changes under the metadata root to the
// index builder so the catalog follows objects created, modified or
// deleted by other tools.
package watch

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/agentic-research/axindex/api"
	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/ingest"
)

// DefaultDebounce is how long a path must stay quiet before refresh.
const DefaultDebounce = 300 * time.Millisecond

// Refresher re-extracts changed paths. *ingest.Builder implements it.
type Refresher interface {
	Refresh(paths []string) (*ingest.RefreshStats, error)
}

// Catalog exposes the published snapshot. *catalog.Store implements it.
type Catalog interface {
	Current() (*catalog.Snapshot, error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRateLimit bounds how often Refresh is called.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(w *Watcher) { w.limiter = rate.NewLimiter(r, burst) }
}

// WithCatalog lets the watcher find the records under a directory that
// was removed or renamed away.
func WithCatalog(c Catalog) Option {
	return func(w *Watcher) { w.catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher watches the directories the layout's locations can reach.
type Watcher struct {
	root     string
	layout   *api.Layout
	target   Refresher
	catalog  Catalog
	fsw      *fsnotify.Watcher
	debounce time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger

	// dirPatterns match every directory on the way to an object file.
	dirPatterns []string

	mu      sync.Mutex
	pending map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a watcher over rootDir, which must be the directory the
// builder indexes.
func New(rootDir string, layout *api.Layout, target Refresher, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		root:        abs,
		layout:      layout,
		target:      target,
		fsw:         fsw,
		debounce:    DefaultDebounce,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 4),
		logger:      slog.Default(),
		dirPatterns: dirPatterns(layout),
		pending:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// dirPatterns turns each location into patterns for its parent
// directories: "*/*/AxClass/*.xml" yields "*", "*/*" and "*/*/AxClass".
func dirPatterns(layout *api.Layout) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range layout.Types {
		for _, loc := range t.Locations {
			dir := path.Dir(loc)
			if dir == "." {
				continue
			}
			segs := strings.Split(dir, "/")
			for i := 1; i <= len(segs); i++ {
				p := strings.Join(segs[:i], "/")
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// Start adds the watches and begins processing events until ctx ends or
// Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	n := w.addDirs("")
	w.logger.Info("watching metadata root", "root", w.root, "directories", n+1)

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.processPending(ctx)
	return nil
}

// Close stops the goroutines and releases the watches.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

// addDirs watches every directory under base (relative, "" for the root)
// that a directory pattern matches. It returns the number added.
func (w *Watcher) addDirs(base string) int {
	fsys := os.DirFS(w.root)
	added := 0
	for _, p := range w.dirPatterns {
		_ = doublestar.GlobWalk(fsys, p, func(rel string, d iofs.DirEntry) error {
			if !d.IsDir() || (base != "" && rel != base && !strings.HasPrefix(rel, base+"/")) {
				return nil
			}
			if err := w.fsw.Add(filepath.Join(w.root, filepath.FromSlash(rel))); err != nil {
				w.logger.Debug("watch directory failed", "dir", rel, "err", err)
				return nil
			}
			added++
			return nil
		}, doublestar.WithNoFollow())
	}
	return added
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// A new directory may arrive already populated.
			w.addDirs(rel)
			w.queueTree(rel)
			return
		}
	}
	if _, ok := w.layout.Classify(rel); ok {
		w.queue(rel)
		return
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		// The path is gone, so there is no telling whether it was a
		// directory; anything catalogued beneath it must be rechecked.
		w.queueCatalogued(rel)
	}
}

// queueCatalogued queues every catalogued path under the directory rel.
func (w *Watcher) queueCatalogued(rel string) {
	if w.catalog == nil {
		return
	}
	snap, err := w.catalog.Current()
	if err != nil {
		return
	}
	prefix := rel + "/"
	n := 0
	for _, r := range snap.All() {
		if strings.HasPrefix(r.Path, prefix) {
			w.queue(r.Path)
			n++
		}
	}
	if n > 0 {
		w.logger.Debug("directory removed", "dir", rel, "objects", n)
	}
}

// queueTree queues every object file already present under rel.
func (w *Watcher) queueTree(rel string) {
	start := filepath.Join(w.root, filepath.FromSlash(rel))
	_ = filepath.WalkDir(start, func(p string, d iofs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		r, err := filepath.Rel(w.root, p)
		if err != nil {
			return nil
		}
		r = filepath.ToSlash(r)
		if _, ok := w.layout.Classify(r); ok {
			w.queue(r)
		}
		return nil
	})
}

func (w *Watcher) queue(rel string) {
	w.mu.Lock()
	w.pending[rel] = time.Now()
	w.mu.Unlock()
}

// Pending returns the number of paths waiting for refresh.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Watcher) processPending(ctx context.Context) {
	defer w.wg.Done()
	tick := w.debounce / 3
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := w.due(time.Now())
			if len(batch) == 0 {
				continue
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
			w.flush(batch)
		}
	}
}

// due removes and returns paths that have been quiet for the debounce
// period.
func (w *Watcher) due(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for p, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			out = append(out, p)
			delete(w.pending, p)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) flush(batch []string) {
	stats, err := w.target.Refresh(batch)
	switch {
	case errors.Is(err, ingest.ErrBuildInProgress):
		// Retry after the running build; keep newer events for the same path.
		w.mu.Lock()
		now := time.Now()
		for _, p := range batch {
			if _, ok := w.pending[p]; !ok {
				w.pending[p] = now
			}
		}
		w.mu.Unlock()
		w.logger.Debug("builder busy, requeued", "paths", len(batch))
	case errors.Is(err, catalog.ErrNotBuilt):
		// The first build will pick these up.
		w.logger.Debug("index not built, dropped changes", "paths", len(batch))
	case err != nil:
		w.logger.Warn("refresh failed", "paths", len(batch), "err", err)
	default:
		w.logger.Debug("refreshed", "paths", len(batch),
			"upserted", stats.Upserted, "removed", stats.Removed, "failed", stats.FailedCount)
	}
}
