package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/axindex/api"
	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/fs"
)

// ScopeAll selects every object type.
const ScopeAll = "all"

// maxReportedFailures caps BuildStats.Failures; FailedCount stays exact.
const maxReportedFailures = 50

// BuildStats is the result of one build.
type BuildStats struct {
	Scope         string         `json:"scope"`
	Force         bool           `json:"force"`
	TotalObjects  int            `json:"totalObjects"`
	PerTypeCounts map[string]int `json:"perTypeCounts"`
	Elapsed       time.Duration  `json:"elapsed"`
	FailedCount   int            `json:"failedCount"`
	Failures      []ExtractError `json:"failures,omitempty"`
	Reused        int            `json:"reused"`
	Generation    uint64         `json:"generation"`
	BuiltAt       time.Time      `json:"builtAt"`
	Persisted     bool           `json:"persisted"`
	PersistError  string         `json:"persistError,omitempty"`
}

// RefreshStats is the result of Refresh.
type RefreshStats struct {
	Upserted    int            `json:"upserted"`
	Removed     int            `json:"removed"`
	Unchanged   int            `json:"unchanged"`
	Ignored     int            `json:"ignored"`
	FailedCount int            `json:"failedCount"`
	Failures    []ExtractError `json:"failures,omitempty"`
	Generation  uint64         `json:"generation"`
	Published   bool           `json:"published"`
}

// Option configures a Builder.
type Option func(*Builder)

// WithWorkers bounds parallel extraction. n <= 0 means runtime.NumCPU.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMirror persists every published snapshot to m.
func WithMirror(m catalog.Mirror) Option {
	return func(b *Builder) { b.mirror = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// Builder walks the metadata root and publishes catalog snapshots.
// Only one Build or Refresh runs at a time; a second caller gets
// ErrBuildInProgress instead of waiting.
type Builder struct {
	rootDir string
	layout  *api.Layout
	store   *catalog.Store
	mirror  catalog.Mirror
	workers int
	logger  *slog.Logger
	now     func() time.Time

	active atomic.Bool

	mu   sync.Mutex
	last *BuildStats
}

// NewBuilder returns a builder over rootDir. The directory is checked at
// build time, not here.
func NewBuilder(rootDir string, layout *api.Layout, store *catalog.Store, opts ...Option) *Builder {
	b := &Builder{
		rootDir: rootDir,
		layout:  layout,
		store:   store,
		workers: runtime.NumCPU(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Busy reports whether a build or refresh is running.
func (b *Builder) Busy() bool { return b.active.Load() }

// LastStats returns the stats of the last successful build, or nil.
func (b *Builder) LastStats() *BuildStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Restore publishes the mirrored snapshot when nothing has been built
// yet. It reports whether a snapshot was restored.
func (b *Builder) Restore() (bool, error) {
	if b.mirror == nil {
		return false, nil
	}
	if !b.active.CompareAndSwap(false, true) {
		return false, ErrBuildInProgress
	}
	defer b.active.Store(false)

	if _, err := b.store.Current(); err == nil {
		return false, nil
	}
	s, err := b.mirror.Load()
	if err != nil {
		return false, fmt.Errorf("load mirror: %w", err)
	}
	if s == nil {
		return false, nil
	}
	gen := b.store.Publish(s)
	b.logger.Info("catalog restored", "objects", s.Total(), "generation", gen, "built_at", s.BuiltAt())
	return true, nil
}

type job struct {
	rel string
	def api.TypeDef
}

type result struct {
	rec    catalog.Record
	ok     bool
	reused bool
}

// Build indexes scope ("" or ScopeAll for every type, otherwise one type
// name) and publishes the result. Types outside the scope are carried over
// from the current snapshot. Without force, records whose file size and
// mtime are unchanged are reused with their original LastIndexed.
func (b *Builder) Build(scope string, force bool) (*BuildStats, error) {
	if !b.active.CompareAndSwap(false, true) {
		return nil, ErrBuildInProgress
	}
	defer b.active.Store(false)

	start := b.now()
	root, err := fs.NewRoot(b.rootDir)
	if err != nil {
		return nil, &BuildError{Reason: "root cannot be enumerated", Err: err}
	}

	types := b.layout.TypeNames()
	scope = strings.TrimSpace(scope)
	if scope == "" || strings.EqualFold(scope, ScopeAll) {
		scope = ScopeAll
	} else {
		name, err := b.layout.Canonical(scope)
		if err != nil {
			return nil, &BuildError{Reason: fmt.Sprintf("unknown object type %q", scope), Err: err}
		}
		scope, types = name, []string{name}
	}
	inScope := make(map[string]bool, len(types))
	for _, t := range types {
		inScope[t] = true
	}

	prev, _ := b.store.Current()
	byType := make(map[string][]catalog.Record)
	if prev != nil && scope != ScopeAll {
		for _, t := range prev.Types() {
			if !inScope[t] {
				byType[t] = prev.Records(t)
			}
		}
	}

	var jobs []job
	for _, t := range types {
		def, _ := b.layout.Lookup(t)
		err := Locate(root.Dir(), def, func(rel string) error {
			// A file reachable from two types belongs to the first match.
			if owner, ok := b.layout.Classify(rel); ok && owner.Name != def.Name {
				return nil
			}
			jobs = append(jobs, job{rel: rel, def: def})
			return nil
		})
		if err != nil {
			return nil, &BuildError{Reason: fmt.Sprintf("enumerate %s", t), Err: err}
		}
	}

	ex := NewExtractor(root, b.now)
	results := make([]result, len(jobs))
	var (
		failMu   sync.Mutex
		failures []ExtractError
		failed   int
	)
	g := new(errgroup.Group)
	g.SetLimit(b.workers)
	for i, j := range jobs {
		g.Go(func() error {
			rec, err := ex.Extract(filepath.Join(root.Dir(), filepath.FromSlash(j.rel)), j.def)
			if err != nil {
				var xe *ExtractError
				if !errors.As(err, &xe) {
					xe = &ExtractError{Path: j.rel, Reason: err.Error(), Err: err}
				}
				b.logger.Debug("extract failed", "path", xe.Path, "reason", xe.Reason, "err", xe.Err)
				failMu.Lock()
				failed++
				if len(failures) < maxReportedFailures {
					failures = append(failures, *xe)
				}
				failMu.Unlock()
				return nil
			}
			if !force && prev != nil {
				if old, ok := prev.Lookup(rec.Path); ok && old.SameSource(rec) {
					results[i] = result{rec: old, ok: true, reused: true}
					return nil
				}
			}
			results[i] = result{rec: rec, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	reused := 0
	for _, r := range results {
		if !r.ok {
			continue
		}
		if r.reused {
			reused++
		}
		byType[r.rec.ObjectType] = append(byType[r.rec.ObjectType], r.rec)
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Path < failures[j].Path })

	builtAt := b.now().UTC()
	elapsed := builtAt.Sub(start)
	// Types carried over from a restored snapshot were never checked against
	// the filesystem, so the result must stay eligible for lazy pruning.
	restored := prev != nil && prev.Restored() && scope != ScopeAll
	snap := catalog.NewSnapshot(byType, catalog.Meta{BuiltAt: builtAt, Elapsed: elapsed, Restored: restored})
	gen := b.store.Publish(snap)

	stats := &BuildStats{
		Scope:         scope,
		Force:         force,
		TotalObjects:  snap.Total(),
		PerTypeCounts: snap.Counts(),
		Elapsed:       elapsed,
		FailedCount:   failed,
		Failures:      failures,
		Reused:        reused,
		Generation:    gen,
		BuiltAt:       builtAt,
	}
	stats.Persisted, stats.PersistError = b.persist(snap)

	b.logger.Info("index built",
		"scope", scope, "force", force, "objects", stats.TotalObjects,
		"failed", failed, "reused", reused, "elapsed", elapsed, "generation", gen)

	b.mu.Lock()
	b.last = stats
	b.mu.Unlock()
	return stats, nil
}

// Refresh re-extracts individual files after they were created, modified
// or deleted outside the builder. paths are relative to the metadata root
// or absolute under it. Paths no layout location matches are ignored
// unless the catalog still holds a record for them, which is then removed.
// A path outside the root is reported as a failure; the error is returned
// only when no path in the batch could be resolved.
func (b *Builder) Refresh(paths []string) (*RefreshStats, error) {
	if !b.active.CompareAndSwap(false, true) {
		return nil, ErrBuildInProgress
	}
	defer b.active.Store(false)

	prev, err := b.store.Current()
	if err != nil {
		return nil, err
	}
	root, err := fs.NewRoot(b.rootDir)
	if err != nil {
		return nil, &BuildError{Reason: "root cannot be enumerated", Err: err}
	}

	stats := &RefreshStats{}
	rels := make([]string, 0, len(paths))
	var violation error
	for _, p := range paths {
		rel, err := resolveRel(root, p)
		if err != nil {
			// A bad path fails alone; the rest of the batch still refreshes.
			if violation == nil {
				violation = err
			}
			stats.FailedCount++
			if len(stats.Failures) < maxReportedFailures {
				stats.Failures = append(stats.Failures, ExtractError{Path: p, Reason: err.Error(), Err: err})
			}
			continue
		}
		rels = append(rels, rel)
	}
	if len(rels) == 0 && violation != nil {
		return nil, violation
	}

	ex := NewExtractor(root, b.now)
	var (
		upserts  []catalog.Record
		removals []string
	)
	seen := make(map[string]bool, len(rels))
	for _, rel := range rels {
		if seen[rel] || rel == "" {
			continue
		}
		seen[rel] = true

		old, had := prev.Lookup(rel)
		def, ok := b.layout.Classify(rel)
		abs := filepath.Join(root.Dir(), filepath.FromSlash(rel))
		if !ok {
			if had {
				removals = append(removals, rel)
			} else {
				stats.Ignored++
			}
			continue
		}
		if _, err := os.Lstat(abs); errors.Is(err, os.ErrNotExist) {
			if had {
				removals = append(removals, rel)
			} else {
				stats.Ignored++
			}
			continue
		}
		rec, err := ex.Extract(abs, def)
		if err != nil {
			var xe *ExtractError
			if !errors.As(err, &xe) {
				xe = &ExtractError{Path: rel, Reason: err.Error(), Err: err}
			}
			stats.FailedCount++
			if len(stats.Failures) < maxReportedFailures {
				stats.Failures = append(stats.Failures, *xe)
			}
			continue
		}
		if had && old.SameSource(rec) {
			stats.Unchanged++
			continue
		}
		upserts = append(upserts, rec)
	}

	stats.Upserted, stats.Removed = len(upserts), len(removals)
	stats.Generation = prev.Generation()
	if len(upserts) == 0 && len(removals) == 0 {
		return stats, nil
	}

	meta := prev.Meta()
	meta.BuiltAt = b.now().UTC()
	next := prev.Apply(upserts, removals, meta)
	stats.Generation = b.store.Publish(next)
	stats.Published = true
	b.persist(next)

	b.logger.Info("index refreshed",
		"upserted", stats.Upserted, "removed", stats.Removed,
		"failed", stats.FailedCount, "generation", stats.Generation)
	return stats, nil
}

func resolveRel(root *fs.Root, p string) (string, error) {
	abs, err := root.Resolve(p)
	if err != nil {
		return "", err
	}
	return root.Rel(abs)
}

// persist writes s to the mirror. Failure is logged and reported but the
// in-memory publish stands.
func (b *Builder) persist(s *catalog.Snapshot) (bool, string) {
	if b.mirror == nil {
		return false, ""
	}
	if err := b.mirror.Persist(s); err != nil {
		b.logger.Warn("persist catalog failed", "err", err)
		return false, err.Error()
	}
	return true, ""
}
