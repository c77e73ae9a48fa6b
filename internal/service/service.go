// Package service exposes the catalog operations as request/response
// values. Every response carries enough metadata to tell an index that was
// never built from a query with no matches from a malformed request.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/axindex/api"
	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/config"
	"github.com/agentic-research/axindex/internal/control"
	"github.com/agentic-research/axindex/internal/fs"
	"github.com/agentic-research/axindex/internal/ingest"
	"github.com/agentic-research/axindex/internal/query"
	"github.com/agentic-research/axindex/internal/search"
	"github.com/agentic-research/axindex/internal/watch"
)

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	KindPathViolation   ErrorKind = "path_violation"
	KindBuildInProgress ErrorKind = "build_in_progress"
	KindBuildError      ErrorKind = "build_error"
	KindNotBuilt        ErrorKind = "index_not_built"
	KindQueryError      ErrorKind = "query_error"
	KindCanceled        ErrorKind = "canceled"
	KindInternal        ErrorKind = "internal"
)

// Classify maps an error to its kind. It returns "" for nil.
func Classify(err error) ErrorKind {
	var (
		qe *query.QueryError
		be *ingest.BuildError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, fs.ErrPathViolation):
		return KindPathViolation
	case errors.Is(err, ingest.ErrBuildInProgress):
		return KindBuildInProgress
	case errors.As(err, &be):
		return KindBuildError
	case errors.Is(err, catalog.ErrNotBuilt):
		return KindNotBuilt
	case errors.As(err, &qe):
		return KindQueryError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindInternal
}

// Meta accompanies every response.
type Meta struct {
	IndexBuilt bool      `json:"indexBuilt"`
	BuiltAt    time.Time `json:"builtAt,omitzero"`
	Generation uint64    `json:"generation,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`
}

// Failed reports whether the request failed.
func (m Meta) Failed() bool { return m.ErrorKind != "" }

// Err rebuilds an error from the response, or nil.
func (m Meta) Err() error {
	if !m.Failed() {
		return nil
	}
	return fmt.Errorf("%s: %s", m.ErrorKind, m.Error)
}

// Service wires the catalog, builder, query engine and search
// orchestrator for one metadata root.
type Service struct {
	cfg     *config.Config
	layout  *api.Layout
	store   *catalog.Store
	mirror  *catalog.DiskMirror
	builder *ingest.Builder
	engine  *query.Engine
	orch    *search.Orchestrator
	logger  *slog.Logger
}

// Open validates cfg and assembles a service. A persisted catalog is
// restored if one exists; a cache dir that cannot be opened only disables
// persistence.
func Open(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	contentRoot, err := fs.NewRoot(cfg.Root)
	if err != nil {
		return nil, err
	}

	// Resolve the metadata root the same way the builder will, so object
	// hits and content hits compare equal when the roots overlap.
	indexDir := cfg.IndexRoot()
	if r, err := fs.NewRoot(indexDir); err == nil {
		indexDir = r.Dir()
	} else {
		logger.Warn("metadata root not available yet", "dir", indexDir, "err", err)
	}

	s := &Service{
		cfg:    cfg,
		layout: layout,
		store:  catalog.NewStore(),
		logger: logger,
	}
	opts := []ingest.Option{ingest.WithWorkers(cfg.Workers), ingest.WithLogger(logger)}
	if m, err := catalog.OpenDiskMirror(cfg.CacheDir); err != nil {
		logger.Warn("catalog persistence disabled", "cache_dir", cfg.CacheDir, "err", err)
	} else {
		s.mirror = m
		opts = append(opts, ingest.WithMirror(m))
	}
	s.builder = ingest.NewBuilder(indexDir, layout, s.store, opts...)
	s.engine = query.NewEngine(s.store, layout, indexDir, cfg.DefaultLimit)
	s.orch = search.New(s.engine, contentRoot, search.Config{
		MetadataRoot: indexDir,
		Extensions:   layout.Extensions,
		MaxFileSize:  cfg.MaxFileSize,
		DefaultMax:   cfg.DefaultLimit,
	})

	if ok, err := s.builder.Restore(); err != nil {
		logger.Warn("restore persisted catalog failed", "err", err)
	} else if ok {
		logger.Debug("serving restored catalog until the next build")
	}
	return s, nil
}

// Close releases the persisted catalog's control block.
func (s *Service) Close() error {
	if s.mirror == nil {
		return nil
	}
	return s.mirror.Close()
}

// Layout returns the object type layout.
func (s *Service) Layout() *api.Layout { return s.layout }

// Built reports whether a snapshot has been published.
func (s *Service) Built() bool {
	_, err := s.store.Current()
	return err == nil
}

// Status returns the persisted catalog's control block, if persistence is
// enabled.
func (s *Service) Status() (control.Status, bool) {
	if s.mirror == nil {
		return control.Status{}, false
	}
	return s.mirror.Status(), true
}

// Watch starts a watcher feeding changed files to the builder. The caller
// closes it.
func (s *Service) Watch(ctx context.Context, opts ...watch.Option) (*watch.Watcher, error) {
	opts = append([]watch.Option{watch.WithLogger(s.logger), watch.WithCatalog(s.store)}, opts...)
	w, err := watch.New(s.cfg.IndexRoot(), s.layout, s.builder, opts...)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// meta fills the snapshot fields from the current catalog and the error
// fields from err.
func (s *Service) meta(err error) Meta {
	var m Meta
	if snap, cerr := s.store.Current(); cerr == nil {
		m.IndexBuilt = true
		m.BuiltAt = snap.BuiltAt()
		m.Generation = snap.Generation()
	}
	if err != nil {
		m.Error = err.Error()
		m.ErrorKind = Classify(err)
		if m.ErrorKind == KindInternal {
			s.logger.Warn("request failed", "err", err)
		}
	}
	return m
}
