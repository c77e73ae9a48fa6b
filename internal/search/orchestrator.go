// Package search combines catalog name matches with file content matches
// into one prioritized result list.
package search

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/axindex/api"
	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/fs"
	"github.com/agentic-research/axindex/internal/query"
)

// Source tags where a hit came from.
type Source string

const (
	SourceObject  Source = "object"
	SourceContent Source = "content"
)

// DefaultMaxFileSize is the content phase size ceiling.
const DefaultMaxFileSize = 500 * 1024

// Hit is one search result. Object hits carry the record fields; content
// hits carry the first matching line.
type Hit struct {
	Path       string `json:"path"`
	Source     Source `json:"source"`
	Name       string `json:"name,omitempty"`
	ObjectType string `json:"objectType,omitempty"`
	Package    string `json:"package,omitempty"`
	Line       int    `json:"line,omitempty"`
	Context    string `json:"context,omitempty"`
}

// Request is a smart search. Zero values select the defaults.
type Request struct {
	Term       string
	PathScope  string   // directory, file or glob relative to the root
	Extensions []string // with or without the leading dot
	MaxResults int
}

// Result holds object hits followed by content hits.
type Result struct {
	Hits        []Hit     `json:"hits"`
	ObjectHits  int       `json:"objectHits"`
	ContentHits int       `json:"contentHits"`
	IndexBuilt  bool      `json:"indexBuilt"`
	BuiltAt     time.Time `json:"builtAt,omitempty"`
	Skipped     int       `json:"skippedFiles"`
	Scanned     int       `json:"scannedFiles"`
}

// Orchestrator runs the object phase against the query engine and the
// content phase against files under root.
type Orchestrator struct {
	engine      *query.Engine
	root        *fs.Root
	metaRoot    string
	extensions  []string
	maxFileSize int64
	defaultMax  int
}

// Config tunes an Orchestrator.
type Config struct {
	// MetadataRoot is the directory catalog paths are relative to. Empty
	// means the content root.
	MetadataRoot string
	Extensions   []string
	MaxFileSize  int64
	DefaultMax   int
}

// New returns an orchestrator searching content under root.
func New(engine *query.Engine, root *fs.Root, cfg Config) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		root:        root,
		metaRoot:    cfg.MetadataRoot,
		extensions:  api.NormalizeExtensions(cfg.Extensions),
		maxFileSize: cfg.MaxFileSize,
		defaultMax:  cfg.DefaultMax,
	}
	if o.metaRoot == "" {
		o.metaRoot = root.Dir()
	}
	if len(o.extensions) == 0 {
		o.extensions = append([]string(nil), api.DefaultExtensions...)
	}
	if o.maxFileSize <= 0 {
		o.maxFileSize = DefaultMaxFileSize
	}
	if o.defaultMax <= 0 {
		o.defaultMax = query.DefaultLimit
	}
	return o
}

// Search runs the object phase, then the content phase if the object
// phase left room. Object hits always precede content hits and no path
// appears twice. A catalog that was never built only skips the object
// phase.
func (o *Orchestrator) Search(ctx context.Context, req Request) (*Result, error) {
	term := strings.TrimSpace(req.Term)
	if term == "" {
		return nil, &query.QueryError{Field: "term", Value: req.Term, Reason: "required"}
	}
	limit := req.MaxResults
	if limit < 0 {
		return nil, &query.QueryError{Field: "maxResults", Value: strconv.Itoa(limit), Reason: "must not be negative"}
	}
	if limit == 0 {
		limit = o.defaultMax
	}
	exts := o.extensions
	if len(req.Extensions) > 0 {
		exts = api.NormalizeExtensions(req.Extensions)
	}

	res := &Result{IndexBuilt: true}
	seen := make(map[string]bool)

	page, err := o.engine.SearchPattern("*"+term+"*", query.Filter{}, limit, "name")
	switch {
	case errors.Is(err, catalog.ErrNotBuilt):
		res.IndexBuilt = false
	case err != nil:
		return nil, err
	default:
		res.BuiltAt = page.BuiltAt
		for _, r := range page.Records {
			abs := filepath.Join(o.metaRoot, filepath.FromSlash(r.Path))
			if seen[abs] {
				continue
			}
			seen[abs] = true
			res.Hits = append(res.Hits, Hit{
				Path:       o.display(abs, r.Path),
				Source:     SourceObject,
				Name:       r.Name,
				ObjectType: r.ObjectType,
				Package:    r.Package,
			})
		}
	}
	res.ObjectHits = len(res.Hits)

	if len(res.Hits) < limit {
		sc := &scanner{
			root:    o.root,
			term:    strings.ToLower(term),
			exts:    exts,
			maxSize: o.maxFileSize,
			seen:    seen,
			room:    limit - len(res.Hits),
		}
		if err := sc.run(ctx, req.PathScope); err != nil {
			return nil, err
		}
		res.Hits = append(res.Hits, sc.hits...)
		res.Skipped, res.Scanned = sc.skipped, sc.scanned
	}
	if len(res.Hits) > limit {
		res.Hits = res.Hits[:limit]
	}
	res.ContentHits = len(res.Hits) - res.ObjectHits
	return res, nil
}

// display reports abs relative to the content root when it lies inside,
// falling back to the catalog-relative path.
func (o *Orchestrator) display(abs, rel string) string {
	if r, err := o.root.Rel(abs); err == nil {
		return r
	}
	return rel
}
