package service

import (
	"context"
	"time"

	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/ingest"
	"github.com/agentic-research/axindex/internal/query"
	"github.com/agentic-research/axindex/internal/search"
)

// BuildRequest selects what to rebuild. An empty ObjectType means all.
type BuildRequest struct {
	ObjectType   string `json:"objectType,omitempty"`
	ForceRebuild bool   `json:"forceRebuild,omitempty"`
}

type BuildResponse struct {
	Meta
	Stats *ingest.BuildStats `json:"stats,omitempty"`
}

// BuildIndex runs a build and waits for it. A build already running is
// reported as build_in_progress.
func (s *Service) BuildIndex(req BuildRequest) *BuildResponse {
	stats, err := s.builder.Build(req.ObjectType, req.ForceRebuild)
	return &BuildResponse{Meta: s.meta(err), Stats: stats}
}

type FindRequest struct {
	Name       string `json:"name"`
	ObjectType string `json:"objectType,omitempty"`
	Package    string `json:"package,omitempty"`
}

type FindResponse struct {
	Meta
	TotalCount  int              `json:"totalCount"`
	Objects     []catalog.Record `json:"objects"`
	Suggestions []string         `json:"suggestions,omitempty"`
}

// FindObject looks a name up exactly, falling back to ignoring case.
func (s *Service) FindObject(req FindRequest) *FindResponse {
	res, err := s.engine.FindByName(req.Name, query.Filter{Type: req.ObjectType, Package: req.Package})
	out := &FindResponse{Meta: s.meta(err), Objects: []catalog.Record{}}
	if res != nil {
		out.Objects = nonNil(res.Records)
		out.TotalCount = len(res.Records)
		out.Suggestions = res.Suggestions
	}
	return out
}

type PatternRequest struct {
	Pattern    string `json:"pattern"`
	ObjectType string `json:"objectType,omitempty"`
	Package    string `json:"package,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	SortBy     string `json:"sortBy,omitempty"`
}

// PageResponse is a page of records. TotalCount ignores the limit.
type PageResponse struct {
	Meta
	TotalCount int              `json:"totalCount"`
	Objects    []catalog.Record `json:"objects"`
}

// SearchPattern matches names against a * and ? wildcard pattern.
func (s *Service) SearchPattern(req PatternRequest) *PageResponse {
	page, err := s.engine.SearchPattern(req.Pattern,
		query.Filter{Type: req.ObjectType, Package: req.Package}, req.Limit, req.SortBy)
	return s.page(page, err)
}

type ListRequest struct {
	ObjectType string `json:"objectType"`
	SortBy     string `json:"sortBy,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ListByType pages through every record of one type.
func (s *Service) ListByType(req ListRequest) *PageResponse {
	page, err := s.engine.ListByType(req.ObjectType, req.SortBy, req.Limit)
	return s.page(page, err)
}

func (s *Service) page(page *query.Page, err error) *PageResponse {
	out := &PageResponse{Meta: s.meta(err), Objects: []catalog.Record{}}
	if page != nil {
		out.TotalCount = page.TotalMatches
		out.Objects = nonNil(page.Records)
	}
	return out
}

type SmartSearchRequest struct {
	Term       string   `json:"term"`
	PathScope  string   `json:"pathScope,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
	MaxResults int      `json:"maxResults,omitempty"`
}

type SmartSearchResponse struct {
	Meta
	TotalCount   int          `json:"totalCount"`
	ObjectHits   int          `json:"objectHits"`
	ContentHits  int          `json:"contentHits"`
	ScannedFiles int          `json:"scannedFiles"`
	SkippedFiles int          `json:"skippedFiles"`
	Hits         []search.Hit `json:"hits"`
}

// SmartSearch runs the name phase and, if it left room, the content
// phase. An index that was never built still gets content hits; Meta
// reports IndexBuilt=false without an error.
func (s *Service) SmartSearch(ctx context.Context, req SmartSearchRequest) *SmartSearchResponse {
	res, err := s.orch.Search(ctx, search.Request{
		Term:       req.Term,
		PathScope:  req.PathScope,
		Extensions: req.Extensions,
		MaxResults: req.MaxResults,
	})
	out := &SmartSearchResponse{Meta: s.meta(err), Hits: []search.Hit{}}
	if res != nil {
		out.TotalCount = len(res.Hits)
		out.ObjectHits, out.ContentHits = res.ObjectHits, res.ContentHits
		out.ScannedFiles, out.SkippedFiles = res.Scanned, res.Skipped
		if res.Hits != nil {
			out.Hits = res.Hits
		}
	}
	return out
}

type StatsResponse struct {
	Meta
	TotalObjects     int                `json:"totalObjects"`
	PerTypeCounts    map[string]int     `json:"perTypeCounts"`
	LastBuildElapsed time.Duration      `json:"lastBuildElapsed"`
	Restored         bool               `json:"restored,omitempty"`
	Building         bool               `json:"building,omitempty"`
	LastBuild        *ingest.BuildStats `json:"lastBuild,omitempty"`
}

// IndexStats summarizes the current catalog. Before the first build it
// reports index_not_built.
func (s *Service) IndexStats() *StatsResponse {
	snap, err := s.store.Current()
	out := &StatsResponse{
		Meta:          s.meta(err),
		PerTypeCounts: map[string]int{},
		Building:      s.builder.Busy(),
		LastBuild:     s.builder.LastStats(),
	}
	if snap != nil {
		out.TotalObjects = snap.Total()
		out.PerTypeCounts = snap.Counts()
		out.LastBuildElapsed = snap.Elapsed()
		out.Restored = snap.Restored()
	}
	return out
}

// Refresh re-extracts individual paths, for callers that changed objects
// and want the catalog to reflect it without a full build.
func (s *Service) Refresh(paths []string) (*ingest.RefreshStats, Meta) {
	stats, err := s.builder.Refresh(paths)
	return stats, s.meta(err)
}

func nonNil(recs []catalog.Record) []catalog.Record {
	if recs == nil {
		return []catalog.Record{}
	}
	return recs
}
