package query

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/hbollon/go-edlib"

	"github.com/agentic-research/axindex/api"
	"github.com/agentic-research/axindex/internal/catalog"
)

// DefaultLimit is the page size used when neither the caller nor the
// engine configuration sets one.
const DefaultLimit = 50

const (
	maxSuggestions = 5
	maxPruneRounds = 3
)

// SortKey orders result pages.
type SortKey int

const (
	SortName SortKey = iota
	SortPackage
	SortSize
)

func (k SortKey) String() string {
	switch k {
	case SortPackage:
		return "package"
	case SortSize:
		return "size"
	default:
		return "name"
	}
}

// ParseSort accepts name, package or size, ignoring case. Empty means name.
func ParseSort(s string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "name":
		return SortName, nil
	case "package":
		return SortPackage, nil
	case "size":
		return SortSize, nil
	}
	return SortName, &QueryError{Field: "sortBy", Value: s, Reason: "must be one of name, package, size"}
}

// Filter narrows a query. Empty fields match everything. Type is matched
// against the layout's types and Package by case-insensitive equality.
type Filter struct {
	Type    string
	Package string
}

// Page is one page of a search or listing. TotalMatches counts every
// match regardless of the limit.
type Page struct {
	TotalMatches int
	Records      []catalog.Record
	BuiltAt      time.Time
	Generation   uint64
}

// Lookup is the result of FindByName.
type Lookup struct {
	Records []catalog.Record
	// Suggestions holds close names when Records is empty.
	Suggestions []string
	BuiltAt     time.Time
	Generation  uint64
}

// Engine serves queries against the store's current snapshot. It never
// blocks on builds. Every method returns catalog.ErrNotBuilt before the
// first publish.
type Engine struct {
	store        *catalog.Store
	layout       *api.Layout
	rootDir      string
	defaultLimit int
}

// NewEngine returns an engine. rootDir is the metadata root used to check
// entries of restored snapshots; defaultLimit <= 0 means DefaultLimit.
func NewEngine(store *catalog.Store, layout *api.Layout, rootDir string, defaultLimit int) *Engine {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Engine{store: store, layout: layout, rootDir: rootDir, defaultLimit: defaultLimit}
}

// DefaultLimit returns the configured page size.
func (e *Engine) DefaultLimit() int { return e.defaultLimit }

// FindByName returns records named name. Case-sensitive matches win; only
// when there are none does the lookup fall back to ignoring case.
func (e *Engine) FindByName(name string, f Filter) (*Lookup, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &QueryError{Field: "name", Value: name, Reason: "required"}
	}
	var out *Lookup
	err := e.withSnapshot(func(s *catalog.Snapshot) ([]catalog.Record, error) {
		scope, err := e.scope(s, f)
		if err != nil {
			return nil, err
		}
		out = &Lookup{BuiltAt: s.BuiltAt(), Generation: s.Generation()}

		var candidates []catalog.Record
		if bm := s.NamePostings(strings.ToLower(name)); bm != nil {
			candidates = collect(s, intersect(bm, scope))
		}
		for _, r := range candidates {
			if r.Name == name {
				out.Records = append(out.Records, r)
			}
		}
		if len(out.Records) == 0 {
			out.Records = candidates
		}
		if len(out.Records) == 0 {
			out.Suggestions = suggest(s, name, scope)
		}
		return out.Records, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchPattern matches pattern against object names. limit 0 means the
// default page size.
func (e *Engine) SearchPattern(pattern string, f Filter, limit int, sortBy string) (*Page, error) {
	limit, key, err := e.pageArgs(limit, sortBy)
	if err != nil {
		return nil, err
	}
	p := Compile(pattern)
	var out *Page
	err = e.withSnapshot(func(s *catalog.Snapshot) ([]catalog.Record, error) {
		scope, err := e.scope(s, f)
		if err != nil {
			return nil, err
		}
		matches := collect(s, intersect(match(s, p), scope))
		out = paginate(s, matches, key, limit)
		return out.Records, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByType pages through every record of one type.
func (e *Engine) ListByType(objectType string, sortBy string, limit int) (*Page, error) {
	if strings.TrimSpace(objectType) == "" {
		return nil, &QueryError{Field: "objectType", Value: objectType, Reason: "required"}
	}
	limit, key, err := e.pageArgs(limit, sortBy)
	if err != nil {
		return nil, err
	}
	var out *Page
	err = e.withSnapshot(func(s *catalog.Snapshot) ([]catalog.Record, error) {
		t, err := e.canonicalType(objectType)
		if err != nil {
			return nil, err
		}
		recs := append([]catalog.Record(nil), s.Records(t)...)
		out = paginate(s, recs, key, limit)
		return out.Records, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) pageArgs(limit int, sortBy string) (int, SortKey, error) {
	if limit < 0 {
		return 0, 0, &QueryError{Field: "limit", Value: strconv.Itoa(limit), Reason: "must not be negative"}
	}
	if limit == 0 {
		limit = e.defaultLimit
	}
	key, err := ParseSort(sortBy)
	return limit, key, err
}

// withSnapshot runs q against the current snapshot. Snapshots restored
// from disk may name files deleted since; the records q returns are
// checked and missing ones pruned from the store before q runs again.
func (e *Engine) withSnapshot(q func(s *catalog.Snapshot) ([]catalog.Record, error)) error {
	for round := 0; ; round++ {
		s, err := e.store.Current()
		if err != nil {
			return err
		}
		recs, err := q(s)
		if err != nil || !s.Restored() || e.rootDir == "" || round >= maxPruneRounds {
			return err
		}
		missing := e.missing(recs)
		if len(missing) == 0 {
			return nil
		}
		e.store.Prune(missing)
	}
}

func (e *Engine) missing(recs []catalog.Record) []string {
	var out []string
	for _, r := range recs {
		_, err := os.Stat(filepath.Join(e.rootDir, filepath.FromSlash(r.Path)))
		if errors.Is(err, os.ErrNotExist) {
			out = append(out, r.Path)
		}
	}
	return out
}

func (e *Engine) canonicalType(t string) (string, error) {
	name, err := e.layout.Canonical(t)
	if err != nil {
		reason := "unknown object type"
		if c := e.layout.Closest(t); c != "" {
			reason += "; did you mean " + c + "?"
		}
		return "", &QueryError{Field: "objectType", Value: t, Reason: reason, Err: err}
	}
	return name, nil
}

// scope returns the ordinals allowed by f, or nil for no restriction.
func (e *Engine) scope(s *catalog.Snapshot, f Filter) (*roaring.Bitmap, error) {
	var scope *roaring.Bitmap
	if strings.TrimSpace(f.Type) != "" {
		t, err := e.canonicalType(f.Type)
		if err != nil {
			return nil, err
		}
		scope = s.TypeRange(t)
		if scope == nil {
			scope = roaring.New()
		}
	}
	if pkg := strings.TrimSpace(f.Package); pkg != "" {
		bm := s.PackagePostings(strings.ToLower(pkg))
		if bm == nil {
			bm = roaring.New()
		}
		scope = intersect(bm, scope)
	}
	return scope, nil
}

// intersect returns a ∩ b where a nil b means no restriction. The result
// is always a fresh bitmap.
func intersect(a, b *roaring.Bitmap) *roaring.Bitmap {
	if b == nil {
		return a.Clone()
	}
	return roaring.And(a, b)
}

func match(s *catalog.Snapshot, p Pattern) *roaring.Bitmap {
	if p.MatchAll() {
		out := roaring.New()
		out.AddRange(0, uint64(s.Total()))
		return out
	}
	if lit, ok := p.Literal(); ok {
		if bm := s.NamePostings(lit); bm != nil {
			return bm
		}
		return roaring.New()
	}
	var parts []*roaring.Bitmap
	s.EachName(func(lower string, ords *roaring.Bitmap) {
		if p.Match(lower) {
			parts = append(parts, ords)
		}
	})
	return roaring.FastOr(parts...)
}

func collect(s *catalog.Snapshot, bm *roaring.Bitmap) []catalog.Record {
	out := make([]catalog.Record, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, s.At(it.Next()))
	}
	return out
}

func paginate(s *catalog.Snapshot, recs []catalog.Record, key SortKey, limit int) *Page {
	sortRecords(recs, key)
	total := len(recs)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return &Page{
		TotalMatches: total,
		Records:      recs,
		BuiltAt:      s.BuiltAt(),
		Generation:   s.Generation(),
	}
}

// sortRecords orders by key. Ties fall back to name, then package, then
// path, so every order is total. Size sorts largest first.
func sortRecords(recs []catalog.Record, key SortKey) {
	byName := func(a, b catalog.Record) bool {
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Package != b.Package {
			return a.Package < b.Package
		}
		return a.Path < b.Path
	}
	var less func(a, b catalog.Record) bool
	switch key {
	case SortPackage:
		less = func(a, b catalog.Record) bool {
			if a.Package != b.Package {
				return a.Package < b.Package
			}
			return byName(a, b)
		}
	case SortSize:
		less = func(a, b catalog.Record) bool {
			if a.Size != b.Size {
				return a.Size > b.Size
			}
			return byName(a, b)
		}
	default:
		less = byName
	}
	sort.Slice(recs, func(i, j int) bool { return less(recs[i], recs[j]) })
}

type scored struct {
	name string
	dist int
}

// suggest returns up to maxSuggestions names in scope closest to name.
func suggest(s *catalog.Snapshot, name string, scope *roaring.Bitmap) []string {
	lower := strings.ToLower(name)
	limit := len([]rune(lower))/2 + 2
	var cands []scored
	s.EachName(func(key string, ords *roaring.Bitmap) {
		if scope != nil && !ords.Intersects(scope) {
			return
		}
		d := edlib.LevenshteinDistance(lower, key)
		if d > limit {
			return
		}
		cands = append(cands, scored{name: s.At(ords.Minimum()).Name, dist: d})
	})
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].name < cands[j].name
	})
	if len(cands) > maxSuggestions {
		cands = cands[:maxSuggestions]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}
