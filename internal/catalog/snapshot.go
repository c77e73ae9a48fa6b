package catalog

import (
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Meta describes how a snapshot came to be.
type Meta struct {
	BuiltAt  time.Time
	Elapsed  time.Duration
	Restored bool // loaded from the disk mirror rather than built
}

type span struct{ start, end uint32 }

// Snapshot is one immutable version of the catalog.
//
// Records are stored in a single slice grouped by type (types in sorted
// order) and ordered by name, package and path inside each group. Posting
// lists map lowercased names and packages to ordinals in that slice.
// Nothing in a Snapshot changes after NewSnapshot returns; derived
// snapshots are built by Apply and Without.
type Snapshot struct {
	records  []Record
	types    []string
	spans    map[string]span
	names    map[string]*roaring.Bitmap
	packages map[string]*roaring.Bitmap
	byPath   map[uint64]uint32

	meta       Meta
	generation uint64
}

// NewSnapshot builds a snapshot from per-type record lists. Empty types
// are dropped. The input slices are copied.
func NewSnapshot(byType map[string][]Record, meta Meta) *Snapshot {
	types := make([]string, 0, len(byType))
	total := 0
	for t, recs := range byType {
		if len(recs) == 0 {
			continue
		}
		types = append(types, t)
		total += len(recs)
	}
	sort.Strings(types)

	s := &Snapshot{
		records:  make([]Record, 0, total),
		types:    types,
		spans:    make(map[string]span, len(types)),
		names:    make(map[string]*roaring.Bitmap),
		packages: make(map[string]*roaring.Bitmap),
		byPath:   make(map[uint64]uint32, total),
		meta:     meta,
	}
	for _, t := range types {
		start := uint32(len(s.records))
		group := append([]Record(nil), byType[t]...)
		sort.Slice(group, func(i, j int) bool { return naturalLess(group[i], group[j]) })
		s.records = append(s.records, group...)
		s.spans[t] = span{start: start, end: uint32(len(s.records))}
	}
	for i := range s.records {
		r := &s.records[i]
		ord := uint32(i)
		addPosting(s.names, strings.ToLower(r.Name), ord)
		addPosting(s.packages, strings.ToLower(r.Package), ord)
		s.byPath[r.Key()] = ord
	}
	for _, bm := range s.names {
		bm.RunOptimize()
	}
	return s
}

func addPosting(m map[string]*roaring.Bitmap, key string, ord uint32) {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	bm.Add(ord)
}

func naturalLess(a, b Record) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if a.Package != b.Package {
		return a.Package < b.Package
	}
	return a.Path < b.Path
}

// Total returns the number of records.
func (s *Snapshot) Total() int { return len(s.records) }

// Counts returns the per-type record counts. Their sum equals Total.
func (s *Snapshot) Counts() map[string]int {
	out := make(map[string]int, len(s.types))
	for _, t := range s.types {
		sp := s.spans[t]
		out[t] = int(sp.end - sp.start)
	}
	return out
}

// Types returns the non-empty types in sorted order.
func (s *Snapshot) Types() []string { return append([]string(nil), s.types...) }

// Records returns the records of one type in natural order. The slice is
// shared with the snapshot and must not be modified.
func (s *Snapshot) Records(objectType string) []Record {
	sp, ok := s.spans[objectType]
	if !ok {
		return nil
	}
	return s.records[sp.start:sp.end:sp.end]
}

// All returns every record. The slice must not be modified.
func (s *Snapshot) All() []Record { return s.records[:len(s.records):len(s.records)] }

// At returns the record at ordinal i.
func (s *Snapshot) At(i uint32) Record { return s.records[i] }

// TypeRange returns the ordinals of one type as a bitmap, or nil when the
// type has no records.
func (s *Snapshot) TypeRange(objectType string) *roaring.Bitmap {
	sp, ok := s.spans[objectType]
	if !ok {
		return nil
	}
	bm := roaring.New()
	bm.AddRange(uint64(sp.start), uint64(sp.end))
	return bm
}

// NamePostings returns ordinals whose lowercased name equals lowerName.
// The bitmap is shared and must not be modified.
func (s *Snapshot) NamePostings(lowerName string) *roaring.Bitmap { return s.names[lowerName] }

// PackagePostings returns ordinals whose lowercased package equals
// lowerPackage. The bitmap is shared and must not be modified.
func (s *Snapshot) PackagePostings(lowerPackage string) *roaring.Bitmap {
	return s.packages[lowerPackage]
}

// EachName calls fn once per distinct lowercased name with the ordinals
// carrying it. Iteration order is unspecified; the bitmaps are shared and
// must not be modified.
func (s *Snapshot) EachName(fn func(lower string, ords *roaring.Bitmap)) {
	for key, bm := range s.names {
		fn(key, bm)
	}
}

// Lookup finds the record extracted from path.
func (s *Snapshot) Lookup(path string) (Record, bool) {
	ord, ok := s.byPath[PathKey(path)]
	if !ok || s.records[ord].Path != path {
		return Record{}, false
	}
	return s.records[ord], true
}

// BuiltAt returns the time the snapshot's build finished.
func (s *Snapshot) BuiltAt() time.Time { return s.meta.BuiltAt }

// Elapsed returns the duration of the build that produced the snapshot.
func (s *Snapshot) Elapsed() time.Duration { return s.meta.Elapsed }

// Restored reports whether the snapshot was loaded from disk. Entries of
// a restored snapshot may point at files that no longer exist.
func (s *Snapshot) Restored() bool { return s.meta.Restored }

// Generation is assigned by Store.Publish and increases with every build.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Meta returns the snapshot metadata.
func (s *Snapshot) Meta() Meta { return s.meta }

// Apply returns a new snapshot with upserts added or replacing records at
// the same path, and records at the removed paths dropped.
func (s *Snapshot) Apply(upserts []Record, removals []string, meta Meta) *Snapshot {
	drop := make(map[string]bool, len(upserts)+len(removals))
	for _, p := range removals {
		drop[p] = true
	}
	for _, r := range upserts {
		drop[r.Path] = true
	}
	byType := make(map[string][]Record, len(s.types))
	for _, t := range s.types {
		recs := s.Records(t)
		kept := make([]Record, 0, len(recs))
		for _, r := range recs {
			if !drop[r.Path] {
				kept = append(kept, r)
			}
		}
		byType[t] = kept
	}
	for _, r := range upserts {
		byType[r.ObjectType] = append(byType[r.ObjectType], r)
	}
	return NewSnapshot(byType, meta)
}

// Without returns a copy lacking the records at paths, or s itself when
// none of the paths is present.
func (s *Snapshot) Without(paths []string) *Snapshot {
	present := paths[:0:0]
	for _, p := range paths {
		if _, ok := s.Lookup(p); ok {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return s
	}
	next := s.Apply(nil, present, s.meta)
	next.generation = s.generation
	return next
}
