package catalog

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// Record is one indexed object. The natural key is (ObjectType, Package,
// Name); names repeat across packages and every copy is kept.
type Record struct {
	Name        string    `json:"name"`
	ObjectType  string    `json:"objectType"`
	Package     string    `json:"package"`
	Path        string    `json:"path"` // root-relative, slash-separated
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"modTime"`
	LastIndexed time.Time `json:"lastIndexed"`
}

// Key identifies the record's source location.
func (r Record) Key() uint64 {
	return PathKey(r.Path)
}

// PathKey hashes a root-relative path into the key used by Snapshot.Lookup
// and the persisted image.
func PathKey(path string) uint64 {
	return xxhash.Sum64String(path)
}

// SameSource reports whether r and o were extracted from an unchanged file.
func (r Record) SameSource(o Record) bool {
	return r.Path == o.Path &&
		r.ObjectType == o.ObjectType &&
		r.Size == o.Size &&
		r.ModTime.Equal(o.ModTime)
}
