package ingest

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/agentic-research/axindex/api"
	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/fs"
)

// Extractor derives a record from file metadata and the file's position
// in the tree. Object bodies are never parsed.
type Extractor struct {
	root *fs.Root
	now  func() time.Time
}

// NewExtractor returns an extractor for files under root. now stamps
// LastIndexed; nil means time.Now.
func NewExtractor(root *fs.Root, now func() time.Time) *Extractor {
	if now == nil {
		now = time.Now
	}
	return &Extractor{root: root, now: now}
}

// Extract builds the record for the file at abs, which is known to hold
// an object of type def. Failures are *ExtractError.
func (x *Extractor) Extract(abs string, def api.TypeDef) (catalog.Record, error) {
	rel, err := x.root.Rel(abs)
	if err != nil {
		return catalog.Record{}, &ExtractError{Path: abs, Reason: "outside root", Err: err}
	}
	if _, err := x.root.Resolve(rel); err != nil {
		return catalog.Record{}, &ExtractError{Path: rel, Reason: "unsafe path", Err: err}
	}

	f, err := os.Open(abs)
	if err != nil {
		return catalog.Record{}, &ExtractError{Path: rel, Reason: "unreadable", Err: err}
	}
	info, err := f.Stat()
	_ = f.Close()
	if err != nil {
		return catalog.Record{}, &ExtractError{Path: rel, Reason: "stat failed", Err: err}
	}
	if !info.Mode().IsRegular() {
		return catalog.Record{}, &ExtractError{Path: rel, Reason: "not a regular file"}
	}

	name, pkg, reason := nameAndPackage(rel, def.PackageSegment)
	if reason != "" {
		return catalog.Record{}, &ExtractError{Path: rel, Reason: reason}
	}

	return catalog.Record{
		Name:        name,
		ObjectType:  def.Name,
		Package:     pkg,
		Path:        rel,
		Size:        info.Size(),
		ModTime:     info.ModTime().UTC(),
		LastIndexed: x.now().UTC(),
	}, nil
}

// nameAndPackage reads the object name from the file name and the package
// from path segment seg. A non-empty reason reports a malformed path.
func nameAndPackage(rel string, seg int) (name, pkg, reason string) {
	base := path.Base(rel)
	name = strings.TrimSuffix(base, path.Ext(base))
	if name == "" {
		return "", "", "empty object name"
	}
	segs := strings.Split(rel, "/")
	if seg >= len(segs)-1 {
		return "", "", "path has no package segment"
	}
	pkg = segs[seg]
	if pkg == "" {
		return "", "", "empty package segment"
	}
	return name, pkg, ""
}
