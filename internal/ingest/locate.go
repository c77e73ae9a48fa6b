package ingest

import (
	"fmt"
	iofs "io/fs"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentic-research/axindex/api"
)

// Locate calls fn with the slash-separated relative path of every file
// under rootDir that matches one of def's locations. Only directories the
// patterns can reach are read; unreadable directories are skipped and
// symlinked directories are not followed. Each path is reported once.
func Locate(rootDir string, def api.TypeDef, fn func(rel string) error) error {
	fsys := os.DirFS(rootDir)
	seen := make(map[string]struct{})
	for _, loc := range def.Locations {
		err := doublestar.GlobWalk(fsys, loc, func(p string, _ iofs.DirEntry) error {
			if _, dup := seen[p]; dup {
				return nil
			}
			seen[p] = struct{}{}
			return fn(p)
		}, doublestar.WithFilesOnly(), doublestar.WithNoFollow())
		if err != nil {
			return fmt.Errorf("walk %s: %w", loc, err)
		}
	}
	return nil
}
