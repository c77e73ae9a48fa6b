package search

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentic-research/axindex/internal/fs"
)

const (
	maxContext  = 200
	binaryProbe = 8 * 1024
)

// errEnough stops a walk once the scanner has no room left.
var errEnough = errors.New("enough hits")

// scanner is the content phase: a case-insensitive line scan of every
// file under a scope whose extension is recognized.
type scanner struct {
	root    *fs.Root
	term    string // lowercased
	exts    []string
	maxSize int64
	seen    map[string]bool
	room    int

	hits    []Hit
	skipped int
	scanned int
}

// run scans scope, which is empty (whole root), a directory, a file, or a
// doublestar glob relative to the root.
func (s *scanner) run(ctx context.Context, scope string) error {
	scope = strings.TrimSpace(scope)
	var err error
	switch {
	case scope == "":
		err = s.walk(ctx, s.root.Dir())
	case hasMeta(scope):
		err = s.glob(ctx, scope)
	default:
		var abs string
		if abs, err = s.root.Resolve(scope); err != nil {
			return err
		}
		err = s.walk(ctx, abs)
	}
	if errors.Is(err, errEnough) {
		return nil
	}
	return err
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

func (s *scanner) glob(ctx context.Context, scope string) error {
	base, pattern := doublestar.SplitPattern(strings.ReplaceAll(scope, `\`, "/"))
	absBase, err := s.root.Resolve(base)
	if err != nil {
		return err
	}
	if !doublestar.ValidatePattern(pattern) {
		return &fs.PathViolation{Path: scope, Root: s.root.Dir(), Reason: "invalid glob"}
	}
	err = doublestar.GlobWalk(os.DirFS(absBase), pattern, func(p string, d iofs.DirEntry) error {
		return s.walk(ctx, filepath.Join(absBase, filepath.FromSlash(p)))
	}, doublestar.WithNoFollow())
	if errors.Is(err, iofs.ErrNotExist) {
		return nil
	}
	return err
}

// walk visits start in lexical order. Symlinks are never followed.
func (s *scanner) walk(ctx context.Context, start string) error {
	return filepath.WalkDir(start, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if p == start && errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			// Unreadable entries are skipped, not fatal.
			s.skipped++
			if d != nil && d.IsDir() {
				return iofs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !s.wanted(p) || s.seen[p] {
			return nil
		}
		s.seen[p] = true
		s.scanFile(p, d)
		if len(s.hits) >= s.room {
			return errEnough
		}
		return nil
	})
}

func (s *scanner) wanted(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	for _, e := range s.exts {
		if e == ext {
			return true
		}
	}
	return false
}

func (s *scanner) scanFile(p string, d iofs.DirEntry) {
	info, err := d.Info()
	if err != nil || info.Size() > s.maxSize {
		s.skipped++
		return
	}
	f, err := os.Open(p)
	if err != nil {
		s.skipped++
		return
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReaderSize(f, binaryProbe)
	head, err := br.Peek(binaryProbe)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		s.skipped++
		return
	}
	if bytes.IndexByte(head, 0) >= 0 {
		s.skipped++
		return
	}
	s.scanned++

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), int(s.maxSize)+1)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if !strings.Contains(strings.ToLower(text), s.term) {
			continue
		}
		rel, err := s.root.Rel(p)
		if err != nil {
			return
		}
		s.hits = append(s.hits, Hit{
			Path:    rel,
			Source:  SourceContent,
			Line:    line,
			Context: snippet(text),
		})
		return
	}
	if sc.Err() != nil {
		s.skipped++
	}
}

// snippet trims a matching line to at most maxContext bytes without
// splitting a UTF-8 sequence.
func snippet(line string) string {
	line = strings.TrimSpace(line)
	if len(line) <= maxContext {
		return line
	}
	cut := maxContext
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}
