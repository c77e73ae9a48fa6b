// Package fs confines path handling to a configured root directory.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathViolation matches every *PathViolation via errors.Is.
var ErrPathViolation = errors.New("path violation")

// PathViolation reports a path that would resolve outside the root.
type PathViolation struct {
	Path   string
	Root   string
	Reason string
}

func (e *PathViolation) Error() string {
	return fmt.Sprintf("path %q escapes root %s: %s", e.Path, e.Root, e.Reason)
}

func (e *PathViolation) Is(target error) bool { return target == ErrPathViolation }

// Root resolves relative paths against a directory and refuses to leave it.
// A Root is immutable and safe for concurrent use.
type Root struct {
	dir string // absolute, symlinks evaluated
}

// NewRoot validates dir and returns a Root for it.
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, errors.New("root directory not set")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("abs %s: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", abs, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", resolved)
	}
	return &Root{dir: resolved}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string { return r.dir }

// Resolve maps a root-relative path to an absolute path under the root.
// Inputs with ".." segments, absolute paths outside the root and paths
// whose existing prefix is a symlink leading outside the root are
// rejected with *PathViolation. No file content is read.
func (r *Root) Resolve(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", r.violation(rel, "contains NUL byte")
	}
	p := strings.ReplaceAll(rel, `\`, "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", r.violation(rel, "parent directory segment")
		}
	}

	var abs string
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		abs = filepath.Clean(filepath.FromSlash(p))
	} else {
		abs = filepath.Join(r.dir, filepath.FromSlash(p))
	}
	if !r.contains(abs) {
		return "", r.violation(rel, "outside root")
	}

	resolved, err := r.evalExisting(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	if !r.contains(resolved) {
		return "", r.violation(rel, "symlink leads outside root")
	}
	return abs, nil
}

// Rel converts an absolute path under the root into the normalized,
// slash-separated relative form stored in the catalog.
func (r *Root) Rel(abs string) (string, error) {
	abs = filepath.Clean(abs)
	if !r.contains(abs) {
		return "", r.violation(abs, "outside root")
	}
	rel, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return "", r.violation(abs, err.Error())
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

func (r *Root) contains(abs string) bool {
	if abs == r.dir {
		return true
	}
	prefix := r.dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(abs, prefix)
}

// evalExisting evaluates symlinks on the longest prefix of abs that exists.
// The missing tail cannot contain links, so it is appended unchanged.
func (r *Root) evalExisting(abs string) (string, error) {
	cur := abs
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
			return "", r.violation(abs, "dangling symlink")
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

func (r *Root) violation(p, reason string) error {
	return &PathViolation{Path: p, Root: r.dir, Reason: reason}
}
