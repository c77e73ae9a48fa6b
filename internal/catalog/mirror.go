package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentic-research/axindex/internal/control"
)

// Mirror is the durable copy of the catalog used for fast restart.
type Mirror interface {
	// Persist writes s. Failure leaves the in-memory catalog untouched.
	Persist(s *Snapshot) error
	// Load returns the last persisted snapshot, or nil when none exists.
	Load() (*Snapshot, error)
}

const (
	arenaFile   = "catalog.arena"
	controlFile = "catalog.ctrl"
)

// DiskMirror persists snapshots as SQLite images inside a double-buffered
// arena in dir and records each flush in a control block next to it.
type DiskMirror struct {
	dir     string
	ctrl    *control.Controller
	flusher *ArenaFlusher

	mu sync.Mutex
}

// OpenDiskMirror prepares dir for persistence.
func OpenDiskMirror(dir string) (*DiskMirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	ctrl, err := control.OpenOrCreate(filepath.Join(dir, controlFile))
	if err != nil {
		return nil, fmt.Errorf("open control block: %w", err)
	}
	return &DiskMirror{
		dir:     dir,
		ctrl:    ctrl,
		flusher: NewArenaFlusher(filepath.Join(dir, arenaFile), ctrl),
	}, nil
}

// ControlPath returns the control block location for a cache dir.
func ControlPath(dir string) string { return filepath.Join(dir, controlFile) }

// Dir returns the cache directory.
func (m *DiskMirror) Dir() string { return m.dir }

// Persist serializes s and flips it into the arena.
func (m *DiskMirror) Persist(s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmp, err := os.CreateTemp(m.dir, ".image-*.db")
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	dbPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(dbPath) }()

	if err := WriteImage(dbPath, s); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	if _, err := m.flusher.FlushNow(dbPath, statsFor(s)); err != nil {
		return fmt.Errorf("flush arena: %w", err)
	}
	return nil
}

// Load extracts the active image and decodes it.
func (m *DiskMirror) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dbPath, err := ExtractActiveDB(filepath.Join(m.dir, arenaFile))
	if errors.Is(err, ErrNoArena) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extract image: %w", err)
	}
	defer func() { _ = os.Remove(dbPath) }()

	s, err := ReadImage(dbPath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return s, nil
}

// Status returns the control block contents.
func (m *DiskMirror) Status() control.Status { return m.ctrl.Status() }

// Close releases the control block mapping.
func (m *DiskMirror) Close() error {
	return m.ctrl.Close()
}
