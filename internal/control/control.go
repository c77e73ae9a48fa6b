// Package control maintains a one-page memory-mapped file describing the
// last persisted catalog, so other processes can report index status
// without loading it.
package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x41584943 // 'AXIC'
)

// ErrNoControl is returned by Read when the control file does not exist.
var ErrNoControl = errors.New("control block not found")

// Block is the memory-mapped layout. Generation is written last with an
// atomic store so a reader that sees a generation also sees the fields
// published with it.
type Block struct {
	Magic      uint32
	Version    uint32
	Generation uint64 // Atomic
	ArenaPath  [256]byte
	ArenaSize  uint64
	Sequence   uint64
	Total      uint64
	BuiltAt    int64 // unix nanos
	Elapsed    int64 // nanos
	UpdatedAt  int64 // unix nanos
	Padding    [ControlSize - 320]byte
}

// Stats is the catalog summary recorded in the block.
type Stats struct {
	Generation uint64
	Sequence   uint64
	Total      uint64
	BuiltAt    time.Time
	Elapsed    time.Duration
	UpdatedAt  time.Time
}

// Status is a point-in-time copy of the block.
type Status struct {
	Stats
	ArenaPath string
	ArenaSize uint64
}

// Controller manages the memory-mapped control file.
type Controller struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// OpenOrCreate opens or creates a control file at the given path.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))

	if ptr.Magic == 0 {
		ptr.Magic = Magic
		ptr.Version = 1
	} else if ptr.Magic != Magic {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}

	return &Controller{
		path: path,
		file: f,
		data: data,
		ptr:  ptr,
	}, nil
}

// Read maps an existing control file read-only and returns its contents.
func Read(path string) (Status, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Status{}, ErrNoControl
	}
	if err != nil {
		return Status{}, fmt.Errorf("open control file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Status{}, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < ControlSize {
		return Status{}, fmt.Errorf("control file %s truncated: %d bytes", path, info.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return Status{}, fmt.Errorf("mmap: %w", err)
	}
	defer func() { _ = unix.Munmap(data) }()

	ptr := (*Block)(unsafe.Pointer(&data[0]))
	if ptr.Magic != Magic {
		return Status{}, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}
	return snapshot(ptr), nil
}

// GetGeneration returns the current generation ID atomically.
func (c *Controller) GetGeneration() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// Status returns a copy of the block.
func (c *Controller) Status() Status {
	return snapshot(c.ptr)
}

func snapshot(b *Block) Status {
	gen := atomic.LoadUint64(&b.Generation)
	st := Status{
		Stats: Stats{
			Generation: gen,
			Sequence:   b.Sequence,
			Total:      b.Total,
			Elapsed:    time.Duration(b.Elapsed),
		},
		ArenaPath: cstring(b.ArenaPath[:]),
		ArenaSize: b.ArenaSize,
	}
	if b.BuiltAt != 0 {
		st.BuiltAt = time.Unix(0, b.BuiltAt).UTC()
	}
	if b.UpdatedAt != 0 {
		st.UpdatedAt = time.Unix(0, b.UpdatedAt).UTC()
	}
	return st
}

func cstring(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetArena records a newly flushed arena and its catalog summary. The
// generation is stored last.
func (c *Controller) SetArena(path string, size uint64, st Stats) error {
	if len(path) >= len(c.ptr.ArenaPath) {
		return fmt.Errorf("path too long (max %d)", len(c.ptr.ArenaPath)-1)
	}

	copy(c.ptr.ArenaPath[:], path)
	c.ptr.ArenaPath[len(path)] = 0
	c.ptr.ArenaSize = size
	c.ptr.Sequence = st.Sequence
	c.ptr.Total = st.Total
	c.ptr.BuiltAt = unixNano(st.BuiltAt)
	c.ptr.Elapsed = int64(st.Elapsed)
	c.ptr.UpdatedAt = unixNano(st.UpdatedAt)

	atomic.StoreUint64(&c.ptr.Generation, st.Generation)

	return unix.Msync(c.data, unix.MS_SYNC)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Path returns the control file location.
func (c *Controller) Path() string { return c.path }

// Close unmaps and closes the control file.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
