package catalog

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agentic-research/axindex/internal/control"
)

// ArenaFlusher copies a serialized catalog image into the inactive half of
// the double-buffered arena, then flips the header so readers see the new
// version. An image larger than the buffer triggers a rebuild of the whole
// arena through CreateArena.
type ArenaFlusher struct {
	arenaPath string
	ctrl      *control.Controller

	mu sync.Mutex
}

// NewArenaFlusher targets the arena at arenaPath. ctrl may be nil; when
// set, every flush publishes the arena location and sequence to it.
func NewArenaFlusher(arenaPath string, ctrl *control.Controller) *ArenaFlusher {
	return &ArenaFlusher{arenaPath: arenaPath, ctrl: ctrl}
}

// FlushNow writes dbPath into the arena synchronously and returns the new
// sequence number.
func (f *ArenaFlusher) FlushNow(dbPath string, st control.Stats) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq, size, err := f.flushInternal(dbPath)
	if err != nil {
		return 0, err
	}
	if f.ctrl != nil {
		st.Sequence = seq
		if err := f.ctrl.SetArena(f.arenaPath, size, st); err != nil {
			return 0, fmt.Errorf("update control block: %w", err)
		}
	}
	return seq, nil
}

func (f *ArenaFlusher) flushInternal(dbPath string) (seq uint64, arenaSize uint64, err error) {
	db, err := os.ReadFile(dbPath)
	if err != nil {
		return 0, 0, fmt.Errorf("read db image: %w", err)
	}

	af, err := os.OpenFile(f.arenaPath, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return f.recreate(dbPath, 1)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("open arena: %w", err)
	}
	defer func() { _ = af.Close() }()

	info, err := af.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("stat arena: %w", err)
	}
	header, err := ReadArenaHeader(af)
	if err != nil {
		// A torn or foreign file is replaced rather than patched.
		_ = af.Close()
		return f.recreate(dbPath, 1)
	}
	bufferSize, err := BufferSize(info.Size())
	if err != nil || int64(len(db)) > bufferSize {
		_ = af.Close()
		return f.recreate(dbPath, header.Sequence+1)
	}

	inactive := uint8(1) - header.ActiveBuffer
	if _, err := af.WriteAt(db, BufferOffset(inactive, bufferSize)); err != nil {
		return 0, 0, fmt.Errorf("write db to inactive buffer: %w", err)
	}
	if err := af.Sync(); err != nil {
		return 0, 0, fmt.Errorf("sync arena: %w", err)
	}

	header.ActiveBuffer = inactive
	header.Lengths[inactive] = uint64(len(db))
	header.Sequence++
	if err := WriteArenaHeader(af, header); err != nil {
		return 0, 0, fmt.Errorf("write arena header: %w", err)
	}
	if err := af.Sync(); err != nil {
		return 0, 0, fmt.Errorf("sync arena: %w", err)
	}
	return header.Sequence, uint64(info.Size()), nil
}

func (f *ArenaFlusher) recreate(dbPath string, seq uint64) (uint64, uint64, error) {
	if err := CreateArena(dbPath, f.arenaPath, seq); err != nil {
		return 0, 0, fmt.Errorf("create arena: %w", err)
	}
	info, err := os.Stat(f.arenaPath)
	if err != nil {
		return 0, 0, err
	}
	return seq, uint64(info.Size()), nil
}

// statsFor builds the control block summary of a snapshot.
func statsFor(s *Snapshot) control.Stats {
	return control.Stats{
		Generation: s.Generation(),
		Total:      uint64(s.Total()),
		BuiltAt:    s.BuiltAt(),
		Elapsed:    s.Elapsed(),
		UpdatedAt:  time.Now().UTC(),
	}
}
