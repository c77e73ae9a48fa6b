package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	ArenaHeaderSize = 4096
	ArenaMagic      = 0x41584931 // 'AXI1'
	arenaVersion    = 1

	// minBufferSize keeps tiny catalogs from regrowing the arena on every
	// persist.
	minBufferSize = 1 << 20
)

// ErrNoArena is returned by ExtractActiveDB when no arena has been written.
var ErrNoArena = errors.New("arena not found")

// ArenaHeader sits at offset 0 of the arena file. Two equally sized
// buffers follow the 4KB header page; ActiveBuffer selects the one holding
// the last complete image and Lengths records how many bytes of each
// buffer are in use.
type ArenaHeader struct {
	Magic        uint32
	Version      uint8
	ActiveBuffer uint8
	Padding      [2]byte
	Sequence     uint64
	Lengths      [2]uint64
}

const arenaHeaderLen = 32

// ReadArenaHeader reads and checks the header of an arena file.
func ReadArenaHeader(f io.ReaderAt) (*ArenaHeader, error) {
	buf := make([]byte, arenaHeaderLen)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	h := &ArenaHeader{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		Version:      buf[4],
		ActiveBuffer: buf[5],
		Sequence:     binary.LittleEndian.Uint64(buf[8:16]),
	}
	h.Lengths[0] = binary.LittleEndian.Uint64(buf[16:24])
	h.Lengths[1] = binary.LittleEndian.Uint64(buf[24:32])

	if h.Magic != ArenaMagic {
		return nil, fmt.Errorf("invalid arena magic: %x", h.Magic)
	}
	if h.Version != arenaVersion {
		return nil, fmt.Errorf("unsupported arena version: %d", h.Version)
	}
	if h.ActiveBuffer > 1 {
		return nil, fmt.Errorf("invalid active buffer index: %d", h.ActiveBuffer)
	}
	return h, nil
}

// WriteArenaHeader writes h at offset 0.
func WriteArenaHeader(f io.WriterAt, h *ArenaHeader) error {
	buf := make([]byte, arenaHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.ActiveBuffer
	binary.LittleEndian.PutUint64(buf[8:16], h.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], h.Lengths[0])
	binary.LittleEndian.PutUint64(buf[24:32], h.Lengths[1])
	_, err := f.WriteAt(buf, 0)
	return err
}

// BufferSize returns the size of one buffer in an arena of fileSize bytes.
func BufferSize(fileSize int64) (int64, error) {
	size := (fileSize - ArenaHeaderSize) / 2
	if size <= 0 {
		return 0, fmt.Errorf("invalid arena size: %d", fileSize)
	}
	return size, nil
}

// BufferOffset returns the byte offset of buffer idx.
func BufferOffset(idx uint8, bufferSize int64) int64 {
	return int64(ArenaHeaderSize) + int64(idx)*bufferSize
}

// CreateArena writes a fresh arena at arenaPath holding dbPath in buffer 0.
// Buffers get twice the image size (at least 1MB) so later flushes fit
// without regrowing. The arena is written to a temp file and renamed into
// place, so readers see either the old arena or the new one. seq is the
// sequence number stored in the header.
func CreateArena(dbPath, arenaPath string, seq uint64) error {
	db, err := os.ReadFile(dbPath)
	if err != nil {
		return fmt.Errorf("read db: %w", err)
	}
	bufferSize := int64(len(db)) * 2
	if bufferSize < minBufferSize {
		bufferSize = minBufferSize
	}

	tmp, err := os.CreateTemp(filepath.Dir(arenaPath), ".arena-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Truncate(ArenaHeaderSize + 2*bufferSize); err != nil {
		return fmt.Errorf("size arena: %w", err)
	}
	if _, err := tmp.WriteAt(db, BufferOffset(0, bufferSize)); err != nil {
		return fmt.Errorf("write buffer: %w", err)
	}
	h := &ArenaHeader{
		Magic:    ArenaMagic,
		Version:  arenaVersion,
		Sequence: seq,
		Lengths:  [2]uint64{uint64(len(db)), 0},
	}
	if err := WriteArenaHeader(tmp, h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync arena: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, arenaPath); err != nil {
		return fmt.Errorf("install arena: %w", err)
	}
	cleanup = false
	return nil
}

// ExtractActiveDB copies the active image out of the arena into a temp
// file and returns its path. The caller removes the file.
func ExtractActiveDB(arenaPath string) (string, error) {
	f, err := os.Open(arenaPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoArena
	}
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	header, err := ReadArenaHeader(f)
	if err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	bufferSize, err := BufferSize(info.Size())
	if err != nil {
		return "", err
	}
	length := int64(header.Lengths[header.ActiveBuffer])
	if length <= 0 || length > bufferSize {
		return "", fmt.Errorf("invalid image length %d for buffer size %d", length, bufferSize)
	}

	tmp, err := os.CreateTemp("", "axindex-arena-*.db")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	src := io.NewSectionReader(f, BufferOffset(header.ActiveBuffer, bufferSize), length)
	if _, err := io.Copy(tmp, src); err != nil {
		return "", fmt.Errorf("copy active db: %w", err)
	}
	cleanup = false
	return tmpPath, nil
}
