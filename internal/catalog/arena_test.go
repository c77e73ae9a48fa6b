package catalog

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/axindex/internal/control"
)

func writeDB(t *testing.T, path, val string) {
	t.Helper()
	_ = os.Remove(path)
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE t(id INTEGER PRIMARY KEY, val TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t VALUES (1, ?)", val)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func readVal(t *testing.T, arenaPath string) string {
	t.Helper()
	extracted, err := ExtractActiveDB(arenaPath)
	require.NoError(t, err)
	defer func() { _ = os.Remove(extracted) }()

	db, err := sql.Open("sqlite", extracted+"?mode=ro")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var val string
	require.NoError(t, db.QueryRow("SELECT val FROM t WHERE id = 1").Scan(&val))
	return val
}

func header(t *testing.T, arenaPath string) *ArenaHeader {
	t.Helper()
	f, err := os.Open(arenaPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	h, err := ReadArenaHeader(f)
	require.NoError(t, err)
	return h
}

func TestCreateArena(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	arenaPath := filepath.Join(dir, "test.arena")
	writeDB(t, dbPath, "hello")

	require.NoError(t, CreateArena(dbPath, arenaPath, 1))

	h := header(t, arenaPath)
	assert.Equal(t, uint32(ArenaMagic), h.Magic)
	assert.Equal(t, uint8(0), h.ActiveBuffer)
	assert.Equal(t, uint64(1), h.Sequence)

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(info.Size()), h.Lengths[0])

	assert.Equal(t, "hello", readVal(t, arenaPath))
}

func TestArenaFlusher_FlipBuffer(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "master.db")
	arenaPath := filepath.Join(dir, "test.arena")

	writeDB(t, dbPath, "v1")
	flusher := NewArenaFlusher(arenaPath, nil)
	seq, err := flusher.FlushNow(dbPath, control.Stats{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "first flush creates the arena")

	writeDB(t, dbPath, "v2")
	seq, err = flusher.FlushNow(dbPath, control.Stats{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	h := header(t, arenaPath)
	assert.Equal(t, uint8(1), h.ActiveBuffer, "should flip to buffer 1")
	assert.Equal(t, "v2", readVal(t, arenaPath))

	writeDB(t, dbPath, "v3")
	_, err = flusher.FlushNow(dbPath, control.Stats{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), header(t, arenaPath).ActiveBuffer)
	assert.Equal(t, "v3", readVal(t, arenaPath))
}

func TestArenaFlusher_GrowsWhenImageTooLarge(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "master.db")
	arenaPath := filepath.Join(dir, "test.arena")

	writeDB(t, dbPath, "small")
	flusher := NewArenaFlusher(arenaPath, nil)
	_, err := flusher.FlushNow(dbPath, control.Stats{})
	require.NoError(t, err)
	before, err := os.Stat(arenaPath)
	require.NoError(t, err)

	big := strings.Repeat("x", 3*minBufferSize)
	writeDB(t, dbPath, big)
	seq, err := flusher.FlushNow(dbPath, control.Stats{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq, "sequence continues across regrowth")

	after, err := os.Stat(arenaPath)
	require.NoError(t, err)
	assert.Greater(t, after.Size(), before.Size())
	assert.Equal(t, big, readVal(t, arenaPath))
}

func TestArenaFlusher_UpdatesControlBlock(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "master.db")
	arenaPath := filepath.Join(dir, "test.arena")
	writeDB(t, dbPath, "v1")

	ctrl, err := control.OpenOrCreate(filepath.Join(dir, "ctrl"))
	require.NoError(t, err)
	defer func() { _ = ctrl.Close() }()

	built := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	flusher := NewArenaFlusher(arenaPath, ctrl)
	_, err = flusher.FlushNow(dbPath, control.Stats{Generation: 7, Total: 12, BuiltAt: built})
	require.NoError(t, err)

	st := ctrl.Status()
	assert.Equal(t, uint64(7), st.Generation)
	assert.Equal(t, uint64(12), st.Total)
	assert.Equal(t, uint64(1), st.Sequence)
	assert.Equal(t, arenaPath, st.ArenaPath)
	assert.True(t, built.Equal(st.BuiltAt))
}

func TestExtractActiveDB_Missing(t *testing.T) {
	_, err := ExtractActiveDB(filepath.Join(t.TempDir(), "none.arena"))
	assert.ErrorIs(t, err, ErrNoArena)
}

func TestReadArenaHeader_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, make([]byte, ArenaHeaderSize), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	_, err = ReadArenaHeader(f)
	assert.Error(t, err)
}
