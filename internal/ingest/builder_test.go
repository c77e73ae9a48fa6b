package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/axindex/api"
	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/fs"
	"github.com/agentic-research/axindex/internal/query"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

// scenarioTree holds 3 classes and 2 tables.
func scenarioTree(t *testing.T) string {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	writeTree(t, dir, map[string]string{
		"ApplicationSuite/Foundation/AxClass/SalesLineType.xml": "<AxClass/>",
		"ApplicationSuite/Foundation/AxClass/CustPost.xml":      "<AxClass/>",
		"Contoso/ContosoExt/AxClass/CustPost_Extension.xml":     "<AxClass/>",
		"ApplicationSuite/Foundation/AxTable/CustTable.xml":     "<AxTable/>",
		"Contoso/ContosoExt/AxTable/CustTable.xml":              "<AxTable/>",
		"ApplicationSuite/Foundation/README.md":                 "not an object",
	})
	return dir
}

func newTestBuilder(t *testing.T, dir string, clock *fakeClock, opts ...Option) (*Builder, *catalog.Store) {
	t.Helper()
	st := catalog.NewStore()
	opts = append([]Option{WithClock(clock.Now), WithWorkers(4)}, opts...)
	return NewBuilder(dir, api.DefaultLayout(), st, opts...), st
}

type recordKey struct{ typ, pkg, name, path string }

func keys(s *catalog.Snapshot) []recordKey {
	var out []recordKey
	for _, r := range s.All() {
		out = append(out, recordKey{r.ObjectType, r.Package, r.Name, r.Path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

func TestBuild_ScenarioCounts(t *testing.T) {
	b, st := newTestBuilder(t, scenarioTree(t), newClock())

	stats, err := b.Build("", false)
	require.NoError(t, err)
	assert.Equal(t, ScopeAll, stats.Scope)
	assert.Equal(t, 5, stats.TotalObjects)
	assert.Equal(t, map[string]int{"class": 3, "table": 2}, stats.PerTypeCounts)
	assert.Zero(t, stats.FailedCount)
	assert.Equal(t, uint64(1), stats.Generation)
	assert.Same(t, stats, b.LastStats())

	snap, err := st.Current()
	require.NoError(t, err)
	r, ok := snap.Lookup("Contoso/ContosoExt/AxTable/CustTable.xml")
	require.True(t, ok)
	assert.Equal(t, "CustTable", r.Name)
	assert.Equal(t, "table", r.ObjectType)
	assert.Equal(t, "Contoso", r.Package)
	assert.Equal(t, int64(len("<AxTable/>")), r.Size)
}

func TestBuild_ForcedRebuildIsIdempotent(t *testing.T) {
	clock := newClock()
	b, st := newTestBuilder(t, scenarioTree(t), clock)

	first, err := b.Build(ScopeAll, true)
	require.NoError(t, err)
	s1, _ := st.Current()

	clock.Advance(time.Hour)
	second, err := b.Build(ScopeAll, true)
	require.NoError(t, err)
	s2, _ := st.Current()

	assert.Equal(t, first.PerTypeCounts, second.PerTypeCounts)
	assert.Equal(t, keys(s1), keys(s2))
	assert.Zero(t, second.Reused, "forced builds never reuse")
	for _, r := range s2.All() {
		assert.True(t, clock.Now().Equal(r.LastIndexed), "forced rebuild stamps %s", r.Path)
	}
}

func TestBuild_IncrementalKeepsLastIndexed(t *testing.T) {
	clock := newClock()
	dir := scenarioTree(t)
	b, st := newTestBuilder(t, dir, clock)

	_, err := b.Build("", false)
	require.NoError(t, err)
	s1, _ := st.Current()

	clock.Advance(time.Hour)
	changed := "ApplicationSuite/Foundation/AxClass/CustPost.xml"
	writeTree(t, dir, map[string]string{changed: "<AxClass>grown</AxClass>"})

	stats, err := b.Build("", false)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Reused)
	s2, _ := st.Current()

	for _, r := range s2.All() {
		old, ok := s1.Lookup(r.Path)
		require.True(t, ok)
		if r.Path == changed {
			assert.True(t, clock.Now().Equal(r.LastIndexed))
			assert.NotEqual(t, old.Size, r.Size)
			continue
		}
		assert.Equal(t, old, r, "unchanged record %s is carried as-is", r.Path)
	}
}

func TestBuild_TypeScopedPreservesOtherTypes(t *testing.T) {
	clock := newClock()
	dir := scenarioTree(t)
	b, st := newTestBuilder(t, dir, clock)

	_, err := b.Build("", false)
	require.NoError(t, err)
	before, _ := st.Current()
	tables := append([]catalog.Record(nil), before.Records("table")...)

	writeTree(t, dir, map[string]string{
		"Contoso/ContosoExt/AxTable/NewTable.xml":  "<AxTable/>",
		"Contoso/ContosoExt/AxClass/NewHelper.xml": "<AxClass/>",
	})
	clock.Advance(time.Minute)

	for _, force := range []bool{false, true} {
		stats, err := b.Build("Class", force)
		require.NoError(t, err)
		assert.Equal(t, "class", stats.Scope)
		assert.Equal(t, map[string]int{"class": 4, "table": 2}, stats.PerTypeCounts)

		after, _ := st.Current()
		assert.Equal(t, tables, after.Records("table"), "force=%v", force)
	}
}

func TestBuild_RejectsConcurrentBuild(t *testing.T) {
	b, _ := newTestBuilder(t, scenarioTree(t), newClock())

	b.active.Store(true)
	_, err := b.Build("", false)
	assert.ErrorIs(t, err, ErrBuildInProgress)
	_, err = b.Refresh(nil)
	assert.ErrorIs(t, err, ErrBuildInProgress)
	assert.True(t, b.Busy())

	b.active.Store(false)
	_, err = b.Build("", false)
	assert.NoError(t, err)
	assert.False(t, b.Busy())
}

func TestBuild_ErrorsLeavePriorSnapshot(t *testing.T) {
	dir := scenarioTree(t)
	b, st := newTestBuilder(t, dir, newClock())
	_, err := b.Build("", false)
	require.NoError(t, err)
	prior, _ := st.Current()

	_, err = b.Build("tabel", false)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, api.ErrUnknownType)

	b.rootDir = filepath.Join(dir, "gone")
	_, err = b.Build("", true)
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Error(), "root cannot be enumerated")

	cur, _ := st.Current()
	assert.Same(t, prior, cur)
}

func TestBuild_PartialFailuresAreSkipped(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"top.txt":         "no package folder",
		"Fleet/.txt":      "no name",
		"Fleet/label.txt": "ok",
	})
	layout, err := api.ParseLayout("layout.hcl", []byte(`
type "label" {
  locations = ["**/*.txt"]
}
`))
	require.NoError(t, err)
	st := catalog.NewStore()
	b := NewBuilder(dir, layout, st)

	stats, err := b.Build("", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalObjects)
	assert.Equal(t, 2, stats.FailedCount)
	require.Len(t, stats.Failures, 2)
	assert.Equal(t, "Fleet/.txt", stats.Failures[0].Path)
	assert.Equal(t, "top.txt", stats.Failures[1].Path)
}

func TestRefresh(t *testing.T) {
	clock := newClock()
	dir := scenarioTree(t)
	b, st := newTestBuilder(t, dir, clock)

	_, err := b.Refresh([]string{"x"})
	assert.ErrorIs(t, err, catalog.ErrNotBuilt)

	_, err = b.Build("", false)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	writeTree(t, dir, map[string]string{
		"Contoso/ContosoExt/AxForm/CustForm.xml":           "<AxForm/>",
		"ApplicationSuite/Foundation/AxClass/CustPost.xml": "<AxClass>v2</AxClass>",
	})
	require.NoError(t, os.Remove(filepath.Join(dir, "Contoso", "ContosoExt", "AxTable", "CustTable.xml")))

	stats, err := b.Refresh([]string{
		"Contoso/ContosoExt/AxForm/CustForm.xml",
		filepath.Join(dir, "ApplicationSuite", "Foundation", "AxClass", "CustPost.xml"),
		"Contoso/ContosoExt/AxTable/CustTable.xml",
		"ApplicationSuite/Foundation/AxTable/CustTable.xml",
		"ApplicationSuite/Foundation/README.md",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Upserted)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 1, stats.Ignored)
	assert.True(t, stats.Published)
	assert.Equal(t, uint64(2), stats.Generation)

	snap, _ := st.Current()
	assert.Equal(t, map[string]int{"class": 3, "form": 1, "table": 1}, snap.Counts())
	form, ok := snap.Lookup("Contoso/ContosoExt/AxForm/CustForm.xml")
	require.True(t, ok)
	assert.True(t, clock.Now().Equal(form.LastIndexed))

	_, err = b.Refresh([]string{"../outside.xml"})
	assert.ErrorIs(t, err, fs.ErrPathViolation)

	stats, err = b.Refresh([]string{"ApplicationSuite/Foundation/AxTable/CustTable.xml"})
	require.NoError(t, err)
	assert.False(t, stats.Published, "no change, no publish")
}

func TestRefresh_BadPathDoesNotBlockBatch(t *testing.T) {
	clock := newClock()
	dir := scenarioTree(t)
	b, st := newTestBuilder(t, dir, clock)
	_, err := b.Build("", false)
	require.NoError(t, err)

	writeTree(t, dir, map[string]string{"Contoso/ContosoExt/AxForm/CustForm.xml": "<AxForm/>"})

	stats, err := b.Refresh([]string{"../outside.xml", "Contoso/ContosoExt/AxForm/CustForm.xml"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Upserted)
	assert.Equal(t, 1, stats.FailedCount)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "../outside.xml", stats.Failures[0].Path)
	assert.ErrorIs(t, stats.Failures[0].Err, fs.ErrPathViolation)
	assert.True(t, stats.Published)

	snap, _ := st.Current()
	_, ok := snap.Lookup("Contoso/ContosoExt/AxForm/CustForm.xml")
	assert.True(t, ok)
}

type failingMirror struct{ loads int }

func (m *failingMirror) Persist(*catalog.Snapshot) error { return errors.New("disk full") }
func (m *failingMirror) Load() (*catalog.Snapshot, error) {
	m.loads++
	return nil, nil
}

func TestBuild_PersistFailureKeepsPublish(t *testing.T) {
	m := &failingMirror{}
	b, st := newTestBuilder(t, scenarioTree(t), newClock(), WithMirror(m))

	restored, err := b.Restore()
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, 1, m.loads)

	stats, err := b.Build("", false)
	require.NoError(t, err)
	assert.False(t, stats.Persisted)
	assert.Equal(t, "disk full", stats.PersistError)

	snap, err := st.Current()
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Total())
}

func TestBuild_PersistAndRestore(t *testing.T) {
	dir := scenarioTree(t)
	cache := t.TempDir()

	m, err := catalog.OpenDiskMirror(cache)
	require.NoError(t, err)
	b, st := newTestBuilder(t, dir, newClock(), WithMirror(m))
	stats, err := b.Build("", false)
	require.NoError(t, err)
	assert.True(t, stats.Persisted)
	built, _ := st.Current()
	require.NoError(t, m.Close())

	m2, err := catalog.OpenDiskMirror(cache)
	require.NoError(t, err)
	defer func() { _ = m2.Close() }()
	b2, st2 := newTestBuilder(t, dir, newClock(), WithMirror(m2))

	restored, err := b2.Restore()
	require.NoError(t, err)
	assert.True(t, restored)

	snap, err := st2.Current()
	require.NoError(t, err)
	assert.True(t, snap.Restored())
	assert.Equal(t, built.All(), snap.All())
	assert.Equal(t, built.Generation(), snap.Generation())

	restored, err = b2.Restore()
	require.NoError(t, err)
	assert.False(t, restored, "restore is a no-op once a snapshot is published")
}

func TestBuild_TypeScopedKeepsRestoredRecordsPrunable(t *testing.T) {
	clock := newClock()
	dir := scenarioTree(t)
	b, st := newTestBuilder(t, dir, clock)
	_, err := b.Build("", false)
	require.NoError(t, err)

	// Serve the same records as if they had been loaded from disk.
	built, _ := st.Current()
	byType := make(map[string][]catalog.Record)
	for _, typ := range built.Types() {
		byType[typ] = built.Records(typ)
	}
	st.Publish(catalog.NewSnapshot(byType, catalog.Meta{BuiltAt: built.BuiltAt(), Restored: true}))

	require.NoError(t, os.Remove(filepath.Join(dir, "Contoso", "ContosoExt", "AxTable", "CustTable.xml")))
	clock.Advance(time.Minute)
	_, err = b.Build("class", false)
	require.NoError(t, err)

	snap, _ := st.Current()
	assert.True(t, snap.Restored(), "carried-over tables were never checked")

	page, err := query.NewEngine(st, api.DefaultLayout(), dir, 0).ListByType("table", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalMatches)

	_, err = b.Build("", false)
	require.NoError(t, err)
	snap, _ = st.Current()
	assert.False(t, snap.Restored(), "a full build checks every file")
}
