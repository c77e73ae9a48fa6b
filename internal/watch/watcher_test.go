package watch

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/agentic-research/axindex/api"
	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/ingest"
)

type fakeRefresher struct {
	mu    sync.Mutex
	busy  int
	err   error
	calls [][]string
}

func (f *fakeRefresher) Refresh(paths []string) (*ingest.RefreshStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), paths...))
	if f.busy > 0 {
		f.busy--
		return nil, ingest.ErrBuildInProgress
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ingest.RefreshStats{Upserted: len(paths)}, nil
}

func (f *fakeRefresher) refreshed() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, c := range f.calls {
		for _, p := range c {
			out[p]++
		}
	}
	return out
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func tempRoot(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func newTestWatcher(t *testing.T, root string, target Refresher) *Watcher {
	t.Helper()
	w, err := New(root, api.DefaultLayout(), target,
		WithDebounce(20*time.Millisecond),
		WithRateLimit(rate.Inf, 1))
	require.NoError(t, err)
	return w
}

func TestDirPatterns(t *testing.T) {
	layout := &api.Layout{Types: []api.TypeDef{
		{Name: "class", Locations: []string{"*/*/AxClass/*.xml"}},
		{Name: "table", Locations: []string{"*/*/AxTable/*.xml", "flat.xml"}},
	}}
	assert.Equal(t, []string{"*", "*/*", "*/*/AxClass", "*/*/AxTable"}, dirPatterns(layout))
}

func TestWatcher_RefreshesChangedObjects(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := tempRoot(t)
	classDir := filepath.Join(root, "Pkg", "Pkg", "AxClass")
	require.NoError(t, os.MkdirAll(classDir, 0o755))
	existing := filepath.Join(classDir, "Existing.xml")
	require.NoError(t, os.WriteFile(existing, []byte("<AxClass/>"), 0o644))

	target := &fakeRefresher{}
	w := newTestWatcher(t, root, target)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(classDir, "CustPost.xml"), []byte("<AxClass/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(classDir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.Remove(existing))

	require.Eventually(t, func() bool {
		got := target.refreshed()
		return got["Pkg/Pkg/AxClass/CustPost.xml"] > 0 && got["Pkg/Pkg/AxClass/Existing.xml"] > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, target.refreshed(), "Pkg/Pkg/AxClass/notes.txt")
}

func TestWatcher_PicksUpNewPackages(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := tempRoot(t)
	target := &fakeRefresher{}
	w := newTestWatcher(t, root, target)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Start(context.Background()))

	tableDir := filepath.Join(root, "NewPkg", "NewPkg", "AxTable")
	require.NoError(t, os.MkdirAll(tableDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tableDir, "CustTable.xml"), []byte("<AxTable/>"), 0o644))

	require.Eventually(t, func() bool {
		return target.refreshed()["NewPkg/NewPkg/AxTable/CustTable.xml"] > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_RequeuesWhileBuilderBusy(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := tempRoot(t)
	target := &fakeRefresher{busy: 2}
	w := newTestWatcher(t, root, target)
	defer func() { _ = w.Close() }()

	w.flush([]string{"A/A/AxClass/One.xml"})
	assert.Equal(t, 1, w.Pending(), "busy builder keeps the path pending")

	assert.Empty(t, w.due(time.Now()), "requeued paths wait out the debounce again")
	batch := w.due(time.Now().Add(time.Second))
	require.Equal(t, []string{"A/A/AxClass/One.xml"}, batch)

	w.flush(batch)
	w.flush(w.due(time.Now().Add(time.Second)))
	assert.Zero(t, w.Pending())
	assert.Equal(t, 3, target.callCount())
}

func TestWatcher_DropsChangesBeforeFirstBuild(t *testing.T) {
	defer goleak.VerifyNone(t)

	target := &fakeRefresher{err: catalog.ErrNotBuilt}
	w := newTestWatcher(t, tempRoot(t), target)
	defer func() { _ = w.Close() }()

	w.flush([]string{"A/A/AxClass/One.xml"})
	assert.Zero(t, w.Pending())

	target.err = errors.New("disk full")
	w.flush([]string{"A/A/AxClass/One.xml"})
	assert.Zero(t, w.Pending(), "other failures are logged, not retried")
}

func TestWatcher_CloseWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newTestWatcher(t, tempRoot(t), &fakeRefresher{})
	assert.NoError(t, w.Close())
}

func catalogOf(paths ...string) *catalog.Store {
	byType := make(map[string][]catalog.Record)
	for _, p := range paths {
		byType["class"] = append(byType["class"], catalog.Record{
			ObjectType: "class",
			Name:       strings.TrimSuffix(path.Base(p), ".xml"),
			Path:       p,
		})
	}
	st := catalog.NewStore()
	st.Publish(catalog.NewSnapshot(byType, catalog.Meta{}))
	return st
}

func TestWatcher_RefreshesRecordsUnderMovedPackage(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := tempRoot(t)
	classDir := filepath.Join(root, "Gone", "Gone", "AxClass")
	require.NoError(t, os.MkdirAll(classDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(classDir, "One.xml"), []byte("<AxClass/>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Kept", "Kept", "AxClass"), 0o755))

	st := catalogOf("Gone/Gone/AxClass/One.xml", "Kept/Kept/AxClass/Two.xml", "GoneToo/GoneToo/AxClass/Three.xml")
	target := &fakeRefresher{}
	w, err := New(root, api.DefaultLayout(), target,
		WithDebounce(20*time.Millisecond),
		WithRateLimit(rate.Inf, 1),
		WithCatalog(st))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.Rename(filepath.Join(root, "Gone"), filepath.Join(tempRoot(t), "Gone")))

	require.Eventually(t, func() bool {
		return target.refreshed()["Gone/Gone/AxClass/One.xml"] > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, target.refreshed(), "Kept/Kept/AxClass/Two.xml")
	assert.NotContains(t, target.refreshed(), "GoneToo/GoneToo/AxClass/Three.xml", "prefix match stops at the separator")
}

func TestWatcher_RemovedDirectoryWithoutCatalog(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := tempRoot(t)
	w := newTestWatcher(t, root, &fakeRefresher{})
	defer func() { _ = w.Close() }()

	w.handle(fsnotify.Event{Name: filepath.Join(root, "Pkg"), Op: fsnotify.Remove})
	assert.Zero(t, w.Pending())

	w.catalog = catalogOf("Pkg/Pkg/AxClass/A.xml", "Pkg/Pkg/AxClass/B.xml")
	w.handle(fsnotify.Event{Name: filepath.Join(root, "Pkg", "Pkg"), Op: fsnotify.Rename})
	assert.Equal(t, 2, w.Pending())
}
