package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/axindex/internal/catalog"
	"github.com/agentic-research/axindex/internal/config"
	"github.com/agentic-research/axindex/internal/fs"
	"github.com/agentic-research/axindex/internal/ingest"
	"github.com/agentic-research/axindex/internal/query"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func scenarioRoot(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	writeTree(t, dir, map[string]string{
		"ApplicationSuite/Foundation/AxClass/SalesLineType.xml": "<AxClass/>",
		"ApplicationSuite/Foundation/AxClass/CustPost.xml":      "<AxClass><Source>validateWrite</Source></AxClass>",
		"Contoso/ContosoExt/AxClass/CustPost_Extension.xml":     "<AxClass/>",
		"ApplicationSuite/Foundation/AxTable/CustTable.xml":     "<AxTable/>",
		"Contoso/ContosoExt/AxTable/CustTable.xml":              "<AxTable/>",
	})
	return dir
}

func openService(t *testing.T, root, cacheDir string) *Service {
	t.Helper()
	s, err := Open(&config.Config{Root: root, CacheDir: cacheDir}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{&fs.PathViolation{Path: "../x"}, KindPathViolation},
		{fmt.Errorf("wrapped: %w", ingest.ErrBuildInProgress), KindBuildInProgress},
		{&ingest.BuildError{Reason: "root cannot be enumerated"}, KindBuildError},
		{catalog.ErrNotBuilt, KindNotBuilt},
		{&query.QueryError{Field: "sortBy"}, KindQueryError},
		{context.Canceled, KindCanceled},
		{errors.New("boom"), KindInternal},
	} {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

func TestService_NotBuiltIsDistinctFromNoMatch(t *testing.T) {
	s := openService(t, scenarioRoot(t), t.TempDir())

	page := s.SearchPattern(PatternRequest{Pattern: "Cust*"})
	assert.False(t, page.IndexBuilt)
	assert.Equal(t, KindNotBuilt, page.ErrorKind)
	assert.Zero(t, page.TotalCount)
	assert.NotNil(t, page.Objects)

	stats := s.IndexStats()
	assert.Equal(t, KindNotBuilt, stats.ErrorKind)

	require.False(t, s.BuildIndex(BuildRequest{}).Failed())

	page = s.SearchPattern(PatternRequest{Pattern: "Nothing*"})
	assert.True(t, page.IndexBuilt)
	assert.False(t, page.Failed())
	assert.Zero(t, page.TotalCount)
	assert.False(t, page.BuiltAt.IsZero())

	page = s.SearchPattern(PatternRequest{Pattern: "*", SortBy: "date"})
	assert.True(t, page.IndexBuilt)
	assert.Equal(t, KindQueryError, page.ErrorKind)
	assert.Contains(t, page.Error, "sortBy")
}

func TestService_ScenarioStats(t *testing.T) {
	s := openService(t, scenarioRoot(t), t.TempDir())

	build := s.BuildIndex(BuildRequest{})
	require.False(t, build.Failed(), build.Error)
	require.NotNil(t, build.Stats)
	assert.True(t, build.Stats.Persisted)

	stats := s.IndexStats()
	require.False(t, stats.Failed())
	assert.Equal(t, 5, stats.TotalObjects)
	assert.Equal(t, map[string]int{"class": 3, "table": 2}, stats.PerTypeCounts)
	assert.Equal(t, build.Stats.Elapsed, stats.LastBuildElapsed)
	assert.Equal(t, uint64(1), stats.Generation)

	found := s.FindObject(FindRequest{Name: "CustTable"})
	assert.Equal(t, 2, found.TotalCount)

	list := s.ListByType(ListRequest{ObjectType: "class", Limit: 1})
	assert.Equal(t, 3, list.TotalCount)
	assert.Len(t, list.Objects, 1)

	bad := s.BuildIndex(BuildRequest{ObjectType: "widget"})
	assert.Equal(t, KindBuildError, bad.ErrorKind)
	assert.Equal(t, 5, s.IndexStats().TotalObjects, "failed build keeps the prior snapshot")
}

func TestService_SmartSearch(t *testing.T) {
	s := openService(t, scenarioRoot(t), t.TempDir())
	ctx := context.Background()

	res := s.SmartSearch(ctx, SmartSearchRequest{Term: "validateWrite"})
	assert.False(t, res.IndexBuilt)
	assert.False(t, res.Failed(), "content search works before the first build")
	require.Len(t, res.Hits, 1)

	require.False(t, s.BuildIndex(BuildRequest{}).Failed())
	res = s.SmartSearch(ctx, SmartSearchRequest{Term: "CustPost"})
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, 2, res.ObjectHits)
	assert.Equal(t, res.ObjectHits+res.ContentHits, res.TotalCount)

	res = s.SmartSearch(ctx, SmartSearchRequest{Term: "x", PathScope: "../.."})
	assert.Equal(t, KindPathViolation, res.ErrorKind)
	assert.Empty(t, res.Hits)
}

func TestService_RestoresPersistedCatalog(t *testing.T) {
	root := scenarioRoot(t)
	cache := t.TempDir()

	first, err := Open(&config.Config{Root: root, CacheDir: cache}, nil)
	require.NoError(t, err)
	require.False(t, first.BuildIndex(BuildRequest{}).Failed())
	st, ok := first.Status()
	require.True(t, ok)
	assert.Equal(t, uint64(5), st.Total)
	require.NoError(t, first.Close())

	second := openService(t, root, cache)
	assert.True(t, second.Built())
	stats := second.IndexStats()
	assert.True(t, stats.Restored)
	assert.Equal(t, 5, stats.TotalObjects)

	require.NoError(t, os.Remove(filepath.Join(root, "Contoso/ContosoExt/AxTable/CustTable.xml")))
	found := second.FindObject(FindRequest{Name: "CustTable"})
	assert.Equal(t, 1, found.TotalCount, "vanished entries are pruned on first query")
}

func TestService_Refresh(t *testing.T) {
	root := scenarioRoot(t)
	s := openService(t, root, t.TempDir())

	_, meta := s.Refresh([]string{"x"})
	assert.Equal(t, KindNotBuilt, meta.ErrorKind)

	require.False(t, s.BuildIndex(BuildRequest{}).Failed())
	writeTree(t, root, map[string]string{"Contoso/ContosoExt/AxClass/NewOne.xml": "<AxClass/>"})
	stats, meta := s.Refresh([]string{"Contoso/ContosoExt/AxClass/NewOne.xml"})
	require.False(t, meta.Failed(), meta.Error)
	assert.Equal(t, 1, stats.Upserted)
	assert.Equal(t, 1, s.FindObject(FindRequest{Name: "NewOne"}).TotalCount)

	_, meta = s.Refresh([]string{"../outside.xml"})
	assert.Equal(t, KindPathViolation, meta.ErrorKind)
}

func TestOpen_RequiresRoot(t *testing.T) {
	_, err := Open(&config.Config{}, nil)
	assert.ErrorIs(t, err, config.ErrNoRoot)
}
