package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testApp = "com.endlessm.example"

func article(id string, seq int64, date string, tags ...string) api.Record {
	return api.Record{
		ID:               id,
		Title:            "Title " + id,
		Synopsis:         "About " + id,
		LastModifiedDate: date,
		SequenceNumber:   seq,
		Tags:             tags,
	}
}

func writeShard(t *testing.T, path string, recs ...api.Record) {
	t.Helper()
	w, err := NewShardWriter(path)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Add(r, nil))
	}
	require.NoError(t, w.Close())
}

func writeManifest(t *testing.T, dir string, version int, shards ...string) {
	t.Helper()
	m := api.Manifest{Version: version}
	for _, s := range shards {
		m.Shards = append(m.Shards, api.Shard{Path: s})
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, api.ManifestFile), data, 0o644))
}

// createDomain lays out <base>/<appID>/{manifest.json,a.db,b.db}.
func createDomain(t *testing.T) (base, dir string) {
	t.Helper()
	base = t.TempDir()
	dir = filepath.Join(base, testApp)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	writeShard(t, filepath.Join(dir, "a.db"),
		article("ekn:///a1", 1, "2020-01-01", "EknArticleObject", "EknHasDiscoveryFeedTitle"),
		article("ekn:///a2", 3, "2021-06-01", "EknArticleObject"),
		article("ekn:///q1", 5, "2019-03-03", "EknQuoteObject"),
	)
	writeShard(t, filepath.Join(dir, "b.db"),
		article("ekn:///b1", 2, "2022-02-02", "EknArticleObject", "EknHasDiscoveryFeedTitle"),
		article("ekn:///b2", 4, "2018-12-12", "EknArticleObject", "EknHasDiscoveryFeedTitle"),
	)
	writeManifest(t, dir, api.ManifestVersion, "a.db", "b.db", "a.db")
	return base, dir
}

func newEngine(t *testing.T, watch bool, dirs ...string) *Engine {
	t.Helper()
	e, err := New(Config{DataDirs: dirs, Watch: watch}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func ids(res *query.Results) []string {
	out := make([]string, len(res.Models))
	for i, m := range res.Models {
		out[i] = m.ID
	}
	return out
}

func TestQuery(t *testing.T) {
	base, dir := createDomain(t)
	e := newEngine(t, false, filepath.Join(t.TempDir(), "missing"), base)
	ctx := context.Background()

	t.Run("tags match any across shards", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp, query.MatchAny("EknArticleObject")))
		require.NoError(t, err)
		assert.Equal(t, []string{"ekn:///a1", "ekn:///b1", "ekn:///a2", "ekn:///b2"}, ids(res))
		assert.Equal(t, 4, res.UpperBound)
		assert.ElementsMatch(t, []string{filepath.Join(dir, "a.db"), filepath.Join(dir, "b.db")}, res.Shards)
	})

	t.Run("tags match all", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp,
			query.MatchAny("EknArticleObject"), query.MatchAll("EknHasDiscoveryFeedTitle")))
		require.NoError(t, err)
		assert.Equal(t, []string{"ekn:///a1", "ekn:///b1", "ekn:///b2"}, ids(res))
	})

	t.Run("limit and offset keep the upper bound", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp, query.MatchAny("EknArticleObject"), query.Limit(2), query.Offset(1)))
		require.NoError(t, err)
		assert.Equal(t, []string{"ekn:///b1", "ekn:///a2"}, ids(res))
		assert.Equal(t, 4, res.UpperBound)
	})

	t.Run("offset past the end", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp, query.MatchAny("EknArticleObject"), query.Offset(10)))
		require.NoError(t, err)
		assert.Empty(t, res.Models)
		assert.Empty(t, res.Shards)
		assert.Equal(t, 4, res.UpperBound)
	})

	t.Run("shards deduplicated to those referenced", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp, query.MatchAny("EknQuoteObject")))
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(dir, "a.db")}, res.Shards)
	})

	t.Run("sort by date descending", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp, query.MatchAny("EknArticleObject"),
			query.SortBy(query.SortDate), query.OrderBy(query.OrderDescending), query.Limit(2)))
		require.NoError(t, err)
		assert.Equal(t, []string{"ekn:///b1", "ekn:///a2"}, ids(res))
	})

	t.Run("search terms", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp, query.Terms("about B2")))
		require.NoError(t, err)
		assert.Equal(t, []string{"ekn:///b2"}, ids(res))
	})

	t.Run("ids", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp, query.IDs("ekn:///q1", "ekn:///b1")))
		require.NoError(t, err)
		assert.Equal(t, []string{"ekn:///b1", "ekn:///q1"}, ids(res))
	})

	t.Run("records are parsed", func(t *testing.T) {
		res, err := e.Query(ctx, query.New(testApp, query.IDs("ekn:///a1")))
		require.NoError(t, err)
		require.Len(t, res.Models, 1)
		m := res.Models[0]
		assert.Equal(t, "Title ekn:///a1", m.Text("title"))
		assert.Equal(t, []string{"EknArticleObject", "EknHasDiscoveryFeedTitle"}, m.Strings("tags"))
		assert.Equal(t, filepath.Join(dir, "a.db"), m.Shard)
	})

	t.Run("shards lists each file once", func(t *testing.T) {
		shards, err := e.Shards(ctx, testApp)
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(dir, "a.db"), filepath.Join(dir, "b.db")}, shards)
	})
}

func TestQueryErrors(t *testing.T) {
	ctx := context.Background()

	code := func(t *testing.T, err error) query.Code {
		t.Helper()
		require.Error(t, err)
		c, ok := query.CodeOf(err)
		require.True(t, ok, "unclassified error: %v", err)
		return c
	}

	t.Run("unknown app", func(t *testing.T) {
		e := newEngine(t, false, t.TempDir())
		_, err := e.Query(ctx, query.New("com.example.missing"))
		assert.Equal(t, query.CodePathNotFound, code(t, err))
	})

	t.Run("invalid app id", func(t *testing.T) {
		e := newEngine(t, false, t.TempDir())
		_, err := e.Query(ctx, query.New("../etc"))
		assert.Equal(t, query.CodePathNotFound, code(t, err))
		_, err = e.Query(ctx, query.New(""))
		assert.Equal(t, query.CodePathNotFound, code(t, err))
	})

	t.Run("unsupported version", func(t *testing.T) {
		base, dir := createDomain(t)
		writeManifest(t, dir, 1, "a.db")
		_, err := newEngine(t, false, base).Query(ctx, query.New(testApp))
		assert.Equal(t, query.CodeUnsupportedVersion, code(t, err))
	})

	t.Run("no shards", func(t *testing.T) {
		base, dir := createDomain(t)
		writeManifest(t, dir, api.ManifestVersion)
		_, err := newEngine(t, false, base).Query(ctx, query.New(testApp))
		assert.Equal(t, query.CodeEmpty, code(t, err))
	})

	t.Run("broken manifest", func(t *testing.T) {
		base, dir := createDomain(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, api.ManifestFile), []byte("{"), 0o644))
		_, err := newEngine(t, false, base).Query(ctx, query.New(testApp))
		assert.Equal(t, query.CodeBadManifest, code(t, err))
	})

	t.Run("missing shard", func(t *testing.T) {
		base, dir := createDomain(t)
		writeManifest(t, dir, api.ManifestVersion, "gone.db")
		_, err := newEngine(t, false, base).Query(ctx, query.New(testApp))
		assert.Equal(t, query.CodeBadManifest, code(t, err))
	})

	t.Run("bad record", func(t *testing.T) {
		base := t.TempDir()
		dir := filepath.Join(base, testApp)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		w, err := NewShardWriter(filepath.Join(dir, "a.db"))
		require.NoError(t, err)
		require.NoError(t, w.Add(api.Record{ID: "ekn:///bad", Tags: []string{"EknArticleObject"}}, []byte("not json")))
		require.NoError(t, w.Close())
		writeManifest(t, dir, api.ManifestVersion, "a.db")

		_, err = newEngine(t, false, base).Query(ctx, query.New(testApp))
		assert.Equal(t, query.CodeBadResults, code(t, err))
	})

	t.Run("zero limit", func(t *testing.T) {
		base, _ := createDomain(t)
		_, err := newEngine(t, false, base).Query(ctx, query.New(testApp, query.Limit(0)))
		assert.Equal(t, query.CodeInvalidQuery, code(t, err))
	})

	t.Run("cancelled", func(t *testing.T) {
		base, _ := createDomain(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := newEngine(t, false, base).Query(cctx, query.New(testApp))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConcurrentFirstUse(t *testing.T) {
	base, _ := createDomain(t)
	e := newEngine(t, false, base)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Query(context.Background(), query.New(testApp, query.MatchAny("EknArticleObject")))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, e.Loaded(testApp))
}

func TestInvalidateReloads(t *testing.T) {
	base, dir := createDomain(t)
	e := newEngine(t, false, base)
	ctx := context.Background()

	res, err := e.Query(ctx, query.New(testApp, query.MatchAny("EknArticleObject")))
	require.NoError(t, err)
	assert.Equal(t, 4, res.UpperBound)

	writeManifest(t, dir, api.ManifestVersion, "b.db")
	e.Invalidate(testApp)
	assert.False(t, e.Loaded(testApp))

	res, err = e.Query(ctx, query.New(testApp, query.MatchAny("EknArticleObject")))
	require.NoError(t, err)
	assert.Equal(t, 2, res.UpperBound)
}

func TestWatcherInvalidates(t *testing.T) {
	base, dir := createDomain(t)
	e := newEngine(t, true, base)

	_, err := e.Shards(context.Background(), testApp)
	require.NoError(t, err)
	require.True(t, e.Loaded(testApp))

	writeShard(t, filepath.Join(dir, "c.db"), article("ekn:///c1", 9, "2023-01-01", "EknArticleObject"))
	writeManifest(t, dir, api.ManifestVersion, "a.db", "b.db", "c.db")

	require.Eventually(t, func() bool { return !e.Loaded(testApp) }, 5*time.Second, 20*time.Millisecond)

	shards, err := e.Shards(context.Background(), testApp)
	require.NoError(t, err)
	assert.Len(t, shards, 3)
}

func TestShardWriterAddJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.db")
	w, err := NewShardWriter(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		raw := fmt.Sprintf(`{"id":"ekn:///%d","title":"T%d","tags":["EknArticleObject"],"extra":{"n":%d}}`, i, i, i)
		require.NoError(t, w.AddJSON([]byte(raw)))
	}
	assert.Error(t, w.AddJSON([]byte(`{"title":"no id"}`)))
	assert.Equal(t, 3, w.Written())
	require.NoError(t, w.Close())

	db, err := openShard(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM object_tags WHERE tag = 'EknArticleObject'").Scan(&n))
	assert.Equal(t, 3, n)
}
