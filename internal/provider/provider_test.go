package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/agentic-research/knowledge-services/internal/appproxy"
	"github.com/agentic-research/knowledge-services/internal/keepalive"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/agentic-research/knowledge-services/internal/rpcerr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine answers queries from a callback. With block set, Query waits
// for it to close (or for cancellation, unless ignoreCtx is set).
type fakeEngine struct {
	mu        sync.Mutex
	queries   []query.Template
	answer    func(query.Template) (*query.Results, error)
	block     chan struct{}
	ignoreCtx bool
	started   chan query.Template
	shards    []string
	shardsErr error
}

func (e *fakeEngine) Query(ctx context.Context, t query.Template) (*query.Results, error) {
	e.mu.Lock()
	e.queries = append(e.queries, t)
	block, started := e.block, e.started
	e.mu.Unlock()

	if started != nil {
		started <- t
	}
	if block != nil {
		if e.ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return e.answer(t)
}

func (e *fakeEngine) Shards(context.Context, string) ([]string, error) {
	return e.shards, e.shardsErr
}

func (e *fakeEngine) recorded() []query.Template {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]query.Template(nil), e.queries...)
}

func model(id string, fields map[string]any) *query.Model {
	return &query.Model{ID: id, Shard: "/data/a.db", Fields: fields}
}

func fixed(res *query.Results) func(query.Template) (*query.Results, error) {
	return func(query.Template) (*query.Results, error) { return res, nil }
}

type fakeLauncher struct {
	mu      sync.Mutex
	items   [][]any
	queries [][]any
	err     error
}

func (l *fakeLauncher) LoadItem(_ context.Context, id, q string, ts uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, []any{id, q, ts})
	return l.err
}

func (l *fakeLauncher) LoadQuery(_ context.Context, q string, ts uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, []any{q, ts})
	return l.err
}

type fakeLinker struct {
	linked []string
	err    error
}

func (l *fakeLinker) Link(shards []string) error {
	l.linked = append(l.linked, shards...)
	return l.err
}

func testDeps(eng query.Engine, tracker *keepalive.Tracker, launcher *fakeLauncher) Deps {
	d := Deps{
		Engine: eng,
		Launcher: func(string) (appproxy.Launcher, error) {
			if launcher == nil {
				return nil, errors.New("no app")
			}
			return launcher, nil
		},
		Now:  func() time.Time { return time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC) },
		Rand: func(n int) int { return n - 1 },
		Log:  zerolog.Nop(),
	}
	if tracker != nil {
		d.Hold = tracker
	}
	return d
}

func kindOf(t *testing.T, err error) rpcerr.Kind {
	t.Helper()
	require.Error(t, err)
	kind, ok := rpcerr.KindOf(err)
	require.True(t, ok, "error %v carries no kind", err)
	return kind
}

func TestSearchInitialResultSet(t *testing.T) {
	eng := &fakeEngine{answer: fixed(&query.Results{
		Models:     []*query.Model{model("a1", map[string]any{"title": "Whales"}), model("a2", map[string]any{"title": "Orcas"})},
		UpperBound: 2,
	})}
	tracker := keepalive.New(nil)
	p := NewSearch("com.endlessm.example", testDeps(eng, tracker, nil))
	sk, err := p.SkeletonFor(api.SearchProvider2)
	require.NoError(t, err)

	ret, err := sk.Invoke(context.Background(), "GetInitialResultSet", []string{"blue", "whale"})
	require.NoError(t, err)
	assert.Equal(t, []any{[]string{"a1", "a2"}}, ret)

	require.Len(t, eng.recorded(), 1)
	q := eng.recorded()[0]
	assert.Equal(t, "com.endlessm.example", q.AppID())
	assert.Equal(t, "blue whale", q.SearchTerms())
	assert.Equal(t, []string{api.TagArticle}, q.TagsMatchAny())
	assert.Equal(t, 5, q.Limit())

	assert.Equal(t, 0, tracker.Count())
	assert.Equal(t, Ready, p.State())
}

func TestSearchEmptyTerms(t *testing.T) {
	eng := &fakeEngine{answer: fixed(&query.Results{})}
	p := NewSearch("app", testDeps(eng, nil, nil))

	for _, terms := range [][]string{nil, {""}, {"", ""}, {" "}, {"\t", " "}} {
		ids, err := p.SubsearchResultSet(context.Background(), []string{"x"}, terms)
		require.NoError(t, err, "%q", terms)
		assert.Empty(t, ids, "%q", terms)
		assert.NotNil(t, ids, "%q", terms)

		ids, err = p.InitialResultSet(context.Background(), terms)
		require.NoError(t, err, "%q", terms)
		assert.Empty(t, ids, "%q", terms)
	}
	assert.Empty(t, eng.recorded())
}

func TestSearchLatestWins(t *testing.T) {
	eng := &fakeEngine{
		answer:  fixed(&query.Results{Models: []*query.Model{model("new", nil)}, UpperBound: 1}),
		block:   make(chan struct{}),
		started: make(chan query.Template, 2),
	}
	tracker := keepalive.New(nil)
	p := NewSearch("app", testDeps(eng, tracker, nil))
	sk, _ := p.SkeletonFor(api.SearchProvider2)

	type reply struct {
		ret []any
		err error
	}
	first := make(chan reply, 1)
	go func() {
		ret, err := sk.Invoke(context.Background(), "GetInitialResultSet", []string{"old"})
		first <- reply{ret, err}
	}()
	<-eng.started

	second := make(chan reply, 1)
	go func() {
		ret, err := sk.Invoke(context.Background(), "GetSubsearchResultSet", []string{}, []string{"new"})
		second <- reply{ret, err}
	}()
	<-eng.started

	r1 := <-first
	assert.Equal(t, rpcerr.Cancelled, kindOf(t, r1.err))
	assert.Nil(t, r1.ret)

	close(eng.block)
	r2 := <-second
	require.NoError(t, r2.err)
	assert.Equal(t, []any{[]string{"new"}}, r2.ret)

	require.Eventually(t, func() bool { return tracker.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSupersededCallNeverSeesStaleResults(t *testing.T) {
	eng := &fakeEngine{
		answer:    fixed(&query.Results{Models: []*query.Model{model("stale", nil)}, UpperBound: 1}),
		block:     make(chan struct{}),
		ignoreCtx: true,
		started:   make(chan query.Template, 2),
	}
	p := NewSearch("app", testDeps(eng, nil, nil))

	first := make(chan error, 1)
	go func() {
		_, err := p.InitialResultSet(context.Background(), []string{"a"})
		first <- err
	}()
	<-eng.started

	second := make(chan error, 1)
	go func() {
		_, err := p.InitialResultSet(context.Background(), []string{"b"})
		second <- err
	}()
	<-eng.started

	close(eng.block)
	assert.Equal(t, rpcerr.Cancelled, kindOf(t, <-first))
	assert.NoError(t, <-second)
}

func TestSearchEngineErrorIsRemapped(t *testing.T) {
	eng := &fakeEngine{answer: func(query.Template) (*query.Results, error) {
		return nil, query.Errorf(query.CodePathNotFound, "no domain for app")
	}}
	p := NewSearch("app", testDeps(eng, nil, nil))
	sk, _ := p.SkeletonFor(api.SearchProvider)

	ret, err := sk.Invoke(context.Background(), "GetInitialResultSet", []string{"x"})
	assert.Nil(t, ret)
	assert.Equal(t, rpcerr.AppNotFound, kindOf(t, err))
	assert.Equal(t, Uninitialized, p.State())
}

func TestResultMetas(t *testing.T) {
	long := strings.Repeat("a", 199) + "é" + "tail"
	exact := strings.Repeat("b", 250)
	eng := &fakeEngine{answer: fixed(&query.Results{Models: []*query.Model{
		model("a1", map[string]any{"title": "Title", "original_title": "Original", "synopsis": "short"}),
		model("a2", map[string]any{"title": "Only title", "original_title": "", "synopsis": long}),
		model("a3", map[string]any{"title": "No synopsis"}),
		model("a4", map[string]any{"title": "Exact", "synopsis": exact}),
	}})}
	p := NewSearch("app", testDeps(eng, nil, nil))
	_, err := p.InitialResultSet(context.Background(), []string{"x"})
	require.NoError(t, err)

	metas := p.ResultMetas([]string{"a1", "unknown", "a2", "a3", "a4"})
	require.Len(t, metas, 4)

	assert.Equal(t, "a1", metas[0]["id"].Value())
	assert.Equal(t, "Original", metas[0]["name"].Value())
	assert.Equal(t, "short", metas[0]["description"].Value())

	assert.Equal(t, "Only title", metas[1]["name"].Value())
	assert.Equal(t, strings.Repeat("a", 199), metas[1]["description"].Value())

	_, hasDescription := metas[2]["description"]
	assert.False(t, hasDescription)

	assert.Len(t, metas[3]["description"].Value(), 200)
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "héllo", truncateUTF8("héllo", 200))
	assert.Equal(t, "h", truncateUTF8("hé", 2))
	assert.Equal(t, "hé", truncateUTF8("hé", 3))
	assert.Equal(t, "", truncateUTF8("日本", 2))
}

func TestActivateAndLaunch(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewSearch("com.endlessm.example", testDeps(&fakeEngine{}, nil, launcher))

	v2, _ := p.SkeletonFor(api.SearchProvider2)
	_, err := v2.Invoke(context.Background(), "ActivateResult", "a1", []string{"blue", "whale"}, uint32(7))
	require.NoError(t, err)
	_, err = v2.Invoke(context.Background(), "LaunchSearch", []string{"blue", "whale"}, uint32(8))
	require.NoError(t, err)

	v1, _ := p.SkeletonFor(api.SearchProvider)
	_, err = v1.Invoke(context.Background(), "ActivateResult", "a2")
	require.NoError(t, err)

	assert.Equal(t, [][]any{{"a1", "blue whale", uint32(7)}, {"a2", "", uint32(0)}}, launcher.items)
	assert.Equal(t, [][]any{{"blue whale", uint32(8)}}, launcher.queries)
	assert.Equal(t, AppProxyResolved, p.State())
}

func TestActivateFailuresAreSwallowed(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("app crashed")}
	p := NewSearch("app", testDeps(&fakeEngine{}, nil, launcher))
	v2, _ := p.SkeletonFor(api.SearchProvider2)

	_, err := v2.Invoke(context.Background(), "ActivateResult", "a1", []string{"x"}, uint32(1))
	assert.NoError(t, err)

	broken := NewSearch("app", testDeps(&fakeEngine{}, nil, nil))
	v2, _ = broken.SkeletonFor(api.SearchProvider2)
	_, err = v2.Invoke(context.Background(), "LaunchSearch", []string{"x"}, uint32(1))
	assert.NoError(t, err)
}

func TestSearchUnknownInterface(t *testing.T) {
	p := NewSearch("app", testDeps(&fakeEngine{}, nil, nil))
	_, err := p.SkeletonFor(api.ContentMetadata)
	assert.Error(t, err)
}

func TestObjectCacheEvictsOldest(t *testing.T) {
	c := newObjectCache(2)
	c.put("a", model("a", nil))
	c.put("b", model("b", nil))
	c.put("a", model("a", map[string]any{"title": "updated"}))
	c.put("c", model("c", nil))

	_, ok := c.get("a")
	assert.False(t, ok)
	_, ok = c.get("b")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestSlot(t *testing.T) {
	var s slot
	ctx1, done1 := s.begin(context.Background())
	ctx2, done2 := s.begin(context.Background())
	defer done2()

	assert.True(t, superseded(ctx1))
	assert.False(t, superseded(ctx2))
	done1()
	assert.NoError(t, ctx2.Err(), "finishing an old request leaves the new one alone")

	s.supersede()
	assert.True(t, superseded(ctx2))
}

func TestDepsDefaults(t *testing.T) {
	d := Deps{}.withDefaults()
	release := d.Hold.Hold()
	release()
	assert.NotNil(t, d.Now)
	n := d.Rand(3)
	assert.GreaterOrEqual(t, n, 0)
	assert.Less(t, n, 3)
	assert.Equal(t, "app-proxy-resolved", AppProxyResolved.String())
}
