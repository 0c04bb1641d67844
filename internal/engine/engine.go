// Package engine is the SQLite-backed content query engine. Each
// application has a directory holding a manifest and one or more shard
// databases; domains are opened on first use and cached until their
// directory changes on disk.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/knowledge-services/internal/metrics"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/fsnotify/fsnotify"
	"github.com/ohler55/ojg/oj"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config configures an Engine.
type Config struct {
	// DataDirs are searched in order for <dir>/<appID>/manifest.json.
	DataDirs []string
	// Watch invalidates cached domains when their directory changes.
	Watch bool
}

// Engine implements query.Engine.
type Engine struct {
	dataDirs []string
	log      zerolog.Logger

	mu      sync.Mutex
	domains map[string]*domain
	group   singleflight.Group

	watcher *fsnotify.Watcher
	byDir   map[string]string // watched dir -> appID
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ query.Engine = (*Engine)(nil)

// New creates an Engine. Nothing is opened until the first query.
func New(cfg Config, log zerolog.Logger) (*Engine, error) {
	if len(cfg.DataDirs) == 0 {
		return nil, errors.New("engine: no data directories")
	}
	e := &Engine{
		dataDirs: slices.Clone(cfg.DataDirs),
		log:      log,
		domains:  make(map[string]*domain),
		byDir:    make(map[string]string),
		done:     make(chan struct{}),
	}
	if cfg.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("engine: create watcher: %w", err)
		}
		e.watcher = w
		e.wg.Add(1)
		go e.watch()
	}
	return e, nil
}

// acquire returns the domain for appID, loading it once even under
// concurrent first use. The caller must call release.
func (e *Engine) acquire(ctx context.Context, appID string) (*domain, func(), error) {
	for {
		e.mu.Lock()
		if d, ok := e.domains[appID]; ok {
			d.inflight.Add(1)
			e.mu.Unlock()
			return d, d.inflight.Done, nil
		}
		e.mu.Unlock()

		ch := e.group.DoChan(appID, func() (any, error) {
			return e.load(appID)
		})
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, nil, res.Err
			}
		}
		// Loaded; loop to take the in-flight reference under the lock. The
		// domain may already have been invalidated, in which case we load
		// it again.
	}
}

func (e *Engine) load(appID string) (any, error) {
	dir, err := findDomainDir(e.dataDirs, appID)
	if err != nil {
		metrics.DomainLoads.WithLabelValues("error").Inc()
		return nil, err
	}
	d, err := openDomain(appID, dir)
	if err != nil {
		metrics.DomainLoads.WithLabelValues("error").Inc()
		return nil, err
	}

	e.mu.Lock()
	if old, ok := e.domains[appID]; ok {
		e.mu.Unlock()
		d.close()
		return old, nil
	}
	e.domains[appID] = d
	e.byDir[filepath.Clean(dir)] = appID
	e.mu.Unlock()

	if e.watcher != nil {
		if err := e.watcher.Add(dir); err != nil {
			e.log.Warn().Err(err).Str("dir", dir).Msg("cannot watch content directory")
		}
	}
	metrics.DomainLoads.WithLabelValues("ok").Inc()
	e.log.Debug().Str("app_id", appID).Str("dir", dir).Int("shards", len(d.shards)).Msg("content domain loaded")
	return d, nil
}

// Invalidate drops the cached domain of appID. Queries already running on
// it finish before its databases are closed. The directory watch stays in
// place; events for it are ignored until the domain is loaded again.
func (e *Engine) Invalidate(appID string) {
	e.mu.Lock()
	d, ok := e.domains[appID]
	if ok {
		delete(e.domains, appID)
		delete(e.byDir, filepath.Clean(d.dir))
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	metrics.DomainLoads.WithLabelValues("invalidated").Inc()
	e.log.Info().Str("app_id", appID).Msg("content domain invalidated")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		d.inflight.Wait()
		d.close()
	}()
}

// Loaded reports whether appID currently has a cached domain.
func (e *Engine) Loaded(appID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.domains[appID]
	return ok
}

// Shards implements query.Engine.
func (e *Engine) Shards(ctx context.Context, appID string) ([]string, error) {
	d, release, err := e.acquire(ctx, appID)
	if err != nil {
		return nil, err
	}
	defer release()
	return d.paths(), nil
}

type row struct {
	id     string
	record string
	seq    int64
	date   string
	shard  int
}

// Query implements query.Engine.
func (e *Engine) Query(ctx context.Context, t query.Template) (*query.Results, error) {
	if t.Limit() < 1 {
		return nil, query.Errorf(query.CodeInvalidQuery, "limit must be at least 1, got %d", t.Limit())
	}
	if t.Offset() < 0 {
		return nil, query.Errorf(query.CodeInvalidQuery, "offset must not be negative, got %d", t.Offset())
	}

	d, release, err := e.acquire(ctx, t.AppID())
	if err != nil {
		return nil, err
	}
	defer release()

	f := buildFilter(t)
	var rows []row
	total := 0
	for i, s := range d.shards {
		n, shardRows, err := queryShard(ctx, s, i, t, f)
		if err != nil {
			return nil, err
		}
		total += n
		rows = append(rows, shardRows...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(rows, compareRows(t))

	start := min(t.Offset(), len(rows))
	end := min(start+t.Limit(), len(rows))
	page := rows[start:end]

	res := &query.Results{UpperBound: total, Models: make([]*query.Model, 0, len(page))}
	used := roaring.New()
	for _, r := range page {
		fields, err := parseRecord(r.record)
		if err != nil {
			return nil, query.Wrap(query.CodeBadResults, err, "record "+r.id)
		}
		used.Add(uint32(r.shard))
		res.Models = append(res.Models, &query.Model{
			ID:     r.id,
			Shard:  d.shards[r.shard].path,
			Fields: fields,
		})
	}
	it := used.Iterator()
	for it.HasNext() {
		res.Shards = append(res.Shards, d.shards[it.Next()].path)
	}
	return res, nil
}

func queryShard(ctx context.Context, s *shard, idx int, t query.Template, f filter) (int, []row, error) {
	var total int
	stmt, args := countSQL(f)
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&total); err != nil {
		return 0, nil, shardErr(ctx, s, err)
	}
	if total == 0 {
		return 0, nil, nil
	}

	stmt, args = selectSQL(t, f)
	rs, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return 0, nil, shardErr(ctx, s, err)
	}
	defer func() { _ = rs.Close() }()

	var out []row
	for rs.Next() {
		r := row{shard: idx}
		if err := rs.Scan(&r.id, &r.record, &r.seq, &r.date); err != nil {
			return 0, nil, shardErr(ctx, s, err)
		}
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return 0, nil, shardErr(ctx, s, err)
	}
	return total, out, nil
}

func shardErr(ctx context.Context, s *shard, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("query shard %s: %w", s.path, err)
}

func compareRows(t query.Template) func(a, b row) int {
	desc := t.Order() == query.OrderDescending
	byDate := t.Sort() == query.SortDate
	return func(a, b row) int {
		var c int
		if byDate {
			c = cmp.Compare(a.date, b.date)
		} else {
			c = cmp.Compare(a.seq, b.seq)
		}
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	}
}

func parseRecord(record string) (map[string]any, error) {
	v, err := oj.ParseString(record)
	if err != nil {
		return nil, err
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record is %T, not an object", v)
	}
	return fields, nil
}

// Close stops the watcher and closes every open shard.
func (e *Engine) Close() error {
	select {
	case <-e.done:
		return nil
	default:
		close(e.done)
	}

	var err error
	if e.watcher != nil {
		err = e.watcher.Close()
	}
	e.wg.Wait()

	e.mu.Lock()
	domains := e.domains
	e.domains = make(map[string]*domain)
	e.byDir = make(map[string]string)
	e.mu.Unlock()
	for _, d := range domains {
		d.inflight.Wait()
		d.close()
	}
	return err
}
