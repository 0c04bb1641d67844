package provider

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/agentic-research/knowledge-services/internal/bus"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/agentic-research/knowledge-services/internal/rpcerr"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// MetadataResult is one (metadata, models) tuple of a Query reply.
type MetadataResult struct {
	Metadata map[string]dbus.Variant
	Models   []map[string]dbus.Variant
}

// ContentMetadataInfo declares com.endlessm.ContentMetadata.
var ContentMetadataInfo = bus.InterfaceInfo{
	Name: api.ContentMetadata,
	Methods: []bus.MethodInfo{
		{
			Name: "Query",
			In:   []bus.Arg{{Name: "queries", Value: []map[string]dbus.Variant(nil)}},
			Out: []bus.Arg{
				{Name: "shards", Value: []string(nil)},
				{Name: "results", Value: []MetadataResult(nil)},
			},
		},
		{
			Name: "Shards",
			Out:  []bus.Arg{{Name: "shards", Value: []string(nil)}},
		},
	},
}

// modelKeys maps reply keys to record fields. Absent fields are omitted.
var modelKeys = []struct {
	key, field string
	list       bool
}{
	{key: "child_tags", field: "child_tags", list: true},
	{key: "content_type", field: "content_type"},
	{key: "copyright_holder", field: "copyright_holder"},
	{key: "language", field: "language"},
	{key: "last_modified_date", field: "last_modified_date"},
	{key: "license", field: "license"},
	{key: "original_title", field: "original_title"},
	{key: "original_uri", field: "original_uri"},
	{key: "tags", field: "tags", list: true},
	{key: "title", field: "title"},
	{key: "thumbnail_uri", field: "thumbnail_uri"},
}

// Metadata answers raw content queries for one application. Queries are
// independent of each other; none supersedes another.
type Metadata struct {
	base
	sk *bus.Skeleton
}

// NewMetadata builds the content metadata provider of appID.
func NewMetadata(appID string, deps Deps) *Metadata {
	p := &Metadata{base: newBase(appID, "metadata", deps)}
	p.sk = bus.NewSkeleton(ContentMetadataInfo).
		Handle("Query", func(ctx context.Context, args []any) ([]any, error) {
			return p.op(ctx, api.ContentMetadata, "Query", func(ctx context.Context, _ zerolog.Logger) ([]any, error) {
				shards, results, err := p.Query(ctx, args[0].([]map[string]dbus.Variant))
				return []any{shards, results}, err
			})
		}).
		Handle("Shards", func(ctx context.Context, _ []any) ([]any, error) {
			return p.op(ctx, api.ContentMetadata, "Shards", func(ctx context.Context, _ zerolog.Logger) ([]any, error) {
				shards, err := p.Shards(ctx)
				return []any{shards}, err
			})
		})
	return p
}

// SkeletonFor implements registry.Provider.
func (p *Metadata) SkeletonFor(iface string) (*bus.Skeleton, error) {
	if iface != api.ContentMetadata {
		return nil, fmt.Errorf("metadata provider does not implement %s", iface)
	}
	return p.sk, nil
}

// Shards lists every shard of the application.
func (p *Metadata) Shards(ctx context.Context) ([]string, error) {
	shards, err := p.deps.Engine.Shards(ctx, p.appID)
	if err != nil {
		return nil, err
	}
	if shards == nil {
		shards = []string{}
	}
	return shards, nil
}

// Query runs exactly one query dictionary. The application's shards are
// linked into the home directory first so the caller can open them.
func (p *Metadata) Query(ctx context.Context, queries []map[string]dbus.Variant) ([]string, []MetadataResult, error) {
	if len(queries) != 1 {
		return nil, nil, rpcerr.New(rpcerr.InvalidRequest, "expected exactly one query, got %d", len(queries))
	}
	t, err := parseQuery(p.appID, queries[0])
	if err != nil {
		return nil, nil, err
	}

	if p.deps.Linker != nil {
		all, err := p.deps.Engine.Shards(ctx, p.appID)
		if err != nil {
			return nil, nil, err
		}
		if err := p.deps.Linker.Link(all); err != nil {
			return nil, nil, fmt.Errorf("link shards: %w", err)
		}
	}

	res, err := p.run(ctx, nil, api.ContentMetadata, func(ctx context.Context) (*query.Results, error) {
		return p.deps.Engine.Query(ctx, t)
	})
	if err != nil {
		return nil, nil, err
	}

	models := make([]map[string]dbus.Variant, 0, len(res.Models))
	for _, m := range res.Models {
		models = append(models, modelVariant(m))
	}
	shards := res.Shards
	if shards == nil {
		shards = []string{}
	}
	upper := res.UpperBound
	if upper > math.MaxInt32 {
		upper = math.MaxInt32
	}
	return shards, []MetadataResult{{
		Metadata: map[string]dbus.Variant{"upper_bound": dbus.MakeVariant(int32(upper))},
		Models:   models,
	}}, nil
}

// parseQuery translates a query dictionary into a template for appID.
func parseQuery(appID string, dict map[string]dbus.Variant) (query.Template, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]query.Option, 0, len(dict))
	for _, key := range keys {
		v := dict[key].Value()
		switch key {
		case "search-terms":
			s, ok := v.(string)
			if !ok {
				return query.Template{}, badType(key, v)
			}
			opts = append(opts, query.Terms(s))
		case "tags-match-any", "tags-match-all":
			tags, ok := v.([]string)
			if !ok {
				return query.Template{}, badType(key, v)
			}
			if key == "tags-match-any" {
				opts = append(opts, query.MatchAny(tags...))
			} else {
				opts = append(opts, query.MatchAll(tags...))
			}
		case "limit", "offset":
			n, ok := integer(v)
			if !ok {
				return query.Template{}, badType(key, v)
			}
			if key == "limit" {
				opts = append(opts, query.Limit(n))
			} else {
				opts = append(opts, query.Offset(n))
			}
		case "sort":
			s, _ := v.(string)
			sortBy, err := query.ParseSort(s)
			if err != nil {
				return query.Template{}, rpcerr.New(rpcerr.InvalidRequest, "couldn't translate value '%v' to a valid sort", v)
			}
			opts = append(opts, query.SortBy(sortBy))
		case "order":
			s, _ := v.(string)
			order, err := query.ParseOrder(s)
			if err != nil {
				return query.Template{}, rpcerr.New(rpcerr.InvalidRequest, "couldn't translate value '%v' to a valid order", v)
			}
			opts = append(opts, query.OrderBy(order))
		default:
			return query.Template{}, rpcerr.New(rpcerr.InvalidRequest, "Invalid query parameter: %s", key)
		}
	}
	return query.New(appID, opts...), nil
}

func badType(key string, v any) error {
	return rpcerr.New(rpcerr.InvalidRequest, "query parameter %s has the wrong type %T", key, v)
}

// integer accepts any bus integer type.
func integer(v any) (int, bool) {
	switch n := v.(type) {
	case byte:
		return int(n), true
	case int16:
		return int(n), true
	case uint16:
		return int(n), true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case int64:
		switch {
		case n > math.MaxInt32:
			return math.MaxInt32, true
		case n < math.MinInt32:
			return math.MinInt32, true
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt32 {
			return math.MaxInt32, true
		}
		return int(n), true
	}
	return 0, false
}

func modelVariant(m *query.Model) map[string]dbus.Variant {
	out := map[string]dbus.Variant{"id": dbus.MakeVariant(m.ID)}
	for _, mk := range modelKeys {
		if !m.Has(mk.field) {
			continue
		}
		if mk.list {
			out[mk.key] = dbus.MakeVariant(m.Strings(mk.field))
			continue
		}
		if s, ok := m.Fields[mk.field].(string); ok {
			out[mk.key] = dbus.MakeVariant(s)
		}
	}
	if dfc, ok := m.Fields["discovery_feed_content"].(map[string]any); ok {
		out["discovery_feed_content"] = dbus.MakeVariant(vardict(dfc))
	}
	return out
}

// vardict converts a parsed JSON object into an a{sv} value.
func vardict(obj map[string]any) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(obj))
	for k, v := range obj {
		if variant, ok := toVariant(v); ok {
			out[k] = variant
		}
	}
	return out
}

func toVariant(v any) (dbus.Variant, bool) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		return dbus.MakeVariant(x), true
	case map[string]any:
		return dbus.MakeVariant(vardict(x)), true
	case []any:
		if strs, ok := allStrings(x); ok {
			return dbus.MakeVariant(strs), true
		}
		vs := make([]dbus.Variant, 0, len(x))
		for _, e := range x {
			if ev, ok := toVariant(e); ok {
				vs = append(vs, ev)
			}
		}
		return dbus.MakeVariant(vs), true
	}
	return dbus.Variant{}, false
}

func allStrings(xs []any) ([]string, bool) {
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		s, ok := x.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
