package provider

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/agentic-research/knowledge-services/internal/bus"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	searchLimit = 5
	// maxDescription is the byte budget of a result description.
	maxDescription = 200
)

var searchMethods = []bus.MethodInfo{
	{
		Name: "GetInitialResultSet",
		In:   []bus.Arg{{Name: "terms", Value: []string(nil)}},
		Out:  []bus.Arg{{Name: "results", Value: []string(nil)}},
	},
	{
		Name: "GetSubsearchResultSet",
		In:   []bus.Arg{{Name: "previous_results", Value: []string(nil)}, {Name: "terms", Value: []string(nil)}},
		Out:  []bus.Arg{{Name: "results", Value: []string(nil)}},
	},
	{
		Name: "GetResultMetas",
		In:   []bus.Arg{{Name: "identifiers", Value: []string(nil)}},
		Out:  []bus.Arg{{Name: "metas", Value: []map[string]dbus.Variant(nil)}},
	},
}

// SearchProvider2Info declares org.gnome.Shell.SearchProvider2.
var SearchProvider2Info = bus.InterfaceInfo{
	Name: api.SearchProvider2,
	Methods: append(append([]bus.MethodInfo(nil), searchMethods...),
		bus.MethodInfo{
			Name: "ActivateResult",
			In: []bus.Arg{
				{Name: "identifier", Value: ""},
				{Name: "terms", Value: []string(nil)},
				{Name: "timestamp", Value: uint32(0)},
			},
		},
		bus.MethodInfo{
			Name: "LaunchSearch",
			In:   []bus.Arg{{Name: "terms", Value: []string(nil)}, {Name: "timestamp", Value: uint32(0)}},
		},
	),
}

// SearchProviderInfo declares the original org.gnome.Shell.SearchProvider.
var SearchProviderInfo = bus.InterfaceInfo{
	Name: api.SearchProvider,
	Methods: append(append([]bus.MethodInfo(nil), searchMethods...),
		bus.MethodInfo{
			Name: "ActivateResult",
			In:   []bus.Arg{{Name: "identifier", Value: ""}},
		},
	),
}

// Search answers shell search for one application.
type Search struct {
	base
	search slot
	cache  *objectCache

	v2 *bus.Skeleton
	v1 *bus.Skeleton
}

// NewSearch builds the search provider of appID.
func NewSearch(appID string, deps Deps) *Search {
	p := &Search{
		base:  newBase(appID, "search", deps),
		cache: newObjectCache(objectCacheSize),
	}
	p.v2 = p.bind(bus.NewSkeleton(SearchProvider2Info)).
		Handle("ActivateResult", func(ctx context.Context, args []any) ([]any, error) {
			return p.op(ctx, api.SearchProvider2, "ActivateResult", func(ctx context.Context, log zerolog.Logger) ([]any, error) {
				p.ActivateResult(ctx, log, args[0].(string), args[1].([]string), args[2].(uint32))
				return nil, nil
			})
		}).
		Handle("LaunchSearch", func(ctx context.Context, args []any) ([]any, error) {
			return p.op(ctx, api.SearchProvider2, "LaunchSearch", func(ctx context.Context, log zerolog.Logger) ([]any, error) {
				p.LaunchSearch(ctx, log, args[0].([]string), args[1].(uint32))
				return nil, nil
			})
		})
	p.v1 = p.bind(bus.NewSkeleton(SearchProviderInfo)).
		Handle("ActivateResult", func(ctx context.Context, args []any) ([]any, error) {
			return p.op(ctx, api.SearchProvider, "ActivateResult", func(ctx context.Context, log zerolog.Logger) ([]any, error) {
				p.ActivateResult(ctx, log, args[0].(string), nil, 0)
				return nil, nil
			})
		})
	return p
}

// bind attaches the methods both search interfaces share.
func (p *Search) bind(sk *bus.Skeleton) *bus.Skeleton {
	iface := sk.Name()
	return sk.
		Handle("GetInitialResultSet", func(ctx context.Context, args []any) ([]any, error) {
			return p.op(ctx, iface, "GetInitialResultSet", func(ctx context.Context, _ zerolog.Logger) ([]any, error) {
				ids, err := p.InitialResultSet(ctx, args[0].([]string))
				return []any{ids}, err
			})
		}).
		Handle("GetSubsearchResultSet", func(ctx context.Context, args []any) ([]any, error) {
			return p.op(ctx, iface, "GetSubsearchResultSet", func(ctx context.Context, _ zerolog.Logger) ([]any, error) {
				ids, err := p.SubsearchResultSet(ctx, args[0].([]string), args[1].([]string))
				return []any{ids}, err
			})
		}).
		Handle("GetResultMetas", func(ctx context.Context, args []any) ([]any, error) {
			return p.op(ctx, iface, "GetResultMetas", func(context.Context, zerolog.Logger) ([]any, error) {
				return []any{p.ResultMetas(args[0].([]string))}, nil
			})
		})
}

// SkeletonFor implements registry.Provider.
func (p *Search) SkeletonFor(iface string) (*bus.Skeleton, error) {
	switch iface {
	case api.SearchProvider2:
		return p.v2, nil
	case api.SearchProvider:
		return p.v1, nil
	}
	return nil, fmt.Errorf("search provider does not implement %s", iface)
}

// InitialResultSet runs a search and returns matching ids in result order.
func (p *Search) InitialResultSet(ctx context.Context, terms []string) ([]string, error) {
	return p.doSearch(ctx, terms)
}

// SubsearchResultSet refines a previous search. The previous results are
// not used; the search is run again from scratch.
func (p *Search) SubsearchResultSet(ctx context.Context, _ []string, terms []string) ([]string, error) {
	return p.doSearch(ctx, terms)
}

func (p *Search) doSearch(ctx context.Context, terms []string) ([]string, error) {
	joined := strings.Join(terms, " ")
	if strings.TrimSpace(joined) == "" {
		p.search.supersede()
		return []string{}, nil
	}

	t := query.New(p.appID,
		query.Terms(joined),
		query.MatchAny(api.TagArticle),
		query.Limit(searchLimit),
	)
	res, err := p.run(ctx, &p.search, api.SearchProvider2, func(ctx context.Context) (*query.Results, error) {
		return p.deps.Engine.Query(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(res.Models))
	for _, m := range res.Models {
		p.cache.put(m.ID, m)
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// ResultMetas describes previously returned ids. Ids never returned by a
// search are skipped.
func (p *Search) ResultMetas(ids []string) []map[string]dbus.Variant {
	metas := make([]map[string]dbus.Variant, 0, len(ids))
	for _, id := range ids {
		m, ok := p.cache.get(id)
		if !ok {
			continue
		}
		name := m.Text("original_title")
		if name == "" {
			name = m.Text("title")
		}
		meta := map[string]dbus.Variant{
			"id":   dbus.MakeVariant(id),
			"name": dbus.MakeVariant(name),
		}
		if m.Has("synopsis") {
			meta["description"] = dbus.MakeVariant(truncateUTF8(m.Text("synopsis"), maxDescription))
		}
		metas = append(metas, meta)
	}
	return metas
}

// ActivateResult opens id in the companion application. Failures are
// logged and never reach the caller.
func (p *Search) ActivateResult(ctx context.Context, log zerolog.Logger, id string, terms []string, timestamp uint32) {
	l, err := p.appProxy()
	if err != nil {
		log.Warn().Err(err).Msg("error initializing app proxy")
		return
	}
	if err := l.LoadItem(ctx, id, strings.Join(terms, " "), timestamp); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("error activating result")
	}
}

// LaunchSearch opens the companion application on a search.
func (p *Search) LaunchSearch(ctx context.Context, log zerolog.Logger, terms []string, timestamp uint32) {
	l, err := p.appProxy()
	if err != nil {
		log.Warn().Err(err).Msg("error initializing app proxy")
		return
	}
	if err := l.LoadQuery(ctx, strings.Join(terms, " "), timestamp); err != nil {
		log.Warn().Err(err).Msg("error launching search")
	}
}

// truncateUTF8 cuts s to at most n bytes without splitting a character.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
