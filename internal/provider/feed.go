package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/agentic-research/knowledge-services/internal/bus"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/rs/zerolog"
)

const (
	daysPerYear  = 365
	weeksPerYear = 52
)

// feedKind describes one discovery feed interface.
type feedKind struct {
	iface  string
	method string
	opts   []query.Option
	// rotate picks the rotation index and period for now; nil means the
	// feed is not rotated.
	rotate func(now time.Time) (index, period int)
	fields func(p *Feed, m *query.Model) map[string]string
}

func (k *feedKind) info() bus.InterfaceInfo {
	return bus.InterfaceInfo{
		Name: k.iface,
		Methods: []bus.MethodInfo{{
			Name: k.method,
			Out: []bus.Arg{
				{Name: "shards", Value: []string(nil)},
				{Name: "result", Value: []map[string]string(nil)},
			},
		}},
	}
}

func byDayOfYear(now time.Time) (int, int) { return now.YearDay(), daysPerYear }

func byISOWeek(now time.Time) (int, int) {
	_, week := now.ISOWeek()
	return week, weeksPerYear
}

var feedKinds = []*feedKind{
	{
		iface:  api.DiscoveryFeedContent,
		method: "ArticleCardDescriptions",
		opts: []query.Option{
			query.MatchAny(api.TagArticle),
			query.MatchAll(api.TagHasDiscoveryFeedTitle),
			query.Limit(5),
		},
		rotate: byDayOfYear,
		fields: func(p *Feed, m *query.Model) map[string]string {
			out := p.articleFields(m)
			out["content_type"] = text(m, "content_type")
			return out
		},
	},
	{
		iface:  api.DiscoveryFeedQuote,
		method: "GetQuoteOfTheDay",
		opts:   []query.Option{query.MatchAny(api.TagQuote), query.Limit(1)},
		rotate: byDayOfYear,
		fields: func(_ *Feed, m *query.Model) map[string]string {
			return map[string]string{
				"title":  text(m, "title"),
				"author": text(m, "author"),
				"ekn_id": m.ID,
			}
		},
	},
	{
		iface:  api.DiscoveryFeedWord,
		method: "GetWordOfTheDay",
		opts:   []query.Option{query.MatchAny(api.TagWord), query.Limit(1)},
		rotate: byDayOfYear,
		fields: func(_ *Feed, m *query.Model) map[string]string {
			return map[string]string{
				"word":           text(m, "word"),
				"definition":     text(m, "definition"),
				"part_of_speech": text(m, "part_of_speech"),
				"ekn_id":         m.ID,
			}
		},
	},
	{
		iface:  api.DiscoveryFeedNews,
		method: "GetRecentNews",
		opts: []query.Option{
			query.MatchAny(api.TagArticle),
			query.MatchAll(api.TagNewsArticle),
			query.Limit(5),
			query.SortBy(query.SortDate),
			query.OrderBy(query.OrderDescending),
		},
		fields: func(p *Feed, m *query.Model) map[string]string { return p.articleFields(m) },
	},
	{
		iface:  api.DiscoveryFeedVideo,
		method: "GetVideos",
		opts:   []query.Option{query.MatchAny(api.TagVideo), query.Limit(1)},
		rotate: byDayOfYear,
		fields: func(_ *Feed, m *query.Model) map[string]string {
			return map[string]string{
				"title":         text(m, "title"),
				"duration":      text(m, "duration"),
				"thumbnail_uri": text(m, "thumbnail_uri"),
				"ekn_id":        m.ID,
				"content_type":  text(m, "content_type"),
			}
		},
	},
	{
		iface:  api.DiscoveryFeedArtwork,
		method: "ArtworkCardDescriptions",
		opts: []query.Option{
			query.MatchAny(api.TagArticle),
			query.MatchAll(api.TagArtworkCard),
			query.Limit(5),
		},
		rotate: byISOWeek,
		fields: func(_ *Feed, m *query.Model) map[string]string {
			return map[string]string{
				"title":         text(m, "title"),
				"author":        text(m, "author"),
				"first_date":    text(m, "first_date"),
				"thumbnail_uri": text(m, "thumbnail_uri"),
				"ekn_id":        m.ID,
			}
		},
	},
}

// FeedInfos declares every discovery feed interface.
func FeedInfos() []bus.InterfaceInfo {
	out := make([]bus.InterfaceInfo, len(feedKinds))
	for i, k := range feedKinds {
		out[i] = k.info()
	}
	return out
}

// FeedInterfaces lists the discovery feed interface names.
func FeedInterfaces() []string {
	out := make([]string, len(feedKinds))
	for i, k := range feedKinds {
		out[i] = k.iface
	}
	return out
}

type feedSkeleton struct {
	kind *feedKind
	slot slot
	sk   *bus.Skeleton
}

// Feed serves the discovery feed interfaces of one application. Each
// interface has its own latest-wins slot.
type Feed struct {
	base
	feeds map[string]*feedSkeleton
}

// NewFeed builds the discovery feed provider of appID.
func NewFeed(appID string, deps Deps) *Feed {
	p := &Feed{
		base:  newBase(appID, "discovery-feed", deps),
		feeds: make(map[string]*feedSkeleton, len(feedKinds)),
	}
	for _, k := range feedKinds {
		fs := &feedSkeleton{kind: k}
		fs.sk = bus.NewSkeleton(k.info()).Handle(k.method, func(ctx context.Context, _ []any) ([]any, error) {
			return p.op(ctx, k.iface, k.method, func(ctx context.Context, _ zerolog.Logger) ([]any, error) {
				shards, items, err := p.Describe(ctx, k.iface)
				return []any{shards, items}, err
			})
		})
		p.feeds[k.iface] = fs
	}
	return p
}

// SkeletonFor implements registry.Provider.
func (p *Feed) SkeletonFor(iface string) (*bus.Skeleton, error) {
	fs, ok := p.feeds[iface]
	if !ok {
		return nil, fmt.Errorf("discovery feed provider does not implement %s", iface)
	}
	return fs.sk, nil
}

// Describe runs the feed query of iface and returns the referenced shards
// and one string map per object.
func (p *Feed) Describe(ctx context.Context, iface string) ([]string, []map[string]string, error) {
	fs, ok := p.feeds[iface]
	if !ok {
		return nil, nil, fmt.Errorf("discovery feed provider does not implement %s", iface)
	}
	if _, err := p.appProxy(); err != nil {
		return nil, nil, fmt.Errorf("initialize app proxy: %w", err)
	}

	k := fs.kind
	t := query.New(p.appID, k.opts...)
	res, err := p.run(ctx, &fs.slot, k.iface, func(ctx context.Context) (*query.Results, error) {
		if k.rotate == nil {
			return p.deps.Engine.Query(ctx, t)
		}
		index, period := k.rotate(p.deps.Now())
		return query.WithWraparoundOffset(ctx, p.deps.Engine, t, index, period)
	})
	if err != nil {
		return nil, nil, err
	}

	items := make([]map[string]string, 0, len(res.Models))
	for _, m := range res.Models {
		items = append(items, k.fields(p, m))
	}
	shards := res.Shards
	if shards == nil {
		shards = []string{}
	}
	return shards, items, nil
}

// articleFields are the card fields of an article. A non-empty blurb list
// replaces the title with one random blurb and clears the synopsis.
func (p *Feed) articleFields(m *query.Model) map[string]string {
	out := map[string]string{
		"title":              text(m, "title"),
		"synopsis":           text(m, "synopsis"),
		"last_modified_date": text(m, "last_modified_date"),
		"thumbnail_uri":      text(m, "thumbnail_uri"),
		"ekn_id":             m.ID,
	}
	if blurbs := m.LookupStrings("$.discovery_feed_content.blurbs[*]"); len(blurbs) > 0 {
		out["title"] = blurbs[p.deps.Rand(len(blurbs))]
		out["synopsis"] = ""
	}
	return out
}

// text renders a scalar record field as a string; missing or structured
// values become "".
func text(m *query.Model, key string) string {
	switch v := m.Fields[key].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
