// Package registry maps (interface, node) pairs onto lazily constructed
// providers. Interfaces are grouped into categories; each category owns a
// cache keyed by bus node, so one node gets exactly one provider per
// category for the life of the process.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentic-research/knowledge-services/internal/bus"
	"github.com/agentic-research/knowledge-services/internal/buslabel"
	"github.com/agentic-research/knowledge-services/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrUnknownInterface is returned for interfaces no category claims.
var ErrUnknownInterface = errors.New("unknown interface")

// Provider serves one or more interfaces for a single application.
type Provider interface {
	AppID() string
	// SkeletonFor returns the skeleton implementing iface, or an error if
	// the provider does not implement it.
	SkeletonFor(iface string) (*bus.Skeleton, error)
}

// Category groups interfaces served by the same provider type.
type Category struct {
	Name       string
	Interfaces []string
	New        func(appID string) Provider
}

// Registry implements bus.Resolver.
type Registry struct {
	log        zerolog.Logger
	categories map[string]*Category
	byIface    map[string]*Category

	mu        sync.Mutex
	providers map[string]map[string]Provider // category -> node -> provider
}

var _ bus.Resolver = (*Registry)(nil)

// New builds a registry. An interface claimed by two categories is a
// configuration error.
func New(log zerolog.Logger, categories ...Category) (*Registry, error) {
	r := &Registry{
		log:        log,
		categories: make(map[string]*Category, len(categories)),
		byIface:    make(map[string]*Category),
		providers:  make(map[string]map[string]Provider, len(categories)),
	}
	for i := range categories {
		c := &categories[i]
		if c.New == nil {
			return nil, fmt.Errorf("category %q has no constructor", c.Name)
		}
		if _, dup := r.categories[c.Name]; dup {
			return nil, fmt.Errorf("duplicate category %q", c.Name)
		}
		r.categories[c.Name] = c
		r.providers[c.Name] = make(map[string]Provider)
		for _, iface := range c.Interfaces {
			if other, dup := r.byIface[iface]; dup {
				return nil, fmt.Errorf("interface %s claimed by %q and %q", iface, other.Name, c.Name)
			}
			r.byIface[iface] = c
		}
	}
	return r, nil
}

// CategoryOf classifies iface.
func (r *Registry) CategoryOf(iface string) (string, bool) {
	c, ok := r.byIface[iface]
	if !ok {
		return "", false
	}
	return c.Name, true
}

// Provider returns the provider of category for node, constructing it on
// first use. Lookup and insertion happen under one lock.
func (r *Registry) Provider(category, node string) (Provider, error) {
	c, ok := r.categories[category]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cache := r.providers[category]
	if p, ok := cache[node]; ok {
		return p, nil
	}

	appID := buslabel.Unescape(node)
	p := c.New(appID)
	if p == nil {
		return nil, fmt.Errorf("category %q built no provider for %q", category, appID)
	}
	cache[node] = p
	metrics.ProvidersCreated.WithLabelValues(category).Inc()
	r.log.Debug().Str("category", category).Str("node", node).Str("app_id", appID).Msg("provider created")
	return p, nil
}

// Resolve implements bus.Resolver.
func (r *Registry) Resolve(node, iface string) (*bus.Skeleton, error) {
	category, ok := r.CategoryOf(iface)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterface, iface)
	}
	p, err := r.Provider(category, node)
	if err != nil {
		return nil, err
	}
	return p.SkeletonFor(iface)
}

// Len reports how many providers a category holds.
func (r *Registry) Len(category string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers[category])
}
