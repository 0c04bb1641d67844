// Package provider implements the per-application bus interfaces: shell
// search, the discovery feeds and content metadata. A provider is built for
// one AppId on first use and answers every call for it afterwards.
package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/agentic-research/knowledge-services/internal/appproxy"
	"github.com/agentic-research/knowledge-services/internal/metrics"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/agentic-research/knowledge-services/internal/rpcerr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Holder keeps the process alive while an operation runs.
type Holder interface {
	Hold() (release func())
}

// ShardLinker exposes shard files to sandboxed readers.
type ShardLinker interface {
	Link(shards []string) error
}

// LauncherFactory resolves the companion application of appID.
type LauncherFactory func(appID string) (appproxy.Launcher, error)

// Deps are the collaborators shared by every provider.
type Deps struct {
	Engine   query.Engine
	Launcher LauncherFactory
	Hold     Holder
	Linker   ShardLinker
	// Timeout bounds each engine round trip; zero means none.
	Timeout time.Duration
	Now     func() time.Time
	// Rand returns a value in [0, n).
	Rand func(n int) int
	Log  zerolog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Hold == nil {
		d.Hold = noHold{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.IntN
	}
	return d
}

type noHold struct{}

func (noHold) Hold() func() { return func() {} }

// State is the initialization state of a provider.
type State int32

const (
	Uninitialized State = iota
	AppProxyResolved
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case AppProxyResolved:
		return "app-proxy-resolved"
	case Ready:
		return "ready"
	}
	return "unknown"
}

var errNoLauncher = errors.New("no companion application launcher configured")

// base is embedded by every provider.
type base struct {
	appID string
	deps  Deps
	log   zerolog.Logger

	mu       sync.Mutex
	state    State
	launcher appproxy.Launcher
}

func newBase(appID, kind string, deps Deps) base {
	deps = deps.withDefaults()
	return base{
		appID: appID,
		deps:  deps,
		log:   deps.Log.With().Str("provider", kind).Str("app_id", appID).Logger(),
	}
}

// AppID is the application served by the provider.
func (b *base) AppID() string { return b.appID }

// State reports how far initialization has progressed.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// appProxy resolves the companion application once.
func (b *base) appProxy() (appproxy.Launcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.launcher != nil {
		return b.launcher, nil
	}
	if b.deps.Launcher == nil {
		return nil, errNoLauncher
	}
	l, err := b.deps.Launcher(b.appID)
	if err != nil {
		return nil, err
	}
	b.launcher = l
	if b.state == Uninitialized {
		b.state = AppProxyResolved
	}
	return l, nil
}

func (b *base) markReady() {
	b.mu.Lock()
	b.state = Ready
	b.mu.Unlock()
}

// op runs one bus operation: it holds the process alive, tags the log with
// a request id, remaps the error into the taxonomy and counts the outcome.
func (b *base) op(ctx context.Context, iface, method string, fn func(context.Context, zerolog.Logger) ([]any, error)) ([]any, error) {
	release := b.deps.Hold.Hold()
	defer release()

	log := b.log.With().Str("request_id", uuid.NewString()).Str("method", method).Logger()
	ret, err := fn(log.WithContext(ctx), log)
	err = rpcerr.FromEngine(err)

	outcome := "ok"
	if err != nil {
		kind, _ := rpcerr.KindOf(err)
		outcome = kind.String()
		ev := log.Warn()
		if kind == rpcerr.Cancelled {
			ev = log.Debug()
		}
		ev.Err(err).Msg("call failed")
		ret = nil
	}
	metrics.CallsTotal.WithLabelValues(iface, method, outcome).Inc()
	return ret, err
}

// run submits one engine request. With a slot, a newer request on the same
// slot cancels this one, and this one then fails with Cancelled whatever the
// engine returned.
func (b *base) run(ctx context.Context, s *slot, iface string, fn func(context.Context) (*query.Results, error)) (*query.Results, error) {
	var done func()
	if s != nil {
		ctx, done = s.begin(ctx)
		defer done()
	}
	qctx := ctx
	if b.deps.Timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, b.deps.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := fn(qctx)
	metrics.ObserveSince(iface, start)

	if s != nil && superseded(ctx) {
		return nil, rpcerr.Wrap(rpcerr.Cancelled, errSuperseded)
	}
	if err != nil {
		if errors.Is(err, query.ErrWindowExhausted) {
			metrics.RotationExhausted.WithLabelValues(iface).Inc()
		}
		return nil, err
	}
	b.markReady()
	return res, nil
}
