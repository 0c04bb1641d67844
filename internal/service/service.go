// Package service assembles the search provider process: engine, provider
// registry, subtree dispatcher and the session bus connection.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/agentic-research/knowledge-services/internal/appproxy"
	"github.com/agentic-research/knowledge-services/internal/bus"
	"github.com/agentic-research/knowledge-services/internal/config"
	"github.com/agentic-research/knowledge-services/internal/engine"
	"github.com/agentic-research/knowledge-services/internal/keepalive"
	"github.com/agentic-research/knowledge-services/internal/logging"
	"github.com/agentic-research/knowledge-services/internal/metrics"
	"github.com/agentic-research/knowledge-services/internal/provider"
	"github.com/agentic-research/knowledge-services/internal/query"
	"github.com/agentic-research/knowledge-services/internal/registry"
	"github.com/agentic-research/knowledge-services/internal/shards"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Provider categories.
const (
	CategorySearch   = "search"
	CategoryFeed     = "discovery-feed"
	CategoryMetadata = "metadata"
)

var errNotConnected = errors.New("not connected to the session bus")

// Interfaces is the fixed list advertised on every application node.
func Interfaces() []bus.InterfaceInfo {
	infos := []bus.InterfaceInfo{provider.SearchProvider2Info, provider.SearchProviderInfo}
	infos = append(infos, provider.FeedInfos()...)
	return append(infos, provider.ContentMetadataInfo)
}

// Service is one search provider process.
type Service struct {
	cfg     config.Config
	log     zerolog.Logger
	engine  query.Engine
	tracker *keepalive.Tracker

	registry   *registry.Registry
	dispatcher *bus.Dispatcher
	mux        *bus.Mux

	mu   sync.Mutex
	conn *dbus.Conn
}

// New builds a service backed by the SQLite engine over cfg.DataDirs.
func New(cfg config.Config, log zerolog.Logger) (*Service, error) {
	eng, err := engine.New(engine.Config{DataDirs: cfg.DataDirs, Watch: true}, logging.Component(log, "engine"))
	if err != nil {
		return nil, err
	}
	return NewWithEngine(cfg, log, eng)
}

// NewWithEngine builds a service on top of eng. Companion applications are
// reached over the connection established by Run.
func NewWithEngine(cfg config.Config, log zerolog.Logger, eng query.Engine) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		log:     log,
		engine:  eng,
		tracker: keepalive.New(metrics.InFlight),
		mux:     bus.NewMux(),
	}

	deps := provider.Deps{
		Engine:   eng,
		Launcher: s.launcher,
		Hold:     s.tracker,
		Timeout:  cfg.QueryTimeout,
		Log:      logging.Component(log, "provider"),
	}
	if cfg.HomeDir != "" {
		deps.Linker = shards.NewOSLinker(cfg.HomeDir)
	}

	reg, err := registry.New(logging.Component(log, "registry"),
		registry.Category{
			Name:       CategorySearch,
			Interfaces: []string{provider.SearchProvider2Info.Name, provider.SearchProviderInfo.Name},
			New:        func(appID string) registry.Provider { return provider.NewSearch(appID, deps) },
		},
		registry.Category{
			Name:       CategoryFeed,
			Interfaces: provider.FeedInterfaces(),
			New:        func(appID string) registry.Provider { return provider.NewFeed(appID, deps) },
		},
		registry.Category{
			Name:       CategoryMetadata,
			Interfaces: []string{provider.ContentMetadataInfo.Name},
			New:        func(appID string) registry.Provider { return provider.NewMetadata(appID, deps) },
		},
	)
	if err != nil {
		return nil, err
	}
	s.registry = reg
	s.dispatcher = bus.NewDispatcher(Interfaces(), reg, logging.Component(log, "dispatcher"))
	return s, nil
}

// Handler is the bus handler serving the subtree.
func (s *Service) Handler() *bus.Mux { return s.mux }

// Registry exposes the provider registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Tracker exposes the keep-alive counter.
func (s *Service) Tracker() *keepalive.Tracker { return s.tracker }

// Attach registers the provider subtree at the configured object path.
func (s *Service) Attach() error {
	return s.dispatcher.Register(s.mux, s.cfg.ObjectPath)
}

func (s *Service) launcher(appID string) (appproxy.Launcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, errNotConnected
	}
	return appproxy.New(s.conn, appID), nil
}

// Run connects to the session bus, serves until the process has been idle
// for the inactivity timeout or ctx is cancelled, then tears everything
// down. The subtree is registered before the name is requested, so a
// registration failure leaves the name unclaimed.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, s.cfg.MetricsAddr, s.log) })
	}

	err := s.serve(gctx)
	cancel()
	if gerr := g.Wait(); err == nil {
		err = gerr
	}
	return err
}

func (s *Service) serve(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus(dbus.WithHandler(s.mux))
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.close()

	if err := s.Attach(); err != nil {
		return err
	}

	reply, err := conn.RequestName(s.cfg.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", s.cfg.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", s.cfg.BusName)
	}
	s.log.Info().
		Str("bus_name", s.cfg.BusName).
		Str("object_path", s.cfg.ObjectPath).
		Dur("inactivity_timeout", s.cfg.InactivityTimeout).
		Msg("search provider ready")

	err = s.tracker.WaitIdle(ctx, s.cfg.InactivityTimeout)
	if errors.Is(err, context.Canceled) {
		s.log.Info().Msg("shutting down")
		return nil
	}
	if err == nil {
		s.log.Info().Msg("idle, exiting")
	}
	return err
}

func (s *Service) close() {
	s.dispatcher.Unregister()
	s.dispatcher.Close()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		if _, err := conn.ReleaseName(s.cfg.BusName); err != nil {
			s.log.Debug().Err(err).Msg("release name")
		}
		if err := conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close connection")
		}
	}
	if c, ok := s.engine.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close engine")
		}
	}
}
