// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "eks"

var (
	// DispatchTotal counts subtree dispatches by interface and outcome
	// (ok, no_skeleton).
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Subtree dispatches by interface and outcome.",
	}, []string{"interface", "outcome"})

	// ProvidersCreated counts providers constructed per category.
	ProvidersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "providers_created_total",
		Help:      "Providers constructed by category.",
	}, []string{"category"})

	// CallsTotal counts method calls by interface, method and outcome
	// (ok or an error kind).
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Bus method calls by interface, method and outcome.",
	}, []string{"interface", "method", "outcome"})

	// QueryDuration observes engine round trips per interface.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Engine query latency by interface.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"interface"})

	// InFlight mirrors the keep-alive hold count.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_operations",
		Help:      "Operations currently holding the service alive.",
	})

	// RotationExhausted counts feed calls whose rotation window was empty.
	RotationExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotation_exhausted_total",
		Help:      "Rotating feed queries with an exhausted window.",
	}, []string{"interface"})

	// DomainLoads counts content domain loads by outcome (ok, error,
	// invalidated).
	DomainLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "domain_loads_total",
		Help:      "Content domain loads by outcome.",
	}, []string{"outcome"})
)

// ObserveSince records the time elapsed since start for iface.
func ObserveSince(iface string, start time.Time) {
	QueryDuration.WithLabelValues(iface).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
