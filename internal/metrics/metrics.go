// Package metrics declares the Prometheus instruments this repository
// exports and a standalone HTTP server to expose them, following the
// teacher's package-level MustRegister pattern (storage/prometheus.go)
// and its standalone metrics server (pkg/metrics/server.go).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/stop"
)

func init() {
	prometheus.MustRegister(
		SlotOccupancy,
		SearchFanOut,
		SearchDuration,
		GossipTickDuration,
		PeersConnected,
		ReputationAdjustments,
	)
}

var (
	// SlotOccupancy reports how many of the configured leecher/seeder
	// slots a connected peer currently occupies, by class.
	SlotOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kamilata_slot_occupancy",
		Help: "Current leecher/seeder slot occupancy by class",
	}, []string{"class", "role"})

	// SearchFanOut is the number of peers one distributed search was
	// routed to.
	SearchFanOut = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kamilata_search_fan_out",
		Help:    "Number of peers a search was routed to",
		Buckets: prometheus.LinearBuckets(0, 2, 10),
	})

	// SearchDuration is how long a distributed search ran before being
	// exhausted or cancelled.
	SearchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kamilata_search_duration_seconds",
		Help:    "Wall-clock duration of a distributed search",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// GossipTickDuration is how long one swarm manager maintenance tick
	// took to run.
	GossipTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kamilata_gossip_tick_duration_milliseconds",
		Help:    "The time it takes to run one swarm maintenance tick",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// PeersConnected is the current number of connected peers by class.
	PeersConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kamilata_peers_connected",
		Help: "Current number of connected peers by class",
	}, []string{"class"})

	// ReputationAdjustments counts score deltas applied to known peers,
	// by the event that caused them.
	ReputationAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kamilata_reputation_adjustments_total",
		Help: "Count of reputation score adjustments by cause",
	}, []string{"cause"})
)

// Server is a standalone HTTP server exposing /metrics, mirroring the
// teacher's pkg/metrics.Server.
type Server struct {
	srv *http.Server

	closing chan struct{}
	done    chan error
}

// NewServer builds a metrics Server listening on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start begins serving.
func (s *Server) Start(ctx context.Context) {
	s.closing = make(chan struct{})
	s.done = make(chan error, 1)

	go func() {
		klog.Info("starting metrics server", klog.Component("metrics", nil))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Error("metrics listener failed", klog.Component("metrics", nil), klog.Err(err))
		}
	}()
}

// Stop implements stop.Stopper.
func (s *Server) Stop() <-chan error {
	if s.closing == nil {
		return stop.AlreadyStopped
	}
	close(s.closing)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.done <- s.srv.Shutdown(ctx)
	}()
	return s.done
}
