// Package metrics exposes the indexing core's Prometheus surface: a plain
// HTTP server serving the default registry, plus the domain gauges and
// counters the fetch service, dispatcher, and unfinalized-blocks tracker
// update as they run.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchSize is the number of heights enqueued in the most recent fetch
	// iteration.
	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_fetch_batch_size",
		Help: "Number of heights enqueued in the most recent fetch iteration.",
	})

	// DispatcherFreeSize is the dispatcher's current spare queue capacity.
	DispatcherFreeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_dispatcher_free_size",
		Help: "Free capacity remaining in the dispatcher's pending queue.",
	})

	// NextCommitHeight is the next height the dispatcher still needs to
	// commit in order.
	NextCommitHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_dispatcher_next_commit_height",
		Help: "Next height the dispatcher is waiting to commit.",
	})

	// RewindsTotal counts fork-triggered rewinds detected by the
	// unfinalized-blocks tracker.
	RewindsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_unfinalized_rewinds_total",
		Help: "Total number of fork-triggered rewinds detected.",
	})

	// ReorgDepth records how many blocks a detected rewind discarded.
	ReorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "indexer_unfinalized_reorg_depth",
		Help:    "Depth, in blocks, of detected chain reorgs.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50, 100, 200},
	})

	// FinalizedHeight mirrors the chain's last observed finalized height.
	FinalizedHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_chain_finalized_height",
		Help: "Last observed finalized block height.",
	})

	// DictionaryFallbacksTotal counts iterations where dictionary
	// acceleration was unavailable and dense enumeration was used instead.
	DictionaryFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_dictionary_fallbacks_total",
		Help: "Total fetch iterations that fell back to dense block enumeration.",
	})

	// ObservedTipHeight mirrors the most recent newHeads notification seen
	// over an optional WebSocket tip subscription, independent of the
	// fetch service's own polled finalized height.
	ObservedTipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_ws_observed_tip_height",
		Help: "Most recent block height observed over the optional WebSocket tip subscription.",
	})
)

// Server exposes Prometheus metrics over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics server on the provided port. A zero port
// disables the server entirely.
func NewServer(port int) *Server {
	if port == 0 {
		return nil
	}
	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: promhttp.Handler(),
		},
	}
}

// Start serves metrics until shutdown; returns nil when disabled.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the metrics server; no-op when disabled.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
