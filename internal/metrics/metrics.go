package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds every collector of the settlement core. Register once in main;
// all values are diagnostic, never correctness-relevant.
type Set struct {
	BlocksIndexed    prometheus.Counter
	EventsDispatched *prometheus.CounterVec
	ReorgsDetected   prometheus.Counter
	IndexerLag       prometheus.Gauge

	RewardsSubmitted *prometheus.CounterVec
	BetsPlaced       *prometheus.CounterVec
	MarketsSettled   prometheus.Counter

	PushLatency prometheus.Histogram
}

func NewSet() *Set {
	return &Set{
		BlocksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasracing_blocks_indexed_total", Help: "blocks scanned by the indexer"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasracing_chain_events_total", Help: "decoded chain events by name"}, []string{"event"}),
		ReorgsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasracing_reorgs_total", Help: "reorg rollbacks performed"}),
		IndexerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kasracing_indexer_lag_blocks", Help: "head minus cursor"}),
		RewardsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasracing_rewards_total", Help: "reward submissions by outcome"}, []string{"outcome"}),
		BetsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasracing_bets_total", Help: "bet placements by outcome"}, []string{"outcome"}),
		MarketsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasracing_markets_settled_total", Help: "markets settled"}),
		PushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kasracing_push_latency_seconds",
			Help:    "end-to-end realtime event latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register adds every collector to the default registry.
func (s *Set) Register() {
	prometheus.MustRegister(
		s.BlocksIndexed, s.EventsDispatched, s.ReorgsDetected, s.IndexerLag,
		s.RewardsSubmitted, s.BetsPlaced, s.MarketsSettled, s.PushLatency,
	)
}

// HealthFunc reports readiness; wired to pool.Ping in production.
type HealthFunc func(ctx context.Context) error

// StartServer runs a lightweight sidecar HTTP server exposing /metrics and
// /healthz. Caller owns shutdown.
func StartServer(addr string, healthFn HealthFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if healthFn != nil {
			if err := healthFn(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "unhealthy: %v", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
