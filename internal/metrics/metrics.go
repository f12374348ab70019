// Package metrics provides Prometheus instrumentation for the sync
// engine. It exposes gauges for channel and cache occupancy, counters for
// reconciliation outcomes, and histograms for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpenChannels tracks the current number of live conversation channels.
	OpenChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_open_channels",
		Help: "Current number of live conversation channels",
	})

	// CachedConversations tracks the current number of conversations held
	// in the in-memory store.
	CachedConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_cached_conversations",
		Help: "Current number of conversations in the in-memory store",
	})

	// Reconciliations counts merge outcomes for confirmed messages,
	// labeled by outcome: "matched", "appended", or "duplicate".
	Reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_reconciliations_total",
		Help: "Confirmed-message merge outcomes",
	}, []string{"outcome"})

	// SendsTotal counts send attempts, labeled by result: "ok" or "failed".
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_sends_total",
		Help: "Total message send attempts",
	}, []string{"result"})

	// SendLatency records the time from optimistic insert to persisted
	// confirmation.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_send_latency_seconds",
		Help:    "Latency from optimistic insert to persisted confirmation",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// Evictions counts conversations removed by the retention sweeper,
	// labeled by reason: "capacity" or "age".
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_evictions_total",
		Help: "Conversations evicted by the retention sweeper",
	}, []string{"reason"})

	// UnreadTotal tracks the sum of unread counts across all cached
	// conversations.
	UnreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_unread_total",
		Help: "Sum of unread counts across cached conversations",
	})
)

func init() {
	prometheus.MustRegister(
		OpenChannels,
		CachedConversations,
		Reconciliations,
		SendsTotal,
		SendLatency,
		Evictions,
		UnreadTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
