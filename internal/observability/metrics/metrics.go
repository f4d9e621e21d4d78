// Package metrics holds watchbot's Prometheus collectors. Collectors
// register on the default registry at init; promhttp.Handler serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts chain runs per platform; result is ok or empty.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchbot_polls_total",
			Help: "Total poll cycles per platform.",
		},
		[]string{"platform", "result"},
	)

	// StrategyOutcomes counts individual strategy attempts.
	StrategyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchbot_strategy_outcomes_total",
			Help: "Strategy attempts by platform, strategy and outcome class.",
		},
		[]string{"platform", "strategy", "result"},
	)

	StrategyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchbot_strategy_duration_seconds",
			Help:    "Duration of strategy fetches.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"platform", "strategy"},
	)

	NewItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchbot_new_items_total",
			Help: "Items reported new by the tracker.",
		},
		[]string{"platform"},
	)

	// SendsTotal counts sink sends; result is ok or failed.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchbot_sends_total",
			Help: "Sink sends by sink scheme and result.",
		},
		[]string{"scheme", "result"},
	)

	LedgerSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchbot_ledger_skips_total",
			Help: "Deliveries skipped because the ledger already held (sink, item).",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchbot_dispatch_queue_depth",
			Help: "Batches waiting in the dispatch queue.",
		},
	)

	ActiveSources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchbot_active_sources",
			Help: "Sources with a running polling loop.",
		},
	)

	FlaggedSinks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchbot_flagged_sinks",
			Help: "Sinks currently flagged for consecutive send failures.",
		},
	)
)
