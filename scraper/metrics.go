package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry           *prometheus.Registry
	ActionsTotal       *prometheus.CounterVec
	ItemDuration       prometheus.Histogram
	ItemsTotal         *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	BlocksTotal        *prometheus.CounterVec
	AIAttemptsTotal    prometheus.Counter
	AIInvalidTotal     prometheus.Counter
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	actions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_watch_actions_total",
			Help: "Browser actions issued by the crawler, by phase.",
		},
		[]string{"phase"},
	)
	itemDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "market_watch_item_duration_seconds",
			Help:    "Time spent on one new item from detail fetch to persistence.",
			Buckets: []float64{5, 15, 30, 60, 120, 240, 480},
		},
	)
	items := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_watch_items_total",
			Help: "Items seen on result pages, by outcome.",
		},
		[]string{"outcome"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_watch_errors_total",
			Help: "Crawl errors by type.",
		},
		[]string{"error_type"},
	)
	blocks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_watch_blocks_total",
			Help: "Block events by kind.",
		},
		[]string{"kind"},
	)
	aiAttempts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "market_watch_ai_attempts_total",
			Help: "Model completions requested by the verdict loop.",
		},
	)
	aiInvalid := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "market_watch_ai_invalid_total",
			Help: "Verdicts persisted with failed validation.",
		},
	)
	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_watch_notifications_total",
			Help: "Alerts pushed for recommended items, by outcome.",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(actions, itemDuration, items, errorsTotal, blocks, aiAttempts, aiInvalid, notifications)

	return &Metrics{
		Registry:           registry,
		ActionsTotal:       actions,
		ItemDuration:       itemDuration,
		ItemsTotal:         items,
		ErrorsTotal:        errorsTotal,
		BlocksTotal:        blocks,
		AIAttemptsTotal:    aiAttempts,
		AIInvalidTotal:     aiInvalid,
		NotificationsTotal: notifications,
	}
}

// IncAction increments the actions counter for a phase.
func (m *Metrics) IncAction(phase string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(phase).Inc()
}

// ObserveItem records the time spent on one item.
func (m *Metrics) ObserveItem(d time.Duration) {
	if m == nil {
		return
	}
	m.ItemDuration.Observe(d.Seconds())
}

// IncItems increments the items counter for an outcome.
func (m *Metrics) IncItems(outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(outcome).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncBlock increments the block counter for a kind.
func (m *Metrics) IncBlock(kind string) {
	if m == nil {
		return
	}
	m.BlocksTotal.WithLabelValues(kind).Inc()
}

// AddAIAttempts records completions spent on one verdict.
func (m *Metrics) AddAIAttempts(n int, valid bool) {
	if m == nil {
		return
	}
	m.AIAttemptsTotal.Add(float64(n))
	if !valid {
		m.AIInvalidTotal.Inc()
	}
}

// IncNotification increments the notifications counter.
func (m *Metrics) IncNotification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}
