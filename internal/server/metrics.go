package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowdash/internal/txflow"
)

// Metrics implements dashboard.Metrics and carries the HTTP-level counters.
type Metrics struct {
	registry        *prometheus.Registry
	txPhasesTotal   *prometheus.CounterVec
	readFailures    *prometheus.CounterVec
	scansTotal      prometheus.Counter
	scanDeals       prometheus.Histogram
	scanUnreadable  prometheus.Counter
	replaysTotal    *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	inFlightActions prometheus.Gauge
}

func NewMetrics() *Metrics {
	phases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowdash_tx_phases_total",
		Help: "Transaction lifecycle phases entered, by action",
	}, []string{"action", "phase"})

	reads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowdash_read_failures_total",
		Help: "Contract reads that failed and were shown as unavailable",
	}, []string{"op"})

	scans := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowdash_scans_total",
		Help: "Completed collection scans",
	})

	scanDeals := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrowdash_scan_deals",
		Help:    "Deals read per collection scan",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	unreadable := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowdash_scan_unreadable_total",
		Help: "Deals a scan could not read",
	})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowdash_idempotent_writes_total",
		Help: "Write requests by idempotency outcome",
	}, []string{"outcome"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowdash_http_requests_total",
		Help: "HTTP requests by route and status class",
	}, []string{"route", "code"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowdash_actions_in_flight",
		Help: "Actions awaiting approval or confirmation",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(phases, reads, scans, scanDeals, unreadable, replays, requests, inFlight)

	return &Metrics{
		registry:        r,
		txPhasesTotal:   phases,
		readFailures:    reads,
		scansTotal:      scans,
		scanDeals:       scanDeals,
		scanUnreadable:  unreadable,
		replaysTotal:    replays,
		requestsTotal:   requests,
		inFlightActions: inFlight,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PhaseEntered(action string, phase txflow.Phase) {
	m.txPhasesTotal.WithLabelValues(action, phase.String()).Inc()
	switch phase {
	case txflow.AwaitingApproval:
		m.inFlightActions.Inc()
	case txflow.Succeeded, txflow.Failed:
		m.inFlightActions.Dec()
	}
}

func (m *Metrics) ReadFailed(op string) {
	m.readFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ScanCompleted(total, _, unreadable int) {
	m.scansTotal.Inc()
	m.scanDeals.Observe(float64(total))
	m.scanUnreadable.Add(float64(unreadable))
}

func (m *Metrics) incReplay(outcome string) {
	m.replaysTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incRequest(route, code string) {
	m.requestsTotal.WithLabelValues(route, code).Inc()
}
