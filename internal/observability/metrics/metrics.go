// Package metrics exposes prometheus instruments for the metering engine.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	registry *prometheus.Registry

	usageIngest      *prometheus.CounterVec
	creditsBurned    *prometheus.CounterVec
	walletTx         *prometheus.CounterVec
	debitConflicts   prometheus.Counter
	reservationSweep prometheus.Counter
	walletsExpired   prometheus.Counter
	rateLimitDenied  prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds the instruments on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		usageIngest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmeter_usage_ingest_total",
			Help: "Usage events processed, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		creditsBurned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmeter_credits_burned_total",
			Help: "Credits debited through usage ingestion.",
		}, []string{"event_type"}),
		walletTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmeter_wallet_transactions_total",
			Help: "Wallet ledger transactions, by type.",
		}, []string{"type"}),
		debitConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_wallet_debit_conflicts_total",
			Help: "Write conflicts retried by the wallet ledger.",
		}),
		reservationSweep: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_reservations_swept_total",
			Help: "Abandoned reservations auto-released by the sweeper.",
		}),
		walletsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_wallets_expired_total",
			Help: "Wallets closed out with an expiration transaction.",
		}),
		rateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditmeter_rate_limit_denied_total",
			Help: "Ingest requests rejected by the rate limiter.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditmeter_http_requests_total",
			Help: "HTTP requests served, by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditmeter_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	registry.MustRegister(
		m.usageIngest,
		m.creditsBurned,
		m.walletTx,
		m.debitConflicts,
		m.reservationSweep,
		m.walletsExpired,
		m.rateLimitDenied,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordUsageIngest(eventType, outcome string) {
	if m == nil {
		return
	}
	m.usageIngest.WithLabelValues(normalize(eventType), normalize(outcome)).Inc()
}

func (m *Metrics) RecordCreditsBurned(eventType string, credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsBurned.WithLabelValues(normalize(eventType)).Add(float64(credits))
}

func (m *Metrics) RecordWalletTransaction(txType string) {
	if m == nil {
		return
	}
	m.walletTx.WithLabelValues(normalize(txType)).Inc()
}

func (m *Metrics) RecordDebitConflict() {
	if m == nil {
		return
	}
	m.debitConflicts.Inc()
}

func (m *Metrics) RecordReservationSwept(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reservationSweep.Add(float64(count))
}

func (m *Metrics) RecordWalletExpired() {
	if m == nil {
		return
	}
	m.walletsExpired.Inc()
}

func (m *Metrics) RecordRateLimitDenied() {
	if m == nil {
		return
	}
	m.rateLimitDenied.Inc()
}

func (m *Metrics) RecordHTTPRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	route = normalize(route)
	method = normalize(method)
	m.httpRequests.WithLabelValues(route, method, normalize(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(seconds)
}

func normalize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
