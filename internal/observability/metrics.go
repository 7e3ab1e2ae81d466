package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault ledger.
type Metrics struct {
	// --- Operations ---
	DepositsTotal    *prometheus.CounterVec
	WithdrawalsTotal *prometheus.CounterVec
	OpErrors         *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec

	// --- Ledger state ---
	BankValueUSD   prometheus.Gauge
	TotalDeposits  prometheus.Gauge
	TotalWithdraws prometheus.Gauge

	// --- Notifications ---
	NotifyPublished prometheus.Counter
	NotifyDropped   prometheus.Counter
	NotifyErrors    prometheus.Counter

	// --- Administration ---
	PriceSourceSwaps prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		DepositsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_deposits_total",
			Help: "Successful deposits by asset",
		}, []string{"asset"}),

		WithdrawalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_withdrawals_total",
			Help: "Successful withdrawals by asset",
		}, []string{"asset"}),

		OpErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_operation_errors_total",
			Help: "Rejected or failed operations by op and reason",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_operation_duration_seconds",
			Help:    "End-to-end ledger operation duration, external calls included",
			Buckets: opBuckets,
		}, []string{"op"}),

		BankValueUSD: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_bank_value_usd",
			Help: "Aggregate custodied value in normalized units, as of last operation",
		}),

		TotalDeposits: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_deposit_count",
			Help: "Count of successful deposits since start",
		}),

		TotalWithdraws: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_withdrawal_count",
			Help: "Count of successful withdrawals since start",
		}),

		NotifyPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_notifications_published_total",
			Help: "Notifications published to the outbound stream",
		}),

		NotifyDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_notifications_dropped_total",
			Help: "Notifications dropped due to full publish channel",
		}),

		NotifyErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_notification_errors_total",
			Help: "Failed publishes to the outbound stream",
		}),

		PriceSourceSwaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_price_source_swaps_total",
			Help: "Administrative price source reassignments",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
