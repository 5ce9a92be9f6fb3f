package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fx_engine_orders_total",
			Help: "Total number of order submissions by final outcome",
		},
		[]string{"instrument", "outcome"},
	)

	orderLots = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fx_engine_order_lots",
			Help:    "Distribution of submitted position sizes in lots",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"instrument"},
	)

	// Risk metrics
	denialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fx_engine_denials_total",
			Help: "Total number of pre-trade risk denials by reason",
		},
		[]string{"reason"},
	)

	// Broker metrics
	brokerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fx_engine_broker_retries_total",
			Help: "Total number of broker call retries by operation",
		},
		[]string{"op"},
	)

	// Account metrics
	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fx_engine_open_positions",
			Help: "Number of currently open positions",
		},
	)

	accountBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fx_engine_account_balance",
			Help: "Account balance in account currency",
		},
	)

	accountNAV = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fx_engine_account_nav",
			Help: "Account net asset value in account currency",
		},
	)
)

func init() {
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(orderLots)
	prometheus.MustRegister(denialsTotal)
	prometheus.MustRegister(brokerRetriesTotal)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(accountBalance)
	prometheus.MustRegister(accountNAV)
}

// MetricsHandler serves the Prometheus scrape endpoint.
type MetricsHandler struct{}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordOrder records a completed order submission attempt.
func RecordOrder(instrument, outcome string, lots float64) {
	ordersTotal.WithLabelValues(instrument, outcome).Inc()
	if lots > 0 {
		orderLots.WithLabelValues(instrument).Observe(lots)
	}
}

// RecordDenial records a pre-trade risk denial.
func RecordDenial(reason string) {
	denialsTotal.WithLabelValues(reason).Inc()
}

// RecordBrokerRetry records a retried broker call.
func RecordBrokerRetry(op string) {
	brokerRetriesTotal.WithLabelValues(op).Inc()
}

// UpdateAccount updates the account telemetry gauges.
func UpdateAccount(balance, nav float64, positions int) {
	accountBalance.Set(balance)
	accountNAV.Set(nav)
	openPositions.Set(float64(positions))
}
