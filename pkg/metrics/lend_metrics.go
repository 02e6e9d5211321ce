package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LendMetrics exposes lending engine metrics over Prometheus
type LendMetrics struct {
	namespace string
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer
	logger    log.Logger

	// Engine metrics
	interestCharges prometheus.Counter
	tradesSettled   prometheus.Counter
	tradeLegs       prometheus.Counter
	liquidations    prometheus.Counter

	// Per-market gauges
	utilization   prometheus.GaugeVec
	borrowRate    prometheus.GaugeVec
	totalSupplied prometheus.GaugeVec
	totalBorrowed prometheus.GaugeVec
	rateIndex     prometheus.GaugeVec

	// NATS feed metrics
	natsPublished prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewLendMetrics creates the lending metric set on a fresh registry
func NewLendMetrics(namespace string) (*LendMetrics, error) {
	logger := log.Root().New("module", "metrics")
	logger.Info("Initializing lend metrics")

	registry := prometheus.NewRegistry()

	m := &LendMetrics{
		namespace: namespace,
		registry:  registry,
		gatherer:  registry,
		logger:    logger,

		interestCharges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interest_charges_total",
			Help:      "Total mass interest charges applied",
		}),

		tradesSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_settled_total",
			Help:      "Total trade batches settled",
		}),

		tradeLegs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_legs_total",
			Help:      "Total individual trade legs settled",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total liquidations executed",
		}),

		utilization: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_utilization",
			Help:      "Borrowed over supplied per market",
		}, []string{"asset"}),

		borrowRate: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_borrow_rate",
			Help:      "Current annualized borrow rate per market",
		}, []string{"asset"}),

		totalSupplied: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_total_supplied",
			Help:      "Total supplied units per market",
		}, []string{"asset"}),

		totalBorrowed: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_total_borrowed",
			Help:      "Total borrowed units per market",
		}, []string{"asset"}),

		rateIndex: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_rate_index",
			Help:      "Latest interest rate ladder index per market",
		}, []string{"asset"}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.interestCharges,
		m.tradesSettled,
		m.tradeLegs,
		m.liquidations,
		m.utilization,
		m.borrowRate,
		m.totalSupplied,
		m.totalBorrowed,
		m.rateIndex,
		m.natsPublished,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("Lend metrics initialized successfully")
	return m, nil
}

// StartServer starts Prometheus metrics server
func (m *LendMetrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	m.logger.Info("Prometheus metrics available",
		"endpoint", "http://localhost:"+port+"/metrics")

	return nil
}

// Handler returns the metrics HTTP handler for embedding
func (m *LendMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordInterestCharge records one mass interest charge
func (m *LendMetrics) RecordInterestCharge(asset string, rateIndex uint64) {
	m.interestCharges.Inc()
	m.rateIndex.WithLabelValues(asset).Set(float64(rateIndex))
}

// RecordTrade records a settled batch and its leg count
func (m *LendMetrics) RecordTrade(legs int) {
	m.tradesSettled.Inc()
	m.tradeLegs.Add(float64(legs))
}

// RecordLiquidation records an executed liquidation
func (m *LendMetrics) RecordLiquidation() {
	m.liquidations.Inc()
}

// RecordNATSPublish records a published feed message
func (m *LendMetrics) RecordNATSPublish() {
	m.natsPublished.Inc()
}

// UpdateMarket updates the per-market gauges
func (m *LendMetrics) UpdateMarket(asset string, utilization, borrowRate, supplied, borrowed float64) {
	m.utilization.WithLabelValues(asset).Set(utilization)
	m.borrowRate.WithLabelValues(asset).Set(borrowRate)
	m.totalSupplied.WithLabelValues(asset).Set(supplied)
	m.totalBorrowed.WithLabelValues(asset).Set(borrowed)
}

// CollectSystemMetrics collects system-level metrics
func (m *LendMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// LogMetrics logs current metrics using luxfi/log
func (m *LendMetrics) LogMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.logger.Info("Current metrics snapshot",
		"memory_mb", memStats.Alloc/1024/1024,
		"goroutines", runtime.NumGoroutine(),
	)
}
