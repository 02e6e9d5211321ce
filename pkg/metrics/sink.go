package metrics

import (
	"math/big"

	"github.com/luxfi/lend/pkg/lend"
	metric "github.com/luxfi/metric"
)

// EngineCounters tracks engine activity through the luxfi metric
// package so nodes embedding the engine report into the shared
// registry alongside their other subsystems.
type EngineCounters struct {
	InterestCharges metric.Counter
	TradesSettled   metric.Counter
	LegsSettled     metric.Counter
	Liquidations    metric.Counter
}

// NewEngineCounters creates the engine counter set
func NewEngineCounters(reg metric.Registerer) *EngineCounters {
	return &EngineCounters{
		InterestCharges: metric.NewCounter("lend_interest_charges"),
		TradesSettled:   metric.NewCounter("lend_trades_settled"),
		LegsSettled:     metric.NewCounter("lend_legs_settled"),
		Liquidations:    metric.NewCounter("lend_liquidations"),
	}
}

// EngineSink subscribes to engine events and feeds both the Prometheus
// set and the luxfi counters. Market gauges are refreshed on every
// interest charge since that is when utilization and rate move.
type EngineSink struct {
	prom     *LendMetrics
	counters *EngineCounters
	interest *lend.InterestEngine
	ledger   *lend.Ledger
}

// NewEngineSink wires a sink over the given engine components. Either
// metric target may be nil; events for a nil target are dropped.
func NewEngineSink(prom *LendMetrics, counters *EngineCounters, engine *lend.Engine) *EngineSink {
	return &EngineSink{
		prom:     prom,
		counters: counters,
		interest: engine.Interest,
		ledger:   engine.Ledger,
	}
}

// OnInterestCharged implements lend.EventSink
func (s *EngineSink) OnInterestCharged(asset string, record *lend.RateRecord) {
	if s.counters != nil {
		s.counters.InterestCharges.Inc()
	}
	if s.prom == nil {
		return
	}
	s.prom.RecordInterestCharge(asset, record.Index)

	util := big.NewInt(0)
	if u, err := s.interest.Utilization(asset); err == nil {
		util = u
	}
	supplied, borrowed := big.NewInt(0), big.NewInt(0)
	if m, err := s.ledger.ReturnAssetLogs(asset); err == nil {
		supplied, borrowed = m.TotalSupplied, m.TotalBorrowed
	}
	s.prom.UpdateMarket(asset, wadFloat(util), wadFloat(record.Rate), wadFloat(supplied), wadFloat(borrowed))
}

// OnTrade implements lend.EventSink
func (s *EngineSink) OnTrade(result *lend.SettlementResult) {
	if s.counters != nil {
		s.counters.TradesSettled.Inc()
		s.counters.LegsSettled.Add(float64(result.Legs))
	}
	if s.prom != nil {
		s.prom.RecordTrade(result.Legs)
	}
}

// OnLiquidation implements lend.EventSink
func (s *EngineSink) OnLiquidation(result *lend.LiquidationResult) {
	if s.counters != nil {
		s.counters.Liquidations.Inc()
	}
	if s.prom != nil {
		s.prom.RecordLiquidation()
	}
}

// wadFloat converts a wad-scaled big.Int to a float64 for gauge export.
// Precision loss is acceptable for monitoring.
func wadFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e18)).Float64()
	return f
}
