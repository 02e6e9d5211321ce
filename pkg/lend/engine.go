package lend

import (
	"math/big"
	"sync"
	"time"
)

// EventSink receives engine lifecycle events. Implementations must be
// fast and non-blocking; slow consumers should buffer internally.
type EventSink interface {
	OnInterestCharged(asset string, record *RateRecord)
	OnTrade(result *SettlementResult)
	OnLiquidation(result *LiquidationResult)
}

// EngineConfig wires the ledger and liquidation policies together with
// the oracle staleness bound.
type EngineConfig struct {
	Ledger              LedgerConfig
	Liquidator          LiquidatorConfig
	OracleStaleDuration time.Duration
}

// Engine is the top-level facade over the interest engine, ledger,
// margin calculator, trade settlement, and liquidator. It exists so the
// daemon and the RPC layer hold a single handle; all domain logic lives
// in the components it composes.
type Engine struct {
	Interest   *InterestEngine
	Ledger     *Ledger
	Margin     *MarginCalculator
	Exchange   *Exchange
	Liquidator *Liquidator
	Oracle     *PriceOracle
	Custody    *VaultCustody

	sinks []EventSink
	mu    sync.RWMutex
}

// NewEngine assembles a fully wired engine with in-memory custody.
func NewEngine(cfg EngineConfig) *Engine {
	interest := NewInterestEngine()
	oracle := NewPriceOracle(cfg.OracleStaleDuration)
	custody := NewVaultCustody()
	ledger := NewLedger(cfg.Ledger, interest, custody, oracle)
	margin := NewMarginCalculator(ledger, oracle)

	return &Engine{
		Interest:   interest,
		Ledger:     ledger,
		Margin:     margin,
		Exchange:   NewExchange(ledger, interest, oracle),
		Liquidator: NewLiquidator(ledger, interest, oracle, cfg.Liquidator),
		Oracle:     oracle,
		Custody:    custody,
	}
}

// Subscribe registers a sink for trade, liquidation, and interest events.
func (e *Engine) Subscribe(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

func (e *Engine) emit(fn func(EventSink)) {
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, s := range sinks {
		fn(s)
	}
}

// ChargeAllMarkets advances the interest ladder of every initialized
// market. The daemon calls this on a timer; any caller may invoke it
// early since charging is idempotent within a timestamp.
func (e *Engine) ChargeAllMarkets() error {
	for _, asset := range e.Ledger.Markets() {
		if err := e.Interest.ChargeMassInterest(asset); err != nil {
			return err
		}
		idx, err := e.Interest.FetchCurrentRateIndex(asset)
		if err != nil {
			return err
		}
		record, err := e.Interest.FetchRateInfo(asset, idx)
		if err != nil {
			return err
		}
		e.emit(func(s EventSink) { s.OnInterestCharged(asset, record) })
	}
	return nil
}

// SubmitOrder settles a matched trade batch and notifies subscribers on
// success.
func (e *Engine) SubmitOrder(pair [2]string, participants [2][]string,
	amounts [2][]*big.Int, sides [2][]bool) (*SettlementResult, error) {

	result, err := e.Exchange.SubmitOrder(pair, participants, amounts, sides)
	if err != nil {
		return nil, err
	}
	e.emit(func(s EventSink) { s.OnTrade(result) })
	return result, nil
}

// Liquidate executes a forced unwind and notifies subscribers on
// success. An empty collateralAsset lets the liquidator pick the user's
// most valuable collateral holding.
func (e *Engine) Liquidate(caller, user, debtAsset, collateralAsset string) (*LiquidationResult, error) {
	var result *LiquidationResult
	var err error
	if collateralAsset == "" {
		result, err = e.Liquidator.LiquidateDebt(caller, user, debtAsset)
	} else {
		result, err = e.Liquidator.Liquidate(caller, user, debtAsset, collateralAsset)
	}
	if err != nil {
		return nil, err
	}
	e.emit(func(s EventSink) { s.OnLiquidation(result) })
	return result, nil
}
