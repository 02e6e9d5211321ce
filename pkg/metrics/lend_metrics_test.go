package metrics

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/lend/pkg/lend"
)

func wad(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), lend.WadOne)
}

func TestLendMetricsCounters(t *testing.T) {
	m, err := NewLendMetrics("lend")
	require.NoError(t, err)

	m.RecordInterestCharge("USDT", 3)
	m.RecordInterestCharge("USDT", 4)
	m.RecordTrade(5)
	m.RecordLiquidation()
	m.RecordNATSPublish()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.interestCharges))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rateIndex.WithLabelValues("USDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradesSettled))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.tradeLegs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.natsPublished))
}

func TestLendMetricsMarketGauges(t *testing.T) {
	m, err := NewLendMetrics("lend")
	require.NoError(t, err)

	m.UpdateMarket("ETH", 0.5, 0.08, 1000, 500)

	assert.Equal(t, 0.5, testutil.ToFloat64(m.utilization.WithLabelValues("ETH")))
	assert.Equal(t, 0.08, testutil.ToFloat64(m.borrowRate.WithLabelValues("ETH")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.totalSupplied.WithLabelValues("ETH")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.totalBorrowed.WithLabelValues("ETH")))
}

func TestEngineSinkFeedsMetrics(t *testing.T) {
	m, err := NewLendMetrics("lend")
	require.NoError(t, err)
	counters := NewEngineCounters(nil)

	engine := lend.NewEngine(lend.EngineConfig{
		Ledger:     lend.LedgerConfig{Admin: "admin", FeeAccount: "fees"},
		Liquidator: lend.DefaultLiquidatorConfig(),
	})
	now := time.Unix(1_700_000_000, 0)
	engine.Interest.SetClock(func() time.Time { return now })

	zero := big.NewInt(0)
	require.NoError(t, engine.Ledger.InitTokenMarket("admin", "USDT",
		wad(1), lend.WadOne, [2]*big.Int{zero, zero}, zero, zero,
		lend.WadOne, lend.WadOne, wad(7), wad(9)))
	require.NoError(t, engine.Interest.InitInterest("USDT", 0, lend.RateCurve{
		Base:    big.NewInt(5e15),
		Kink:    big.NewInt(15e16),
		Max:     lend.WadOne,
		Optimal: big.NewInt(7e17),
		Ceiling: big.NewInt(9e17),
	}, big.NewInt(5e15)))

	engine.Subscribe(NewEngineSink(m, counters, engine))

	now = now.Add(time.Hour)
	require.NoError(t, engine.ChargeAllMarkets())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.interestCharges))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateIndex.WithLabelValues("USDT")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.utilization.WithLabelValues("USDT")))
	assert.InDelta(t, 0.005, testutil.ToFloat64(m.borrowRate.WithLabelValues("USDT")), 1e-9)
}

func TestEngineSinkNilTargets(t *testing.T) {
	engine := lend.NewEngine(lend.EngineConfig{
		Ledger:     lend.LedgerConfig{Admin: "admin", FeeAccount: "fees"},
		Liquidator: lend.DefaultLiquidatorConfig(),
	})
	sink := NewEngineSink(nil, nil, engine)

	// Must not panic with no metric targets wired.
	sink.OnTrade(&lend.SettlementResult{})
	sink.OnLiquidation(&lend.LiquidationResult{})
	sink.OnInterestCharged("USDT", &lend.RateRecord{Rate: big.NewInt(0)})
}

func TestWadFloat(t *testing.T) {
	assert.Equal(t, 0.0, wadFloat(nil))
	assert.Equal(t, 1.0, wadFloat(lend.WadOne))
	assert.InDelta(t, 2.5, wadFloat(new(big.Int).Mul(big.NewInt(25), big.NewInt(1e17))), 1e-12)
}
