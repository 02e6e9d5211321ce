package lend

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	interestEvents []string
	trades         []*SettlementResult
	liquidations   []*LiquidationResult
}

func (r *recordingSink) OnInterestCharged(asset string, _ *RateRecord) {
	r.interestEvents = append(r.interestEvents, asset)
}

func (r *recordingSink) OnTrade(result *SettlementResult) {
	r.trades = append(r.trades, result)
}

func (r *recordingSink) OnLiquidation(result *LiquidationResult) {
	r.liquidations = append(r.liquidations, result)
}

func TestChargeAllMarkets(t *testing.T) {
	f := newTestFixture()
	require.NoError(t, f.initMarket("USDT", defaultMarketParams(WadOne)))
	require.NoError(t, f.initMarket("ETH", defaultMarketParams(Wad(10))))

	sink := &recordingSink{}
	f.engine.Subscribe(sink)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.ChargeAllMarkets())

	assert.Equal(t, []string{"ETH", "USDT"}, sink.interestEvents)

	for _, asset := range []string{"USDT", "ETH"} {
		idx, err := f.engine.Interest.FetchCurrentRateIndex(asset)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), idx)
	}
}

func TestEngineEventsOnTradeAndLiquidation(t *testing.T) {
	f := newTestFixture()
	sink := &recordingSink{}
	f.engine.Subscribe(sink)

	setupUnderwater(t, f)
	require.Len(t, sink.trades, 1)
	assert.Equal(t, [2]string{"USDT", "ETH"}, sink.trades[0].Pair)

	require.NoError(t, f.engine.Oracle.SetPrice("ETH", wadFrac(4, 10)))
	_, err := f.engine.Liquidate("keeper", "alice", "USDT", "ETH")
	require.NoError(t, err)
	require.Len(t, sink.liquidations, 1)
	assert.Equal(t, "alice", sink.liquidations[0].User)

	t.Run("failed calls emit nothing", func(t *testing.T) {
		_, err := f.engine.SubmitOrder(
			[2]string{"USDT", "USDT"},
			[2][]string{{"a"}, {"b"}},
			[2][]*big.Int{{Wad(1)}, {Wad(1)}},
			[2][]bool{{true}, {false}},
		)
		require.Error(t, err)
		assert.Len(t, sink.trades, 1)
	})
}
