package lend

import (
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	f := newTestFixture()
	require.NoError(t, f.initMarket("USDT", defaultMarketParams(WadOne)))
	require.NoError(t, f.initMarket("ETH", defaultMarketParams(Wad(10))))
	require.NoError(t, f.fund("alice", "USDT", 1000))
	require.NoError(t, f.fund("bob", "USDT", 500))
	require.NoError(t, f.engine.Ledger.Borrow("bob", "USDT", Wad(100)))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.ChargeAllMarkets())

	db := memdb.New()
	store := NewStore(db)
	require.NoError(t, store.Save(f.engine))

	savedAt, err := store.LastSavedAt()
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Unix(), savedAt)

	// Restore into a fresh engine and compare observable state.
	restored := NewEngine(EngineConfig{
		Ledger:     LedgerConfig{Admin: testAdmin, FeeAccount: testFeeAccount},
		Liquidator: DefaultLiquidatorConfig(),
	})
	restored.Interest.SetClock(f.clock.Now)
	require.NoError(t, store.Load(restored))

	assert.Equal(t, []string{"ETH", "USDT"}, restored.Ledger.Markets())

	collateral, _, err := restored.Ledger.ReadUserData("alice", "USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, collateral.Cmp(Wad(1000)))

	_, principal, err := restored.Ledger.ReadUserData("bob", "USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, principal.Cmp(Wad(100)))

	origIdx, err := f.engine.Interest.FetchCurrentRateIndex("USDT")
	require.NoError(t, err)
	restIdx, err := restored.Interest.FetchCurrentRateIndex("USDT")
	require.NoError(t, err)
	assert.Equal(t, origIdx, restIdx)

	origRec, err := f.engine.Interest.FetchRateInfo("USDT", origIdx)
	require.NoError(t, err)
	restRec, err := restored.Interest.FetchRateInfo("USDT", restIdx)
	require.NoError(t, err)
	assert.Equal(t, 0, origRec.CumulativeIndex.Cmp(restRec.CumulativeIndex))
	assert.Equal(t, 0, origRec.Rate.Cmp(restRec.Rate))

	util, err := restored.Interest.Utilization("USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, util.Cmp(wadFrac(1, 15)), "pool totals survive the round trip")

	// Accrual continues from the restored ladder.
	f.clock.Advance(time.Hour)
	require.NoError(t, restored.Interest.ChargeMassInterest("USDT"))
	nextIdx, err := restored.Interest.FetchCurrentRateIndex("USDT")
	require.NoError(t, err)
	assert.Equal(t, restIdx+1, nextIdx)
}

func TestStoreLoadEmptyDatabase(t *testing.T) {
	store := NewStore(memdb.New())
	engine := NewEngine(EngineConfig{
		Ledger:     LedgerConfig{Admin: testAdmin, FeeAccount: testFeeAccount},
		Liquidator: DefaultLiquidatorConfig(),
	})
	require.NoError(t, store.Load(engine), "missing snapshot starts fresh")
	assert.Empty(t, engine.Ledger.Markets())

	savedAt, err := store.LastSavedAt()
	require.NoError(t, err)
	assert.Equal(t, int64(0), savedAt)
}

func TestStoreSnapshotIsolation(t *testing.T) {
	f := newTestFixture()
	require.NoError(t, f.initMarket("USDT", defaultMarketParams(WadOne)))
	require.NoError(t, f.fund("alice", "USDT", 100))

	db := memdb.New()
	store := NewStore(db)
	require.NoError(t, store.Save(f.engine))

	// Mutations after the save must not leak into the stored snapshot.
	require.NoError(t, f.engine.Ledger.Withdraw("alice", "USDT", Wad(50)))

	restored := NewEngine(EngineConfig{
		Ledger:     LedgerConfig{Admin: testAdmin, FeeAccount: testFeeAccount},
		Liquidator: DefaultLiquidatorConfig(),
	})
	require.NoError(t, store.Load(restored))

	collateral, _, err := restored.Ledger.ReadUserData("alice", "USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, collateral.Cmp(Wad(100)))
}
