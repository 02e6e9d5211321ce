package lend

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTokenMarket(t *testing.T) {
	f := newTestFixture()
	p := defaultMarketParams(WadOne)

	t.Run("admin only", func(t *testing.T) {
		err := f.engine.Ledger.InitTokenMarket("mallory", "USDT", p.Price, p.Haircut,
			[2]*big.Int{p.MakerFee, p.TakerFee}, p.InitialMarginFee, p.LiquidationFee,
			p.IMR, p.MMR, p.Optimal, p.Ceiling)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	require.NoError(t, f.initMarket("USDT", p))

	t.Run("params round trip", func(t *testing.T) {
		m, err := f.engine.Ledger.ReturnAssetLogs("USDT")
		require.NoError(t, err)
		assert.True(t, m.Initialized)
		assert.Equal(t, 0, m.InitialMarginRequirement.Cmp(p.IMR))
		assert.Equal(t, 0, m.MaintenanceMarginRequirement.Cmp(p.MMR))
		assert.Equal(t, 0, m.OptimalBorrowProportion.Cmp(p.Optimal))
		assert.Equal(t, 0, m.MaximumBorrowProportion.Cmp(p.Ceiling))
		assert.Equal(t, 0, m.TotalSupplied.Sign())
		assert.Equal(t, 0, m.TotalBorrowed.Sign())
	})

	t.Run("double init rejected", func(t *testing.T) {
		err := f.engine.Ledger.InitTokenMarket(testAdmin, "USDT", p.Price, p.Haircut,
			[2]*big.Int{p.MakerFee, p.TakerFee}, p.InitialMarginFee, p.LiquidationFee,
			p.IMR, p.MMR, p.Optimal, p.Ceiling)
		assert.ErrorIs(t, err, ErrAlreadyInitialized)
	})

	t.Run("unknown market reads fail", func(t *testing.T) {
		_, err := f.engine.Ledger.ReturnAssetLogs("DOGE")
		assert.ErrorIs(t, err, ErrUninitialized)
		_, _, err = f.engine.Ledger.ReadUserData("alice", "DOGE")
		assert.ErrorIs(t, err, ErrUninitialized)
	})
}

func TestUpdateMarketParams(t *testing.T) {
	f := newTestFixture()
	p := defaultMarketParams(WadOne)
	require.NoError(t, f.initMarket("USDT", p))

	err := f.engine.Ledger.UpdateMarketParams("mallory", "USDT", nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	newHaircut := wadFrac(1, 2)
	require.NoError(t, f.engine.Ledger.UpdateMarketParams(testAdmin, "USDT", newHaircut, nil, nil, nil))

	m, err := f.engine.Ledger.ReturnAssetLogs("USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, m.CollateralValue.Cmp(newHaircut))
	assert.Equal(t, 0, m.InitialMarginRequirement.Cmp(p.IMR), "nil fields untouched")
}

func TestDepositWithdraw(t *testing.T) {
	f := newTestFixture()
	require.NoError(t, f.initMarket("USDT", defaultMarketParams(WadOne)))
	f.engine.Custody.Mint("alice", "USDT", Wad(1000))

	require.NoError(t, f.engine.Ledger.Deposit("alice", "USDT", Wad(600)))

	collateral, _, err := f.engine.Ledger.ReadUserData("alice", "USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, collateral.Cmp(Wad(600)))
	assert.Equal(t, 0, f.engine.Custody.WalletBalance("alice", "USDT").Cmp(Wad(400)))

	m, err := f.engine.Ledger.ReturnAssetLogs("USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalSupplied.Cmp(Wad(600)))

	t.Run("withdraw beyond collateral fails", func(t *testing.T) {
		err := f.engine.Ledger.Withdraw("alice", "USDT", Wad(700))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("deposit beyond wallet fails", func(t *testing.T) {
		err := f.engine.Ledger.Deposit("alice", "USDT", Wad(500))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("zero amount rejected", func(t *testing.T) {
		assert.ErrorIs(t, f.engine.Ledger.Deposit("alice", "USDT", new(big.Int)), ErrInvalidAmount)
		assert.ErrorIs(t, f.engine.Ledger.Withdraw("alice", "USDT", nil), ErrInvalidAmount)
	})

	require.NoError(t, f.engine.Ledger.Withdraw("alice", "USDT", Wad(600)))
	assert.Equal(t, 0, f.engine.Custody.WalletBalance("alice", "USDT").Cmp(Wad(1000)))

	m, err = f.engine.Ledger.ReturnAssetLogs("USDT")
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalSupplied.Sign())
}

func TestBorrowRepaySettlesInterest(t *testing.T) {
	f := newTestFixture()
	require.NoError(t, f.initMarket("USDT", defaultMarketParams(WadOne)))
	require.NoError(t, f.fund("alice", "USDT", 1000))
	require.NoError(t, f.fund("bob", "USDT", 500))

	require.NoError(t, f.engine.Ledger.Borrow("bob", "USDT", Wad(100)))

	f.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, f.engine.Interest.ChargeMassInterest("USDT"))

	charge, err := f.engine.Ledger.ReturnInterestCharge("bob", "USDT")
	require.NoError(t, err)
	require.Equal(t, 1, charge.Sign())

	t.Run("overpayment rejected", func(t *testing.T) {
		err := f.engine.Ledger.Repay("bob", "USDT", Wad(200))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("repay principal leaves interest owing", func(t *testing.T) {
		require.NoError(t, f.engine.Ledger.Repay("bob", "USDT", Wad(100)))
		_, principal, err := f.engine.Ledger.ReadUserData("bob", "USDT")
		require.NoError(t, err)
		assert.Equal(t, 0, principal.Cmp(charge), "accrued interest settled into principal before repay")
	})

	t.Run("full repayment zeroes the liability", func(t *testing.T) {
		require.NoError(t, f.engine.Ledger.Repay("bob", "USDT", charge))
		_, principal, err := f.engine.Ledger.ReadUserData("bob", "USDT")
		require.NoError(t, err)
		assert.Equal(t, 0, principal.Sign())

		m, err := f.engine.Ledger.ReturnAssetLogs("USDT")
		require.NoError(t, err)
		assert.Equal(t, 0, m.TotalBorrowed.Sign())
	})
}

func TestBorrowRequiresInitialMargin(t *testing.T) {
	f := newTestFixture()
	require.NoError(t, f.initMarket("USDT", defaultMarketParams(WadOne)))
	require.NoError(t, f.fund("alice", "USDT", 100))

	t.Run("undercollateralized borrow rejected", func(t *testing.T) {
		// 100 collateral against 1000 owed is a 0.1 ratio, below the
		// 0.2 initial margin requirement.
		err := f.engine.Ledger.Borrow("alice", "USDT", Wad(1000))
		assert.ErrorIs(t, err, ErrInsufficientMargin)

		_, principal, err := f.engine.Ledger.ReadUserData("alice", "USDT")
		require.NoError(t, err)
		assert.Equal(t, 0, principal.Sign())

		m, err := f.engine.Ledger.ReturnAssetLogs("USDT")
		require.NoError(t, err)
		assert.Equal(t, 0, m.TotalBorrowed.Sign())
	})

	t.Run("borrow within margin succeeds", func(t *testing.T) {
		// 100 collateral against 400 owed is a 0.25 ratio.
		require.NoError(t, f.engine.Ledger.Borrow("alice", "USDT", Wad(400)))
		_, principal, err := f.engine.Ledger.ReadUserData("alice", "USDT")
		require.NoError(t, err)
		assert.Equal(t, 0, principal.Cmp(Wad(400)))
	})

	t.Run("unpriced holding blocks borrowing", func(t *testing.T) {
		p := defaultMarketParams(Wad(5))
		require.NoError(t, f.engine.Ledger.InitTokenMarket(testAdmin, "SOL", p.Price, p.Haircut,
			[2]*big.Int{p.MakerFee, p.TakerFee}, p.InitialMarginFee, p.LiquidationFee,
			p.IMR, p.MMR, p.Optimal, p.Ceiling))
		curve := RateCurve{Base: p.Base, Kink: p.Kink, Max: p.Max, Optimal: p.Optimal, Ceiling: p.Ceiling}
		require.NoError(t, f.engine.Interest.InitInterest("SOL", 1, curve, p.Base))
		require.NoError(t, f.fund("bob", "SOL", 10))

		err := f.engine.Ledger.Borrow("bob", "SOL", Wad(1))
		assert.ErrorIs(t, err, ErrNoPrice)
	})
}

func TestAssetsOfSortedNonzero(t *testing.T) {
	f := newTestFixture()
	require.NoError(t, f.initMarket("USDT", defaultMarketParams(WadOne)))
	require.NoError(t, f.initMarket("ETH", defaultMarketParams(Wad(10))))
	require.NoError(t, f.fund("alice", "USDT", 100))
	require.NoError(t, f.fund("alice", "ETH", 5))

	assert.Equal(t, []string{"ETH", "USDT"}, f.engine.Ledger.AssetsOf("alice"))

	require.NoError(t, f.engine.Ledger.Withdraw("alice", "ETH", Wad(5)))
	assert.Equal(t, []string{"USDT"}, f.engine.Ledger.AssetsOf("alice"), "zeroed positions drop out")
	assert.Empty(t, f.engine.Ledger.AssetsOf("nobody"))
}
