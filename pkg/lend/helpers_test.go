package lend

import (
	"math/big"
	"time"
)

// testClock is a manually advanced time source shared by the interest
// engine and the oracle in tests.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

const (
	testAdmin      = "admin"
	testFeeAccount = "fees"
)

func wadFrac(num, den int64) *big.Int {
	v := new(big.Int).Mul(WadOne, big.NewInt(num))
	return v.Quo(v, big.NewInt(den))
}

type testFixture struct {
	engine *Engine
	clock  *testClock
}

func newTestFixture() *testFixture {
	clock := newTestClock()
	engine := NewEngine(EngineConfig{
		Ledger:     LedgerConfig{Admin: testAdmin, FeeAccount: testFeeAccount},
		Liquidator: DefaultLiquidatorConfig(),
	})
	engine.Interest.SetClock(clock.Now)
	engine.Oracle.SetClock(clock.Now)
	return &testFixture{engine: engine, clock: clock}
}

// testMarketParams mirrors a conservative stablecoin-style market: full
// collateral weight, no trade fees, 20% initial and 10% maintenance
// margin requirements, and a kinked curve from 0.5% through 15% to 100%.
type testMarketParams struct {
	Price            *big.Int
	Haircut          *big.Int
	MakerFee         *big.Int
	TakerFee         *big.Int
	InitialMarginFee *big.Int
	LiquidationFee   *big.Int
	IMR              *big.Int
	MMR              *big.Int
	Optimal          *big.Int
	Ceiling          *big.Int
	Base             *big.Int
	Kink             *big.Int
	Max              *big.Int
}

func defaultMarketParams(price *big.Int) testMarketParams {
	return testMarketParams{
		Price:            price,
		Haircut:          new(big.Int).Set(WadOne),
		MakerFee:         new(big.Int),
		TakerFee:         new(big.Int),
		InitialMarginFee: new(big.Int),
		LiquidationFee:   new(big.Int),
		IMR:              wadFrac(2, 10),
		MMR:              wadFrac(1, 10),
		Optimal:          wadFrac(7, 10),
		Ceiling:          wadFrac(9, 10),
		Base:             wadFrac(5, 1000),
		Kink:             wadFrac(15, 100),
		Max:              new(big.Int).Set(WadOne),
	}
}

func (f *testFixture) initMarket(asset string, p testMarketParams) error {
	err := f.engine.Ledger.InitTokenMarket(testAdmin, asset, p.Price, p.Haircut,
		[2]*big.Int{p.MakerFee, p.TakerFee}, p.InitialMarginFee, p.LiquidationFee,
		p.IMR, p.MMR, p.Optimal, p.Ceiling)
	if err != nil {
		return err
	}
	curve := RateCurve{Base: p.Base, Kink: p.Kink, Max: p.Max, Optimal: p.Optimal, Ceiling: p.Ceiling}
	if err := f.engine.Interest.InitInterest(asset, 1, curve, p.Base); err != nil {
		return err
	}
	return f.engine.Oracle.SetPrice(asset, p.Price)
}

func (f *testFixture) fund(user, asset string, units int64) error {
	amount := Wad(units)
	f.engine.Custody.Mint(user, asset, amount)
	return f.engine.Ledger.Deposit(user, asset, amount)
}

// hookedPrices wraps a price source and runs fn before each lookup, so
// tests can interleave ledger mutations with a price fetch.
type hookedPrices struct {
	inner PriceSource
	fn    func(asset string)
}

func (h *hookedPrices) GetPrice(asset string) (*big.Int, error) {
	if h.fn != nil {
		h.fn(asset)
	}
	return h.inner.GetPrice(asset)
}
