// Package lend implements a margin-trading and lending ledger: collateral
// and liability accounting per user and asset, a compounding interest index
// per asset, margin-gated trade settlement, and forced liquidation of
// undercollateralized positions.
package lend

import (
	"math/big"
	"time"
)

// All monetary and rate values are fixed-point integers scaled by 1e18.

// WadOne is the fixed-point unit (1.0).
var WadOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// SecondsPerYear is the compounding year used by the rate engine:
// 364 days of 24 hours (8736 hours), matching the hourly rate table.
const SecondsPerYear = 8736 * 3600

// WadMul multiplies two wad values: a * b / 1e18.
func WadMul(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, WadOne)
}

// WadDiv divides two wad values: a * 1e18 / b. b must be non-zero.
func WadDiv(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, WadOne)
	return out.Quo(out, b)
}

// Wad converts a whole-unit integer to its wad representation.
func Wad(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), WadOne)
}

// RateRecord is one entry in an asset's append-only interest index ladder.
// CumulativeIndex is non-decreasing and Timestamp strictly increasing
// across consecutive records for the same asset.
type RateRecord struct {
	Index            uint64   `json:"index"`
	Timestamp        int64    `json:"timestamp"` // unix seconds
	Rate             *big.Int `json:"rate"`      // annualized, wad
	CumulativeIndex  *big.Int `json:"cumulativeIndex"`
	TotalLiabilities *big.Int `json:"totalLiabilities"`
}

// RateCurve is the utilization-to-rate policy for one asset. Below Optimal
// utilization the rate climbs linearly from Base toward Kink; above it the
// slope steepens toward Max at Ceiling utilization.
type RateCurve struct {
	Base    *big.Int `json:"base"`
	Kink    *big.Int `json:"kink"`
	Max     *big.Int `json:"max"`
	Optimal *big.Int `json:"optimal"` // optimal borrow proportion
	Ceiling *big.Int `json:"ceiling"` // maximum borrow proportion
}

// AssetMarket is the per-asset market configuration plus pool aggregates.
type AssetMarket struct {
	Asset       string   `json:"asset"`
	Initialized bool     `json:"initialized"`
	Price       *big.Int `json:"price"` // bootstrap price, oracle overrides

	// Risk parameters, all wad-scaled.
	CollateralValue              *big.Int    `json:"collateralValue"` // haircut factor
	TradeFees                    [2]*big.Int `json:"tradeFees"`       // maker, taker
	InitialMarginFee             *big.Int    `json:"initialMarginFee"`
	LiquidationFee               *big.Int    `json:"liquidationFee"`
	InitialMarginRequirement     *big.Int    `json:"initialMarginRequirement"`
	MaintenanceMarginRequirement *big.Int    `json:"maintenanceMarginRequirement"`
	OptimalBorrowProportion      *big.Int    `json:"optimalBorrowProportion"`
	MaximumBorrowProportion      *big.Int    `json:"maximumBorrowProportion"`

	// Pool aggregates.
	TotalSupplied *big.Int `json:"totalSupplied"`
	TotalBorrowed *big.Int `json:"totalBorrowed"`
	FeePool       *big.Int `json:"feePool"`
}

// Clone returns a deep copy of the market record.
func (m *AssetMarket) Clone() *AssetMarket {
	copied := *m
	copied.Price = new(big.Int).Set(m.Price)
	copied.CollateralValue = new(big.Int).Set(m.CollateralValue)
	copied.TradeFees = [2]*big.Int{new(big.Int).Set(m.TradeFees[0]), new(big.Int).Set(m.TradeFees[1])}
	copied.InitialMarginFee = new(big.Int).Set(m.InitialMarginFee)
	copied.LiquidationFee = new(big.Int).Set(m.LiquidationFee)
	copied.InitialMarginRequirement = new(big.Int).Set(m.InitialMarginRequirement)
	copied.MaintenanceMarginRequirement = new(big.Int).Set(m.MaintenanceMarginRequirement)
	copied.OptimalBorrowProportion = new(big.Int).Set(m.OptimalBorrowProportion)
	copied.MaximumBorrowProportion = new(big.Int).Set(m.MaximumBorrowProportion)
	copied.TotalSupplied = new(big.Int).Set(m.TotalSupplied)
	copied.TotalBorrowed = new(big.Int).Set(m.TotalBorrowed)
	copied.FeePool = new(big.Int).Set(m.FeePool)
	return &copied
}

// Position is the per-(user, asset) balance record. LiabilityPrincipal is
// valued against the interest index: the amount owed now is
// principal * cumulativeIndex(now) / cumulativeIndex(entryIndex).
type Position struct {
	Collateral          *big.Int `json:"collateral"`
	LiabilityPrincipal  *big.Int `json:"liabilityPrincipal"`
	LiabilityEntryIndex uint64   `json:"liabilityEntryIndex"`
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	return &Position{
		Collateral:          new(big.Int).Set(p.Collateral),
		LiabilityPrincipal:  new(big.Int).Set(p.LiabilityPrincipal),
		LiabilityEntryIndex: p.LiabilityEntryIndex,
	}
}

func newPosition() *Position {
	return &Position{
		Collateral:         new(big.Int),
		LiabilityPrincipal: new(big.Int),
	}
}

// TradeLeg is one pre-matched taker/maker pairing inside a settlement
// batch. The taker sends TakerAmount of the pair's first asset and
// receives MakerAmount of the second; the maker does the opposite.
type TradeLeg struct {
	Taker       string
	Maker       string
	TakerAmount *big.Int
	MakerAmount *big.Int
}

// SettlementResult reports what a committed batch did.
type SettlementResult struct {
	Pair      [2]string
	Legs      int
	FeesTaken map[string]*big.Int // asset -> fee units added to the pool
	Timestamp time.Time
}

// LiquidationResult reports a completed forced unwind.
type LiquidationResult struct {
	User            string
	Liquidator      string
	DebtAsset       string
	CollateralAsset string
	SeizedUnits     *big.Int // collateral units taken from the user
	RepaidUnits     *big.Int // debt units extinguished
	FeeUnits        *big.Int // collateral units paid to the beneficiary
	Timestamp       time.Time
}
