package lend

import (
	"fmt"
	"math/big"
)

// maxRatio is the sentinel returned for accounts with no liabilities:
// effectively infinite margin, never a division fault.
var maxRatio = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)

// MaxMarginRatio reports the sentinel ratio used when an account has no
// liabilities to value.
func MaxMarginRatio() *big.Int { return new(big.Int).Set(maxRatio) }

// marginEntry is one asset's contribution to a margin valuation.
type marginEntry struct {
	collateral *big.Int // units
	liability  *big.Int // units, interest-adjusted
	price      *big.Int // wad
	haircut    *big.Int // wad collateral value factor
}

// marginRatio folds entries into Σ(collateral·price·haircut) divided by
// Σ(liability·price), both wad-valued.
func marginRatio(entries []marginEntry) *big.Int {
	collateralValue := new(big.Int)
	liabilityValue := new(big.Int)
	for _, en := range entries {
		cv := WadMul(WadMul(en.collateral, en.price), en.haircut)
		collateralValue.Add(collateralValue, cv)
		liabilityValue.Add(liabilityValue, WadMul(en.liability, en.price))
	}
	if liabilityValue.Sign() == 0 {
		return MaxMarginRatio()
	}
	return WadDiv(collateralValue, liabilityValue)
}

// MarginCalculator derives margin ratios for an account from ledger state
// and oracle prices. Ratios are only meaningful against an interest-fresh
// ladder: callers must run ChargeMassInterest for every involved asset
// before trusting the result.
type MarginCalculator struct {
	ledger *Ledger
	oracle PriceSource
}

// NewMarginCalculator binds a calculator to a ledger and price source.
func NewMarginCalculator(ledger *Ledger, oracle PriceSource) *MarginCalculator {
	return &MarginCalculator{ledger: ledger, oracle: oracle}
}

// CalculateAMMRForUser computes the aggregate maintenance margin ratio
// across every asset the user has a position in.
func (mc *MarginCalculator) CalculateAMMRForUser(user string) (*big.Int, error) {
	return mc.ratioOver(user, mc.ledger.AssetsOf(user))
}

// ReturnPairMMROfUser computes the margin ratio restricted to the two
// assets of an isolated pair trade.
func (mc *MarginCalculator) ReturnPairMMROfUser(user, assetA, assetB string) (*big.Int, error) {
	if assetA == assetB {
		return nil, fmt.Errorf("pair assets must differ: %s", assetA)
	}
	return mc.ratioOver(user, []string{assetA, assetB})
}

func (mc *MarginCalculator) ratioOver(user string, assets []string) (*big.Int, error) {
	entries := make([]marginEntry, 0, len(assets))
	for _, asset := range assets {
		market, err := mc.ledger.ReturnAssetLogs(asset)
		if err != nil {
			return nil, err
		}
		collateral, principal, err := mc.ledger.ReadUserData(user, asset)
		if err != nil {
			return nil, err
		}
		accrued, err := mc.ledger.ReturnInterestCharge(user, asset)
		if err != nil {
			return nil, err
		}
		price, err := mc.oracle.GetPrice(asset)
		if err != nil {
			return nil, err
		}
		entries = append(entries, marginEntry{
			collateral: collateral,
			liability:  new(big.Int).Add(principal, accrued),
			price:      price,
			haircut:    market.CollateralValue,
		})
	}
	return marginRatio(entries), nil
}
