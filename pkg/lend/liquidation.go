package lend

import (
	"fmt"
	"math/big"
	"sync"
)

// LiquidationMode selects how much of an undercollateralized exposure a
// single liquidation call unwinds.
type LiquidationMode int

const (
	// FullUnwind extinguishes the entire pair liability, capped by the
	// collateral available to seize. Default.
	FullUnwind LiquidationMode = iota
	// PartialUnwind repays a close-factor fraction of the liability per
	// call, leaving the rest for follow-up liquidations.
	PartialUnwind
)

// LiquidatorConfig is the liquidation policy. Both knobs are deliberate
// policy choices rather than protocol invariants.
type LiquidatorConfig struct {
	Mode LiquidationMode
	// CloseFactor is the wad fraction of the liability repaid per call in
	// PartialUnwind mode.
	CloseFactor *big.Int
	// FeeToCaller credits the liquidation premium to the calling
	// liquidator; otherwise it accrues to the ledger's fee account.
	FeeToCaller bool
}

// DefaultLiquidatorConfig unwinds fully and pays the premium to the
// caller, so any permissionless keeper is incentivized to fire first.
func DefaultLiquidatorConfig() LiquidatorConfig {
	return LiquidatorConfig{
		Mode:        FullUnwind,
		CloseFactor: new(big.Int).Quo(WadOne, big.NewInt(2)),
		FeeToCaller: true,
	}
}

// Liquidator detects and executes forced unwinds. The entry point is
// permissionless: the only gate is the margin check against current
// prices and a freshly charged interest index, evaluated in the same
// critical section as the seizure so a position that became solvent
// between submission and execution is never unwound.
type Liquidator struct {
	ledger   *Ledger
	interest *InterestEngine
	oracle   PriceSource
	cfg      LiquidatorConfig

	// InsuranceFund absorbs the repaid portion of seized collateral,
	// per asset, backing the extinguished debt.
	insuranceFund map[string]*big.Int

	totalLiquidations uint64
	mu                sync.Mutex
}

// NewLiquidator creates a liquidation engine over the ledger.
func NewLiquidator(ledger *Ledger, interest *InterestEngine, oracle PriceSource, cfg LiquidatorConfig) *Liquidator {
	if cfg.CloseFactor == nil {
		cfg.CloseFactor = DefaultLiquidatorConfig().CloseFactor
	}
	return &Liquidator{
		ledger:        ledger,
		interest:      interest,
		oracle:        oracle,
		cfg:           cfg,
		insuranceFund: make(map[string]*big.Int),
	}
}

// InsuranceFundBalance reports the fund's holdings for an asset.
func (lq *Liquidator) InsuranceFundBalance(asset string) *big.Int {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if bal, ok := lq.insuranceFund[asset]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TotalLiquidations reports how many liquidations have executed.
func (lq *Liquidator) TotalLiquidations() uint64 {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.totalLiquidations
}

// Liquidate forcibly unwinds user's debtAsset liability against their
// collateralAsset holdings. It refreshes interest on both assets, then
// checks the pair margin ratio under current prices inside the ledger's
// critical section and proceeds only while the ratio is below the debt
// asset's maintenance margin requirement. Seized collateral is valued at
// the oracle price plus the liquidation fee premium; the premium goes to
// the configured beneficiary and the rest to the insurance fund against
// the extinguished debt.
func (lq *Liquidator) Liquidate(caller, user, debtAsset, collateralAsset string) (*LiquidationResult, error) {
	if debtAsset == collateralAsset {
		return nil, fmt.Errorf("%w: pair assets must differ", ErrMalformedBatch)
	}

	if err := lq.interest.ChargeMassInterest(debtAsset); err != nil {
		return nil, err
	}
	if err := lq.interest.ChargeMassInterest(collateralAsset); err != nil {
		return nil, err
	}

	// Prices are fetched before the critical section; the oracle is
	// never called under the ledger lock.
	priceDebt, err := lq.oracle.GetPrice(debtAsset)
	if err != nil {
		return nil, err
	}
	priceCollateral, err := lq.oracle.GetPrice(collateralAsset)
	if err != nil {
		return nil, err
	}

	l := lq.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	debtMarket, err := l.marketLocked(debtAsset)
	if err != nil {
		return nil, err
	}
	collateralMarket, err := l.marketLocked(collateralAsset)
	if err != nil {
		return nil, err
	}

	// Fold accrued interest into principal so both the eligibility check
	// and the unwind see the full interest-adjusted liability.
	if err := l.settleLocked(user, debtAsset); err != nil {
		return nil, err
	}
	if err := l.settleLocked(user, collateralAsset); err != nil {
		return nil, err
	}
	debtPos := l.positionLocked(user, debtAsset)
	collateralPos := l.positionLocked(user, collateralAsset)

	// Eligibility is decided in the same critical section as the
	// seizure, so a position that regained solvency stays untouched.
	ratio := marginRatio([]marginEntry{
		{collateral: debtPos.Collateral, liability: debtPos.LiabilityPrincipal, price: priceDebt, haircut: debtMarket.CollateralValue},
		{collateral: collateralPos.Collateral, liability: collateralPos.LiabilityPrincipal, price: priceCollateral, haircut: collateralMarket.CollateralValue},
	})
	if ratio.Cmp(debtMarket.MaintenanceMarginRequirement) >= 0 {
		return nil, fmt.Errorf("%w: %s ratio %s meets maintenance requirement", ErrNotLiquidatable, user, ratio)
	}

	target := new(big.Int).Set(debtPos.LiabilityPrincipal)
	if lq.cfg.Mode == PartialUnwind {
		target = WadMul(target, lq.cfg.CloseFactor)
	}
	if target.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s owes nothing in %s", ErrNotLiquidatable, user, debtAsset)
	}

	premium := new(big.Int).Add(WadOne, debtMarket.LiquidationFee)

	// Collateral needed to cover the target debt plus the premium.
	targetValue := WadMul(target, priceDebt)
	seizeUnits := WadDiv(WadMul(targetValue, premium), priceCollateral)
	if seizeUnits.Cmp(collateralPos.Collateral) > 0 {
		seizeUnits = new(big.Int).Set(collateralPos.Collateral)
	}
	if seizeUnits.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s has no %s collateral to seize", ErrNotLiquidatable, user, collateralAsset)
	}

	grossValue := WadMul(seizeUnits, priceCollateral)
	repaidValue := WadDiv(grossValue, premium)
	repaidUnits := WadDiv(repaidValue, priceDebt)
	if repaidUnits.Cmp(debtPos.LiabilityPrincipal) > 0 {
		repaidUnits = new(big.Int).Set(debtPos.LiabilityPrincipal)
	}
	feeUnits := WadDiv(new(big.Int).Sub(grossValue, repaidValue), priceCollateral)

	// Apply the unwind.
	collateralPos.Collateral.Sub(collateralPos.Collateral, seizeUnits)
	debtPos.LiabilityPrincipal.Sub(debtPos.LiabilityPrincipal, repaidUnits)

	collateralMarket.TotalSupplied.Sub(collateralMarket.TotalSupplied, seizeUnits)
	l.interest.removeSupply(collateralAsset, seizeUnits)

	debtMarket.TotalBorrowed.Sub(debtMarket.TotalBorrowed, repaidUnits)
	l.interest.removeLiability(debtAsset, repaidUnits)

	beneficiary := l.cfg.FeeAccount
	if lq.cfg.FeeToCaller {
		beneficiary = caller
	}
	if feeUnits.Sign() > 0 {
		benPos := l.positionLocked(beneficiary, collateralAsset)
		benPos.Collateral.Add(benPos.Collateral, feeUnits)
		collateralMarket.TotalSupplied.Add(collateralMarket.TotalSupplied, feeUnits)
		l.interest.addSupply(collateralAsset, feeUnits)
	}

	lq.mu.Lock()
	fund, ok := lq.insuranceFund[collateralAsset]
	if !ok {
		fund = new(big.Int)
		lq.insuranceFund[collateralAsset] = fund
	}
	fund.Add(fund, new(big.Int).Sub(seizeUnits, feeUnits))
	lq.totalLiquidations++
	lq.mu.Unlock()

	return &LiquidationResult{
		User:            user,
		Liquidator:      caller,
		DebtAsset:       debtAsset,
		CollateralAsset: collateralAsset,
		SeizedUnits:     seizeUnits,
		RepaidUnits:     repaidUnits,
		FeeUnits:        feeUnits,
		Timestamp:       lq.interest.currentTime(),
	}, nil
}

// LiquidateDebt unwinds user's debtAsset liability against whichever of
// their other holdings carries the most haircut-adjusted collateral value
// at current prices. The selection is advisory; Liquidate revalidates
// eligibility inside the ledger's critical section before seizing.
func (lq *Liquidator) LiquidateDebt(caller, user, debtAsset string) (*LiquidationResult, error) {
	collateralAsset, err := lq.bestCollateral(user, debtAsset)
	if err != nil {
		return nil, err
	}
	return lq.Liquidate(caller, user, debtAsset, collateralAsset)
}

func (lq *Liquidator) bestCollateral(user, debtAsset string) (string, error) {
	best := ""
	bestValue := new(big.Int)
	for _, asset := range lq.ledger.AssetsOf(user) {
		if asset == debtAsset {
			continue
		}
		collateral, _, err := lq.ledger.ReadUserData(user, asset)
		if err != nil {
			return "", err
		}
		if collateral.Sign() == 0 {
			continue
		}
		market, err := lq.ledger.ReturnAssetLogs(asset)
		if err != nil {
			return "", err
		}
		price, err := lq.oracle.GetPrice(asset)
		if err != nil {
			return "", err
		}
		value := WadMul(WadMul(collateral, price), market.CollateralValue)
		if value.Cmp(bestValue) > 0 {
			best = asset
			bestValue = value
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s has no collateral to seize against %s debt", ErrNotLiquidatable, user, debtAsset)
	}
	return best, nil
}
