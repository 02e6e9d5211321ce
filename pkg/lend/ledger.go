package lend

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// LedgerConfig carries the explicit capability state: which caller may
// administer markets and where protocol fees accrue. There is no ambient
// authority; every gated call names its caller.
type LedgerConfig struct {
	Admin      string
	FeeAccount string
}

// Ledger is the per-user, per-asset collateral and liability store plus
// the asset-market configuration. Liability principals are interest-free
// snapshots: valuing them requires the interest engine, and every
// ledger-mutating call settles accrued interest into principal first so
// the entry index never carries stale interest after a mutation.
type Ledger struct {
	cfg      LedgerConfig
	markets  map[string]*AssetMarket
	accounts map[string]map[string]*Position // user -> asset -> position
	interest *InterestEngine
	custody  Custody
	prices   PriceSource
	mu       sync.RWMutex
}

// NewLedger creates an empty ledger bound to an interest engine, a
// custody collaborator, and a price source for margin-gating borrows.
func NewLedger(cfg LedgerConfig, interest *InterestEngine, custody Custody, prices PriceSource) *Ledger {
	return &Ledger{
		cfg:      cfg,
		markets:  make(map[string]*AssetMarket),
		accounts: make(map[string]map[string]*Position),
		interest: interest,
		custody:  custody,
		prices:   prices,
	}
}

// InitTokenMarket creates the market configuration for an asset. Only the
// configured admin may call it, and only once per asset.
func (l *Ledger) InitTokenMarket(caller, asset string, price, collateralValue *big.Int,
	tradeFees [2]*big.Int, initialMarginFee, liquidationFee,
	initialMarginRequirement, maintenanceMarginRequirement,
	optimalBorrowProportion, maximumBorrowProportion *big.Int) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.cfg.Admin {
		return fmt.Errorf("%w: %s cannot init markets", ErrUnauthorized, caller)
	}
	if m, exists := l.markets[asset]; exists && m.Initialized {
		return fmt.Errorf("%w: market %s", ErrAlreadyInitialized, asset)
	}

	l.markets[asset] = &AssetMarket{
		Asset:                        asset,
		Initialized:                  true,
		Price:                        new(big.Int).Set(price),
		CollateralValue:              new(big.Int).Set(collateralValue),
		TradeFees:                    [2]*big.Int{new(big.Int).Set(tradeFees[0]), new(big.Int).Set(tradeFees[1])},
		InitialMarginFee:             new(big.Int).Set(initialMarginFee),
		LiquidationFee:               new(big.Int).Set(liquidationFee),
		InitialMarginRequirement:     new(big.Int).Set(initialMarginRequirement),
		MaintenanceMarginRequirement: new(big.Int).Set(maintenanceMarginRequirement),
		OptimalBorrowProportion:      new(big.Int).Set(optimalBorrowProportion),
		MaximumBorrowProportion:      new(big.Int).Set(maximumBorrowProportion),
		TotalSupplied:                new(big.Int),
		TotalBorrowed:                new(big.Int),
		FeePool:                      new(big.Int),
	}
	return nil
}

// UpdateMarketParams lets the admin adjust risk parameters on a live
// market. Identity fields (asset, initialized) are immutable.
func (l *Ledger) UpdateMarketParams(caller, asset string, collateralValue,
	initialMarginRequirement, maintenanceMarginRequirement, liquidationFee *big.Int) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.cfg.Admin {
		return fmt.Errorf("%w: %s cannot update markets", ErrUnauthorized, caller)
	}
	m, err := l.marketLocked(asset)
	if err != nil {
		return err
	}
	if collateralValue != nil {
		m.CollateralValue = new(big.Int).Set(collateralValue)
	}
	if initialMarginRequirement != nil {
		m.InitialMarginRequirement = new(big.Int).Set(initialMarginRequirement)
	}
	if maintenanceMarginRequirement != nil {
		m.MaintenanceMarginRequirement = new(big.Int).Set(maintenanceMarginRequirement)
	}
	if liquidationFee != nil {
		m.LiquidationFee = new(big.Int).Set(liquidationFee)
	}
	return nil
}

// ReturnAssetLogs returns a copy of the asset's market record.
func (l *Ledger) ReturnAssetLogs(asset string) (*AssetMarket, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, err := l.marketLocked(asset)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// ReadUserData returns the raw (collateral, liability principal) pair for
// a user and asset. Interest is NOT applied: callers needing the true owed
// amount combine this with ReturnInterestCharge.
func (l *Ledger) ReadUserData(user, asset string) (*big.Int, *big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, err := l.marketLocked(asset); err != nil {
		return nil, nil, err
	}
	pos := l.positionLocked(user, asset)
	return new(big.Int).Set(pos.Collateral), new(big.Int).Set(pos.LiabilityPrincipal), nil
}

// ReturnInterestCharge projects the interest accrued on a user's liability
// since it was last settled, without mutating state.
func (l *Ledger) ReturnInterestCharge(user, asset string) (*big.Int, error) {
	l.mu.RLock()
	pos := l.positionLocked(user, asset)
	principal := new(big.Int).Set(pos.LiabilityPrincipal)
	entry := pos.LiabilityEntryIndex
	l.mu.RUnlock()

	return l.interest.AccruedInterest(asset, principal, entry)
}

// AssetsOf lists the assets a user has any position in, sorted for
// deterministic valuation order.
func (l *Ledger) AssetsOf(user string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	assets := make([]string, 0, len(l.accounts[user]))
	for asset, pos := range l.accounts[user] {
		if pos.Collateral.Sign() > 0 || pos.LiabilityPrincipal.Sign() > 0 {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)
	return assets
}

// Markets lists the initialized market assets, sorted.
func (l *Ledger) Markets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	assets := make([]string, 0, len(l.markets))
	for asset, m := range l.markets {
		if m.Initialized {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)
	return assets
}

// Users lists every account holder with a position record, sorted.
func (l *Ledger) Users() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	users := make([]string, 0, len(l.accounts))
	for user := range l.accounts {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Deposit moves amount of asset from the user's wallet into custody and
// credits their collateral balance.
func (l *Ledger) Deposit(user, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.interest.ChargeMassInterest(asset); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.marketLocked(asset); err != nil {
		return err
	}
	if err := l.custody.TransferIn(user, asset, amount); err != nil {
		return err
	}
	pos := l.positionLocked(user, asset)
	pos.Collateral.Add(pos.Collateral, amount)
	l.markets[asset].TotalSupplied.Add(l.markets[asset].TotalSupplied, amount)
	l.interest.addSupply(asset, amount)
	return nil
}

// Withdraw debits collateral and returns it to the user's wallet. Fails on
// underflow.
func (l *Ledger) Withdraw(user, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.interest.ChargeMassInterest(asset); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.marketLocked(asset); err != nil {
		return err
	}
	pos := l.positionLocked(user, asset)
	if pos.Collateral.Cmp(amount) < 0 {
		return fmt.Errorf("%w: withdraw %s of %s %s collateral", ErrInsufficientBalance, amount, pos.Collateral, asset)
	}
	if err := l.custody.TransferOut(user, asset, amount); err != nil {
		return err
	}
	pos.Collateral.Sub(pos.Collateral, amount)
	l.markets[asset].TotalSupplied.Sub(l.markets[asset].TotalSupplied, amount)
	l.interest.removeSupply(asset, amount)
	return nil
}

// Borrow increases a user's liability principal after settling accrued
// interest, so the entry index is current the moment the call returns.
// The post-borrow aggregate margin ratio must meet the borrowed asset's
// initial margin requirement; undercollateralized borrows are rejected
// before any state changes.
func (l *Ledger) Borrow(user, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.interest.ChargeMassInterest(asset); err != nil {
		return err
	}

	// Prices are fetched before the critical section; the oracle is
	// never called under the ledger lock.
	assets := l.AssetsOf(user)
	if !containsAsset(assets, asset) {
		assets = append(assets, asset)
	}
	prices := make(map[string]*big.Int, len(assets))
	for _, a := range assets {
		price, err := l.prices.GetPrice(a)
		if err != nil {
			return err
		}
		prices[a] = price
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	market, err := l.marketLocked(asset)
	if err != nil {
		return err
	}
	if err := l.settleLocked(user, asset); err != nil {
		return err
	}
	ratio, err := l.ratioLocked(user, asset, amount, prices)
	if err != nil {
		return err
	}
	if ratio.Cmp(market.InitialMarginRequirement) < 0 {
		return fmt.Errorf("%w: post-borrow ratio %s below %s requirement", ErrInsufficientMargin, ratio, asset)
	}
	pos := l.positionLocked(user, asset)
	pos.LiabilityPrincipal.Add(pos.LiabilityPrincipal, amount)
	market.TotalBorrowed.Add(market.TotalBorrowed, amount)
	l.interest.addLiability(asset, amount)
	return nil
}

// Repay reduces a user's liability principal after settling accrued
// interest. Repaying more than is owed fails; full repayment zeroes the
// principal but keeps the position record.
func (l *Ledger) Repay(user, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.interest.ChargeMassInterest(asset); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.marketLocked(asset); err != nil {
		return err
	}
	if err := l.settleLocked(user, asset); err != nil {
		return err
	}
	pos := l.positionLocked(user, asset)
	if pos.LiabilityPrincipal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: repay %s of %s %s owed", ErrInsufficientBalance, amount, pos.LiabilityPrincipal, asset)
	}
	pos.LiabilityPrincipal.Sub(pos.LiabilityPrincipal, amount)
	l.markets[asset].TotalBorrowed.Sub(l.markets[asset].TotalBorrowed, amount)
	l.interest.removeLiability(asset, amount)
	return nil
}

// ratioLocked values the user's aggregate margin ratio under prefetched
// prices, with extra units of borrowAsset added to the liability side.
// Unsettled interest on the other assets is projected into the valuation
// without being folded into principal.
func (l *Ledger) ratioLocked(user, borrowAsset string, extra *big.Int, prices map[string]*big.Int) (*big.Int, error) {
	entries := make([]marginEntry, 0, len(prices))
	for asset, price := range prices {
		m, err := l.marketLocked(asset)
		if err != nil {
			return nil, err
		}
		pos := l.positionLocked(user, asset)
		liability := new(big.Int).Set(pos.LiabilityPrincipal)
		if pos.LiabilityPrincipal.Sign() > 0 {
			accrued, err := l.interest.AccruedInterest(asset, pos.LiabilityPrincipal, pos.LiabilityEntryIndex)
			if err != nil {
				return nil, err
			}
			liability.Add(liability, accrued)
		}
		if asset == borrowAsset && extra != nil {
			liability.Add(liability, extra)
		}
		entries = append(entries, marginEntry{
			collateral: pos.Collateral,
			liability:  liability,
			price:      price,
			haircut:    m.CollateralValue,
		})
	}
	return marginRatio(entries), nil
}

func containsAsset(assets []string, asset string) bool {
	for _, a := range assets {
		if a == asset {
			return true
		}
	}
	return false
}

// settleLocked folds accrued interest into the liability principal and
// stamps the current rate index, leaving zero unsettled interest.
func (l *Ledger) settleLocked(user, asset string) error {
	pos := l.positionLocked(user, asset)
	latest, err := l.interest.FetchCurrentRateIndex(asset)
	if err != nil {
		return err
	}
	if pos.LiabilityPrincipal.Sign() > 0 && pos.LiabilityEntryIndex != latest {
		accrued, err := l.interest.AccruedInterest(asset, pos.LiabilityPrincipal, pos.LiabilityEntryIndex)
		if err != nil {
			return err
		}
		pos.LiabilityPrincipal.Add(pos.LiabilityPrincipal, accrued)
		l.markets[asset].TotalBorrowed.Add(l.markets[asset].TotalBorrowed, accrued)
		l.interest.addLiability(asset, accrued)
	}
	pos.LiabilityEntryIndex = latest
	return nil
}

func (l *Ledger) marketLocked(asset string) (*AssetMarket, error) {
	m, ok := l.markets[asset]
	if !ok || !m.Initialized {
		return nil, fmt.Errorf("%w: market %s", ErrUninitialized, asset)
	}
	return m, nil
}

func (l *Ledger) positionLocked(user, asset string) *Position {
	assets, ok := l.accounts[user]
	if !ok {
		assets = make(map[string]*Position)
		l.accounts[user] = assets
	}
	pos, ok := assets[asset]
	if !ok {
		pos = newPosition()
		assets[asset] = pos
	}
	return pos
}
