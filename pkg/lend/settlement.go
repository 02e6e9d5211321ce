package lend

import (
	"fmt"
	"math/big"
)

// Exchange settles atomic multi-leg trades against the ledger. Staging,
// margin validation, and commit all run under the ledger write lock, so
// a batch sees a consistent snapshot and no concurrent mutation can slip
// between validation and commit. If any leg would leave any participant
// below the initial margin requirement for the traded pair, the whole
// call aborts and no balance changes.
type Exchange struct {
	ledger   *Ledger
	interest *InterestEngine
	oracle   PriceSource
}

// NewExchange creates a settlement engine over the ledger.
func NewExchange(ledger *Ledger, interest *InterestEngine, oracle PriceSource) *Exchange {
	return &Exchange{ledger: ledger, interest: interest, oracle: oracle}
}

// stagedBatch accumulates the tentative outcome of a batch: deep-copied
// positions plus per-asset borrow and fee deltas. Nothing here is visible
// to the ledger until commit.
type stagedBatch struct {
	positions   map[string]map[string]*Position // user -> asset -> staged copy
	borrowDelta map[string]*big.Int             // asset -> net liability change
	fees        map[string]*big.Int             // asset -> units owed to the fee pool
}

// SubmitOrder executes one atomic batch of pre-matched legs between the
// two assets of pair. The parallel arrays describe, per leg index i, the
// taker participants[0][i] exchanging amounts[0][i] of pair[0] against
// maker participants[1][i]'s amounts[1][i] of pair[1]. A true side flag
// means that participant sends the pair asset of their side; the two
// sides of a leg must point in opposite directions.
func (x *Exchange) SubmitOrder(pair [2]string, participants [2][]string,
	amounts [2][]*big.Int, sides [2][]bool) (*SettlementResult, error) {

	legs, err := buildLegs(pair, participants, amounts, sides)
	if err != nil {
		return nil, err
	}

	// Liability valuations are only correct against a fresh index.
	if err := x.interest.ChargeMassInterest(pair[0]); err != nil {
		return nil, err
	}
	if err := x.interest.ChargeMassInterest(pair[1]); err != nil {
		return nil, err
	}

	// Prices are fetched before the critical section; the oracle is
	// never called under the ledger lock.
	priceOut, err := x.oracle.GetPrice(pair[0])
	if err != nil {
		return nil, err
	}
	priceIn, err := x.oracle.GetPrice(pair[1])
	if err != nil {
		return nil, err
	}

	l := x.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	marketOut, err := l.marketLocked(pair[0])
	if err != nil {
		return nil, err
	}
	marketIn, err := l.marketLocked(pair[1])
	if err != nil {
		return nil, err
	}

	st := newStagedBatch()
	for _, leg := range legs {
		// Taker leg: sends pair[0], receives pair[1]. Taker fee slot 1.
		if err := x.stageDebit(st, leg.Taker, pair[0], leg.TakerAmount, marketOut, marketOut.TradeFees[1]); err != nil {
			return nil, err
		}
		if err := x.stageCredit(st, leg.Taker, pair[1], leg.MakerAmount); err != nil {
			return nil, err
		}
		// Maker leg: sends pair[1], receives pair[0]. Maker fee slot 0.
		if err := x.stageDebit(st, leg.Maker, pair[1], leg.MakerAmount, marketIn, marketIn.TradeFees[0]); err != nil {
			return nil, err
		}
		if err := x.stageCredit(st, leg.Maker, pair[0], leg.TakerAmount); err != nil {
			return nil, err
		}
	}

	if err := x.checkStagedMargin(st, pair, marketOut, marketIn, priceOut, priceIn); err != nil {
		return nil, err
	}
	x.commitLocked(st)

	fees := make(map[string]*big.Int, len(st.fees))
	for asset, amount := range st.fees {
		fees[asset] = new(big.Int).Set(amount)
	}
	return &SettlementResult{
		Pair:      pair,
		Legs:      len(legs),
		FeesTaken: fees,
		Timestamp: x.interest.currentTime(),
	}, nil
}

func buildLegs(pair [2]string, participants [2][]string, amounts [2][]*big.Int, sides [2][]bool) ([]TradeLeg, error) {
	if pair[0] == "" || pair[1] == "" || pair[0] == pair[1] {
		return nil, fmt.Errorf("%w: invalid pair", ErrMalformedBatch)
	}
	n := len(participants[0])
	if n == 0 ||
		len(participants[1]) != n ||
		len(amounts[0]) != n || len(amounts[1]) != n ||
		len(sides[0]) != n || len(sides[1]) != n {
		return nil, fmt.Errorf("%w: mismatched array lengths", ErrMalformedBatch)
	}

	legs := make([]TradeLeg, 0, n)
	for i := 0; i < n; i++ {
		if sides[0][i] == sides[1][i] {
			return nil, fmt.Errorf("%w: leg %d sides must oppose", ErrMalformedBatch, i)
		}
		if amounts[0][i] == nil || amounts[0][i].Sign() <= 0 ||
			amounts[1][i] == nil || amounts[1][i].Sign() <= 0 {
			return nil, fmt.Errorf("%w: leg %d amounts", ErrMalformedBatch, i)
		}
		leg := TradeLeg{
			Taker:       participants[0][i],
			Maker:       participants[1][i],
			TakerAmount: amounts[0][i],
			MakerAmount: amounts[1][i],
		}
		if !sides[0][i] {
			// Flipped leg: side 0 receives pair[0] instead of sending it.
			leg.Taker, leg.Maker = leg.Maker, leg.Taker
			leg.TakerAmount, leg.MakerAmount = leg.MakerAmount, leg.TakerAmount
		}
		legs = append(legs, leg)
	}
	return legs, nil
}

func newStagedBatch() *stagedBatch {
	return &stagedBatch{
		positions:   make(map[string]map[string]*Position),
		borrowDelta: make(map[string]*big.Int),
		fees:        make(map[string]*big.Int),
	}
}

// stagedPosition lazily copies a live position into the staging area
// while the ledger lock is held, settling its accrued interest against
// the fresh index so all staged liabilities are principal-only.
func (x *Exchange) stagedPosition(st *stagedBatch, user, asset string) (*Position, error) {
	if byAsset, ok := st.positions[user]; ok {
		if pos, ok := byAsset[asset]; ok {
			return pos, nil
		}
	}

	live := x.ledger.positionLocked(user, asset)
	latest, err := x.interest.FetchCurrentRateIndex(asset)
	if err != nil {
		return nil, err
	}
	liability := new(big.Int).Set(live.LiabilityPrincipal)
	if live.LiabilityPrincipal.Sign() > 0 && live.LiabilityEntryIndex != latest {
		accrued, err := x.interest.AccruedInterest(asset, live.LiabilityPrincipal, live.LiabilityEntryIndex)
		if err != nil {
			return nil, err
		}
		liability.Add(liability, accrued)
		if accrued.Sign() > 0 {
			st.delta(asset).Add(st.delta(asset), accrued)
		}
	}

	pos := &Position{
		Collateral:          new(big.Int).Set(live.Collateral),
		LiabilityPrincipal:  liability,
		LiabilityEntryIndex: latest,
	}
	if st.positions[user] == nil {
		st.positions[user] = make(map[string]*Position)
	}
	st.positions[user][asset] = pos
	return pos, nil
}

func (st *stagedBatch) delta(asset string) *big.Int {
	d, ok := st.borrowDelta[asset]
	if !ok {
		d = new(big.Int)
		st.borrowDelta[asset] = d
	}
	return d
}

func (st *stagedBatch) fee(asset string) *big.Int {
	f, ok := st.fees[asset]
	if !ok {
		f = new(big.Int)
		st.fees[asset] = f
	}
	return f
}

// stageDebit takes amount (plus the trade fee) of asset from a staged
// position. Collateral covers what it can; the shortfall becomes a fresh
// borrow carrying the market's initial margin fee.
func (x *Exchange) stageDebit(st *stagedBatch, user, asset string, amount *big.Int, market *AssetMarket, feeRate *big.Int) error {
	pos, err := x.stagedPosition(st, user, asset)
	if err != nil {
		return err
	}

	fee := WadMul(amount, feeRate)
	owed := new(big.Int).Add(amount, fee)
	if fee.Sign() > 0 {
		st.fee(asset).Add(st.fee(asset), fee)
	}

	if pos.Collateral.Cmp(owed) >= 0 {
		pos.Collateral.Sub(pos.Collateral, owed)
		return nil
	}

	shortfall := new(big.Int).Sub(owed, pos.Collateral)
	pos.Collateral.SetInt64(0)

	marginFee := WadMul(shortfall, market.InitialMarginFee)
	borrow := new(big.Int).Add(shortfall, marginFee)
	pos.LiabilityPrincipal.Add(pos.LiabilityPrincipal, borrow)
	st.delta(asset).Add(st.delta(asset), borrow)
	if marginFee.Sign() > 0 {
		st.fee(asset).Add(st.fee(asset), marginFee)
	}
	return nil
}

// stageCredit gives amount of asset to a staged position, repaying any
// existing liability before the remainder lands as collateral.
func (x *Exchange) stageCredit(st *stagedBatch, user, asset string, amount *big.Int) error {
	pos, err := x.stagedPosition(st, user, asset)
	if err != nil {
		return err
	}

	remaining := new(big.Int).Set(amount)
	if pos.LiabilityPrincipal.Sign() > 0 {
		repay := new(big.Int).Set(pos.LiabilityPrincipal)
		if repay.Cmp(remaining) > 0 {
			repay.Set(remaining)
		}
		pos.LiabilityPrincipal.Sub(pos.LiabilityPrincipal, repay)
		st.delta(asset).Sub(st.delta(asset), repay)
		remaining.Sub(remaining, repay)
	}
	pos.Collateral.Add(pos.Collateral, remaining)
	return nil
}

// checkStagedMargin re-evaluates every staged participant's pair margin
// ratio. For each pair asset in which the participant would hold a
// liability, the ratio must meet that asset's initial margin requirement.
func (x *Exchange) checkStagedMargin(st *stagedBatch, pair [2]string, marketOut, marketIn *AssetMarket, priceOut, priceIn *big.Int) error {
	for user, byAsset := range st.positions {
		posOut := byAsset[pair[0]]
		posIn := byAsset[pair[1]]
		if posOut == nil || posIn == nil {
			continue
		}
		ratio := marginRatio([]marginEntry{
			{collateral: posOut.Collateral, liability: posOut.LiabilityPrincipal, price: priceOut, haircut: marketOut.CollateralValue},
			{collateral: posIn.Collateral, liability: posIn.LiabilityPrincipal, price: priceIn, haircut: marketIn.CollateralValue},
		})
		if posOut.LiabilityPrincipal.Sign() > 0 && ratio.Cmp(marketOut.InitialMarginRequirement) < 0 {
			return fmt.Errorf("%w: %s pair ratio %s below %s requirement", ErrInsufficientMargin, user, ratio, pair[0])
		}
		if posIn.LiabilityPrincipal.Sign() > 0 && ratio.Cmp(marketIn.InitialMarginRequirement) < 0 {
			return fmt.Errorf("%w: %s pair ratio %s below %s requirement", ErrInsufficientMargin, user, ratio, pair[1])
		}
	}
	return nil
}

// commitLocked writes the staged batch into the ledger. The caller holds
// the ledger write lock, so the live positions the stage was copied from
// cannot have moved.
func (x *Exchange) commitLocked(st *stagedBatch) {
	l := x.ledger

	supplyDelta := make(map[string]*big.Int)
	for user, byAsset := range st.positions {
		for asset, staged := range byAsset {
			pos := l.positionLocked(user, asset)
			d, ok := supplyDelta[asset]
			if !ok {
				d = new(big.Int)
				supplyDelta[asset] = d
			}
			d.Add(d, staged.Collateral)
			d.Sub(d, pos.Collateral)
			pos.Collateral.Set(staged.Collateral)
			pos.LiabilityPrincipal.Set(staged.LiabilityPrincipal)
			pos.LiabilityEntryIndex = staged.LiabilityEntryIndex
		}
	}
	for asset, delta := range supplyDelta {
		if delta.Sign() == 0 {
			continue
		}
		market := l.markets[asset]
		market.TotalSupplied.Add(market.TotalSupplied, delta)
		if delta.Sign() > 0 {
			l.interest.addSupply(asset, delta)
		} else {
			l.interest.removeSupply(asset, new(big.Int).Neg(delta))
		}
	}
	for asset, delta := range st.borrowDelta {
		if delta.Sign() == 0 {
			continue
		}
		market := l.markets[asset]
		market.TotalBorrowed.Add(market.TotalBorrowed, delta)
		if delta.Sign() > 0 {
			l.interest.addLiability(asset, delta)
		} else {
			l.interest.removeLiability(asset, new(big.Int).Neg(delta))
		}
	}
	for asset, fee := range st.fees {
		if fee.Sign() == 0 {
			continue
		}
		market := l.markets[asset]
		market.FeePool.Add(market.FeePool, fee)
	}
}
