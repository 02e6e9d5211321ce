package lend

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// InterestEngine maintains one compounding interest index per asset as an
// append-only RateRecord ladder. The index advances only inside
// ChargeMassInterest; every other read is a lazy projection against the
// latest record. Consumers that need a correct liability valuation must
// call ChargeMassInterest for the asset first: reading against a stale
// index silently understates owed interest.
type InterestEngine struct {
	ladders map[string][]*RateRecord
	curves  map[string]RateCurve
	types   map[string]uint8

	// Pool totals, maintained by the ledger on deposit/withdraw and
	// borrow/repay. Utilization is borrowed/supplied.
	supplied map[string]*big.Int
	borrowed map[string]*big.Int

	now func() time.Time
	mu  sync.RWMutex
}

// NewInterestEngine creates an engine with no assets registered.
func NewInterestEngine() *InterestEngine {
	return &InterestEngine{
		ladders:  make(map[string][]*RateRecord),
		curves:   make(map[string]RateCurve),
		types:    make(map[string]uint8),
		supplied: make(map[string]*big.Int),
		borrowed: make(map[string]*big.Int),
		now:      time.Now,
	}
}

func (e *InterestEngine) currentTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

// SetClock overrides the engine's time source. Intended for tests.
func (e *InterestEngine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// InitInterest performs one-time rate setup for an asset, creating record
// zero with the supplied initial rate and no accrued liabilities. Fails if
// the asset already has rate records.
func (e *InterestEngine) InitInterest(asset string, assetType uint8, curve RateCurve, initialRate *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.ladders[asset]; exists {
		return fmt.Errorf("%w: interest for %s", ErrAlreadyInitialized, asset)
	}
	if curve.Base == nil || curve.Kink == nil || curve.Max == nil ||
		curve.Optimal == nil || curve.Ceiling == nil {
		return fmt.Errorf("incomplete rate curve for %s", asset)
	}
	if curve.Optimal.Sign() <= 0 || curve.Ceiling.Cmp(curve.Optimal) <= 0 {
		return fmt.Errorf("invalid borrow proportions for %s", asset)
	}

	e.curves[asset] = curve
	e.types[asset] = assetType
	e.supplied[asset] = new(big.Int)
	e.borrowed[asset] = new(big.Int)
	e.ladders[asset] = []*RateRecord{{
		Index:            0,
		Timestamp:        e.now().Unix(),
		Rate:             new(big.Int).Set(initialRate),
		CumulativeIndex:  new(big.Int).Set(WadOne),
		TotalLiabilities: new(big.Int),
	}}
	return nil
}

// ChargeMassInterest advances the asset's cumulative index to the current
// time. With zero elapsed time since the latest record this is a no-op, so
// repeated calls within the same second are idempotent. Otherwise it
// derives a fresh rate from current utilization and compounds the index by
// rate * elapsed / SecondsPerYear.
func (e *InterestEngine) ChargeMassInterest(asset string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ladder, ok := e.ladders[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUninitialized, asset)
	}
	last := ladder[len(ladder)-1]
	nowSec := e.now().Unix()
	elapsed := nowSec - last.Timestamp
	if elapsed <= 0 {
		return nil
	}

	rate := e.currentRateLocked(asset)
	// growth = 1 + rate * elapsed / secondsPerYear
	accrual := new(big.Int).Mul(rate, big.NewInt(elapsed))
	accrual.Quo(accrual, big.NewInt(SecondsPerYear))
	growth := new(big.Int).Add(WadOne, accrual)

	e.ladders[asset] = append(ladder, &RateRecord{
		Index:            last.Index + 1,
		Timestamp:        nowSec,
		Rate:             rate,
		CumulativeIndex:  WadMul(last.CumulativeIndex, growth),
		TotalLiabilities: new(big.Int).Set(e.borrowed[asset]),
	})
	return nil
}

// currentRateLocked derives the annualized rate from utilization via the
// asset's kinked curve. Callers hold the lock.
func (e *InterestEngine) currentRateLocked(asset string) *big.Int {
	curve := e.curves[asset]
	supplied := e.supplied[asset]
	borrowed := e.borrowed[asset]

	util := new(big.Int)
	if supplied.Sign() > 0 {
		util = WadDiv(borrowed, supplied)
	}
	if util.Cmp(curve.Ceiling) > 0 {
		util = new(big.Int).Set(curve.Ceiling)
	}

	if util.Cmp(curve.Optimal) <= 0 {
		// base + (kink - base) * util / optimal
		slope := new(big.Int).Sub(curve.Kink, curve.Base)
		step := WadMul(slope, WadDiv(util, curve.Optimal))
		return new(big.Int).Add(curve.Base, step)
	}
	// kink + (max - kink) * (util - optimal) / (ceiling - optimal)
	excess := new(big.Int).Sub(util, curve.Optimal)
	span := new(big.Int).Sub(curve.Ceiling, curve.Optimal)
	slope := new(big.Int).Sub(curve.Max, curve.Kink)
	step := WadMul(slope, WadDiv(excess, span))
	return new(big.Int).Add(curve.Kink, step)
}

// FetchCurrentRateIndex returns the latest rate record index for an asset.
func (e *InterestEngine) FetchCurrentRateIndex(asset string) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ladder, ok := e.ladders[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUninitialized, asset)
	}
	return ladder[len(ladder)-1].Index, nil
}

// FetchCurrentRate returns the rate recorded by the latest mass interest
// charge. It does not advance the ladder: a utilization change shows up
// here only after the next ChargeMassInterest.
func (e *InterestEngine) FetchCurrentRate(asset string) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ladder, ok := e.ladders[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUninitialized, asset)
	}
	return new(big.Int).Set(ladder[len(ladder)-1].Rate), nil
}

// FetchRateInfo returns the rate record at a specific ladder index.
func (e *InterestEngine) FetchRateInfo(asset string, index uint64) (*RateRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ladder, ok := e.ladders[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUninitialized, asset)
	}
	if index >= uint64(len(ladder)) {
		return nil, fmt.Errorf("%w: %s index %d", ErrRateIndexOutOfRange, asset, index)
	}
	rec := *ladder[index]
	rec.Rate = new(big.Int).Set(rec.Rate)
	rec.CumulativeIndex = new(big.Int).Set(rec.CumulativeIndex)
	rec.TotalLiabilities = new(big.Int).Set(rec.TotalLiabilities)
	return &rec, nil
}

// AccruedInterest projects the interest owed on a liability principal that
// was last settled at entryIndex, without mutating any state:
// principal * cumulativeIndex(latest) / cumulativeIndex(entry) - principal.
func (e *InterestEngine) AccruedInterest(asset string, principal *big.Int, entryIndex uint64) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ladder, ok := e.ladders[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUninitialized, asset)
	}
	if entryIndex >= uint64(len(ladder)) {
		return nil, fmt.Errorf("%w: %s entry index %d", ErrRateIndexOutOfRange, asset, entryIndex)
	}
	if principal.Sign() == 0 {
		return new(big.Int), nil
	}
	latest := ladder[len(ladder)-1].CumulativeIndex
	entry := ladder[entryIndex].CumulativeIndex

	owed := new(big.Int).Mul(principal, latest)
	owed.Quo(owed, entry)
	return owed.Sub(owed, principal), nil
}

// Utilization reports borrowed/supplied for an asset as a wad ratio.
func (e *InterestEngine) Utilization(asset string) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.ladders[asset]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUninitialized, asset)
	}
	if e.supplied[asset].Sign() == 0 {
		return new(big.Int), nil
	}
	return WadDiv(e.borrowed[asset], e.supplied[asset]), nil
}

// Pool bookkeeping, driven by the ledger.

func (e *InterestEngine) addSupply(asset string, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bal, ok := e.supplied[asset]; ok {
		bal.Add(bal, amount)
	}
}

func (e *InterestEngine) removeSupply(asset string, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bal, ok := e.supplied[asset]; ok {
		bal.Sub(bal, amount)
	}
}

func (e *InterestEngine) addLiability(asset string, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bal, ok := e.borrowed[asset]; ok {
		bal.Add(bal, amount)
	}
}

func (e *InterestEngine) removeLiability(asset string, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bal, ok := e.borrowed[asset]; ok {
		bal.Sub(bal, amount)
		if bal.Sign() < 0 {
			bal.SetInt64(0)
		}
	}
}
