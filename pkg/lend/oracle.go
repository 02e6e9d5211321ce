package lend

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// PriceSource supplies per-asset prices on demand. Prices are wad-scaled
// in the quote currency. The engine only ever pulls; it assumes nothing
// about how the source aggregates or refreshes.
type PriceSource interface {
	GetPrice(asset string) (*big.Int, error)
}

// PricePoint is one observed price for an asset.
type PricePoint struct {
	Asset     string
	Price     *big.Int
	Timestamp time.Time
	Source    string
}

// PriceOracle is an in-process PriceSource with admin-set prices and
// staleness tracking. Production deployments replace it with a real feed
// behind the same interface.
type PriceOracle struct {
	prices         map[string]*PricePoint
	staleThreshold time.Duration
	now            func() time.Time
	mu             sync.RWMutex
}

// NewPriceOracle creates an oracle with the given staleness threshold.
// A zero threshold disables staleness checks.
func NewPriceOracle(staleThreshold time.Duration) *PriceOracle {
	return &PriceOracle{
		prices:         make(map[string]*PricePoint),
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

// SetClock overrides the oracle's time source. Intended for tests.
func (o *PriceOracle) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// SetPrice records a new price for an asset.
func (o *PriceOracle) SetPrice(asset string, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: price for %s", ErrInvalidAmount, asset)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = &PricePoint{
		Asset:     asset,
		Price:     new(big.Int).Set(price),
		Timestamp: o.now(),
		Source:    "admin",
	}
	return nil
}

// GetPrice returns the latest price for an asset, failing when no price
// exists or the latest observation is stale.
func (o *PriceOracle) GetPrice(asset string) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	point, ok := o.prices[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	if o.staleThreshold > 0 && o.now().Sub(point.Timestamp) > o.staleThreshold {
		return nil, fmt.Errorf("%w: %s price is stale", ErrNoPrice, asset)
	}
	return new(big.Int).Set(point.Price), nil
}

// GetPricePoint returns the full latest observation for an asset.
func (o *PriceOracle) GetPricePoint(asset string) (*PricePoint, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	point, ok := o.prices[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	copied := *point
	copied.Price = new(big.Int).Set(point.Price)
	return &copied, nil
}
