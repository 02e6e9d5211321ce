package lend

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/database"
)

var (
	stateKey     = []byte("lend:state")
	stateTimeKey = []byte("lend:state_time")
)

// Store persists full engine snapshots to a key-value database. A
// snapshot is one JSON document so save and load are all-or-nothing;
// the ladder's append-only shape keeps documents compact enough that
// re-writing the whole state on each save is acceptable.
type Store struct {
	db database.Database
}

// NewStore wraps an open database.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

type ladderSnapshot struct {
	AssetType uint8         `json:"asset_type"`
	Curve     RateCurve     `json:"curve"`
	Records   []*RateRecord `json:"records"`
	Supplied  *big.Int      `json:"supplied"`
	Borrowed  *big.Int      `json:"borrowed"`
}

type stateSnapshot struct {
	Markets       map[string]*AssetMarket        `json:"markets"`
	Accounts      map[string]map[string]*Position `json:"accounts"`
	Ladders       map[string]*ladderSnapshot     `json:"ladders"`
	InsuranceFund map[string]*big.Int            `json:"insurance_fund"`
	SavedAt       int64                          `json:"saved_at"`
}

// Save writes a consistent snapshot of the engine's markets, accounts,
// interest ladders, and insurance fund.
func (s *Store) Save(e *Engine) error {
	snap := exportState(e)

	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(stateKey, value); err != nil {
		return err
	}
	ts := make([]byte, 8)
	for i := 0; i < 8; i++ {
		ts[7-i] = byte(uint64(snap.SavedAt) >> (i * 8))
	}
	if err := batch.Put(stateTimeKey, ts); err != nil {
		return err
	}
	return batch.Write()
}

// Load restores a previously saved snapshot into the engine. A missing
// snapshot is not an error; the engine starts fresh.
func (s *Store) Load(e *Engine) error {
	value, err := s.db.Get(stateKey)
	if err != nil {
		if err == database.ErrNotFound {
			return nil
		}
		return err
	}

	var snap stateSnapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	restoreState(e, &snap)
	return nil
}

// LastSavedAt reports the unix time of the most recent snapshot, or zero
// when none exists.
func (s *Store) LastSavedAt() (int64, error) {
	value, err := s.db.Get(stateTimeKey)
	if err != nil {
		if err == database.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	var ts uint64
	for i := 0; i < len(value) && i < 8; i++ {
		ts |= uint64(value[7-i]) << (i * 8)
	}
	return int64(ts), nil
}

func exportState(e *Engine) *stateSnapshot {
	l := e.Ledger
	l.mu.RLock()
	ie := l.interest
	ie.mu.RLock()
	lq := e.Liquidator
	lq.mu.Lock()

	snap := &stateSnapshot{
		Markets:       make(map[string]*AssetMarket, len(l.markets)),
		Accounts:      make(map[string]map[string]*Position, len(l.accounts)),
		Ladders:       make(map[string]*ladderSnapshot, len(ie.ladders)),
		InsuranceFund: make(map[string]*big.Int, len(lq.insuranceFund)),
		SavedAt:       ie.now().Unix(),
	}
	for asset, m := range l.markets {
		snap.Markets[asset] = m.Clone()
	}
	for user, positions := range l.accounts {
		out := make(map[string]*Position, len(positions))
		for asset, pos := range positions {
			out[asset] = pos.Clone()
		}
		snap.Accounts[user] = out
	}
	for asset, records := range ie.ladders {
		ls := &ladderSnapshot{
			AssetType: ie.types[asset],
			Curve:     ie.curves[asset],
			Records:   append([]*RateRecord(nil), records...),
			Supplied:  new(big.Int),
			Borrowed:  new(big.Int),
		}
		if v, ok := ie.supplied[asset]; ok {
			ls.Supplied.Set(v)
		}
		if v, ok := ie.borrowed[asset]; ok {
			ls.Borrowed.Set(v)
		}
		snap.Ladders[asset] = ls
	}
	for asset, bal := range lq.insuranceFund {
		snap.InsuranceFund[asset] = new(big.Int).Set(bal)
	}

	lq.mu.Unlock()
	ie.mu.RUnlock()
	l.mu.RUnlock()
	return snap
}

func restoreState(e *Engine, snap *stateSnapshot) {
	l := e.Ledger
	l.mu.Lock()
	ie := l.interest
	ie.mu.Lock()
	lq := e.Liquidator
	lq.mu.Lock()

	l.markets = make(map[string]*AssetMarket, len(snap.Markets))
	for asset, m := range snap.Markets {
		l.markets[asset] = m.Clone()
	}
	l.accounts = make(map[string]map[string]*Position, len(snap.Accounts))
	for user, positions := range snap.Accounts {
		in := make(map[string]*Position, len(positions))
		for asset, pos := range positions {
			in[asset] = pos.Clone()
		}
		l.accounts[user] = in
	}

	ie.ladders = make(map[string][]*RateRecord, len(snap.Ladders))
	ie.curves = make(map[string]RateCurve, len(snap.Ladders))
	ie.types = make(map[string]uint8, len(snap.Ladders))
	ie.supplied = make(map[string]*big.Int, len(snap.Ladders))
	ie.borrowed = make(map[string]*big.Int, len(snap.Ladders))
	for asset, ls := range snap.Ladders {
		ie.ladders[asset] = append([]*RateRecord(nil), ls.Records...)
		ie.curves[asset] = ls.Curve
		ie.types[asset] = ls.AssetType
		ie.supplied[asset] = new(big.Int).Set(ls.Supplied)
		ie.borrowed[asset] = new(big.Int).Set(ls.Borrowed)
	}

	lq.insuranceFund = make(map[string]*big.Int, len(snap.InsuranceFund))
	for asset, bal := range snap.InsuranceFund {
		lq.insuranceFund[asset] = new(big.Int).Set(bal)
	}

	lq.mu.Unlock()
	ie.mu.Unlock()
	l.mu.Unlock()
}
