package feed

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/lend/pkg/lend"
)

// NATS subjects for engine events.
const (
	SubjectInterest    = "lend.interest"
	SubjectTrade       = "lend.trade"
	SubjectLiquidation = "lend.liquidation"
	SubjectAnnounce    = "lend.announce"

	announceInterval = 5 * time.Second
)

// Conn is the slice of the NATS client the publisher needs. *nats.Conn
// satisfies it.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// InterestEvent is published on every mass interest charge.
type InterestEvent struct {
	Asset           string `json:"asset"`
	RateIndex       uint64 `json:"rateIndex"`
	Rate            string `json:"rate"`
	CumulativeIndex string `json:"cumulativeIndex"`
	Timestamp       int64  `json:"timestamp"`
}

// TradeEvent is published on every committed batch.
type TradeEvent struct {
	Pair      [2]string         `json:"pair"`
	Legs      int               `json:"legs"`
	FeesTaken map[string]string `json:"feesTaken"`
	Timestamp int64             `json:"timestamp"`
}

// LiquidationEvent is published on every executed liquidation.
type LiquidationEvent struct {
	User            string `json:"user"`
	Liquidator      string `json:"liquidator"`
	DebtAsset       string `json:"debtAsset"`
	CollateralAsset string `json:"collateralAsset"`
	SeizedUnits     string `json:"seizedUnits"`
	RepaidUnits     string `json:"repaidUnits"`
	FeeUnits        string `json:"feeUnits"`
	Timestamp       int64  `json:"timestamp"`
}

// Announcement lets feed consumers discover a live engine, mirroring
// the dex.announce convention.
type Announcement struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Published int64     `json:"published"`
	Started   time.Time `json:"started"`
}

// Publisher forwards engine events onto NATS subjects. It implements
// lend.EventSink. Publish failures are logged and counted, never
// propagated; the ledger must not stall on a slow broker.
type Publisher struct {
	nc     Conn
	logger log.Logger
	id     string

	published int64
	dropped   int64
	started   time.Time
	stop      chan struct{}

	// OnPublish is invoked after each successful publish. Wired to the
	// metrics recorder by the daemon; may be nil.
	OnPublish func()
}

// Connect dials NATS and returns a publisher bound to the connection.
func Connect(url string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("lend-feed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return NewPublisher(nc, logger), nil
}

// NewPublisher wraps an existing connection. Tests inject a fake Conn.
func NewPublisher(nc Conn, logger log.Logger) *Publisher {
	hostname, _ := os.Hostname()
	return &Publisher{
		nc:      nc,
		logger:  logger.New("module", "feed"),
		id:      fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
}

// Start begins the periodic announcement loop.
func (p *Publisher) Start() {
	go p.announcer()
}

// Close stops the announcer and drains the connection.
func (p *Publisher) Close() {
	close(p.stop)
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn("Flush on close failed", "error", err)
	}
	p.nc.Close()
}

// Published returns the number of successfully published events.
func (p *Publisher) Published() int64 {
	return atomic.LoadInt64(&p.published)
}

// OnInterestCharged implements lend.EventSink
func (p *Publisher) OnInterestCharged(asset string, record *lend.RateRecord) {
	p.publish(SubjectInterest, InterestEvent{
		Asset:           asset,
		RateIndex:       record.Index,
		Rate:            formatWad(record.Rate),
		CumulativeIndex: formatWad(record.CumulativeIndex),
		Timestamp:       record.Timestamp,
	})
}

// OnTrade implements lend.EventSink
func (p *Publisher) OnTrade(result *lend.SettlementResult) {
	fees := make(map[string]string, len(result.FeesTaken))
	for asset, fee := range result.FeesTaken {
		fees[asset] = formatWad(fee)
	}
	p.publish(SubjectTrade, TradeEvent{
		Pair:      result.Pair,
		Legs:      result.Legs,
		FeesTaken: fees,
		Timestamp: result.Timestamp.Unix(),
	})
}

// OnLiquidation implements lend.EventSink
func (p *Publisher) OnLiquidation(result *lend.LiquidationResult) {
	p.publish(SubjectLiquidation, LiquidationEvent{
		User:            result.User,
		Liquidator:      result.Liquidator,
		DebtAsset:       result.DebtAsset,
		CollateralAsset: result.CollateralAsset,
		SeizedUnits:     formatWad(result.SeizedUnits),
		RepaidUnits:     formatWad(result.RepaidUnits),
		FeeUnits:        formatWad(result.FeeUnits),
		Timestamp:       result.Timestamp.Unix(),
	})
}

func (p *Publisher) publish(subject string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode feed event", "subject", subject, "error", err)
		atomic.AddInt64(&p.dropped, 1)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish feed event", "subject", subject, "error", err)
		atomic.AddInt64(&p.dropped, 1)
		return
	}
	atomic.AddInt64(&p.published, 1)
	if p.OnPublish != nil {
		p.OnPublish()
	}
}

func (p *Publisher) announcer() {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			data, _ := json.Marshal(Announcement{
				ID:        p.id,
				Type:      "lend-engine",
				Published: atomic.LoadInt64(&p.published),
				Started:   p.started,
			})
			if err := p.nc.Publish(SubjectAnnounce, data); err != nil {
				p.logger.Warn("Failed to publish announcement", "error", err)
			}
		}
	}
}

// formatWad renders a wad quantity as a decimal string for the wire.
func formatWad(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -18).String()
}
