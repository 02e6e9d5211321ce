package feed

import (
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/log"
)

type fakeConn struct {
	mu       sync.Mutex
	messages map[string][][]byte
	failNext bool
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(map[string][][]byte)}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errors.New("broker unavailable")
	}
	c.messages[subject] = append(c.messages[subject], data)
	return nil
}

func (c *fakeConn) Flush() error { return nil }

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) last(t *testing.T, subject string) []byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[subject]
	require.NotEmpty(t, msgs, "no messages on %s", subject)
	return msgs[len(msgs)-1]
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	return NewPublisher(conn, logger), conn
}

func TestPublisherInterestEvent(t *testing.T) {
	pub, conn := newTestPublisher(t)

	pub.OnInterestCharged("USDT", &lend.RateRecord{
		Index:           3,
		Timestamp:       1_700_000_000,
		Rate:            big.NewInt(5e15),
		CumulativeIndex: lend.WadOne,
	})

	var event InterestEvent
	require.NoError(t, json.Unmarshal(conn.last(t, SubjectInterest), &event))
	assert.Equal(t, "USDT", event.Asset)
	assert.Equal(t, uint64(3), event.RateIndex)
	assert.Equal(t, "0.005", event.Rate)
	assert.Equal(t, "1", event.CumulativeIndex)
	assert.Equal(t, int64(1_700_000_000), event.Timestamp)
	assert.Equal(t, int64(1), pub.Published())
}

func TestPublisherTradeEvent(t *testing.T) {
	pub, conn := newTestPublisher(t)

	pub.OnTrade(&lend.SettlementResult{
		Pair: [2]string{"USDT", "ETH"},
		Legs: 2,
		FeesTaken: map[string]*big.Int{
			"USDT": big.NewInt(2e15),
		},
		Timestamp: time.Unix(1_700_003_600, 0),
	})

	var event TradeEvent
	require.NoError(t, json.Unmarshal(conn.last(t, SubjectTrade), &event))
	assert.Equal(t, [2]string{"USDT", "ETH"}, event.Pair)
	assert.Equal(t, 2, event.Legs)
	assert.Equal(t, "0.002", event.FeesTaken["USDT"])
	assert.Equal(t, int64(1_700_003_600), event.Timestamp)
}

func TestPublisherLiquidationEvent(t *testing.T) {
	pub, conn := newTestPublisher(t)

	pub.OnLiquidation(&lend.LiquidationResult{
		User:            "alice",
		Liquidator:      "keeper",
		DebtAsset:       "USDT",
		CollateralAsset: "ETH",
		SeizedUnits:     new(big.Int).Mul(big.NewInt(100), lend.WadOne),
		RepaidUnits:     new(big.Int).Mul(big.NewInt(36), lend.WadOne),
		FeeUnits:        new(big.Int).Mul(big.NewInt(3), lend.WadOne),
		Timestamp:       time.Unix(1_700_007_200, 0),
	})

	var event LiquidationEvent
	require.NoError(t, json.Unmarshal(conn.last(t, SubjectLiquidation), &event))
	assert.Equal(t, "alice", event.User)
	assert.Equal(t, "keeper", event.Liquidator)
	assert.Equal(t, "100", event.SeizedUnits)
	assert.Equal(t, "36", event.RepaidUnits)
	assert.Equal(t, "3", event.FeeUnits)
}

func TestPublisherSwallowsBrokerErrors(t *testing.T) {
	pub, conn := newTestPublisher(t)
	conn.failNext = true

	pub.OnLiquidation(&lend.LiquidationResult{
		SeizedUnits: big.NewInt(0),
		RepaidUnits: big.NewInt(0),
		FeeUnits:    big.NewInt(0),
		Timestamp:   time.Now(),
	})
	assert.Equal(t, int64(0), pub.Published())

	// Next publish succeeds after a transient failure.
	pub.OnInterestCharged("ETH", &lend.RateRecord{Rate: big.NewInt(0), CumulativeIndex: lend.WadOne})
	assert.Equal(t, int64(1), pub.Published())
}

func TestPublisherOnPublishHook(t *testing.T) {
	pub, _ := newTestPublisher(t)

	var hooked int
	pub.OnPublish = func() { hooked++ }

	pub.OnInterestCharged("ETH", &lend.RateRecord{Rate: big.NewInt(0), CumulativeIndex: lend.WadOne})
	pub.OnInterestCharged("ETH", &lend.RateRecord{Rate: big.NewInt(0), CumulativeIndex: lend.WadOne})
	assert.Equal(t, 2, hooked)
}

func TestPublisherClose(t *testing.T) {
	pub, conn := newTestPublisher(t)
	pub.Start()
	pub.Close()
	assert.True(t, conn.closed)
}
