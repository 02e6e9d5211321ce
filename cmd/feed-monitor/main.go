package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/luxfi/lend/pkg/feed"
)

var (
	interestEvents    int64
	tradeEvents       int64
	liquidationEvents int64
	engineFound       bool
)

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	discovery := flag.Duration("discovery", 10*time.Second, "How long to wait for an engine announcement (0 skips)")
	flag.Parse()

	log.Printf("Feed monitor starting, NATS: %s", *natsURL)

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	nc.Subscribe(feed.SubjectAnnounce, func(m *nats.Msg) {
		if engineFound {
			return
		}
		var ann feed.Announcement
		if json.Unmarshal(m.Data, &ann) == nil && ann.Type == "lend-engine" {
			engineFound = true
			log.Printf("Found lend engine %s, %d events published since %s",
				ann.ID, ann.Published, ann.Started.Format(time.RFC3339))
		}
	})

	nc.Subscribe(feed.SubjectInterest, func(m *nats.Msg) {
		atomic.AddInt64(&interestEvents, 1)
		var event feed.InterestEvent
		if json.Unmarshal(m.Data, &event) == nil {
			log.Printf("interest %s index=%d rate=%s cumIdx=%s",
				event.Asset, event.RateIndex, event.Rate, event.CumulativeIndex)
		}
	})

	nc.Subscribe(feed.SubjectTrade, func(m *nats.Msg) {
		atomic.AddInt64(&tradeEvents, 1)
		var event feed.TradeEvent
		if json.Unmarshal(m.Data, &event) == nil {
			log.Printf("trade %s/%s legs=%d", event.Pair[0], event.Pair[1], event.Legs)
		}
	})

	nc.Subscribe(feed.SubjectLiquidation, func(m *nats.Msg) {
		atomic.AddInt64(&liquidationEvents, 1)
		var event feed.LiquidationEvent
		if json.Unmarshal(m.Data, &event) == nil {
			log.Printf("liquidation user=%s debt=%s collateral=%s seized=%s",
				event.User, event.DebtAsset, event.CollateralAsset, event.SeizedUnits)
		}
	})

	if *discovery > 0 {
		log.Println("Looking for a lend engine...")
		deadline := time.After(*discovery)
		ticker := time.NewTicker(100 * time.Millisecond)
		for !engineFound {
			select {
			case <-deadline:
				log.Printf("No engine announcement after %v, listening anyway", *discovery)
				engineFound = true
			case <-ticker.C:
			}
		}
		ticker.Stop()
	}

	go printStats()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Printf("Final: interest=%d trades=%d liquidations=%d",
		atomic.LoadInt64(&interestEvents),
		atomic.LoadInt64(&tradeEvents),
		atomic.LoadInt64(&liquidationEvents))
}

func printStats() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		log.Printf("Stats: interest=%d trades=%d liquidations=%d",
			atomic.LoadInt64(&interestEvents),
			atomic.LoadInt64(&tradeEvents),
			atomic.LoadInt64(&liquidationEvents))
	}
}
