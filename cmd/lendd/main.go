package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/lend/pkg/api"
	"github.com/luxfi/lend/pkg/feed"
	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/lend/pkg/metrics"
	"github.com/luxfi/lend/pkg/websocket"
)

const (
	defaultDataDir     = ".lendd"
	defaultRPCPort     = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	RPCPort     int
	WSPort      int
	MetricsPort int
	NATSURL     string

	// Ledger
	Admin       string
	FeeAccount  string
	OracleStale time.Duration
	PartialMode bool

	// Scheduling
	ChargeInterval time.Duration
	SaveInterval   time.Duration

	// Features
	EnableMetrics bool
	MemoryDB      bool
}

type LendNode struct {
	config *Config
	db     database.Database
	logger log.Logger

	engine  *lend.Engine
	store   *lend.Store
	ws      *websocket.Server
	metrics *metrics.LendMetrics
	feed    *feed.Publisher

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLendNode(config *Config) (*LendNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing lend node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB by default, in-memory on request or when the data
	// directory cannot be opened.
	dbManager := manager.NewManager(dataPath, nil)

	var db database.Database
	var err error
	if config.MemoryDB {
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
		dbConfig.Namespace = "lendd"

		db, err = dbManager.New(dbConfig)
		if err != nil {
			logger.Warn("Failed to open BadgerDB", "error", err)
			db, err = dbManager.New(manager.DefaultMemoryConfig())
			if err != nil {
				return nil, fmt.Errorf("failed to create database: %w", err)
			}
			logger.Info("Using in-memory database")
		} else {
			logger.Info("BadgerDB initialized",
				"path", filepath.Join(dataPath, "badgerdb"))
		}
	}

	liqCfg := lend.DefaultLiquidatorConfig()
	if config.PartialMode {
		liqCfg.Mode = lend.PartialUnwind
	}

	engine := lend.NewEngine(lend.EngineConfig{
		Ledger: lend.LedgerConfig{
			Admin:      config.Admin,
			FeeAccount: config.FeeAccount,
		},
		Liquidator:          liqCfg,
		OracleStaleDuration: config.OracleStale,
	})

	store := lend.NewStore(db)
	if err := store.Load(engine); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}
	if savedAt, err := store.LastSavedAt(); err == nil && savedAt > 0 {
		logger.Info("Restored ledger state", "savedAt", time.Unix(savedAt, 0))
	} else {
		logger.Info("No previous state found, starting fresh")
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &LendNode{
		config: config,
		db:     db,
		logger: logger,
		engine: engine,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}

	node.ws = websocket.NewServer(engine, logger, websocket.DefaultConfig())
	engine.Subscribe(node.ws)

	if config.EnableMetrics {
		lendMetrics, err := metrics.NewLendMetrics("lend")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		node.metrics = lendMetrics
		engine.Subscribe(metrics.NewEngineSink(lendMetrics, metrics.NewEngineCounters(nil), engine))
	}

	if config.NATSURL != "" {
		publisher, err := feed.Connect(config.NATSURL, logger)
		if err != nil {
			logger.Warn("NATS feed disabled", "error", err)
		} else {
			if node.metrics != nil {
				publisher.OnPublish = node.metrics.RecordNATSPublish
			}
			node.feed = publisher
			engine.Subscribe(publisher)
		}
	}

	return node, nil
}

func (n *LendNode) Start() error {
	n.logger.Info("Starting lend node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"rpcPort", n.config.RPCPort,
		"wsPort", n.config.WSPort,
		"chargeInterval", n.config.ChargeInterval)

	n.wg.Add(1)
	go n.runCharger()

	n.wg.Add(1)
	go n.runSaver()

	n.wg.Add(1)
	go n.runRPCServer()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.ws.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()

	if n.metrics != nil {
		if err := n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort)); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		go n.metrics.CollectSystemMetrics(n.ctx)
	}

	if n.feed != nil {
		n.feed.Start()
	}

	n.logger.Info("Lend node started successfully")
	return nil
}

// runCharger advances every interest ladder on a fixed interval.
// Charging is idempotent within a second, so a missed or doubled tick
// is harmless.
func (n *LendNode) runCharger() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.ChargeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.engine.ChargeAllMarkets(); err != nil {
				n.logger.Error("Mass interest charge failed", "error", err)
			}
		}
	}
}

func (n *LendNode) runSaver() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.store.Save(n.engine); err != nil {
				n.logger.Error("State snapshot failed", "error", err)
			} else {
				n.logger.Debug("State snapshot written")
			}
		}
	}
}

func (n *LendNode) runRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.engine, n.logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"markets": len(n.engine.Ledger.Markets()),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.RPCPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.RPCPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *LendNode) Shutdown() {
	n.logger.Info("Shutting down lend node")

	n.cancel()
	n.ws.Stop()
	n.wg.Wait()

	if err := n.store.Save(n.engine); err != nil {
		n.logger.Error("Final state snapshot failed", "error", err)
	}

	if n.feed != nil {
		n.feed.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Lend node shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.RPCPort, "rpc-port", defaultRPCPort, "JSON-RPC port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats", "", "NATS server URL (empty disables the feed)")

	flag.StringVar(&config.Admin, "admin", "admin", "Account allowed to initialize markets")
	flag.StringVar(&config.FeeAccount, "fee-account", "fees", "Account credited with protocol fees")
	flag.DurationVar(&config.OracleStale, "oracle-stale", 5*time.Minute, "Reject prices older than this (0 disables)")
	flag.BoolVar(&config.PartialMode, "partial-liquidation", false, "Unwind positions with a close factor instead of fully")

	flag.DurationVar(&config.ChargeInterval, "charge-interval", time.Hour, "Mass interest charge interval")
	flag.DurationVar(&config.SaveInterval, "save-interval", time.Minute, "State snapshot interval")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.MemoryDB, "memory-db", false, "Use an in-memory database")

	flag.Parse()

	fmt.Printf("lendd - margin lending engine\n")
	fmt.Printf("Platform: %s/%s, CPUs: %d\n\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

	node, err := NewLendNode(config)
	if err != nil {
		fmt.Printf("Failed to create node: %v\n", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		fmt.Printf("Failed to start node: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	fmt.Printf("\nReceived signal: %v\n", sig)

	node.Shutdown()
}
