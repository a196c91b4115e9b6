package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/pkg/sys"
	"gorm.io/gorm"

	"main/internal/app"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/ops"
	"main/internal/state"
	"main/pkg/conn"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	mode := flag.String("mode", "live", "Run mode: health|live|recover|stop|status")
	paper := flag.Bool("paper", false, "Trade against the in-process paper venue")
	paperBalance := flag.String("paper-balance", "10000", "Starting balance for the paper venue")
	pyroscopeAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	switch *mode {
	case "stop":
		if err := touchStopFlag(cfg); err != nil {
			log.Fatalf("stop failed: %v", err)
		}
		return
	case "status":
		if err := printStatus(cfg); err != nil {
			log.Fatalf("status failed: %v", err)
		}
		return
	}

	if *pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   *pyroscopeAddr,
			Tags: map[string]string{
				"strategy": cfg.Strategy.Name,
				"pair":     cfg.Strategy.Pair,
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	connector, err := buildConnector(cfg, *paper, *paperBalance)
	if err != nil {
		log.Fatalf("connector setup failed: %v", err)
	}

	var db *gorm.DB
	if cfg.DatabaseDSN != "" {
		client, err := conn.New(conn.Option{ConnString: cfg.DatabaseDSN})
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer func() {
			_ = client.Close()
		}()
		db = client.DB()
	}

	orchestrator, err := app.New(cfg, connector, db)
	if err != nil {
		log.Fatalf("orchestrator setup failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sys.Shutdown()
		cancel()
	}()

	switch *mode {
	case "health":
		if err := orchestrator.HealthCheck(ctx); err != nil {
			log.Fatalf("health check failed: %v", err)
		}
		if err := connector.Disconnect(ctx); err != nil {
			log.Printf("disconnect: %v", err)
		}
	case "recover":
		if err := orchestrator.Recover(ctx); err != nil {
			log.Fatalf("recovery failed: %v", err)
		}
	case "live":
		if err := orchestrator.RunLive(ctx); err != nil {
			log.Fatalf("trading loop failed: %v", err)
		}
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

// buildConnector picks the venue implementation. Only the paper venue
// ships with this binary; a real venue plugs in as exchange.Connector.
func buildConnector(cfg ops.Loaded, paper bool, balance string) (exchange.Connector, error) {
	if !paper && cfg.Exchange.Name != "paper" {
		return nil, fmt.Errorf("no connector built in for exchange %q, run with -paper", cfg.Exchange.Name)
	}
	start, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid paper balance %q: %w", balance, err)
	}
	rules := model.MarketRules{
		StepSize:    decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.1"),
		MinNotional: decimal.RequireFromString("5"),
		MaxLeverage: 125,
	}
	return exchange.NewPaper(cfg.Strategy.Pair, rules, start), nil
}

func touchStopFlag(cfg ops.Loaded) error {
	path := filepath.Join(cfg.Paths.State, "stop.flag")
	if err := os.MkdirAll(cfg.Paths.State, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return err
	}
	fmt.Printf("stop flag written to %s\n", path)
	return nil
}

func printStatus(cfg ops.Loaded) error {
	lockPath := filepath.Join(cfg.Paths.State, "trading.lock")
	if _, err := os.Stat(lockPath); err == nil {
		fmt.Println("lock: held")
	} else {
		fmt.Println("lock: free")
	}

	st, err := state.NewManager(filepath.Join(cfg.Paths.State, "state.json")).Load()
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Println("state: none (not running or stopped cleanly)")
		return nil
	}

	fmt.Printf("uptime: %s\n", time.Since(st.UptimeStart).Round(time.Second))
	if st.LastCandleTimestamp > 0 {
		fmt.Printf("last candle: %s\n", time.UnixMilli(st.LastCandleTimestamp).UTC().Format(time.RFC3339))
	}
	for name, snap := range st.Strategies {
		fmt.Printf("strategy %q: phase=%s\n", name, snap.Phase)
	}
	fmt.Printf("active trades: %d\n", len(st.ActiveTrades))
	for _, rec := range st.ActiveTrades {
		fmt.Printf("  %s %s %s entry=%s sl=%s tp=%s qty=%s\n",
			rec.ID, rec.Pair, rec.Direction, rec.EntryPrice, rec.StopLoss, rec.TakeProfit, rec.Quantity)
	}
	return nil
}
