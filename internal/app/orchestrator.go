package app

import (
	"context"
	"os"
	"path/filepath"
	"time"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"main/internal/capital"
	"main/internal/event"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/state"
	"main/internal/strategy"
	"main/internal/trade"
	"main/pkg/exception"
	"main/pkg/ratelimit"
)

const (
	stateFileName = "state.json"
	lockFileName  = "trading.lock"
	stopFlagName  = "stop.flag"
)

// Orchestrator wires the engine together and owns its lifecycle:
// health check, crash recovery, the live loop, and ordered shutdown.
type Orchestrator struct {
	cfg     ops.Loaded
	conn    exchange.Connector
	db      *gorm.DB
	bus     *event.Bus
	metrics *obs.Metrics
	limiter *ratelimit.Limiter
	machine *strategy.Machine
	strat   *strategy.Strategy

	resilient *exchange.Resilient
	executor  *trade.Executor
	states    *state.Manager
	lock      *state.Lock

	// pollInterval is the stop-flag polling cadence, shortened in tests.
	pollInterval time.Duration
	uptimeStart  time.Time
	lastCandleTS int64
}

// New builds the orchestrator around a connector. db may be nil; the
// trade ledger then writes JSONL only.
func New(cfg ops.Loaded, conn exchange.Connector, db *gorm.DB) (*Orchestrator, error) {
	metrics := obs.NewMetrics()
	bus := event.NewBus(metrics)

	machine := strategy.NewMachine(bus, cfg.Strategy.Name, cfg.Strategy.Pair)
	conditions, err := strategy.BuildConditions(cfg.Strategy.Conditions)
	if err != nil {
		return nil, yerrors.Wrap(err, "build strategy conditions")
	}
	direction := enum.DirectionLong
	if cfg.Strategy.Direction == "short" {
		direction = enum.DirectionShort
	}
	strat, err := strategy.New(machine, conditions,
		strategy.SwingSignal(direction, cfg.Strategy.SwingLookback), cfg.Strategy.TimeoutCandles)
	if err != nil {
		return nil, yerrors.Wrap(err, "build strategy")
	}

	limiter := ratelimit.New(cfg.RateLimit)
	return &Orchestrator{
		cfg:          cfg,
		conn:         conn,
		db:           db,
		bus:          bus,
		metrics:      metrics,
		limiter:      limiter,
		machine:      machine,
		strat:        strat,
		resilient:    exchange.NewResilient(conn, bus, limiter, cfg.Strategy.Timeframe),
		states:       state.NewManager(filepath.Join(cfg.Paths.State, stateFileName)),
		lock:         state.NewLock(filepath.Join(cfg.Paths.State, lockFileName)),
		pollInterval: 2 * time.Second,
	}, nil
}

// Bus exposes the event bus for the binaries.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Metrics exposes the engine counters.
func (o *Orchestrator) Metrics() *obs.Metrics { return o.metrics }

// HealthCheck connects and verifies credentials and balance.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	logs.Info("health check started")
	if err := o.resilient.Connect(ctx); err != nil {
		return yerrors.Wrap(err, "exchange connection")
	}
	logs.Info("exchange connection established")

	var balance model.Balance
	err := o.limiter.Execute(ctx, ratelimit.PriorityHigh, func(ctx context.Context) error {
		var err error
		balance, err = o.conn.FetchBalance(ctx)
		return err
	})
	if err != nil {
		return yerrors.Wrap(err, "fetch balance")
	}
	logs.Infof("api key valid, balance=%s %s", balance.Free, balance.Currency)

	if balance.Free.LessThan(o.cfg.MinBalance) {
		return yerrors.Wrap(exception.ErrInsufficientBalance, "health check").
			With("balance", balance.Free.String()).
			With("required", o.cfg.MinBalance.String())
	}
	logs.Info("health check passed")
	return nil
}

// Recover reconciles a leftover state snapshot against the venue
// without entering the live loop, then persists the pruned snapshot.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if err := o.lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := o.lock.Release(); err != nil {
			logs.Warnf("release lock: %v", err)
		}
	}()

	st, err := o.states.Load()
	if err != nil {
		return err
	}
	if st == nil {
		logs.Info("no state snapshot found, nothing to recover")
		return nil
	}

	if err := o.HealthCheck(ctx); err != nil {
		return err
	}
	defer func() {
		if err := o.conn.Disconnect(context.Background()); err != nil {
			logs.Warnf("disconnect: %v", err)
		}
	}()

	if err := o.wireTrading(ctx); err != nil {
		return err
	}
	if err := o.recoverState(ctx); err != nil {
		return err
	}
	o.uptimeStart = st.UptimeStart
	o.lastCandleTS = st.LastCandleTimestamp
	if err := o.persistState(0); err != nil {
		return yerrors.Wrap(err, "persist recovered state")
	}
	logs.Infof("recovery finished, %d trade(s) still open", len(o.executor.OpenTrades()))
	return nil
}

// RunLive is the live trading loop. It returns when the context is
// cancelled, the stop flag appears, or the stream fails terminally.
func (o *Orchestrator) RunLive(ctx context.Context) error {
	stopFlag := filepath.Join(o.cfg.Paths.State, stopFlagName)
	if err := os.MkdirAll(o.cfg.Paths.State, 0o755); err != nil {
		return yerrors.Wrap(err, "create state directory")
	}
	// A flag left behind by a previous run must not stop this one.
	_ = os.Remove(stopFlag)

	// Lock before touching the venue: two engines on one state
	// directory must never race.
	if err := o.lock.Acquire(); err != nil {
		return err
	}

	err := o.runLive(ctx, stopFlag)

	o.shutdown(stopFlag)
	return err
}

func (o *Orchestrator) runLive(ctx context.Context, stopFlag string) error {
	if err := o.HealthCheck(ctx); err != nil {
		return err
	}

	if err := o.wireTrading(ctx); err != nil {
		return err
	}

	if err := o.recoverState(ctx); err != nil {
		return err
	}

	o.strat.Bind(o.bus)
	o.bindStatePersistence()
	o.uptimeStart = time.Now().UTC()
	if err := o.persistState(0); err != nil {
		return yerrors.Wrap(err, "write initial state")
	}

	o.bus.Publish(ctx, event.NewApp(event.TypeAppStarted))
	logs.Infof("trading loop started for %q on %s %s",
		o.cfg.Strategy.Name, o.cfg.Strategy.Pair, o.cfg.Strategy.Timeframe)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamErr := make(chan error, 1)
	go func() { streamErr <- o.resilient.Run(runCtx) }()
	go NewBackup(o.cfg.Paths.Logs, o.cfg.Paths.Backup, o.cfg.BackupInterval).Run(runCtx)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-streamErr:
			if runCtx.Err() != nil {
				return nil
			}
			return yerrors.Wrap(err, "candle stream terminated")
		case <-ticker.C:
			if _, err := os.Stat(stopFlag); err == nil {
				logs.Info("stop flag detected")
				return nil
			}
		}
	}
}

// wireTrading builds the components that need live market rules.
func (o *Orchestrator) wireTrading(ctx context.Context) error {
	rules, err := o.conn.Rules()
	if err != nil {
		return yerrors.Wrap(err, "market rules")
	}

	manager, err := capital.New(o.cfg.Strategy.Capital, rules)
	if err != nil {
		return err
	}

	ledger, err := trade.NewLedger(o.cfg.Paths.Trades, o.db)
	if err != nil {
		return err
	}

	o.executor, err = trade.NewExecutor(trade.Config{
		Bus:        o.bus,
		Connector:  o.conn,
		Limiter:    o.limiter,
		Capital:    manager,
		Ledger:     ledger,
		Machine:    o.machine,
		Metrics:    o.metrics,
		Pair:       o.cfg.Strategy.Pair,
		Leverage:   o.cfg.Strategy.Leverage,
		RiskReward: o.cfg.Strategy.RiskReward,
	})
	if err != nil {
		return err
	}
	o.executor.Bind(o.bus)
	return nil
}

// recoverState loads the previous snapshot, reconciles its trades
// against the venue, and restores the strategy machine.
func (o *Orchestrator) recoverState(ctx context.Context) error {
	st, err := o.states.Load()
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}

	kept, err := NewRecovery(o.conn, o.limiter, o.bus).Run(ctx, st.ActiveTrades)
	if err != nil {
		return err
	}
	o.executor.RestoreOpen(kept)

	if snap, ok := st.Strategies[o.machine.Name()]; ok {
		if len(kept) == 0 && snap.Phase == enum.PhaseInTrade {
			// The recorded trade resolved while down; start watching again.
			snap = model.StrategyState{Phase: enum.PhaseIdle}
		}
		o.machine.Restore(snap)
	}
	return nil
}

// bindStatePersistence saves a fresh snapshot after every event that
// mutates strategy or trade state.
func (o *Orchestrator) bindStatePersistence() {
	persist := func(_ context.Context, e event.Event) error {
		ts := int64(0)
		if candle, ok := e.(event.Candle); ok {
			ts = candle.Candle.Timestamp
		}
		return o.persistState(ts)
	}
	for _, typ := range []event.Type{
		event.TypeStrategyConditionMet,
		event.TypeStrategySignalLong,
		event.TypeStrategySignalShort,
		event.TypeStrategyTimeout,
		event.TypeTradeOpened,
		event.TypeTradeFailed,
		event.TypeTradeClosed,
		event.TypeCandleClosed,
	} {
		o.bus.Subscribe(typ, persist)
	}
}

func (o *Orchestrator) persistState(candleTS int64) error {
	if candleTS != 0 {
		o.lastCandleTS = candleTS
	}
	st := model.AppState{
		Strategies: map[string]model.StrategyState{
			o.machine.Name(): o.machine.Snapshot(),
		},
		ActiveTrades:        o.executor.OpenTrades(),
		LastCandleTimestamp: o.lastCandleTS,
		UptimeStart:         o.uptimeStart,
	}
	return o.states.Save(st)
}

// shutdown runs the ordered teardown: best-effort protection audit,
// disconnect, lock release, marker cleanup, stopped event.
func (o *Orchestrator) shutdown(stopFlag string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if o.executor != nil {
		if err := o.resilient.AuditProtection(ctx); err != nil {
			logs.Warnf("shutdown protection audit failed: %v", err)
		}
	}
	if err := o.conn.Disconnect(ctx); err != nil {
		logs.Warnf("disconnect: %v", err)
	}
	if err := o.lock.Release(); err != nil {
		logs.Warnf("release lock: %v", err)
	}
	_ = os.Remove(stopFlag)
	if err := o.states.Remove(); err != nil {
		logs.Warnf("remove state file: %v", err)
	}
	o.bus.Publish(ctx, event.NewApp(event.TypeAppStopped))
	logs.Info("application stopped cleanly")
}
