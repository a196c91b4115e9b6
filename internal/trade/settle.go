package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/event"
	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/ratelimit"
)

// onProtectionHit settles a trade after its stop or target filled. The
// resulting PnL is the observed balance delta, so fees and funding are
// included without modelling them.
func (x *Executor) onProtectionHit(ctx context.Context, e event.Event) error {
	ev, ok := e.(event.Trade)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", e, e.Type())
	}

	x.mu.Lock()
	rec, found := x.open[ev.TradeID]
	if found {
		delete(x.open, ev.TradeID)
	}
	x.mu.Unlock()
	if !found {
		logs.Warnf("protection hit for unknown trade %q, ignoring", ev.TradeID)
		return nil
	}

	exitPrice := ev.ExitPrice
	if !exitPrice.IsPositive() {
		if e.Type() == event.TypeTradeSLHit {
			exitPrice = rec.StopLoss
		} else {
			exitPrice = rec.TakeProfit
		}
	}

	x.cancelSibling(ctx, rec, e.Type())

	balance, err := x.fetchBalance(ctx)
	if err != nil {
		// Put the trade back so the next protection event can retry
		// settlement instead of losing the record.
		x.mu.Lock()
		x.open[rec.ID] = rec
		x.mu.Unlock()
		return fmt.Errorf("settle trade %s: %w", rec.ID, err)
	}

	rec.Status = enum.TradeStatusClosed
	result := model.TradeResult{
		TradeRecord:  rec,
		ExitPrice:    exitPrice,
		PnL:          balance.Total.Sub(rec.CapitalBefore),
		CapitalAfter: balance.Total,
		ClosedAt:     time.Now().UTC(),
	}
	result.Duration = result.ClosedAt.Sub(rec.OpenedAt)

	x.capital.RecordResult(result)
	if x.ledger != nil {
		if err := x.ledger.Record(ctx, result); err != nil {
			logs.Warnf("trade ledger write failed: %v", err)
		}
	}
	if x.machine != nil {
		if err := x.machine.TradeClosed(ctx); err != nil {
			logs.Errorf("machine rejected closed trade %s: %v", rec.ID, err)
		}
	}
	x.metrics.IncTradeClosed()

	closed := event.NewTrade(event.TypeTradeClosed, rec.ID, rec.Pair)
	closed.ExitPrice = exitPrice
	closed.PnL = result.PnL
	closed.CapitalBefore = rec.CapitalBefore
	closed.CapitalAfter = result.CapitalAfter
	closed.Reason = string(e.Type())
	x.bus.Publish(ctx, closed)
	logs.Infof("closed %s %s exit=%s pnl=%s", rec.Direction, rec.Pair, exitPrice, result.PnL)
	return nil
}

// cancelSibling removes the protection order the venue no longer
// needs. Best-effort: a stale resting order is harmless once the
// position is flat.
func (x *Executor) cancelSibling(ctx context.Context, rec model.TradeRecord, hit event.Type) {
	orderID := rec.TPOrderID
	if hit == event.TypeTradeTPHit {
		orderID = rec.SLOrderID
	}
	if orderID == "" {
		return
	}
	err := x.limiter.Execute(ctx, ratelimit.PriorityNormal, func(ctx context.Context) error {
		return x.conn.CancelOrder(ctx, orderID)
	})
	if err != nil {
		logs.Warnf("cancel leftover protection order %s: %v", orderID, err)
	}
}
