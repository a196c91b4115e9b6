package app

import (
	"context"
	"fmt"
	"time"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/event"
	"main/internal/exchange"
	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
	"main/pkg/ratelimit"
)

// recoveryBudget bounds the whole crash-recovery pass so a slow venue
// cannot stall process start.
const recoveryBudget = 55 * time.Second

// Recovery reconciles persisted trade records against the live venue
// after an unclean stop.
type Recovery struct {
	conn    exchange.Connector
	limiter *ratelimit.Limiter
	bus     *event.Bus
	budget  time.Duration
}

func NewRecovery(conn exchange.Connector, limiter *ratelimit.Limiter, bus *event.Bus) *Recovery {
	return &Recovery{conn: conn, limiter: limiter, bus: bus, budget: recoveryBudget}
}

// Run inspects each recorded trade and returns the records still worth
// monitoring. A record whose position is gone is dropped; a protected
// position is kept; an unprotected position is flattened once per
// position (the engine is single-pair, so many records map to one
// position) and its records dropped. On timeout the remaining records
// are kept untouched rather than failing startup.
func (r *Recovery) Run(ctx context.Context, trades []model.TradeRecord) ([]model.TradeRecord, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	logs.Infof("crash recovery started, %d recorded trade(s)", len(trades))

	positions, orders, err := r.fetchVenueState(ctx)
	if err != nil {
		return trades, yerrors.Wrap(err, "recovery venue snapshot")
	}

	byPair := make(map[string]model.Position, len(positions))
	for _, pos := range positions {
		byPair[pos.Pair] = pos
	}

	var kept []model.TradeRecord
	flattened := make(map[string]bool)
	for i, rec := range trades {
		if ctx.Err() != nil {
			logs.Warnf("recovery budget exhausted, keeping %d unprocessed record(s)", len(trades)-i)
			return append(kept, trades[i:]...), nil
		}

		pos, exists := byPair[rec.Pair]
		switch {
		case !exists || flattened[rec.Pair]:
			logs.Infof("trade %s resolved while down, dropping", rec.ID)
		case exchange.HasStopProtection(pos, orders):
			logs.Infof("trade %s still protected, resuming monitoring", rec.ID)
			kept = append(kept, rec)
		default:
			if err := r.flatten(ctx, pos); err != nil {
				r.critical(ctx, fmt.Sprintf("unprotected %s position on %s could not be closed: %v",
					pos.Direction, pos.Pair, err))
				kept = append(kept, rec)
				kept = append(kept, trades[i+1:]...)
				return kept, yerrors.Wrap(err, "flatten unprotected position").With("pair", pos.Pair)
			}
			flattened[rec.Pair] = true
			r.critical(ctx, fmt.Sprintf("unprotected %s position on %s flattened during recovery",
				pos.Direction, pos.Pair))
		}
	}

	logs.Infof("crash recovery finished, keeping %d of %d trade(s)", len(kept), len(trades))
	return kept, nil
}

func (r *Recovery) fetchVenueState(ctx context.Context) ([]model.Position, []model.OrderInfo, error) {
	var positions []model.Position
	err := r.limiter.Execute(ctx, ratelimit.PriorityHigh, func(ctx context.Context) error {
		var err error
		positions, err = r.conn.FetchPositions(ctx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	var orders []model.OrderInfo
	err = r.limiter.Execute(ctx, ratelimit.PriorityHigh, func(ctx context.Context) error {
		var err error
		orders, err = r.conn.FetchOpenOrders(ctx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return positions, orders, nil
}

func (r *Recovery) flatten(ctx context.Context, pos model.Position) error {
	side := enum.OrderSideSell
	if pos.Direction == enum.DirectionShort {
		side = enum.OrderSideBuy
	}
	return r.limiter.Execute(ctx, ratelimit.PriorityCritical, func(ctx context.Context) error {
		order, err := r.conn.PlaceOrder(ctx, model.OrderRequest{
			Pair:       pos.Pair,
			Side:       side,
			Type:       enum.OrderTypeMarket,
			Quantity:   pos.Quantity,
			ReduceOnly: true,
		})
		if err != nil {
			return err
		}
		if order.Status == enum.OrderStatusFailed || order.Status == enum.OrderStatusCancelled {
			return yerrors.Wrap(exception.ErrOrderFailed, "close order rejected").
				With("status", string(order.Status))
		}
		return nil
	})
}

func (r *Recovery) critical(ctx context.Context, message string) {
	logs.Error(message)
	r.bus.Publish(ctx, event.NewError(event.TypeErrorCritical, "crash-recovery", message))
}
