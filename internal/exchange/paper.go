package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
)

// Paper is an in-memory venue with instant fills at the mark price.
// It backs dry runs and the test suites; the engine drives it through
// the same Connector surface a live venue would expose.
type Paper struct {
	mu        sync.Mutex
	pair      string
	rules     model.MarketRules
	balance   model.Balance
	connected bool
	nextID    int
	orders    map[string]model.OrderInfo
	position  *model.Position
	markPrice decimal.Decimal

	feed       chan model.Candle
	streamFail chan error

	// Failure injection. A non-nil value fails the matching call.
	ConnectErr  error
	LeverageErr error
	BalanceErr  error
	PlaceErr    func(req model.OrderRequest) error
	CancelErr   error

	// PlaceStatus forces the returned order status without a
	// transport error. The order is recorded but never fills.
	PlaceStatus func(req model.OrderRequest) enum.OrderStatus
}

// NewPaper allocates a paper venue for one pair.
func NewPaper(pair string, rules model.MarketRules, startBalance decimal.Decimal) *Paper {
	return &Paper{
		pair:  pair,
		rules: rules,
		balance: model.Balance{
			Currency: "USDT",
			Total:    startBalance,
			Free:     startBalance,
		},
		orders:     make(map[string]model.OrderInfo),
		feed:       make(chan model.Candle, 64),
		streamFail: make(chan error, 1),
	}
}

func (p *Paper) Pair() string { return p.pair }

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		err := p.ConnectErr
		p.ConnectErr = nil
		return err
	}
	if !p.rules.Loaded() {
		return exception.ErrMarketRulesMissing
	}
	p.connected = true
	return nil
}

func (p *Paper) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Paper) Rules() (model.MarketRules, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rules.Loaded() {
		return model.MarketRules{}, exception.ErrMarketRulesMissing
	}
	return p.rules, nil
}

// Push feeds one candle into the stream and moves the mark price.
func (p *Paper) Push(candle model.Candle) {
	p.mu.Lock()
	p.markPrice = candle.Close
	p.mu.Unlock()
	p.feed <- candle
}

// SetMarkPrice moves the fill price without emitting a candle.
func (p *Paper) SetMarkPrice(price decimal.Decimal) {
	p.mu.Lock()
	p.markPrice = price
	p.mu.Unlock()
}

// FailStream makes the running candle stream return err.
func (p *Paper) FailStream(err error) {
	p.streamFail <- err
}

func (p *Paper) StreamCandles(ctx context.Context, timeframe string, fn func(model.Candle)) error {
	if err := p.requireConnected(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-p.streamFail:
			return err
		case candle := <-p.feed:
			fn(candle)
		}
	}
}

func (p *Paper) SetLeverage(ctx context.Context, leverage int) error {
	if err := p.requireConnected(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.LeverageErr != nil {
		err := p.LeverageErr
		p.LeverageErr = nil
		return err
	}
	if leverage < 1 || (p.rules.MaxLeverage > 0 && leverage > p.rules.MaxLeverage) {
		return fmt.Errorf("paper: leverage %d out of range", leverage)
	}
	return nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderInfo, error) {
	if err := p.requireConnected(); err != nil {
		return model.OrderInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlaceErr != nil {
		if err := p.PlaceErr(req); err != nil {
			return model.OrderInfo{}, err
		}
	}
	if req.Pair != p.pair {
		return model.OrderInfo{}, exception.ErrMismatchPair
	}
	if !req.Quantity.IsPositive() {
		return model.OrderInfo{}, exception.ErrOrderFailed
	}

	p.nextID++
	info := model.OrderInfo{
		ID:       fmt.Sprintf("paper-%d", p.nextID),
		Pair:     req.Pair,
		Side:     req.Side,
		Type:     req.Type,
		Status:   enum.OrderStatusOpen,
		Price:    req.Price,
		Quantity: req.Quantity,
	}

	if p.PlaceStatus != nil {
		if status := p.PlaceStatus(req); status != "" {
			info.Status = status
			p.orders[info.ID] = info
			return info, nil
		}
	}

	if req.Type == enum.OrderTypeMarket {
		if !p.markPrice.IsPositive() {
			return model.OrderInfo{}, fmt.Errorf("paper: no mark price for market fill")
		}
		info.Status = enum.OrderStatusFilled
		info.FilledPrice = p.markPrice
		p.applyFillLocked(req, p.markPrice)
	}

	p.orders[info.ID] = info
	return info, nil
}

// applyFillLocked nets a market fill into the position and settles
// realized pnl into the balance.
func (p *Paper) applyFillLocked(req model.OrderRequest, fill decimal.Decimal) {
	direction := enum.DirectionLong
	if req.Side == enum.OrderSideSell {
		direction = enum.DirectionShort
	}

	if p.position == nil {
		if req.ReduceOnly {
			logs.Warnf("paper: reduce-only fill with no position")
			return
		}
		p.position = &model.Position{
			Pair:       req.Pair,
			Direction:  direction,
			Quantity:   req.Quantity,
			EntryPrice: fill,
		}
		return
	}

	if direction == p.position.Direction {
		total := p.position.Quantity.Add(req.Quantity)
		notional := p.position.EntryPrice.Mul(p.position.Quantity).Add(fill.Mul(req.Quantity))
		p.position.EntryPrice = notional.Div(total)
		p.position.Quantity = total
		return
	}

	closed := decimal.Min(req.Quantity, p.position.Quantity)
	pnl := fill.Sub(p.position.EntryPrice).Mul(closed)
	if p.position.Direction == enum.DirectionShort {
		pnl = pnl.Neg()
	}
	p.balance.Total = p.balance.Total.Add(pnl)
	p.balance.Free = p.balance.Free.Add(pnl)

	remaining := p.position.Quantity.Sub(closed)
	if remaining.IsPositive() {
		p.position.Quantity = remaining
		return
	}
	p.position = nil
	p.cancelResting()
}

// cancelResting drops protection orders once the position is flat.
func (p *Paper) cancelResting() {
	for id, o := range p.orders {
		if o.Status == enum.OrderStatusOpen {
			o.Status = enum.OrderStatusCancelled
			p.orders[id] = o
		}
	}
}

func (p *Paper) CancelOrder(ctx context.Context, id string) error {
	if err := p.requireConnected(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CancelErr != nil {
		err := p.CancelErr
		p.CancelErr = nil
		return err
	}
	o, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", id)
	}
	if o.Status.IsLive() {
		o.Status = enum.OrderStatusCancelled
		p.orders[id] = o
	}
	return nil
}

func (p *Paper) FetchOrder(ctx context.Context, id string) (model.OrderInfo, error) {
	if err := p.requireConnected(); err != nil {
		return model.OrderInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return model.OrderInfo{}, fmt.Errorf("paper: unknown order %s", id)
	}
	return o, nil
}

func (p *Paper) FetchBalance(ctx context.Context) (model.Balance, error) {
	if err := p.requireConnected(); err != nil {
		return model.Balance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BalanceErr != nil {
		err := p.BalanceErr
		p.BalanceErr = nil
		return model.Balance{}, err
	}
	return p.balance, nil
}

func (p *Paper) FetchPositions(ctx context.Context) ([]model.Position, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.position == nil {
		return nil, nil
	}
	return []model.Position{*p.position}, nil
}

func (p *Paper) FetchOpenOrders(ctx context.Context) ([]model.OrderInfo, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var open []model.OrderInfo
	for _, o := range p.orders {
		if o.Status.IsLive() {
			open = append(open, o)
		}
	}
	return open, nil
}

// SetPosition force-sets the venue position. Crash recovery tests
// arrange orphaned positions with it.
func (p *Paper) SetPosition(pos *model.Position) {
	p.mu.Lock()
	p.position = pos
	p.mu.Unlock()
}

func (p *Paper) requireConnected() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return exception.ErrExchangeClosed
	}
	return nil
}
