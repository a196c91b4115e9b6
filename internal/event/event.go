package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model"
	"main/internal/model/enum"
)

// Type is a dot-namespaced event name. The segment before the first
// dot is the domain.
type Type string

const (
	TypeAppStarted Type = "app.started"
	TypeAppStopped Type = "app.stopped"

	TypeExchangeConnected    Type = "exchange.connected"
	TypeExchangeDisconnected Type = "exchange.disconnected"
	TypeExchangeReconnected  Type = "exchange.reconnected"

	TypeCandleClosed Type = "candle.closed"

	TypeStrategyConditionMet Type = "strategy.condition_met"
	TypeStrategySignalLong   Type = "strategy.signal_long"
	TypeStrategySignalShort  Type = "strategy.signal_short"
	TypeStrategyTimeout      Type = "strategy.timeout"

	TypeTradeOpened Type = "trade.opened"
	TypeTradeFailed Type = "trade.failed"
	TypeTradeTPHit  Type = "trade.tp_hit"
	TypeTradeSLHit  Type = "trade.sl_hit"
	TypeTradeClosed Type = "trade.closed"

	TypeErrorRecoverable Type = "error.recoverable"
	TypeErrorCritical    Type = "error.critical"
)

// Domain returns the namespace segment of the type.
func (t Type) Domain() string {
	name := string(t)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func (t Type) IsAvailable() bool {
	switch t {
	case TypeAppStarted, TypeAppStopped,
		TypeExchangeConnected, TypeExchangeDisconnected, TypeExchangeReconnected,
		TypeCandleClosed,
		TypeStrategyConditionMet, TypeStrategySignalLong, TypeStrategySignalShort, TypeStrategyTimeout,
		TypeTradeOpened, TypeTradeFailed, TypeTradeTPHit, TypeTradeSLHit, TypeTradeClosed,
		TypeErrorRecoverable, TypeErrorCritical:
		return true
	default:
		return false
	}
}

// Event is the unit dispatched through the bus.
type Event interface {
	Type() Type
	Time() time.Time
}

// Base carries the fields shared by every event.
type Base struct {
	EventType Type
	At        time.Time
}

func newBase(t Type) Base {
	return Base{EventType: t, At: time.Now().UTC()}
}

func (b Base) Type() Type      { return b.EventType }
func (b Base) Time() time.Time { return b.At }

// App is an application lifecycle event.
type App struct {
	Base
}

func NewApp(t Type) App {
	mustDomain(t, "app")
	return App{Base: newBase(t)}
}

// Exchange is a connectivity lifecycle event.
type Exchange struct {
	Base
	Reason string
}

func NewExchange(t Type, reason string) Exchange {
	mustDomain(t, "exchange")
	return Exchange{Base: newBase(t), Reason: reason}
}

// Candle signals a freshly closed bar.
type Candle struct {
	Base
	Pair      string
	Timeframe string
	Candle    model.Candle
}

func NewCandle(pair, timeframe string, candle model.Candle) Candle {
	return Candle{Base: newBase(TypeCandleClosed), Pair: pair, Timeframe: timeframe, Candle: candle}
}

// Strategy is a strategy machine transition event.
type Strategy struct {
	Base
	Strategy       string
	Pair           string
	ConditionIndex int
	Direction      enum.Direction
	SignalPrice    decimal.Decimal
	StopLoss       decimal.Decimal
}

func NewStrategy(t Type, strategy, pair string) Strategy {
	mustDomain(t, "strategy")
	return Strategy{Base: newBase(t), Strategy: strategy, Pair: pair, ConditionIndex: -1}
}

// Trade is a trade lifecycle event.
type Trade struct {
	Base
	TradeID       string
	Pair          string
	ExitPrice     decimal.Decimal
	PnL           decimal.Decimal
	CapitalBefore decimal.Decimal
	CapitalAfter  decimal.Decimal
	Reason        string
}

func NewTrade(t Type, tradeID, pair string) Trade {
	mustDomain(t, "trade")
	return Trade{Base: newBase(t), TradeID: tradeID, Pair: pair}
}

// Error reports a handler or subsystem failure. Source names the event
// type or component that failed.
type Error struct {
	Base
	Source  string
	Message string
}

func NewError(t Type, source, message string) Error {
	mustDomain(t, "error")
	return Error{Base: newBase(t), Source: source, Message: message}
}

func mustDomain(t Type, domain string) {
	if t.Domain() != domain || !t.IsAvailable() {
		panic(fmt.Sprintf("event type %q is not in domain %q", t, domain))
	}
}
