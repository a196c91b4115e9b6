package enum

// TradeStatus is the lifecycle state of a recorded trade.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
	TradeStatusFailed TradeStatus = "failed"
)

func (s TradeStatus) IsAvailable() bool {
	switch s {
	case TradeStatusOpen, TradeStatusClosed, TradeStatusFailed:
		return true
	default:
		return false
	}
}
