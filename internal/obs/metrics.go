package obs

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	mu          sync.Mutex
	eventCounts map[string]uint64

	handlerErrors uint64
	tradesOpened  uint64
	tradesFailed  uint64
	tradesClosed  uint64

	orderLatency   LatencyStats
	publishLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts    map[string]uint64
	HandlerErrors  uint64
	TradesOpened   uint64
	TradesFailed   uint64
	TradesClosed   uint64
	OrderLatency   LatencySnapshot
	PublishLatency LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{eventCounts: make(map[string]uint64)}
}

// IncEvent increments the counter for a published event type.
func (m *Metrics) IncEvent(eventType string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.eventCounts[eventType]++
	m.mu.Unlock()
}

// IncHandlerError records a failed event handler.
func (m *Metrics) IncHandlerError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.handlerErrors, 1)
}

// IncTradeOpened records a successfully opened trade.
func (m *Metrics) IncTradeOpened() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tradesOpened, 1)
}

// IncTradeFailed records a failed trade open.
func (m *Metrics) IncTradeFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tradesFailed, 1)
}

// IncTradeClosed records a settled trade.
func (m *Metrics) IncTradeClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tradesClosed, 1)
}

// ObserveOrder measures one exchange order round trip.
func (m *Metrics) ObserveOrder(d time.Duration) {
	if m == nil {
		return
	}
	m.orderLatency.Observe(d)
}

// ObservePublish measures one full event dispatch.
func (m *Metrics) ObservePublish(d time.Duration) {
	if m == nil {
		return
	}
	m.publishLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	counts := make(map[string]uint64, len(m.eventCounts))
	for k, v := range m.eventCounts {
		counts[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		EventCounts:    counts,
		HandlerErrors:  atomic.LoadUint64(&m.handlerErrors),
		TradesOpened:   atomic.LoadUint64(&m.tradesOpened),
		TradesFailed:   atomic.LoadUint64(&m.tradesFailed),
		TradesClosed:   atomic.LoadUint64(&m.tradesClosed),
		OrderLatency:   m.orderLatency.Snapshot(),
		PublishLatency: m.publishLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
