package perp

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies engine events.
type EventType int

const (
	EventOrderCreated EventType = iota
	EventOrderExecuted
	EventOrderCancelled
	EventPositionClosed
	EventLiquidation
	EventADL
	EventFundingSettled
	EventLiquidityAdded
	EventLiquidityRemoved
)

func (t EventType) String() string {
	switch t {
	case EventOrderCreated:
		return "order_created"
	case EventOrderExecuted:
		return "order_executed"
	case EventOrderCancelled:
		return "order_cancelled"
	case EventPositionClosed:
		return "position_closed"
	case EventLiquidation:
		return "liquidation"
	case EventADL:
		return "adl"
	case EventFundingSettled:
		return "funding_settled"
	case EventLiquidityAdded:
		return "liquidity_added"
	case EventLiquidityRemoved:
		return "liquidity_removed"
	}
	return "unknown"
}

// Event is a settlement-side fact emitted after a committed state change.
type Event struct {
	Type      EventType       `json:"type"`
	Time      time.Time       `json:"time"`
	PairID    uint64          `json:"pair_id"`
	Account   string          `json:"account,omitempty"`
	Direction Direction       `json:"direction"`
	OrderID   uint64          `json:"order_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Pnl       decimal.Decimal `json:"pnl"`
	Rate      decimal.Decimal `json:"rate"`
}

// emit publishes an event without ever blocking a settlement path. Consumers
// that fall behind lose events; the ledger is the system of record.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping event")
	}
}

// Events exposes the engine's event stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}
