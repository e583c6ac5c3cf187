package perp

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceSource supplies index prices to callers that drive the engine on a
// schedule (the daemon's funding and liquidation loops). The engine itself
// never reads prices: every mutating operation takes the execution price as
// an argument so the keeper stays responsible for staleness.
type PriceSource interface {
	Price(symbol string) (decimal.Decimal, error)
}

// StaticPriceSource is a mutable in-memory PriceSource fed by an external
// oracle integration.
type StaticPriceSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticPriceSource creates an empty price table.
func NewStaticPriceSource() *StaticPriceSource {
	return &StaticPriceSource{prices: make(map[string]decimal.Decimal)}
}

// Set records the latest price for a symbol.
func (s *StaticPriceSource) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// Price returns the latest recorded price for a symbol.
func (s *StaticPriceSource) Price(symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrInvalidPrice, symbol)
	}
	return p, nil
}
