package perp

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateIncreaseOrder records an intent to open or grow a position. The
// optional TP/SL prices spawn decrease limit orders when the increase fills.
func (e *Engine) CreateIncreaseOrder(account string, params IncreaseOrderParams) (uint64, error) {
	if err := e.requireTrader(account); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, _, err := e.pairVault(params.PairID); err != nil {
		return 0, err
	}
	if err := e.validateOrderShape(params.PairID, params.Size, params.Price, params.Tier); err != nil {
		return 0, err
	}
	if !params.Collateral.IsPositive() {
		return 0, fmt.Errorf("%w: increase requires collateral", ErrInvalidAmount)
	}

	ord := &Order{
		Account:       account,
		PairID:        params.PairID,
		Direction:     params.Direction,
		Kind:          Increase,
		Type:          params.Type,
		Size:          params.Size,
		Price:         params.Price,
		MaxSlippage:   params.MaxSlippage,
		Collateral:    params.Collateral,
		Tier:          params.Tier,
		ReferralOwner: params.ReferralOwner,
		TpPrice:       params.TpPrice,
		SlPrice:       params.SlPrice,
	}
	return e.insertOrder(ord), nil
}

// CreateIncreaseOrderWithoutTpSl is CreateIncreaseOrder with the exit
// triggers stripped.
func (e *Engine) CreateIncreaseOrderWithoutTpSl(account string, params IncreaseOrderParams) (uint64, error) {
	params.TpPrice = decimal.Zero
	params.SlPrice = decimal.Zero
	return e.CreateIncreaseOrder(account, params)
}

// CreateDecreaseOrder records an intent to shrink or close a position.
func (e *Engine) CreateDecreaseOrder(account string, params DecreaseOrderParams) (uint64, error) {
	if err := e.requireTrader(account); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, _, err := e.pairVault(params.PairID); err != nil {
		return 0, err
	}
	if err := e.validateOrderShape(params.PairID, params.Size, params.Price, params.Tier); err != nil {
		return 0, err
	}

	ord := &Order{
		Account:     account,
		PairID:      params.PairID,
		Direction:   params.Direction,
		Kind:        Decrease,
		Type:        params.Type,
		Size:        params.Size,
		Price:       params.Price,
		MaxSlippage: params.MaxSlippage,
		Tier:        params.Tier,
	}
	return e.insertOrder(ord), nil
}

// validateOrderShape applies creation-time checks shared by both kinds.
// Callers hold e.mu.
func (e *Engine) validateOrderShape(pairID uint64, size, price decimal.Decimal, tier int) error {
	if !size.IsPositive() {
		return fmt.Errorf("%w: size %s", ErrInvalidAmount, size)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	cfg := e.tradingCfg[pairID]
	if cfg.MinTradeSize.IsPositive() && size.LessThan(cfg.MinTradeSize) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinTradeSize, size, cfg.MinTradeSize)
	}
	if _, err := e.tierRates(pairID, tier); err != nil {
		return err
	}
	return nil
}

// insertOrder assigns an ID and stores the order. Callers hold e.mu.
func (e *Engine) insertOrder(ord *Order) uint64 {
	e.nextOrderID++
	ord.ID = e.nextOrderID
	ord.Status = OrderCreated
	ord.CreatedAt = e.clock()
	ord.UpdatedAt = ord.CreatedAt
	e.orders[ord.ID] = ord

	e.emit(Event{
		Type:      EventOrderCreated,
		Time:      ord.CreatedAt,
		PairID:    ord.PairID,
		Account:   ord.Account,
		Direction: ord.Direction,
		OrderID:   ord.ID,
		Amount:    ord.Size,
		Price:     ord.Price,
	})
	e.logger.Debug("order created",
		zap.Uint64("order", ord.ID),
		zap.String("account", ord.Account),
		zap.String("direction", ord.Direction.String()))
	return ord.ID
}

// CancelOrder zeroes an order's remaining size. Only the order's own account
// may cancel; a consumed order is rejected, never re-opened.
func (e *Engine) CancelOrder(account string, orderID uint64) error {
	if err := e.requireTrader(account); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ord, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if ord.Account != account {
		return fmt.Errorf("%w: order %d", ErrNotOrderOwner, orderID)
	}
	if ord.Status.Consumed() {
		return fmt.Errorf("%w: order %d is %s", ErrOrderConsumed, orderID, ord.Status)
	}

	e.cancelOrderLocked(ord)
	return nil
}

// cancelOrderLocked marks an order cancelled. Callers hold e.mu and have
// checked consumption.
func (e *Engine) cancelOrderLocked(ord *Order) {
	ord.Status = OrderCancelled
	ord.NeedADL = false
	ord.UpdatedAt = e.clock()
	e.emit(Event{
		Type:      EventOrderCancelled,
		Time:      ord.UpdatedAt,
		PairID:    ord.PairID,
		Account:   ord.Account,
		Direction: ord.Direction,
		OrderID:   ord.ID,
		Amount:    ord.Remaining(),
	})
}

// cancelEntrustedOrders cancels every live order for a position key. Used by
// liquidation so the account cannot re-open exposure it can no longer margin.
// Callers hold e.mu.
func (e *Engine) cancelEntrustedOrders(key PositionKey) []uint64 {
	var cancelled []uint64
	for _, ord := range e.orders {
		if ord.Status.Consumed() {
			continue
		}
		if ord.Account == key.Account && ord.PairID == key.PairID && ord.Direction == key.Direction {
			e.cancelOrderLocked(ord)
			cancelled = append(cancelled, ord.ID)
		}
	}
	return cancelled
}
