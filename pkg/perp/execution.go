package perp

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExecuteIncreaseOrder fills an increase order at the keeper-supplied price.
//
// Slippage and price-deviation violations abort the whole call with no
// partial effect. A liquidity shortfall is not an error: the fillable portion
// executes, and a market order's unfilled remainder is discarded (IOC) while
// a limit order's remainder stays open for a later call. On a zero fill the
// result's Status reports which of those happened.
func (e *Engine) ExecuteIncreaseOrder(keeper string, orderID uint64, price decimal.Decimal) (IncreaseResult, error) {
	if err := e.requireKeeper(keeper); err != nil {
		return IncreaseResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ord, err := e.executableOrder(orderID, Increase)
	if err != nil {
		return IncreaseResult{}, err
	}
	pair, vault, err := e.pairVault(ord.PairID)
	if err != nil {
		return IncreaseResult{}, err
	}
	cfg := e.tradingCfg[ord.PairID]
	if err := e.checkExecutionPrice(ord, vault, cfg, price); err != nil {
		return IncreaseResult{}, err
	}

	key := PositionKey{Account: ord.Account, PairID: ord.PairID, Direction: ord.Direction}
	held := decimal.Zero
	if pos, ok := e.positions[key]; ok {
		held = pos.Amount
	}
	fillTarget := clipIncreaseFill(ord.Remaining(), cfg, held)

	// Liquidity constraint: the fill cannot reserve more than the vault has
	// unreserved on the constrained side, converted through price.
	available := vault.IndexAvailable()
	if ord.Direction == Short {
		available = vault.StableAvailable().Div(price)
	}
	fill := decimal.Min(fillTarget, available)

	if !fill.IsPositive() {
		if ord.Type == Market {
			// True IOC: nothing fillable, the order dies.
			e.cancelOrderLocked(ord)
		}
		return IncreaseResult{Status: ord.Status}, nil
	}

	deposit := ord.Collateral.Mul(fill).Div(ord.Size)
	notional := fill.Mul(price)
	if err := checkLeverage(cfg, notional, deposit); err != nil {
		return IncreaseResult{}, err
	}

	fee, err := e.computeTradingFee(ord.PairID, ord.Direction, notional, ord.Tier, ord.ReferralOwner)
	if err != nil {
		return IncreaseResult{}, err
	}

	pos := e.getOrCreatePosition(key)
	funding := e.applyIncrease(pos, fill, price, deposit, fee)

	vault.StableTotal = vault.StableTotal.Add(deposit).Sub(fee.Total).Sub(funding)
	vault.RiskReserve = vault.RiskReserve.Add(funding)
	reserve(vault, ord.Direction, fill, price)
	e.distributeFee(vault, fee, ord.Account, keeper, ord.ReferralOwner)
	e.exposure[ord.PairID].add(ord.Direction, fill)

	ord.ExecutedSize = ord.ExecutedSize.Add(fill)
	ord.UpdatedAt = e.clock()
	if ord.Type == Market {
		// Remainder is discarded, never retried.
		ord.Size = ord.ExecutedSize
		ord.Status = OrderFilled
	} else if ord.Remaining().IsZero() {
		ord.Status = OrderFilled
	} else {
		ord.Status = OrderPartiallyFilled
	}

	e.spawnExitOrders(ord, fill)

	result := &Fill{
		OrderID:    ord.ID,
		Key:        key,
		Amount:     fill,
		Price:      price,
		Fee:        fee,
		FundingFee: funding,
		Time:       ord.UpdatedAt,
	}
	e.emit(Event{
		Type:      EventOrderExecuted,
		Time:      ord.UpdatedAt,
		PairID:    ord.PairID,
		Account:   ord.Account,
		Direction: ord.Direction,
		OrderID:   ord.ID,
		Amount:    fill,
		Price:     price,
		Fee:       fee.Total,
	})
	e.logger.Debug("increase executed",
		zap.Uint64("order", ord.ID),
		zap.String("fill", fill.String()),
		zap.String("price", price.String()),
		zap.Uint64("pair", pair.ID))
	return IncreaseResult{Fill: result, Status: ord.Status}, nil
}

// ExecuteDecreaseOrder fills a decrease order at the keeper-supplied price.
// If paying out the settlement needs more unreserved stable than the vault
// holds, the order parks as AwaitingADL and nothing mutates.
func (e *Engine) ExecuteDecreaseOrder(keeper string, orderID uint64, price decimal.Decimal) (DecreaseResult, error) {
	if err := e.requireKeeper(keeper); err != nil {
		return DecreaseResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ord, err := e.executableOrder(orderID, Decrease)
	if err != nil {
		return DecreaseResult{}, err
	}
	return e.executeDecreaseLocked(ord, price, keeper)
}

// executeDecreaseLocked is the decrease path shared with the ADL entry point.
// Callers hold e.mu.
func (e *Engine) executeDecreaseLocked(ord *Order, price decimal.Decimal, keeper string) (DecreaseResult, error) {
	_, vault, err := e.pairVault(ord.PairID)
	if err != nil {
		return DecreaseResult{}, err
	}
	cfg := e.tradingCfg[ord.PairID]
	if err := e.checkExecutionPrice(ord, vault, cfg, price); err != nil {
		return DecreaseResult{}, err
	}

	key := PositionKey{Account: ord.Account, PairID: ord.PairID, Direction: ord.Direction}
	pos, ok := e.positions[key]
	if !ok {
		return DecreaseResult{}, fmt.Errorf("%w: %s %s pair %d", ErrPositionNotFound, key.Account, key.Direction, key.PairID)
	}

	fillTarget := clipDecreaseFill(ord.Remaining(), cfg)
	if !fillTarget.IsPositive() {
		return DecreaseResult{}, fmt.Errorf("%w: nothing to fill", ErrInvalidAmount)
	}

	plan, err := e.planDecrease(pos, fillTarget, price, ord.Tier, "")
	if err != nil {
		return DecreaseResult{}, err
	}

	if plan.stableDemand(vault).IsPositive() {
		ord.NeedADL = true
		ord.Status = OrderAwaitingADL
		ord.UpdatedAt = e.clock()
		e.logger.Info("decrease awaiting ADL",
			zap.Uint64("order", ord.ID),
			zap.String("payout", plan.payout.String()))
		return DecreaseResult{AwaitingADL: true}, nil
	}

	e.commitDecrease(plan, keeper)

	ord.NeedADL = false
	ord.ExecutedSize = ord.ExecutedSize.Add(plan.fill)
	ord.UpdatedAt = e.clock()
	switch {
	case ord.Type == Market:
		ord.Size = ord.ExecutedSize
		ord.Status = OrderFilled
	case plan.closes || ord.Remaining().IsZero():
		// The position is gone or the order is spent; either way it is done.
		ord.Size = ord.ExecutedSize
		ord.Status = OrderFilled
	default:
		ord.Status = OrderPartiallyFilled
	}

	fill := &Fill{
		OrderID:    ord.ID,
		Key:        key,
		Amount:     plan.fill,
		Price:      price,
		Fee:        plan.fee,
		Pnl:        plan.pnl,
		FundingFee: plan.funding,
		Settlement: plan.payout,
		Time:       ord.UpdatedAt,
	}
	e.emit(Event{
		Type:      EventOrderExecuted,
		Time:      ord.UpdatedAt,
		PairID:    ord.PairID,
		Account:   ord.Account,
		Direction: ord.Direction,
		OrderID:   ord.ID,
		Amount:    plan.fill,
		Price:     price,
		Fee:       plan.fee.Total,
		Pnl:       plan.pnl,
	})
	return DecreaseResult{Fill: fill}, nil
}

// executableOrder resolves a live order of the wanted kind. Callers hold e.mu.
func (e *Engine) executableOrder(orderID uint64, kind OrderKind) (*Order, error) {
	ord, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if ord.Status.Consumed() {
		return nil, fmt.Errorf("%w: order %d is %s", ErrOrderConsumed, orderID, ord.Status)
	}
	if ord.Kind != kind {
		return nil, fmt.Errorf("%w: order %d has wrong kind", ErrOrderNotFound, orderID)
	}
	return ord, nil
}

// checkExecutionPrice enforces the order's slippage bound against its
// requested price and the pair's deviation bound against the vault's own
// inventory price. Either violation aborts the whole execution.
func (e *Engine) checkExecutionPrice(ord *Order, vault *Vault, cfg TradingConfig, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	tolerance := ord.MaxSlippage
	if tolerance.IsZero() {
		tolerance = cfg.PriceSlipTolerance
	}
	if tolerance.IsPositive() {
		deviation := price.Sub(ord.Price).Abs().Div(ord.Price)
		if deviation.GreaterThan(tolerance) {
			return fmt.Errorf("%w: deviation %s > %s", ErrExceedsMaxSlippage, deviation, tolerance)
		}
	}

	if cfg.MaxPriceDeviation.IsPositive() && vault.AveragePrice.IsPositive() {
		deviation := price.Sub(vault.AveragePrice).Abs().Div(vault.AveragePrice)
		if deviation.GreaterThan(cfg.MaxPriceDeviation) {
			return fmt.Errorf("%w: deviation %s > %s", ErrPriceDeviation, deviation, cfg.MaxPriceDeviation)
		}
	}
	return nil
}

// clipIncreaseFill bounds a fill by the pair's max trade size and the room
// left under the max position size. Excess is clipped, never rejected.
func clipIncreaseFill(remaining decimal.Decimal, cfg TradingConfig, held decimal.Decimal) decimal.Decimal {
	fill := remaining
	if cfg.MaxTradeSize.IsPositive() && fill.GreaterThan(cfg.MaxTradeSize) {
		fill = cfg.MaxTradeSize
	}
	if cfg.MaxPositionSize.IsPositive() {
		room := cfg.MaxPositionSize.Sub(held)
		if fill.GreaterThan(room) {
			fill = room
		}
	}
	if fill.IsNegative() {
		return decimal.Zero
	}
	return fill
}

// clipDecreaseFill bounds a decrease fill by the pair's max trade size.
func clipDecreaseFill(remaining decimal.Decimal, cfg TradingConfig) decimal.Decimal {
	if cfg.MaxTradeSize.IsPositive() && remaining.GreaterThan(cfg.MaxTradeSize) {
		return cfg.MaxTradeSize
	}
	return remaining
}

// checkLeverage bounds the implied leverage of an increase fill.
func checkLeverage(cfg TradingConfig, notional, deposit decimal.Decimal) error {
	if !deposit.IsPositive() {
		return fmt.Errorf("%w: zero collateral on fill", ErrInvalidAmount)
	}
	leverage := notional.Div(deposit)
	if cfg.MaxLeverage.IsPositive() && leverage.GreaterThan(cfg.MaxLeverage) {
		return fmt.Errorf("%w: leverage %s above max %s", ErrLeverageOutOfBounds, leverage, cfg.MaxLeverage)
	}
	if cfg.MinLeverage.IsPositive() && leverage.LessThan(cfg.MinLeverage) {
		return fmt.Errorf("%w: leverage %s below min %s", ErrLeverageOutOfBounds, leverage, cfg.MinLeverage)
	}
	return nil
}

// spawnExitOrders creates the TP/SL decrease limit orders attached to an
// increase order, sized to the fill they protect.
func (e *Engine) spawnExitOrders(ord *Order, fill decimal.Decimal) {
	for _, trigger := range []decimal.Decimal{ord.TpPrice, ord.SlPrice} {
		if !trigger.IsPositive() {
			continue
		}
		exit := &Order{
			Account:   ord.Account,
			PairID:    ord.PairID,
			Direction: ord.Direction,
			Kind:      Decrease,
			Type:      Limit,
			Size:      fill,
			Price:     trigger,
			Tier:      ord.Tier,
		}
		e.insertOrder(exit)
	}
}
