package perp

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var one = decimal.NewFromInt(1)

// riskRate computes a position's maintenance-margin pressure:
//
//	riskRate = amount * averagePrice * maintenanceMarginRate
//	         / (collateral + unrealizedPnl - unrealizedTradingFee)
//
// A position is liquidatable at riskRate >= 1. A non-positive denominator
// means the exposure is already gone and the position is liquidatable
// outright. Callers hold e.mu.
func (e *Engine) riskRate(pos *Position, price decimal.Decimal) (decimal.Decimal, bool) {
	cfg := e.tradingCfg[pos.Key.PairID]
	feeCfg := e.feeCfg[pos.Key.PairID]

	maintenance := pos.Amount.Mul(pos.AveragePrice).Mul(cfg.MaintenanceMarginRate)
	unrealizedFee := pos.Notional(price).Mul(feeCfg.TakerFeeP)
	exposure := pos.Collateral.Add(pos.UnrealizedPnl(price)).Sub(unrealizedFee)

	if !exposure.IsPositive() {
		return decimal.Zero, true
	}
	rate := maintenance.Div(exposure)
	return rate, rate.GreaterThanOrEqual(one)
}

// RiskRate reports a position's risk rate at the given price and whether it
// is liquidatable. The boolean is authoritative: it also covers the
// exhausted-collateral case where the ratio itself is undefined.
func (e *Engine) RiskRate(key PositionKey, price decimal.Decimal) (decimal.Decimal, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[key]
	if !ok {
		return decimal.Zero, false, fmt.Errorf("%w: %s %s pair %d", ErrPositionNotFound, key.Account, key.Direction, key.PairID)
	}
	rate, liq := e.riskRate(pos, price)
	return rate, liq, nil
}

// ScanLiquidatable lists the keys of every position on a pair at or past the
// liquidation threshold at the given price. Read-only; keepers feed the
// result to LiquidatePositions.
func (e *Engine) ScanLiquidatable(pairID uint64, price decimal.Decimal) []PositionKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	var keys []PositionKey
	for key, pos := range e.positions {
		if key.PairID != pairID {
			continue
		}
		if _, liq := e.riskRate(pos, price); liq {
			keys = append(keys, key)
		}
	}
	return keys
}

// LiquidatePositions force-settles under-margined positions at the supplied
// price, exactly as a full decrease would: realized PnL, trading fee and
// accrued funding net against collateral, with the risk reserve absorbing any
// shortfall. Live entrusted orders for the key are cancelled so the account
// cannot re-open exposure it can no longer margin.
//
// Positions below the threshold are never touched; their result carries
// ErrNotLiquidatable.
func (e *Engine) LiquidatePositions(keeper string, keys []PositionKey, price decimal.Decimal) ([]LiquidationResult, error) {
	if err := e.requireKeeper(keeper); err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]LiquidationResult, 0, len(keys))
	for _, key := range keys {
		results = append(results, e.liquidateOne(keeper, key, price))
	}
	return results, nil
}

// liquidateOne settles a single position. Callers hold e.mu.
func (e *Engine) liquidateOne(keeper string, key PositionKey, price decimal.Decimal) LiquidationResult {
	res := LiquidationResult{Key: key}

	pos, ok := e.positions[key]
	if !ok {
		res.Err = fmt.Errorf("%w: %s %s pair %d", ErrPositionNotFound, key.Account, key.Direction, key.PairID)
		return res
	}

	rate, liquidatable := e.riskRate(pos, price)
	res.RiskRate = rate
	if !liquidatable {
		res.Err = fmt.Errorf("%w: risk rate %s", ErrNotLiquidatable, rate)
		return res
	}

	plan, err := e.planDecrease(pos, pos.Amount, price, 0, "")
	if err != nil {
		res.Err = err
		return res
	}

	vault := e.vaults[key.PairID]
	if plan.stableDemand(vault).IsPositive() {
		// The vault cannot pay this settlement yet; the keeper must free
		// liquidity through the ADL path first.
		res.Err = fmt.Errorf("%w: settlement %s exceeds unreserved stable", ErrADLPending, plan.payout)
		return res
	}

	e.commitDecrease(plan, keeper)
	res.Liquidated = true
	res.Settlement = plan.payout
	res.CancelledOrders = e.cancelEntrustedOrders(key)

	e.emit(Event{
		Type:      EventLiquidation,
		Time:      e.clock(),
		PairID:    key.PairID,
		Account:   key.Account,
		Direction: key.Direction,
		Amount:    plan.fill,
		Price:     price,
		Fee:       plan.fee.Total,
		Pnl:       plan.pnl,
	})
	e.logger.Info("position liquidated",
		zap.String("account", key.Account),
		zap.Uint64("pair", key.PairID),
		zap.String("direction", key.Direction.String()),
		zap.String("risk_rate", rate.String()))
	return res
}

// ExecuteADLAndDecreaseOrder force-closes keeper-selected opposite-direction
// positions until the vault can pay a parked decrease, then executes it. ADL
// settlements follow the same PnL/fee math as ordinary decreases. If the
// candidates do not free enough liquidity, the decrease stays queued.
func (e *Engine) ExecuteADLAndDecreaseOrder(keeper string, candidates []ADLCandidate, orderID uint64, price decimal.Decimal) (DecreaseResult, error) {
	if err := e.requireKeeper(keeper); err != nil {
		return DecreaseResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ord, err := e.executableOrder(orderID, Decrease)
	if err != nil {
		return DecreaseResult{}, err
	}
	_, vault, err := e.pairVault(ord.PairID)
	if err != nil {
		return DecreaseResult{}, err
	}

	// The decrease's own execution must be valid before any candidate is
	// touched: a slippage or deviation violation aborts the whole call, and
	// candidates closed ahead of that check could never be rolled back.
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

	for _, cand := range candidates {
		plan, err := e.planDecrease(pos, fillTarget, price, ord.Tier, "")
		if err != nil {
			return DecreaseResult{}, err
		}
		if !plan.stableDemand(vault).IsPositive() {
			break // enough liquidity freed already
		}
		if err := e.deleverageOne(keeper, ord.Direction, cand, price); err != nil {
			e.logger.Warn("ADL candidate skipped", zap.Error(err))
		}
	}

	return e.executeDecreaseLocked(ord, price, keeper)
}

// deleverageOne force-closes part of one ADL candidate. The candidate must be
// an opposite-direction position on the same pair. Callers hold e.mu.
func (e *Engine) deleverageOne(keeper string, orderDir Direction, cand ADLCandidate, price decimal.Decimal) error {
	if cand.Key.Direction != orderDir.Opposite() {
		return fmt.Errorf("%w: %s %s", ErrBadADLCandidate, cand.Key.Account, cand.Key.Direction)
	}
	pos, ok := e.positions[cand.Key]
	if !ok {
		return fmt.Errorf("%w: %s %s pair %d", ErrPositionNotFound, cand.Key.Account, cand.Key.Direction, cand.Key.PairID)
	}

	amount := cand.Amount
	if !amount.IsPositive() || amount.GreaterThan(pos.Amount) {
		amount = pos.Amount
	}

	plan, err := e.planDecrease(pos, amount, price, 0, "")
	if err != nil {
		return err
	}
	vault := e.vaults[cand.Key.PairID]
	if plan.stableDemand(vault).IsPositive() {
		return fmt.Errorf("%w: candidate settlement unpayable", ErrInsufficientLiquidity)
	}

	e.commitDecrease(plan, keeper)
	e.emit(Event{
		Type:      EventADL,
		Time:      e.clock(),
		PairID:    cand.Key.PairID,
		Account:   cand.Key.Account,
		Direction: cand.Key.Direction,
		Amount:    plan.fill,
		Price:     price,
		Pnl:       plan.pnl,
	})
	return nil
}
