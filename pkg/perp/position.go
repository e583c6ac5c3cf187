package perp

import (
	"github.com/shopspring/decimal"
)

// applyIncrease folds a fill into a position: the average price moves toward
// the fill price weighted by size, and the attached collateral lands net of
// the trading fee and any funding accrued since the last settlement.
// Callers hold e.mu.
func (e *Engine) applyIncrease(pos *Position, fill, price, deposit decimal.Decimal, fee FeeBreakdown) decimal.Decimal {
	funding := e.accrueFunding(pos)

	newAmount := pos.Amount.Add(fill)
	pos.AveragePrice = pos.AveragePrice.Mul(pos.Amount).
		Add(price.Mul(fill)).Div(newAmount)
	pos.Amount = newAmount
	pos.Collateral = pos.Collateral.Add(deposit).Sub(fee.Total).Sub(funding)
	pos.UpdatedAt = e.clock()
	return funding
}

// decreasePlan is a decrease computed against a consistent snapshot but not
// yet committed. Execution checks the plan's liquidity demand first so an
// unpayable decrease parks as AwaitingADL with no partial effect.
type decreasePlan struct {
	pos             *Position
	fill            decimal.Decimal
	price           decimal.Decimal
	fee             FeeBreakdown
	funding         decimal.Decimal
	pnl             decimal.Decimal
	collateralShare decimal.Decimal
	settlement      decimal.Decimal // collateralShare + pnl - fee - funding
	payout          decimal.Decimal // stable actually paid to the account
	shortfall       decimal.Decimal // loss beyond collateral, routed via risk reserve
	closes          bool
}

// planDecrease prices closing `fill` of a position at `price`. The average
// price is left untouched; realized PnL is fill*(price-avg) signed by
// direction, the fee is charged on the exit notional, and accrued funding is
// netted in. Callers hold e.mu.
func (e *Engine) planDecrease(pos *Position, fill, price decimal.Decimal, tier int, referralOwner string) (decreasePlan, error) {
	if fill.GreaterThan(pos.Amount) {
		fill = pos.Amount
	}

	fee, err := e.computeTradingFee(pos.Key.PairID, pos.Key.Direction, fill.Mul(price), tier, referralOwner)
	if err != nil {
		return decreasePlan{}, err
	}

	plan := decreasePlan{
		pos:     pos,
		fill:    fill,
		price:   price,
		fee:     fee,
		funding: e.pendingFunding(pos),
		closes:  fill.Equal(pos.Amount),
	}

	diff := price.Sub(pos.AveragePrice)
	if pos.Key.Direction == Short {
		diff = diff.Neg()
	}
	plan.pnl = fill.Mul(diff)

	if plan.closes {
		plan.collateralShare = pos.Collateral
	} else {
		plan.collateralShare = pos.Collateral.Mul(fill).Div(pos.Amount)
	}

	plan.settlement = plan.collateralShare.Add(plan.pnl).Sub(fee.Total).Sub(plan.funding)
	if plan.settlement.IsNegative() {
		plan.shortfall = plan.settlement.Neg()
		plan.payout = decimal.Zero
	} else {
		plan.payout = plan.settlement
	}
	return plan, nil
}

// stableDemand is the unreserved stable liquidity the plan needs from the
// vault, after the position's own reservation is released.
func (p *decreasePlan) stableDemand(vault *Vault) decimal.Decimal {
	available := vault.StableAvailable()
	if p.pos.Key.Direction == Short {
		available = available.Add(p.fill.Mul(p.pos.AveragePrice))
	}
	return p.payout.Sub(available)
}

// commitDecrease applies a planned decrease: reservations are released
// exactly once, the payout and fee leave the pool, funding moves to the risk
// reserve, and any shortfall is drawn from the reserve for longs or
// contributed to it for shorts. A position reaching zero is deleted.
// Callers hold e.mu.
func (e *Engine) commitDecrease(plan decreasePlan, keeper string) {
	pos := plan.pos
	vault := e.vaults[pos.Key.PairID]
	dir := pos.Key.Direction

	// Funding checkpoint advances to match the netted accrual.
	e.accrueFunding(pos)

	release(vault, dir, plan.fill, pos.AveragePrice)

	vault.StableTotal = vault.StableTotal.Sub(plan.payout).Sub(plan.fee.Total).Sub(plan.funding)
	vault.RiskReserve = vault.RiskReserve.Add(plan.funding)

	if plan.shortfall.IsPositive() {
		if dir == Long {
			vault.RiskReserve = vault.RiskReserve.Sub(plan.shortfall)
			vault.StableTotal = vault.StableTotal.Add(plan.shortfall)
		} else {
			vault.RiskReserve = vault.RiskReserve.Add(plan.shortfall)
			vault.StableTotal = vault.StableTotal.Sub(plan.shortfall)
		}
	}

	e.distributeFee(vault, plan.fee, pos.Key.Account, keeper, "")

	e.exposure[pos.Key.PairID].sub(dir, plan.fill)

	pos.Amount = pos.Amount.Sub(plan.fill)
	pos.Collateral = pos.Collateral.Sub(plan.collateralShare)
	pos.UpdatedAt = e.clock()
	if pos.Amount.IsZero() {
		delete(e.positions, pos.Key)
		e.emit(Event{
			Type:      EventPositionClosed,
			Time:      pos.UpdatedAt,
			PairID:    pos.Key.PairID,
			Account:   pos.Key.Account,
			Direction: dir,
			Amount:    plan.fill,
			Price:     plan.price,
			Pnl:       plan.pnl,
		})
	}
}

// getOrCreatePosition returns the live position for a key, creating an empty
// record for a first increase. A freshly created record is indistinguishable
// from one that was closed and re-opened. Callers hold e.mu.
func (e *Engine) getOrCreatePosition(key PositionKey) *Position {
	if pos, ok := e.positions[key]; ok {
		return pos
	}
	now := e.clock()
	pos := &Position{
		Key:               key,
		FundingCheckpoint: e.funding[key.PairID].cumulative(key.Direction),
		OpenedAt:          now,
		UpdatedAt:         now,
	}
	e.positions[key] = pos
	return pos
}
