package perp

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AddLiquidityResult reports what a deposit minted and what it cost.
type AddLiquidityResult struct {
	Shares       decimal.Decimal
	IndexFee     decimal.Decimal
	StableFee    decimal.Decimal
	SlippageCost decimal.Decimal // value retained by the pool, not minted against
}

// RemoveLiquidityResult reports the payout of a share burn.
type RemoveLiquidityResult struct {
	IndexOut  decimal.Decimal
	StableOut decimal.Decimal
	IndexFee  decimal.Decimal
	StableFee decimal.Decimal
}

type lpQuote struct {
	netIndex     decimal.Decimal
	netStable    decimal.Decimal
	indexFee     decimal.Decimal
	stableFee    decimal.Decimal
	slippageCost decimal.Decimal
	shares       decimal.Decimal
}

// AddLiquidity deposits index and/or stable into a pair's vault and mints
// liquidity shares against the value that actually lands in the pool.
//
// A handling fee of addLpFeeP is carved out of each deposited asset before
// anything else. If the net deposit pushes the vault's index weight past the
// pair's imbalance band, an extra kOfSwap-scaled discount is applied to the
// minted value; that discounted value stays in the pool for existing holders,
// so deposit value is conserved:
//
//	userPaid + poolValueBefore == poolValueAfter + feesExtracted
//
// Pool-admin gated: liquidity mutation is an operator concern on this venue.
func (e *Engine) AddLiquidity(account string, pairID uint64, indexAmount, stableAmount, price decimal.Decimal) (AddLiquidityResult, error) {
	if err := e.requireAdmin(account); err != nil {
		return AddLiquidityResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pair, vault, err := e.pairVault(pairID)
	if err != nil {
		return AddLiquidityResult{}, err
	}
	quote, err := quoteAddLiquidity(pair, vault, indexAmount, stableAmount, price)
	if err != nil {
		return AddLiquidityResult{}, err
	}

	// Vault inventory average price tracks index acquisitions.
	if quote.netIndex.IsPositive() {
		newTotal := vault.IndexTotal.Add(quote.netIndex)
		vault.AveragePrice = vault.AveragePrice.Mul(vault.IndexTotal).
			Add(price.Mul(quote.netIndex)).Div(newTotal)
	}

	vault.IndexTotal = vault.IndexTotal.Add(quote.netIndex)
	vault.StableTotal = vault.StableTotal.Add(quote.netStable)
	vault.ShareSupply = vault.ShareSupply.Add(quote.shares)

	// Handling fees are extracted from the deposit and booked to the treasury
	// at their deposit-time value.
	e.fees.treasury = e.fees.treasury.Add(quote.indexFee.Mul(price)).Add(quote.stableFee)

	e.emit(Event{
		Type:    EventLiquidityAdded,
		Time:    e.clock(),
		PairID:  pairID,
		Account: account,
		Amount:  quote.shares,
		Price:   price,
		Fee:     quote.indexFee.Mul(price).Add(quote.stableFee),
	})
	e.logger.Debug("liquidity added",
		zap.Uint64("pair", pairID),
		zap.String("shares", quote.shares.String()))

	return AddLiquidityResult{
		Shares:       quote.shares,
		IndexFee:     quote.indexFee,
		StableFee:    quote.stableFee,
		SlippageCost: quote.slippageCost,
	}, nil
}

// GetMintLpAmount previews AddLiquidity without mutating state.
func (e *Engine) GetMintLpAmount(pairID uint64, indexAmount, stableAmount, price decimal.Decimal) (AddLiquidityResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair, vault, err := e.pairVault(pairID)
	if err != nil {
		return AddLiquidityResult{}, err
	}
	quote, err := quoteAddLiquidity(pair, vault, indexAmount, stableAmount, price)
	if err != nil {
		return AddLiquidityResult{}, err
	}
	return AddLiquidityResult{
		Shares:       quote.shares,
		IndexFee:     quote.indexFee,
		StableFee:    quote.stableFee,
		SlippageCost: quote.slippageCost,
	}, nil
}

func quoteAddLiquidity(pair *Pair, vault *Vault, indexAmount, stableAmount, price decimal.Decimal) (lpQuote, error) {
	if indexAmount.IsNegative() || stableAmount.IsNegative() {
		return lpQuote{}, fmt.Errorf("%w: negative deposit", ErrInvalidAmount)
	}
	if indexAmount.IsZero() && stableAmount.IsZero() {
		return lpQuote{}, ErrZeroDeposit
	}
	if !price.IsPositive() {
		return lpQuote{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	q := lpQuote{
		indexFee:  indexAmount.Mul(pair.AddLpFeeP),
		stableFee: stableAmount.Mul(pair.AddLpFeeP),
	}
	q.netIndex = indexAmount.Sub(q.indexFee)
	q.netStable = stableAmount.Sub(q.stableFee)

	poolValueBefore := vault.Value(price)
	depositValue := q.netIndex.Mul(price).Add(q.netStable)

	q.slippageCost = imbalanceSlippage(pair, vault, q.netIndex, q.netStable, depositValue, price)
	mintValue := depositValue.Sub(q.slippageCost)

	if vault.ShareSupply.IsZero() {
		q.shares = mintValue
	} else {
		q.shares = mintValue.Div(poolValueBefore).Mul(vault.ShareSupply)
	}
	return q, nil
}

// imbalanceSlippage prices the deposit's push of the pool index weight past
// the pair's tolerance band. The overshoot beyond target±maxImbalance is
// scaled by kOfSwap and applied to the whole deposit value, capped at the
// pair's unbalanced discount rate.
func imbalanceSlippage(pair *Pair, vault *Vault, netIndex, netStable, depositValue, price decimal.Decimal) decimal.Decimal {
	afterIndexValue := vault.IndexTotal.Add(netIndex).Mul(price)
	afterTotalValue := vault.Value(price).Add(depositValue)
	if !afterTotalValue.IsPositive() {
		return decimal.Zero
	}
	weight := afterIndexValue.Div(afterTotalValue)

	upper := pair.TargetIndexWeight.Add(pair.MaxImbalance)
	lower := pair.TargetIndexWeight.Sub(pair.MaxImbalance)

	var overshoot decimal.Decimal
	switch {
	case weight.GreaterThan(upper) && netIndex.IsPositive():
		overshoot = weight.Sub(upper)
	case weight.LessThan(lower) && netStable.IsPositive():
		overshoot = lower.Sub(weight)
	default:
		return decimal.Zero
	}

	slip := depositValue.Mul(pair.KOfSwap).Mul(overshoot)
	cap := depositValue.Mul(pair.UnbalancedRate)
	if pair.UnbalancedRate.IsPositive() && slip.GreaterThan(cap) {
		slip = cap
	}
	return slip
}

// RemoveLiquidity burns shares and pays out the valued basket proportionally
// in index and stable, minus the pair's removal fee on each leg. The payout
// can only draw unreserved liquidity.
func (e *Engine) RemoveLiquidity(account string, pairID uint64, shares, price decimal.Decimal) (RemoveLiquidityResult, error) {
	if err := e.requireAdmin(account); err != nil {
		return RemoveLiquidityResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pair, vault, err := e.pairVault(pairID)
	if err != nil {
		return RemoveLiquidityResult{}, err
	}
	if !shares.IsPositive() {
		return RemoveLiquidityResult{}, fmt.Errorf("%w: shares %s", ErrInvalidAmount, shares)
	}
	if !price.IsPositive() {
		return RemoveLiquidityResult{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	if shares.GreaterThan(vault.ShareSupply) {
		return RemoveLiquidityResult{}, fmt.Errorf("%w: burn %s supply %s", ErrInsufficientShares, shares, vault.ShareSupply)
	}

	ratio := shares.Div(vault.ShareSupply)
	indexOut := vault.IndexTotal.Mul(ratio)
	stableOut := vault.StableTotal.Mul(ratio)

	if indexOut.GreaterThan(vault.IndexAvailable()) || stableOut.GreaterThan(vault.StableAvailable()) {
		return RemoveLiquidityResult{}, fmt.Errorf("%w: payout exceeds unreserved liquidity", ErrInsufficientLiquidity)
	}

	indexFee := indexOut.Mul(pair.RemoveLpFeeP)
	stableFee := stableOut.Mul(pair.RemoveLpFeeP)

	vault.IndexTotal = vault.IndexTotal.Sub(indexOut)
	vault.StableTotal = vault.StableTotal.Sub(stableOut)
	vault.ShareSupply = vault.ShareSupply.Sub(shares)
	e.fees.treasury = e.fees.treasury.Add(indexFee.Mul(price)).Add(stableFee)

	res := RemoveLiquidityResult{
		IndexOut:  indexOut.Sub(indexFee),
		StableOut: stableOut.Sub(stableFee),
		IndexFee:  indexFee,
		StableFee: stableFee,
	}

	e.emit(Event{
		Type:    EventLiquidityRemoved,
		Time:    e.clock(),
		PairID:  pairID,
		Account: account,
		Amount:  shares,
		Price:   price,
		Fee:     indexFee.Mul(price).Add(stableFee),
	})
	return res, nil
}

// pairVault resolves an enabled pair and its vault. Callers hold e.mu.
func (e *Engine) pairVault(pairID uint64) (*Pair, *Vault, error) {
	pair, ok := e.pairs[pairID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	if !pair.Enabled {
		return nil, nil, fmt.Errorf("%w: %d", ErrPairDisabled, pairID)
	}
	return pair, e.vaults[pairID], nil
}

// reserve commits vault liquidity to a freshly filled increase. Longs reserve
// index, shorts reserve stable at the fill price.
func reserve(vault *Vault, dir Direction, amount, price decimal.Decimal) {
	if dir == Long {
		vault.IndexReserved = vault.IndexReserved.Add(amount)
	} else {
		vault.StableReserved = vault.StableReserved.Add(amount.Mul(price))
	}
}

// release frees the reservation backing a closed slice of a position. Shorts
// release at the position's average price, the weighted mean of the prices
// their reservations were taken at, so a full close releases exactly what was
// reserved.
func release(vault *Vault, dir Direction, amount, averagePrice decimal.Decimal) {
	if dir == Long {
		vault.IndexReserved = vault.IndexReserved.Sub(amount)
		if vault.IndexReserved.IsNegative() {
			vault.IndexReserved = decimal.Zero
		}
	} else {
		vault.StableReserved = vault.StableReserved.Sub(amount.Mul(averagePrice))
		if vault.StableReserved.IsNegative() {
			vault.StableReserved = decimal.Zero
		}
	}
}
