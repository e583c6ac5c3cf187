package perp

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fundingState is a pair's funding accumulator. cumLong/cumShort are the
// cumulative stable amounts owed per index unit by each direction since the
// pair was created; a position checkpoints the accumulator for its direction
// at every settlement and owes the delta times its amount.
type fundingState struct {
	cumLong     decimal.Decimal
	cumShort    decimal.Decimal
	rate        decimal.Decimal
	lastSettled time.Time
}

func (f *fundingState) cumulative(dir Direction) decimal.Decimal {
	if dir == Long {
		return f.cumLong
	}
	return f.cumShort
}

// FundingRate derives the current per-interval funding rate for a pair from
// its long/short imbalance and vault composition. Positive means longs pay.
func (e *Engine) FundingRate(pairID uint64, price decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair, ok := e.pairs[pairID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	return e.computeFundingRate(pair, e.vaults[pairID], e.exposure[pairID], price), nil
}

// computeFundingRate grows the rate with exposure imbalance, clamps it at
// ±maxRate, then offsets by the base rate and a vault-imbalance premium.
// Callers hold e.mu.
func (e *Engine) computeFundingRate(pair *Pair, vault *Vault, exp *exposureState, price decimal.Decimal) decimal.Decimal {
	cfg := e.fundingCfg[pair.ID]

	total := exp.long.Add(exp.short)
	var rate decimal.Decimal
	if total.IsPositive() {
		imbalance := exp.long.Sub(exp.short).Div(total)
		rate = cfg.GrowthRate.Mul(imbalance)
		if rate.GreaterThan(cfg.MaxRate) {
			rate = cfg.MaxRate
		} else if rate.LessThan(cfg.MaxRate.Neg()) {
			rate = cfg.MaxRate.Neg()
		}
	}

	rate = rate.Add(cfg.BaseRate)

	// Vault premium: a pool heavy in index pushes the rate up, a pool heavy
	// in stable pushes it down, scaled by the pair's unbalanced rate.
	poolValue := vault.Value(price)
	if poolValue.IsPositive() && pair.UnbalancedRate.IsPositive() {
		weight := vault.IndexTotal.Mul(price).Div(poolValue)
		rate = rate.Add(weight.Sub(pair.TargetIndexWeight).Mul(pair.UnbalancedRate))
	}
	return rate
}

// SettleFunding advances a pair's funding accumulator by one interval if due.
// Keeper only. Returns the applied rate and whether a settlement happened.
func (e *Engine) SettleFunding(keeper string, pairID uint64, price decimal.Decimal, now time.Time) (decimal.Decimal, bool, error) {
	if err := e.requireKeeper(keeper); err != nil {
		return decimal.Zero, false, err
	}
	if !price.IsPositive() {
		return decimal.Zero, false, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pair, ok := e.pairs[pairID]
	if !ok {
		return decimal.Zero, false, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	cfg := e.fundingCfg[pairID]
	fs := e.funding[pairID]
	if cfg.Interval <= 0 || now.Before(fs.lastSettled.Add(cfg.Interval)) {
		return fs.rate, false, nil
	}

	rate := e.computeFundingRate(pair, e.vaults[pairID], e.exposure[pairID], price)

	// Every elapsed interval accrues at the current rate, so missed keeper
	// ticks never drop funding. lastSettled advances in whole intervals to
	// keep the schedule's phase.
	intervals := now.Sub(fs.lastSettled) / cfg.Interval
	accrual := rate.Mul(price).Mul(decimal.NewFromInt(int64(intervals)))

	fs.cumLong = fs.cumLong.Add(accrual)
	fs.cumShort = fs.cumShort.Sub(accrual)
	fs.rate = rate
	fs.lastSettled = fs.lastSettled.Add(cfg.Interval * time.Duration(intervals))

	e.emit(Event{
		Type:   EventFundingSettled,
		Time:   now,
		PairID: pairID,
		Price:  price,
		Rate:   rate,
	})
	e.logger.Debug("funding settled",
		zap.Uint64("pair", pairID),
		zap.String("rate", rate.String()))
	return rate, true, nil
}

// accrueFunding settles a position's funding debt up to the pair's current
// accumulator and re-checkpoints it. Returns the stable amount the position
// owes (negative means it is owed). Callers hold e.mu.
func (e *Engine) accrueFunding(pos *Position) decimal.Decimal {
	fs := e.funding[pos.Key.PairID]
	cum := fs.cumulative(pos.Key.Direction)
	owed := cum.Sub(pos.FundingCheckpoint).Mul(pos.Amount)
	pos.FundingCheckpoint = cum
	return owed
}

// pendingFunding is accrueFunding without the checkpoint reset, for read
// paths and risk computation. Callers hold e.mu.
func (e *Engine) pendingFunding(pos *Position) decimal.Decimal {
	fs := e.funding[pos.Key.PairID]
	return fs.cumulative(pos.Key.Direction).Sub(pos.FundingCheckpoint).Mul(pos.Amount)
}
