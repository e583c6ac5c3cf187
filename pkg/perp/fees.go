package perp

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// exposureState tracks a pair's open long/short index exposure. The dominant
// side decides taker/maker rates, and the imbalance feeds the funding rate.
type exposureState struct {
	long  decimal.Decimal
	short decimal.Decimal
}

func (s *exposureState) add(dir Direction, amount decimal.Decimal) {
	if dir == Long {
		s.long = s.long.Add(amount)
	} else {
		s.short = s.short.Add(amount)
	}
}

func (s *exposureState) sub(dir Direction, amount decimal.Decimal) {
	if dir == Long {
		s.long = s.long.Sub(amount)
		if s.long.IsNegative() {
			s.long = decimal.Zero
		}
	} else {
		s.short = s.short.Sub(amount)
		if s.short.IsNegative() {
			s.short = decimal.Zero
		}
	}
}

// dominant returns the side with more open exposure; ties go long.
func (s *exposureState) dominant() Direction {
	if s.short.GreaterThan(s.long) {
		return Short
	}
	return Long
}

// FeeBreakdown is the exact partition of one trading fee:
//
//	Total == TierRefund + Referral + Keeper + Lp + Staking + Treasury
//
// Remainders from the share multiplication land in Treasury, as does the
// referral share when no referral owner is attached.
type FeeBreakdown struct {
	Total      decimal.Decimal
	TierRefund decimal.Decimal
	Referral   decimal.Decimal
	Keeper     decimal.Decimal
	Lp         decimal.Decimal
	Staking    decimal.Decimal
	Treasury   decimal.Decimal
	IsTaker    bool
}

// feeLedger accrues claimable fee buckets: per-account tier refunds, per-keeper
// execution rewards, per-referrer kickbacks and the pooled staking/treasury
// balances. All stable-denominated.
type feeLedger struct {
	userRefunds  map[string]decimal.Decimal
	keeperFees   map[string]decimal.Decimal
	referralFees map[string]decimal.Decimal
	staking      decimal.Decimal
	treasury     decimal.Decimal
}

func newFeeLedger() *feeLedger {
	return &feeLedger{
		userRefunds:  make(map[string]decimal.Decimal),
		keeperFees:   make(map[string]decimal.Decimal),
		referralFees: make(map[string]decimal.Decimal),
	}
}

// tierRates resolves the fee bracket for a trader tier. Tier 0 always means
// the pair's standard rates, whether or not a tier table is installed.
func (e *Engine) tierRates(pairID uint64, tier int) (FeeTier, error) {
	cfg := e.feeCfg[pairID]
	standard := FeeTier{TakerFeeP: cfg.TakerFeeP, MakerFeeP: cfg.MakerFeeP}
	if tier == 0 {
		return standard, nil
	}
	table := e.tiers[pairID]
	if tier < 0 || tier >= len(table) {
		return FeeTier{}, fmt.Errorf("%w: tier %d", ErrTierNotFound, tier)
	}
	return table[tier], nil
}

// computeTradingFee charges the standard rate on the filled notional and
// partitions it. The trader is always charged the standard fee; the gap to
// their assigned tier accrues as a claimable refund, and only the tier fee
// (the surplus) is split among referral, keeper, LP, staking and treasury.
// Callers hold e.mu.
func (e *Engine) computeTradingFee(pairID uint64, dir Direction, notional decimal.Decimal, tier int, referralOwner string) (FeeBreakdown, error) {
	cfg := e.feeCfg[pairID]
	rates, err := e.tierRates(pairID, tier)
	if err != nil {
		return FeeBreakdown{}, err
	}

	isTaker := e.exposure[pairID].dominant() == dir
	var standardRate, tierRate decimal.Decimal
	if isTaker {
		standardRate, tierRate = cfg.TakerFeeP, rates.TakerFeeP
	} else {
		standardRate, tierRate = cfg.MakerFeeP, rates.MakerFeeP
	}

	fee := FeeBreakdown{IsTaker: isTaker}
	fee.Total = notional.Mul(standardRate)
	tierFee := notional.Mul(tierRate)
	if tierFee.GreaterThan(fee.Total) {
		// A tier can only discount, never surcharge.
		tierFee = fee.Total
	}
	fee.TierRefund = fee.Total.Sub(tierFee)

	surplus := tierFee
	if referralOwner != "" {
		fee.Referral = surplus.Mul(cfg.ReferralShareP)
	}
	fee.Keeper = surplus.Mul(cfg.KeeperShareP)
	fee.Lp = surplus.Mul(cfg.LpShareP)
	fee.Staking = surplus.Mul(cfg.StakingShareP)
	fee.Treasury = surplus.Sub(fee.Referral).Sub(fee.Keeper).Sub(fee.Lp).Sub(fee.Staking)
	return fee, nil
}

// distributeFee books a computed fee into the claim buckets and credits the
// LP share back into the pool's stable reserve. Callers hold e.mu.
func (e *Engine) distributeFee(vault *Vault, fee FeeBreakdown, account, keeper, referralOwner string) {
	l := e.fees
	if fee.TierRefund.IsPositive() {
		l.userRefunds[account] = l.userRefunds[account].Add(fee.TierRefund)
	}
	if fee.Referral.IsPositive() {
		l.referralFees[referralOwner] = l.referralFees[referralOwner].Add(fee.Referral)
	}
	if fee.Keeper.IsPositive() {
		l.keeperFees[keeper] = l.keeperFees[keeper].Add(fee.Keeper)
	}
	vault.StableTotal = vault.StableTotal.Add(fee.Lp)
	l.staking = l.staking.Add(fee.Staking)
	l.treasury = l.treasury.Add(fee.Treasury)
}

// ClaimUserTradingFee pays out an account's accrued tier refund.
func (e *Engine) ClaimUserTradingFee(account string) (decimal.Decimal, error) {
	if err := e.requireTrader(account); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return drain(e.fees.userRefunds, account)
}

// ClaimReferralTradingFee pays out a referrer's accrued share.
func (e *Engine) ClaimReferralTradingFee(account string) (decimal.Decimal, error) {
	if err := e.requireTrader(account); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return drain(e.fees.referralFees, account)
}

// ClaimKeeperTradingFee pays out a keeper's accrued execution rewards.
func (e *Engine) ClaimKeeperTradingFee(keeper string) (decimal.Decimal, error) {
	if err := e.requireKeeper(keeper); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return drain(e.fees.keeperFees, keeper)
}

// ClaimStakingTradingFee drains the staking pool bucket. Pool-admin only.
func (e *Engine) ClaimStakingTradingFee(admin string) (decimal.Decimal, error) {
	if err := e.requireAdmin(admin); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fees.staking.IsPositive() {
		return decimal.Zero, ErrNothingToClaim
	}
	out := e.fees.staking
	e.fees.staking = decimal.Zero
	return out, nil
}

// ClaimTreasuryFee drains the treasury bucket. Pool-admin only.
func (e *Engine) ClaimTreasuryFee(admin string) (decimal.Decimal, error) {
	if err := e.requireAdmin(admin); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fees.treasury.IsPositive() {
		return decimal.Zero, ErrNothingToClaim
	}
	out := e.fees.treasury
	e.fees.treasury = decimal.Zero
	return out, nil
}

func drain(bucket map[string]decimal.Decimal, account string) (decimal.Decimal, error) {
	amount, ok := bucket[account]
	if !ok || !amount.IsPositive() {
		return decimal.Zero, ErrNothingToClaim
	}
	delete(bucket, account)
	return amount, nil
}
