package perp

import "errors"

// Validation errors: rejected before any state mutation.
var (
	ErrPairNotFound          = errors.New("pair not found")
	ErrPairExists            = errors.New("pair already exists")
	ErrPairDisabled          = errors.New("pair disabled")
	ErrZeroDeposit           = errors.New("deposit is zero on both sides")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrBelowMinTradeSize     = errors.New("size below pair minimum trade size")
	ErrInsufficientShares    = errors.New("insufficient liquidity shares")
	ErrInsufficientLiquidity = errors.New("insufficient unreserved vault liquidity")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderConsumed         = errors.New("order already filled or cancelled")
	ErrPositionNotFound      = errors.New("position not found")
	ErrTierNotFound          = errors.New("fee tier not found")
	ErrNothingToClaim        = errors.New("nothing to claim")
)

// Price errors: abort the whole execution call with no partial effect.
var (
	ErrExceedsMaxSlippage  = errors.New("exceeds max slippage")
	ErrPriceDeviation      = errors.New("price deviation too large")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrLeverageOutOfBounds = errors.New("leverage out of configured bounds")
)

// Authorization errors: typed failures returned by the capability-check layer.
var (
	ErrNotPoolAdmin  = errors.New("caller is not a pool admin")
	ErrNotKeeper     = errors.New("caller is not a keeper")
	ErrNotOrderOwner = errors.New("caller does not own the order")
	ErrBlacklisted   = errors.New("account is blacklisted")
)

// Risk outcomes surfaced as errors only when the caller asked for something
// the current state cannot do.
var (
	ErrNotLiquidatable = errors.New("position risk rate below liquidation threshold")
	ErrADLPending      = errors.New("decrease is awaiting auto-deleveraging")
	ErrBadADLCandidate = errors.New("candidate is not an opposite-direction position")
)
