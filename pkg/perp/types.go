package perp

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the exposure side of a position or order.
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// TradeType is how an order prices itself.
type TradeType int

const (
	Market TradeType = iota
	Limit
)

// OrderKind distinguishes orders that open exposure from orders that close it.
type OrderKind int

const (
	Increase OrderKind = iota
	Decrease
)

// OrderStatus is the lifecycle state of an order.
// Created -> (PartiallyFilled)* -> Filled | Cancelled, with AwaitingADL as a
// parked state for decrease orders the vault cannot currently pay.
type OrderStatus int

const (
	OrderCreated OrderStatus = iota
	OrderPartiallyFilled
	OrderAwaitingADL
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderCreated:
		return "created"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderAwaitingADL:
		return "awaiting_adl"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Consumed reports whether the order can never fill again.
func (s OrderStatus) Consumed() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Pair is a tradable market between an index asset and a stable asset,
// backed by its own liquidity vault.
type Pair struct {
	ID           uint64
	IndexSymbol  string
	StableSymbol string
	ShareSymbol  string
	Enabled      bool

	// Swap imbalance parameters. TargetIndexWeight is the index share of pool
	// value the vault steers toward; deposits pushing the weight more than
	// MaxImbalance past the target pay an extra kOfSwap-scaled discount,
	// capped at UnbalancedRate of the deposit value.
	KOfSwap           decimal.Decimal
	TargetIndexWeight decimal.Decimal
	MaxImbalance      decimal.Decimal
	UnbalancedRate    decimal.Decimal

	AddLpFeeP    decimal.Decimal
	RemoveLpFeeP decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PairParams is the admin-supplied configuration for creating or updating a Pair.
type PairParams struct {
	IndexSymbol       string
	StableSymbol      string
	ShareSymbol       string
	Enabled           bool
	KOfSwap           decimal.Decimal
	TargetIndexWeight decimal.Decimal
	MaxImbalance      decimal.Decimal
	UnbalancedRate    decimal.Decimal
	AddLpFeeP         decimal.Decimal
	RemoveLpFeeP      decimal.Decimal
}

// Vault holds a pair's pooled reserves. Reserved amounts are liquidity already
// committed to open positions; reserved <= total for both assets at all times.
type Vault struct {
	PairID         uint64
	IndexTotal     decimal.Decimal
	IndexReserved  decimal.Decimal
	StableTotal    decimal.Decimal
	StableReserved decimal.Decimal

	// AveragePrice is the running average acquisition price of the vault's
	// own index inventory.
	AveragePrice decimal.Decimal

	ShareSupply decimal.Decimal

	// RiskReserve is the stable-denominated buffer that absorbs settlement
	// shortfalls and books unpayable short losses.
	RiskReserve decimal.Decimal
}

// IndexAvailable is the index liquidity not committed to open positions.
func (v *Vault) IndexAvailable() decimal.Decimal {
	return v.IndexTotal.Sub(v.IndexReserved)
}

// StableAvailable is the stable liquidity not committed to open positions.
func (v *Vault) StableAvailable() decimal.Decimal {
	return v.StableTotal.Sub(v.StableReserved)
}

// Value is the pool value at the given index price.
func (v *Vault) Value(price decimal.Decimal) decimal.Decimal {
	return v.IndexTotal.Mul(price).Add(v.StableTotal)
}

// TradingConfig bounds a pair's trading activity.
type TradingConfig struct {
	MinLeverage           decimal.Decimal
	MaxLeverage           decimal.Decimal
	MinTradeSize          decimal.Decimal // index units
	MaxTradeSize          decimal.Decimal // index units per fill
	MaxPositionSize       decimal.Decimal // index units per position
	MaintenanceMarginRate decimal.Decimal
	PriceSlipTolerance    decimal.Decimal // default max slippage when an order sets none
	MaxPriceDeviation     decimal.Decimal
}

// FeeTier is a per-trader fee bracket. Index 0 is the standard bracket; the
// executor assigns a tier per order and the standard-vs-tier delta refunds to
// the trader.
type FeeTier struct {
	TakerFeeP decimal.Decimal
	MakerFeeP decimal.Decimal
}

// TradingFeeConfig carries the base rates and the split of the fee surplus.
// The share rates must sum to at most 1; the treasury absorbs the remainder
// along with any unclaimed referral share.
type TradingFeeConfig struct {
	TakerFeeP decimal.Decimal
	MakerFeeP decimal.Decimal

	LpShareP       decimal.Decimal
	KeeperShareP   decimal.Decimal
	StakingShareP  decimal.Decimal
	TreasuryShareP decimal.Decimal
	ReferralShareP decimal.Decimal
}

// FundingFeeConfig parameterizes the funding rate derivation.
type FundingFeeConfig struct {
	GrowthRate decimal.Decimal
	BaseRate   decimal.Decimal
	MaxRate    decimal.Decimal
	Interval   time.Duration
}

// PositionKey is the composite identity of a position.
type PositionKey struct {
	Account   string
	PairID    uint64
	Direction Direction
}

// Position is an open perpetual position. A position whose amount reaches zero
// is deleted from the ledger; absence and zero are the same state.
type Position struct {
	Key          PositionKey
	Amount       decimal.Decimal // index units
	AveragePrice decimal.Decimal
	Collateral   decimal.Decimal // stable

	// FundingCheckpoint is the pair's cumulative funding-per-unit for this
	// direction at the position's last settlement.
	FundingCheckpoint decimal.Decimal

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// Notional values the position at the given price.
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Amount.Mul(price)
}

// UnrealizedPnl is the signed profit of the open amount at the given price.
func (p *Position) UnrealizedPnl(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.AveragePrice)
	if p.Key.Direction == Short {
		diff = diff.Neg()
	}
	return p.Amount.Mul(diff)
}

// Order is an increase/decrease intent against the pool. Remaining size only
// ever decreases, reaching zero exactly once via fill or cancel.
type Order struct {
	ID        uint64
	Account   string
	PairID    uint64
	Direction Direction
	Kind      OrderKind
	Type      TradeType

	Size         decimal.Decimal // requested index size
	ExecutedSize decimal.Decimal
	Price        decimal.Decimal // requested price; reference for slippage on market orders
	MaxSlippage  decimal.Decimal // zero means use the pair's PriceSlipTolerance
	Collateral   decimal.Decimal // stable margin attached to increase orders

	Tier          int
	ReferralOwner string

	// Optional exit triggers on increase orders; a fill spawns matching
	// decrease limit orders.
	TpPrice decimal.Decimal
	SlPrice decimal.Decimal

	Status  OrderStatus
	NeedADL bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining is the unfilled portion of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.ExecutedSize)
}

// Fill describes one execution against the pool.
type Fill struct {
	OrderID    uint64
	Key        PositionKey
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Fee        FeeBreakdown
	Pnl        decimal.Decimal // decreases only
	FundingFee decimal.Decimal // decreases and increases, netted at settlement
	Settlement decimal.Decimal // stable credited to the account (decreases)
	Time       time.Time
}

// IncreaseResult is the outcome of executing an increase order. Fill is nil
// when no liquidity was available; Status then tells the caller whether the
// order died unfilled (IOC market) or stays open for a later pass (limit).
type IncreaseResult struct {
	Fill   *Fill
	Status OrderStatus
}

// DecreaseResult is the outcome of executing a decrease order. AwaitingADL is
// a first-class outcome, not an error: the order stays queued until ADL frees
// enough vault liquidity.
type DecreaseResult struct {
	Fill        *Fill
	AwaitingADL bool
}

// ADLCandidate names a position the keeper offers for auto-deleveraging and
// how much of it may be closed.
type ADLCandidate struct {
	Key    PositionKey
	Amount decimal.Decimal
}

// LiquidationResult reports the outcome for one key passed to LiquidatePositions.
type LiquidationResult struct {
	Key             PositionKey
	Liquidated      bool
	RiskRate        decimal.Decimal
	Settlement      decimal.Decimal
	CancelledOrders []uint64
	Err             error
}

// IncreaseOrderParams is the caller-facing shape of a new increase order.
type IncreaseOrderParams struct {
	PairID        uint64
	Direction     Direction
	Type          TradeType
	Size          decimal.Decimal
	Price         decimal.Decimal
	MaxSlippage   decimal.Decimal
	Collateral    decimal.Decimal
	Tier          int
	ReferralOwner string
	TpPrice       decimal.Decimal
	SlPrice       decimal.Decimal
}

// DecreaseOrderParams is the caller-facing shape of a new decrease order.
type DecreaseOrderParams struct {
	PairID      uint64
	Direction   Direction
	Type        TradeType
	Size        decimal.Decimal
	Price       decimal.Decimal
	MaxSlippage decimal.Decimal
	Tier        int
}
