package perp

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func init() {
	// Prices carry venue-wide 30-digit fixed-point semantics; make division
	// keep that many digits before truncation.
	if decimal.DivisionPrecision < 30 {
		decimal.DivisionPrecision = 30
	}
}

// Engine is the settlement and risk core of the venue: pair registry,
// liquidity vaults, position ledger, order lifecycle, execution, fees,
// funding and liquidation/ADL, behind one lock.
//
// Every public mutating operation is a serial transaction: it observes and
// commits a consistent snapshot of vault/position/order state with no partial
// visibility to other operations. Prices are supplied by the caller per
// operation.
type Engine struct {
	mu     sync.Mutex
	access AccessController
	logger *zap.Logger
	events chan Event

	nextPairID  uint64
	nextOrderID uint64

	pairs      map[uint64]*Pair
	vaults     map[uint64]*Vault
	tradingCfg map[uint64]TradingConfig
	feeCfg     map[uint64]TradingFeeConfig
	fundingCfg map[uint64]FundingFeeConfig
	tiers      map[uint64][]FeeTier

	positions map[PositionKey]*Position
	orders    map[uint64]*Order

	exposure map[uint64]*exposureState
	funding  map[uint64]*fundingState

	fees *feeLedger

	clock func() time.Time
}

// NewEngine creates an empty engine. The access controller is mandatory; a
// nil logger falls back to a no-op logger.
func NewEngine(access AccessController, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		access:     access,
		logger:     logger,
		events:     make(chan Event, 1024),
		pairs:      make(map[uint64]*Pair),
		vaults:     make(map[uint64]*Vault),
		tradingCfg: make(map[uint64]TradingConfig),
		feeCfg:     make(map[uint64]TradingFeeConfig),
		fundingCfg: make(map[uint64]FundingFeeConfig),
		tiers:      make(map[uint64][]FeeTier),
		positions:  make(map[PositionKey]*Position),
		orders:     make(map[uint64]*Order),
		exposure:   make(map[uint64]*exposureState),
		funding:    make(map[uint64]*fundingState),
		fees:       newFeeLedger(),
		clock:      time.Now,
	}
}

// CreatePair registers a new market. Pool-admin only.
func (e *Engine) CreatePair(admin string, params PairParams) (Pair, error) {
	if err := e.requireAdmin(admin); err != nil {
		return Pair{}, err
	}
	if err := validatePairParams(params); err != nil {
		return Pair{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.pairs {
		if p.IndexSymbol == params.IndexSymbol && p.StableSymbol == params.StableSymbol {
			return Pair{}, fmt.Errorf("%w: %s/%s", ErrPairExists, params.IndexSymbol, params.StableSymbol)
		}
	}

	e.nextPairID++
	now := e.clock()
	pair := &Pair{
		ID:                e.nextPairID,
		IndexSymbol:       params.IndexSymbol,
		StableSymbol:      params.StableSymbol,
		ShareSymbol:       params.ShareSymbol,
		Enabled:           params.Enabled,
		KOfSwap:           params.KOfSwap,
		TargetIndexWeight: params.TargetIndexWeight,
		MaxImbalance:      params.MaxImbalance,
		UnbalancedRate:    params.UnbalancedRate,
		AddLpFeeP:         params.AddLpFeeP,
		RemoveLpFeeP:      params.RemoveLpFeeP,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	e.pairs[pair.ID] = pair
	e.vaults[pair.ID] = &Vault{PairID: pair.ID}
	e.exposure[pair.ID] = &exposureState{}
	e.funding[pair.ID] = &fundingState{lastSettled: now}

	e.logger.Info("pair created",
		zap.Uint64("pair", pair.ID),
		zap.String("index", pair.IndexSymbol),
		zap.String("stable", pair.StableSymbol))
	return *pair, nil
}

// UpdatePair overwrites a pair's configuration. Pool-admin only.
func (e *Engine) UpdatePair(admin string, pairID uint64, params PairParams) error {
	if err := e.requireAdmin(admin); err != nil {
		return err
	}
	if err := validatePairParams(params); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pair, ok := e.pairs[pairID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	pair.Enabled = params.Enabled
	pair.KOfSwap = params.KOfSwap
	pair.TargetIndexWeight = params.TargetIndexWeight
	pair.MaxImbalance = params.MaxImbalance
	pair.UnbalancedRate = params.UnbalancedRate
	pair.AddLpFeeP = params.AddLpFeeP
	pair.RemoveLpFeeP = params.RemoveLpFeeP
	pair.UpdatedAt = e.clock()
	return nil
}

func validatePairParams(params PairParams) error {
	if params.IndexSymbol == "" || params.StableSymbol == "" {
		return fmt.Errorf("%w: missing asset symbols", ErrInvalidAmount)
	}
	one := decimal.NewFromInt(1)
	for _, rate := range []decimal.Decimal{params.AddLpFeeP, params.RemoveLpFeeP, params.UnbalancedRate} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return fmt.Errorf("%w: fee rate out of [0,1)", ErrInvalidAmount)
		}
	}
	if params.TargetIndexWeight.IsNegative() || params.TargetIndexWeight.GreaterThan(one) {
		return fmt.Errorf("%w: target index weight out of [0,1]", ErrInvalidAmount)
	}
	return nil
}

// SetTradingConfig installs leverage, size and margin bounds. Pool-admin only.
func (e *Engine) SetTradingConfig(admin string, pairID uint64, cfg TradingConfig) error {
	if err := e.requireAdmin(admin); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pairs[pairID]; !ok {
		return fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	e.tradingCfg[pairID] = cfg
	return nil
}

// SetTradingFeeConfig installs base fee rates and the surplus split.
// Pool-admin only. The split shares must not sum above 1.
func (e *Engine) SetTradingFeeConfig(admin string, pairID uint64, cfg TradingFeeConfig) error {
	if err := e.requireAdmin(admin); err != nil {
		return err
	}
	sum := cfg.LpShareP.Add(cfg.KeeperShareP).Add(cfg.StakingShareP).Add(cfg.TreasuryShareP).Add(cfg.ReferralShareP)
	if sum.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: fee shares sum above 1", ErrInvalidAmount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pairs[pairID]; !ok {
		return fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	e.feeCfg[pairID] = cfg
	return nil
}

// SetFundingFeeConfig installs funding rate parameters. Pool-admin only.
func (e *Engine) SetFundingFeeConfig(admin string, pairID uint64, cfg FundingFeeConfig) error {
	if err := e.requireAdmin(admin); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pairs[pairID]; !ok {
		return fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	e.fundingCfg[pairID] = cfg
	return nil
}

// SetFeeTiers installs the per-trader fee bracket table. Index 0 must match
// the standard rates; traders on higher tiers are refunded the difference.
func (e *Engine) SetFeeTiers(admin string, pairID uint64, tiers []FeeTier) error {
	if err := e.requireAdmin(admin); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pairs[pairID]; !ok {
		return fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	e.tiers[pairID] = append([]FeeTier(nil), tiers...)
	return nil
}

// GetPair returns a copy of the pair record.
func (e *Engine) GetPair(pairID uint64) (Pair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pair, ok := e.pairs[pairID]
	if !ok {
		return Pair{}, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	return *pair, nil
}

// ListPairs returns copies of every registered pair.
func (e *Engine) ListPairs() []Pair {
	e.mu.Lock()
	defer e.mu.Unlock()
	pairs := make([]Pair, 0, len(e.pairs))
	for _, p := range e.pairs {
		pairs = append(pairs, *p)
	}
	return pairs
}

// GetVault returns a copy of the pair's vault.
func (e *Engine) GetVault(pairID uint64) (Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vault, ok := e.vaults[pairID]
	if !ok {
		return Vault{}, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	return *vault, nil
}

// GetTradingConfig returns the pair's trading bounds.
func (e *Engine) GetTradingConfig(pairID uint64) (TradingConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.tradingCfg[pairID]
	if !ok {
		return TradingConfig{}, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	return cfg, nil
}

// GetTradingFeeConfig returns the pair's fee configuration.
func (e *Engine) GetTradingFeeConfig(pairID uint64) (TradingFeeConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.feeCfg[pairID]
	if !ok {
		return TradingFeeConfig{}, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	return cfg, nil
}

// GetFundingFeeConfig returns the pair's funding configuration.
func (e *Engine) GetFundingFeeConfig(pairID uint64) (FundingFeeConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.fundingCfg[pairID]
	if !ok {
		return FundingFeeConfig{}, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	return cfg, nil
}

// GetPosition returns a copy of an open position.
func (e *Engine) GetPosition(key PositionKey) (Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[key]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s %s pair %d", ErrPositionNotFound, key.Account, key.Direction, key.PairID)
	}
	return *pos, nil
}

// GetOrder returns a copy of an order, consumed or not.
func (e *Engine) GetOrder(orderID uint64) (Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return *ord, nil
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}
