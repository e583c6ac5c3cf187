package perp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	admin  = "admin"
	keeper = "keeper"
	alice  = "alice"
	bob    = "bob"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEngine(t *testing.T) (*Engine, *StaticAccessList) {
	t.Helper()
	access := NewStaticAccessList([]string{admin}, []string{keeper})
	return NewEngine(access, zap.NewNop()), access
}

func defaultPairParams() PairParams {
	return PairParams{
		IndexSymbol:  "BTC",
		StableSymbol: "USD",
		ShareSymbol:  "BTC-LP",
		Enabled:      true,
	}
}

func createTestPair(t *testing.T, e *Engine) uint64 {
	t.Helper()
	pair, err := e.CreatePair(admin, defaultPairParams())
	require.NoError(t, err)
	require.NoError(t, e.SetTradingConfig(admin, pair.ID, TradingConfig{}))
	require.NoError(t, e.SetTradingFeeConfig(admin, pair.ID, TradingFeeConfig{}))
	require.NoError(t, e.SetFundingFeeConfig(admin, pair.ID, FundingFeeConfig{}))
	return pair.ID
}

func fundVault(t *testing.T, e *Engine, pairID uint64, index, stable, price string) {
	t.Helper()
	_, err := e.AddLiquidity(admin, pairID, d(index), d(stable), d(price))
	require.NoError(t, err)
}

func openPosition(t *testing.T, e *Engine, account string, pairID uint64, dir Direction, size, price, collateral string) PositionKey {
	t.Helper()
	id, err := e.CreateIncreaseOrder(account, IncreaseOrderParams{
		PairID:     pairID,
		Direction:  dir,
		Type:       Market,
		Size:       d(size),
		Price:      d(price),
		Collateral: d(collateral),
	})
	require.NoError(t, err)
	res, err := e.ExecuteIncreaseOrder(keeper, id, d(price))
	require.NoError(t, err)
	require.NotNil(t, res.Fill)
	return PositionKey{Account: account, PairID: pairID, Direction: dir}
}

func drainEvents(e *Engine) []Event {
	var evs []Event
	for {
		select {
		case ev := <-e.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func hasEvent(evs []Event, t EventType) bool {
	for _, ev := range evs {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func TestCreatePair(t *testing.T) {
	e, _ := newTestEngine(t)

	t.Run("admin only", func(t *testing.T) {
		_, err := e.CreatePair(alice, defaultPairParams())
		assert.ErrorIs(t, err, ErrNotPoolAdmin)
	})

	t.Run("assigns sequential ids", func(t *testing.T) {
		pair, err := e.CreatePair(admin, defaultPairParams())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), pair.ID)

		params := defaultPairParams()
		params.IndexSymbol = "ETH"
		second, err := e.CreatePair(admin, params)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), second.ID)
	})

	t.Run("rejects duplicate market", func(t *testing.T) {
		_, err := e.CreatePair(admin, defaultPairParams())
		assert.ErrorIs(t, err, ErrPairExists)
	})

	t.Run("rejects missing symbols", func(t *testing.T) {
		params := defaultPairParams()
		params.IndexSymbol = ""
		params.StableSymbol = ""
		_, err := e.CreatePair(admin, params)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects fee rate at or above one", func(t *testing.T) {
		params := defaultPairParams()
		params.IndexSymbol = "SOL"
		params.AddLpFeeP = d("1")
		_, err := e.CreatePair(admin, params)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestUpdatePair(t *testing.T) {
	e, _ := newTestEngine(t)
	pairID := createTestPair(t, e)

	params := defaultPairParams()
	params.Enabled = false
	params.AddLpFeeP = d("0.001")
	require.NoError(t, e.UpdatePair(admin, pairID, params))

	pair, err := e.GetPair(pairID)
	require.NoError(t, err)
	assert.False(t, pair.Enabled)
	assert.True(t, pair.AddLpFeeP.Equal(d("0.001")))

	assert.ErrorIs(t, e.UpdatePair(alice, pairID, params), ErrNotPoolAdmin)
	assert.ErrorIs(t, e.UpdatePair(admin, 99, params), ErrPairNotFound)
}

func TestSetTradingFeeConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	pairID := createTestPair(t, e)

	t.Run("rejects shares summing above one", func(t *testing.T) {
		err := e.SetTradingFeeConfig(admin, pairID, TradingFeeConfig{
			LpShareP:       d("0.5"),
			KeeperShareP:   d("0.3"),
			StakingShareP:  d("0.3"),
			TreasuryShareP: d("0.1"),
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("accepts shares summing to one", func(t *testing.T) {
		err := e.SetTradingFeeConfig(admin, pairID, TradingFeeConfig{
			LpShareP:       d("0.5"),
			KeeperShareP:   d("0.2"),
			StakingShareP:  d("0.1"),
			TreasuryShareP: d("0.1"),
			ReferralShareP: d("0.1"),
		})
		assert.NoError(t, err)
	})
}

func TestConfigLookupsRequirePair(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.GetPair(7)
	assert.ErrorIs(t, err, ErrPairNotFound)
	_, err = e.GetVault(7)
	assert.ErrorIs(t, err, ErrPairNotFound)
	_, err = e.GetTradingConfig(7)
	assert.ErrorIs(t, err, ErrPairNotFound)
	assert.ErrorIs(t, e.SetTradingConfig(admin, 7, TradingConfig{}), ErrPairNotFound)
}

func TestBlacklistBlocksTrading(t *testing.T) {
	e, access := newTestEngine(t)
	pairID := createTestPair(t, e)
	access.Blacklist(bob)

	_, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
		PairID: pairID, Type: Market,
		Size: d("1"), Price: d("100"), Collateral: d("100"),
	})
	assert.ErrorIs(t, err, ErrBlacklisted)

	_, err = e.CreateDecreaseOrder(bob, DecreaseOrderParams{
		PairID: pairID, Type: Market, Size: d("1"), Price: d("100"),
	})
	assert.ErrorIs(t, err, ErrBlacklisted)
}

func TestKeeperGating(t *testing.T) {
	e, _ := newTestEngine(t)
	pairID := createTestPair(t, e)
	fundVault(t, e, pairID, "100", "10000", "100")

	id, err := e.CreateIncreaseOrder(alice, IncreaseOrderParams{
		PairID: pairID, Type: Market,
		Size: d("1"), Price: d("100"), Collateral: d("100"),
	})
	require.NoError(t, err)

	_, err = e.ExecuteIncreaseOrder(alice, id, d("100"))
	assert.ErrorIs(t, err, ErrNotKeeper)
	_, err = e.ExecuteDecreaseOrder(alice, id, d("100"))
	assert.ErrorIs(t, err, ErrNotKeeper)
	_, err = e.LiquidatePositions(alice, nil, d("100"))
	assert.ErrorIs(t, err, ErrNotKeeper)
}

func TestEventStream(t *testing.T) {
	e, _ := newTestEngine(t)
	pairID := createTestPair(t, e)
	fundVault(t, e, pairID, "100", "10000", "100")
	openPosition(t, e, alice, pairID, Long, "10", "100", "1000")

	evs := drainEvents(e)
	assert.True(t, hasEvent(evs, EventLiquidityAdded))
	assert.True(t, hasEvent(evs, EventOrderCreated))
	assert.True(t, hasEvent(evs, EventOrderExecuted))
}
