package perp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// almostFullVault builds a pool of 10,000 index at 30,000 with 300M stable
// where all but 50 index units are already reserved by an open long.
func almostFullVault(t *testing.T, e *Engine, pairID uint64) {
	t.Helper()
	fundVault(t, e, pairID, "10000", "300000000", "30000")
	openPosition(t, e, alice, pairID, Long, "9950", "30000", "29850000")
}

func TestExecuteIncreaseOrder(t *testing.T) {
	t.Run("market order fills what liquidity allows and discards the rest", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		almostFullVault(t, e, pairID)

		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("3000"), Price: d("30000"), Collateral: d("300000"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteIncreaseOrder(keeper, id, d("30000"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.True(t, res.Fill.Amount.Equal(d("50")), "fill %s", res.Fill.Amount)
		assert.Equal(t, OrderFilled, res.Status)

		// Collateral scales with the filled fraction: 300000 * 50/3000.
		pos, err := e.GetPosition(res.Fill.Key)
		require.NoError(t, err)
		assert.True(t, pos.Amount.Equal(d("50")))
		assert.True(t, pos.Collateral.Equal(d("5000")), "collateral %s", pos.Collateral)

		ord, err := e.GetOrder(id)
		require.NoError(t, err)
		assert.Equal(t, OrderFilled, ord.Status)
		assert.True(t, ord.Size.Equal(d("50")), "remainder discarded, size %s", ord.Size)

		vault, err := e.GetVault(pairID)
		require.NoError(t, err)
		assert.True(t, vault.IndexAvailable().IsZero())
	})

	t.Run("limit order keeps its remainder", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		almostFullVault(t, e, pairID)

		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Limit,
			Size: d("3000"), Price: d("30000"), Collateral: d("300000"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteIncreaseOrder(keeper, id, d("30000"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.True(t, res.Fill.Amount.Equal(d("50")))

		ord, err := e.GetOrder(id)
		require.NoError(t, err)
		assert.Equal(t, OrderPartiallyFilled, ord.Status)
		assert.True(t, ord.Remaining().Equal(d("2950")))

		// With the pool exhausted a retry fills nothing; the result says the
		// order survived rather than leaving the caller to guess.
		res, err = e.ExecuteIncreaseOrder(keeper, id, d("30000"))
		require.NoError(t, err)
		assert.Nil(t, res.Fill)
		assert.Equal(t, OrderPartiallyFilled, res.Status)
		ord, _ = e.GetOrder(id)
		assert.Equal(t, OrderPartiallyFilled, ord.Status)
	})

	t.Run("market order with no liquidity dies", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "10000", "100")
		openPosition(t, e, alice, pairID, Long, "100", "100", "10000")

		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("10"), Price: d("100"), Collateral: d("1000"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteIncreaseOrder(keeper, id, d("100"))
		require.NoError(t, err)
		assert.Nil(t, res.Fill)
		assert.Equal(t, OrderCancelled, res.Status)

		ord, err := e.GetOrder(id)
		require.NoError(t, err)
		assert.Equal(t, OrderCancelled, ord.Status)
	})

	t.Run("short fills against stable liquidity", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "5000", "100")

		// 5000 stable at price 100 backs at most 50 short units.
		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Short, Type: Market,
			Size: d("80"), Price: d("100"), Collateral: d("8000"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteIncreaseOrder(keeper, id, d("100"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.True(t, res.Fill.Amount.Equal(d("50")), "fill %s", res.Fill.Amount)

		vault, _ := e.GetVault(pairID)
		assert.True(t, vault.StableReserved.Equal(d("5000")))
	})

	t.Run("slippage violation aborts with no effect", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "10000", "100")

		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("10"), Price: d("100"), MaxSlippage: d("0.01"), Collateral: d("1000"),
		})
		require.NoError(t, err)

		before, _ := e.GetVault(pairID)
		_, err = e.ExecuteIncreaseOrder(keeper, id, d("102"))
		assert.ErrorIs(t, err, ErrExceedsMaxSlippage)

		after, _ := e.GetVault(pairID)
		assert.True(t, after.IndexReserved.Equal(before.IndexReserved))
		ord, _ := e.GetOrder(id)
		assert.Equal(t, OrderCreated, ord.Status)

		// Within tolerance the same order executes.
		res, err := e.ExecuteIncreaseOrder(keeper, id, d("101"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
	})

	t.Run("deviation from vault inventory price aborts", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		require.NoError(t, e.SetTradingConfig(admin, pairID, TradingConfig{
			MaxPriceDeviation: d("0.05"),
		}))
		fundVault(t, e, pairID, "100", "10000", "100")

		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("10"), Price: d("110"), Collateral: d("1100"),
		})
		require.NoError(t, err)

		_, err = e.ExecuteIncreaseOrder(keeper, id, d("110"))
		assert.ErrorIs(t, err, ErrPriceDeviation)
	})

	t.Run("fill clipped to max trade size", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		require.NoError(t, e.SetTradingConfig(admin, pairID, TradingConfig{
			MaxTradeSize: d("30"),
		}))
		fundVault(t, e, pairID, "100", "10000", "100")

		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("50"), Price: d("100"), Collateral: d("5000"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteIncreaseOrder(keeper, id, d("100"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.True(t, res.Fill.Amount.Equal(d("30")), "fill %s", res.Fill.Amount)
	})

	t.Run("fill clipped to max position size", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		require.NoError(t, e.SetTradingConfig(admin, pairID, TradingConfig{
			MaxPositionSize: d("100"),
		}))
		fundVault(t, e, pairID, "1000", "100000", "100")
		openPosition(t, e, bob, pairID, Long, "80", "100", "8000")

		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("50"), Price: d("100"), Collateral: d("5000"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteIncreaseOrder(keeper, id, d("100"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.True(t, res.Fill.Amount.Equal(d("20")), "fill %s", res.Fill.Amount)

		pos, err := e.GetPosition(res.Fill.Key)
		require.NoError(t, err)
		assert.True(t, pos.Amount.Equal(d("100")))
	})

	t.Run("leverage bounds", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		require.NoError(t, e.SetTradingConfig(admin, pairID, TradingConfig{
			MinLeverage: d("2"),
			MaxLeverage: d("10"),
		}))
		fundVault(t, e, pairID, "100", "10000", "100")

		overID, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("10"), Price: d("100"), Collateral: d("50"),
		})
		require.NoError(t, err)
		_, err = e.ExecuteIncreaseOrder(keeper, overID, d("100"))
		assert.ErrorIs(t, err, ErrLeverageOutOfBounds)

		underID, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("10"), Price: d("100"), Collateral: d("1000"),
		})
		require.NoError(t, err)
		_, err = e.ExecuteIncreaseOrder(keeper, underID, d("100"))
		assert.ErrorIs(t, err, ErrLeverageOutOfBounds)
	})

	t.Run("tp and sl spawn decrease limit orders", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "10000", "100")

		id, err := e.CreateIncreaseOrder(bob, IncreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("10"), Price: d("100"), Collateral: d("1000"),
			TpPrice: d("120"), SlPrice: d("80"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteIncreaseOrder(keeper, id, d("100"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)

		tp, err := e.GetOrder(id + 1)
		require.NoError(t, err)
		assert.Equal(t, Decrease, tp.Kind)
		assert.Equal(t, Limit, tp.Type)
		assert.True(t, tp.Price.Equal(d("120")))
		assert.True(t, tp.Size.Equal(d("10")))

		sl, err := e.GetOrder(id + 2)
		require.NoError(t, err)
		assert.Equal(t, Decrease, sl.Kind)
		assert.True(t, sl.Price.Equal(d("80")))
	})
}

func TestExecuteDecreaseOrder(t *testing.T) {
	t.Run("full close pays collateral plus pnl", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "10000", "100")
		key := openPosition(t, e, alice, pairID, Long, "10", "100", "1000")

		id, err := e.CreateDecreaseOrder(alice, DecreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("10"), Price: d("110"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteDecreaseOrder(keeper, id, d("110"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.False(t, res.AwaitingADL)
		assert.True(t, res.Fill.Pnl.Equal(d("100")), "pnl %s", res.Fill.Pnl)
		assert.True(t, res.Fill.Settlement.Equal(d("1100")), "settlement %s", res.Fill.Settlement)

		_, err = e.GetPosition(key)
		assert.ErrorIs(t, err, ErrPositionNotFound)

		vault, _ := e.GetVault(pairID)
		assert.True(t, vault.IndexReserved.IsZero())
		// 10000 seeded + 1000 deposit - 1100 payout.
		assert.True(t, vault.StableTotal.Equal(d("9900")), "stable %s", vault.StableTotal)
	})

	t.Run("partial close leaves average price untouched", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "10000", "100")
		key := openPosition(t, e, alice, pairID, Long, "10", "100", "1000")

		id, err := e.CreateDecreaseOrder(alice, DecreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("4"), Price: d("110"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteDecreaseOrder(keeper, id, d("110"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.True(t, res.Fill.Settlement.Equal(d("440")), "settlement %s", res.Fill.Settlement)

		pos, err := e.GetPosition(key)
		require.NoError(t, err)
		assert.True(t, pos.Amount.Equal(d("6")))
		assert.True(t, pos.AveragePrice.Equal(d("100")))
		assert.True(t, pos.Collateral.Equal(d("600")))
	})

	t.Run("losing short contributes its shortfall to the reserve", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "10000", "100")
		key := openPosition(t, e, alice, pairID, Short, "10", "100", "500")

		// Price doubles: pnl -1000 against 500 collateral.
		id, err := e.CreateDecreaseOrder(alice, DecreaseOrderParams{
			PairID: pairID, Direction: Short, Type: Market,
			Size: d("10"), Price: d("200"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteDecreaseOrder(keeper, id, d("200"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.True(t, res.Fill.Settlement.IsZero(), "settlement %s", res.Fill.Settlement)

		vault, _ := e.GetVault(pairID)
		assert.True(t, vault.RiskReserve.Equal(d("500")), "reserve %s", vault.RiskReserve)

		_, err = e.GetPosition(key)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})

	t.Run("decrease without a position", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "10000", "100")

		id, err := e.CreateDecreaseOrder(alice, DecreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("10"), Price: d("100"),
		})
		require.NoError(t, err)
		_, err = e.ExecuteDecreaseOrder(keeper, id, d("100"))
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})

	t.Run("oversized decrease clamps to the position", func(t *testing.T) {
		e, _ := newTestEngine(t)
		pairID := createTestPair(t, e)
		fundVault(t, e, pairID, "100", "10000", "100")
		key := openPosition(t, e, alice, pairID, Long, "10", "100", "1000")

		id, err := e.CreateDecreaseOrder(alice, DecreaseOrderParams{
			PairID: pairID, Direction: Long, Type: Market,
			Size: d("25"), Price: d("100"),
		})
		require.NoError(t, err)

		res, err := e.ExecuteDecreaseOrder(keeper, id, d("100"))
		require.NoError(t, err)
		require.NotNil(t, res.Fill)
		assert.True(t, res.Fill.Amount.Equal(d("10")))

		_, err = e.GetPosition(key)
		assert.ErrorIs(t, err, ErrPositionNotFound)

		ord, _ := e.GetOrder(id)
		assert.Equal(t, OrderFilled, ord.Status)
	})
}
