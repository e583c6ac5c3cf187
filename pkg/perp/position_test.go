package perp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAveragePriceMovesOnlyOnIncrease(t *testing.T) {
	e, _ := newTestEngine(t)
	pairID := createTestPair(t, e)
	fundVault(t, e, pairID, "1000", "1000000", "100")

	key := openPosition(t, e, alice, pairID, Long, "10", "100", "1000")

	pos, err := e.GetPosition(key)
	require.NoError(t, err)
	assert.True(t, pos.AveragePrice.Equal(d("100")))

	// Doubling the position at 120 drags the average to 110.
	id, err := e.CreateIncreaseOrder(alice, IncreaseOrderParams{
		PairID: pairID, Direction: Long, Type: Market,
		Size: d("10"), Price: d("120"), Collateral: d("1200"),
	})
	require.NoError(t, err)
	res, err := e.ExecuteIncreaseOrder(keeper, id, d("120"))
	require.NoError(t, err)
	require.NotNil(t, res.Fill)

	pos, err = e.GetPosition(key)
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(d("20")))
	assert.True(t, pos.AveragePrice.Equal(d("110")), "avg %s", pos.AveragePrice)

	// A decrease realizes against the average but never shifts it.
	decID, err := e.CreateDecreaseOrder(alice, DecreaseOrderParams{
		PairID: pairID, Direction: Long, Type: Market,
		Size: d("5"), Price: d("130"),
	})
	require.NoError(t, err)
	decRes, err := e.ExecuteDecreaseOrder(keeper, decID, d("130"))
	require.NoError(t, err)
	require.NotNil(t, decRes.Fill)
	assert.True(t, decRes.Fill.Pnl.Equal(d("100")), "pnl %s", decRes.Fill.Pnl)

	pos, err = e.GetPosition(key)
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(d("15")))
	assert.True(t, pos.AveragePrice.Equal(d("110")))
}

func TestClosedPositionIsAbsent(t *testing.T) {
	e, _ := newTestEngine(t)
	pairID := createTestPair(t, e)
	fundVault(t, e, pairID, "1000", "1000000", "100")

	key := openPosition(t, e, alice, pairID, Long, "10", "100", "1000")

	id, err := e.CreateDecreaseOrder(alice, DecreaseOrderParams{
		PairID: pairID, Direction: Long, Type: Market,
		Size: d("10"), Price: d("100"),
	})
	require.NoError(t, err)
	res, err := e.ExecuteDecreaseOrder(keeper, id, d("100"))
	require.NoError(t, err)
	require.NotNil(t, res.Fill)

	_, err = e.GetPosition(key)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	// Re-opening starts from a clean record: no stale average price or
	// collateral survives the close.
	openPosition(t, e, alice, pairID, Long, "5", "90", "450")
	pos, err := e.GetPosition(key)
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(d("5")))
	assert.True(t, pos.AveragePrice.Equal(d("90")))
	assert.True(t, pos.Collateral.Equal(d("450")))
}

func TestOppositeDirectionsAreSeparatePositions(t *testing.T) {
	e, _ := newTestEngine(t)
	pairID := createTestPair(t, e)
	fundVault(t, e, pairID, "1000", "1000000", "100")

	longKey := openPosition(t, e, alice, pairID, Long, "10", "100", "1000")
	shortKey := openPosition(t, e, alice, pairID, Short, "4", "100", "400")

	longPos, err := e.GetPosition(longKey)
	require.NoError(t, err)
	shortPos, err := e.GetPosition(shortKey)
	require.NoError(t, err)
	assert.True(t, longPos.Amount.Equal(d("10")))
	assert.True(t, shortPos.Amount.Equal(d("4")))

	// At 110 the long is up 100 and the short down 40.
	assert.True(t, longPos.UnrealizedPnl(d("110")).Equal(d("100")))
	assert.True(t, shortPos.UnrealizedPnl(d("110")).Equal(d("-40")))
}

func TestReservationsTrackPositionLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	pairID := createTestPair(t, e)
	fundVault(t, e, pairID, "1000", "1000000", "100")

	openPosition(t, e, alice, pairID, Long, "10", "100", "1000")
	openPosition(t, e, bob, pairID, Short, "20", "100", "2000")

	vault, _ := e.GetVault(pairID)
	assert.True(t, vault.IndexReserved.Equal(d("10")))
	assert.True(t, vault.StableReserved.Equal(d("2000")))

	// Closing half the short releases half its reservation at average price.
	id, err := e.CreateDecreaseOrder(bob, DecreaseOrderParams{
		PairID: pairID, Direction: Short, Type: Market,
		Size: d("10"), Price: d("100"),
	})
	require.NoError(t, err)
	res, err := e.ExecuteDecreaseOrder(keeper, id, d("100"))
	require.NoError(t, err)
	require.NotNil(t, res.Fill)

	vault, _ = e.GetVault(pairID)
	assert.True(t, vault.StableReserved.Equal(d("1000")), "reserved %s", vault.StableReserved)
	assert.True(t, vault.IndexReserved.Equal(d("10")))
}
