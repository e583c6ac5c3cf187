package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pairdex/perpcore/pkg/metrics"
	"github.com/pairdex/perpcore/pkg/perp"
)

func TestRecordSetsVaultGauges(t *testing.T) {
	access := perp.NewStaticAccessList([]string{"admin"}, []string{"keeper"})
	engine := perp.NewEngine(access, zap.NewNop())
	m := metrics.New("perpd_test")

	pair, err := engine.CreatePair("admin", perp.PairParams{
		IndexSymbol:  "BTC",
		StableSymbol: "USD",
		ShareSymbol:  "BTC-LP",
		Enabled:      true,
	})
	require.NoError(t, err)
	_, err = engine.AddLiquidity("admin", pair.ID,
		decimal.NewFromInt(100), decimal.NewFromInt(5000), decimal.NewFromInt(100))
	require.NoError(t, err)

	for {
		select {
		case ev := <-engine.Events():
			record(m, engine, ev)
			continue
		default:
		}
		break
	}

	assert.Equal(t, float64(100), testutil.ToFloat64(m.VaultIndexTotal.WithLabelValues("1")))
	assert.Equal(t, float64(5000), testutil.ToFloat64(m.VaultStableTotal.WithLabelValues("1")))
}
