// Package metrics exposes the venue's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VenueMetrics collects settlement-side counters and vault gauges.
type VenueMetrics struct {
	registry *prometheus.Registry

	OrdersCreated      prometheus.Counter
	OrdersExecuted     prometheus.Counter
	OrdersCancelled    prometheus.Counter
	Liquidations       prometheus.Counter
	ADLClosures        prometheus.Counter
	FundingSettlements prometheus.Counter
	FeesCollected      prometheus.Counter

	VaultIndexTotal  *prometheus.GaugeVec
	VaultStableTotal *prometheus.GaugeVec
}

// New builds a metrics set on a private registry.
func New(namespace string) *VenueMetrics {
	registry := prometheus.NewRegistry()

	m := &VenueMetrics{
		registry: registry,
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Total orders submitted",
		}),
		OrdersExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_total",
			Help:      "Total order fills executed",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Total orders cancelled",
		}),
		Liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total positions force-closed by liquidation",
		}),
		ADLClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adl_closures_total",
			Help:      "Total positions reduced by auto-deleveraging",
		}),
		FundingSettlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_settlements_total",
			Help:      "Total funding intervals settled",
		}),
		FeesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_stable_total",
			Help:      "Cumulative trading fees in stable units",
		}),
		VaultIndexTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_index_total",
			Help:      "Vault index asset total by pair",
		}, []string{"pair"}),
		VaultStableTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_stable_total",
			Help:      "Vault stable asset total by pair",
		}, []string{"pair"}),
	}

	registry.MustRegister(
		m.OrdersCreated, m.OrdersExecuted, m.OrdersCancelled,
		m.Liquidations, m.ADLClosures, m.FundingSettlements, m.FeesCollected,
		m.VaultIndexTotal, m.VaultStableTotal,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *VenueMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
