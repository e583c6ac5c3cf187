// perpd runs the settlement engine behind a WebSocket API, with Prometheus
// metrics and an optional NATS event feed.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pairdex/perpcore/pkg/api"
	"github.com/pairdex/perpcore/pkg/bus"
	"github.com/pairdex/perpcore/pkg/config"
	"github.com/pairdex/perpcore/pkg/metrics"
	"github.com/pairdex/perpcore/pkg/perp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("loading config", zap.Error(err))
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		zap.NewExample().Fatal("building logger", zap.Error(err))
	}
	defer logger.Sync()

	access := perp.NewStaticAccessList(cfg.Admins(), cfg.Keepers())
	access.AddKeeper(fundingKeeper) // daemon settles funding under its own identity
	engine := perp.NewEngine(access, logger.Named("engine"))
	venueMetrics := metrics.New("perpd")
	server := api.NewServer(engine, logger.Named("api"))
	prices := perp.NewStaticPriceSource()

	var publisher *bus.Publisher
	if cfg.Nats.URL != "" {
		publisher, err = bus.Connect(cfg.Nats.URL, cfg.Nats.Subject, logger.Named("bus"))
		if err != nil {
			logger.Fatal("connecting event bus", zap.Error(err))
		}
		defer publisher.Close()
		if _, err := publisher.SubscribePrices(prices); err != nil {
			logger.Fatal("subscribing to price feed", zap.Error(err))
		}
	}

	// Fan the engine's event stream out to metrics, the WebSocket
	// subscribers, and NATS if configured.
	go func() {
		for ev := range engine.Events() {
			record(venueMetrics, engine, ev)
			server.Broadcast(ev)
			if publisher != nil {
				publisher.Publish(ev)
			}
		}
	}()

	apiSrv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: server.Handler()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", venueMetrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server", zap.Error(err))
		}
	}()

	stopFunding := make(chan struct{})
	go fundingLoop(engine, prices, cfg.Funding.TickInterval, logger.Named("funding"), stopFunding)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	close(stopFunding)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(ctx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Warn("metrics shutdown", zap.Error(err))
	}
}

// fundingKeeper is the identity the daemon uses for scheduled settlements.
const fundingKeeper = "perpd:funding"

// fundingLoop periodically settles funding on every enabled pair whose index
// price is known. Pairs without a price are skipped until the feed catches up.
func fundingLoop(engine *perp.Engine, prices perp.PriceSource, tick time.Duration, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, pair := range engine.ListPairs() {
				if !pair.Enabled {
					continue
				}
				price, err := prices.Price(pair.IndexSymbol)
				if err != nil {
					logger.Debug("no price yet", zap.String("symbol", pair.IndexSymbol))
					continue
				}
				if _, settled, err := engine.SettleFunding(fundingKeeper, pair.ID, price, now); err != nil {
					logger.Warn("settling funding", zap.Uint64("pair", pair.ID), zap.Error(err))
				} else if settled {
					logger.Info("funding settled", zap.Uint64("pair", pair.ID))
				}
			}
		}
	}
}

func record(m *metrics.VenueMetrics, engine *perp.Engine, ev perp.Event) {
	switch ev.Type {
	case perp.EventOrderCreated:
		m.OrdersCreated.Inc()
	case perp.EventOrderExecuted:
		m.OrdersExecuted.Inc()
		if fee, _ := ev.Fee.Float64(); fee > 0 {
			m.FeesCollected.Add(fee)
		}
	case perp.EventOrderCancelled:
		m.OrdersCancelled.Inc()
	case perp.EventLiquidation:
		m.Liquidations.Inc()
	case perp.EventADL:
		m.ADLClosures.Inc()
	case perp.EventFundingSettled:
		m.FundingSettlements.Inc()
	}

	// Every event naming a pair refreshes that pair's vault gauges.
	if ev.PairID == 0 {
		return
	}
	vault, err := engine.GetVault(ev.PairID)
	if err != nil {
		return
	}
	label := strconv.FormatUint(ev.PairID, 10)
	index, _ := vault.IndexTotal.Float64()
	stable, _ := vault.StableTotal.Float64()
	m.VaultIndexTotal.WithLabelValues(label).Set(index)
	m.VaultStableTotal.WithLabelValues(label).Set(stable)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
