// Package bus publishes engine events to NATS for downstream consumers
// (keepers, risk dashboards, settlement archives).
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pairdex/perpcore/pkg/perp"
)

// Publisher forwards engine events onto NATS subjects named
// <prefix>.<event type>, e.g. perp.liquidation.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials NATS and returns a publisher.
func Connect(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpcore-publisher"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Publish sends one event. Marshal or transport failures are logged, not
// returned: the ledger, not the bus, is the system of record.
func (p *Publisher) Publish(ev perp.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshaling event", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", p.prefix, ev.Type)
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Warn("publishing event", zap.String("subject", subject), zap.Error(err))
	}
}

// Run drains an event stream until it closes.
func (p *Publisher) Run(events <-chan perp.Event) {
	for ev := range events {
		p.Publish(ev)
	}
}

// Close flushes and drops the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("draining nats connection", zap.Error(err))
	}
	p.nc.Close()
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t perp.EventType) string {
	return fmt.Sprintf("%s.%s", p.prefix, t)
}

type priceUpdate struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// SubscribePrices feeds oracle price updates from <prefix>.prices into a
// price table. Malformed or non-positive updates are dropped.
func (p *Publisher) SubscribePrices(src *perp.StaticPriceSource) (*nats.Subscription, error) {
	subject := fmt.Sprintf("%s.prices", p.prefix)
	return p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var upd priceUpdate
		if err := json.Unmarshal(msg.Data, &upd); err != nil {
			p.logger.Warn("malformed price update", zap.Error(err))
			return
		}
		if upd.Symbol == "" || !upd.Price.IsPositive() {
			p.logger.Warn("rejecting price update",
				zap.String("symbol", upd.Symbol),
				zap.String("price", upd.Price.String()))
			return
		}
		src.Set(upd.Symbol, upd.Price)
	})
}
