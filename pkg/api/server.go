// Package api serves the venue's trading entry points and read views over
// WebSocket. Connections submit JSON requests and may subscribe to the
// engine's event stream.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pairdex/perpcore/pkg/perp"
)

// Server bridges WebSocket clients to the settlement engine.
type Server struct {
	engine *perp.Engine
	logger *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
}

type client struct {
	conn       *websocket.Conn
	send       chan []byte
	subscribed bool
	mu         sync.Mutex
}

// Message is the request/response envelope.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewServer creates an API server over an engine.
func NewServer(engine *perp.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Handler returns the HTTP handler for the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		close(c.send)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.reply(c, Message{Type: "error", Error: "malformed message"})
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) writePump(c *client) {
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (s *Server) reply(c *client, msg Message) {
	msg.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshaling reply", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	default:
		s.logger.Warn("client send buffer full, dropping reply")
	}
}

func (s *Server) respond(c *client, req Message, data interface{}, err error) {
	resp := Message{Type: req.Type + "_result", RequestID: req.RequestID}
	if err != nil {
		resp.Error = err.Error()
	} else if data != nil {
		payload, merr := json.Marshal(data)
		if merr != nil {
			resp.Error = merr.Error()
		} else {
			resp.Data = payload
		}
	}
	s.reply(c, resp)
}

// Broadcast pushes an engine event to every subscribed client.
func (s *Server) Broadcast(ev perp.Event) {
	payload, err := json.Marshal(Message{
		Type:      "event",
		Data:      mustMarshal(ev),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.mu.Lock()
		subscribed := c.subscribed
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return payload
}

type orderRequest struct {
	Account       string          `json:"account"`
	PairID        uint64          `json:"pair_id"`
	Direction     string          `json:"direction"`
	TradeType     string          `json:"trade_type"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	MaxSlippage   decimal.Decimal `json:"max_slippage"`
	Collateral    decimal.Decimal `json:"collateral"`
	Tier          int             `json:"tier"`
	ReferralOwner string          `json:"referral_owner"`
	TpPrice       decimal.Decimal `json:"tp_price"`
	SlPrice       decimal.Decimal `json:"sl_price"`
}

type cancelRequest struct {
	Account string `json:"account"`
	OrderID uint64 `json:"order_id"`
}

type executeRequest struct {
	Keeper  string          `json:"keeper"`
	OrderID uint64          `json:"order_id"`
	Price   decimal.Decimal `json:"price"`
}

type liquidityRequest struct {
	Account      string          `json:"account"`
	PairID       uint64          `json:"pair_id"`
	IndexAmount  decimal.Decimal `json:"index_amount"`
	StableAmount decimal.Decimal `json:"stable_amount"`
	Shares       decimal.Decimal `json:"shares"`
	Price        decimal.Decimal `json:"price"`
}

type positionRequest struct {
	Account   string `json:"account"`
	PairID    uint64 `json:"pair_id"`
	Direction string `json:"direction"`
}

type pairRequest struct {
	PairID uint64          `json:"pair_id"`
	Price  decimal.Decimal `json:"price"`
}

type liquidateRequest struct {
	Keeper string          `json:"keeper"`
	PairID uint64          `json:"pair_id"`
	Price  decimal.Decimal `json:"price"`
}

func parseDirection(s string) perp.Direction {
	if s == "short" {
		return perp.Short
	}
	return perp.Long
}

func parseTradeType(s string) perp.TradeType {
	if s == "limit" {
		return perp.Limit
	}
	return perp.Market
}

func (s *Server) dispatch(c *client, msg Message) {
	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		c.subscribed = true
		c.mu.Unlock()
		s.respond(c, msg, map[string]bool{"subscribed": true}, nil)

	case "create_increase_order":
		var req orderRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		id, err := s.engine.CreateIncreaseOrder(req.Account, perp.IncreaseOrderParams{
			PairID:        req.PairID,
			Direction:     parseDirection(req.Direction),
			Type:          parseTradeType(req.TradeType),
			Size:          req.Size,
			Price:         req.Price,
			MaxSlippage:   req.MaxSlippage,
			Collateral:    req.Collateral,
			Tier:          req.Tier,
			ReferralOwner: req.ReferralOwner,
			TpPrice:       req.TpPrice,
			SlPrice:       req.SlPrice,
		})
		s.respond(c, msg, map[string]uint64{"order_id": id}, err)

	case "create_decrease_order":
		var req orderRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		id, err := s.engine.CreateDecreaseOrder(req.Account, perp.DecreaseOrderParams{
			PairID:      req.PairID,
			Direction:   parseDirection(req.Direction),
			Type:        parseTradeType(req.TradeType),
			Size:        req.Size,
			Price:       req.Price,
			MaxSlippage: req.MaxSlippage,
			Tier:        req.Tier,
		})
		s.respond(c, msg, map[string]uint64{"order_id": id}, err)

	case "cancel_order":
		var req cancelRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		err := s.engine.CancelOrder(req.Account, req.OrderID)
		s.respond(c, msg, map[string]bool{"cancelled": err == nil}, err)

	case "execute_increase_order":
		var req executeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		res, err := s.engine.ExecuteIncreaseOrder(req.Keeper, req.OrderID, req.Price)
		s.respond(c, msg, res, err)

	case "execute_decrease_order":
		var req executeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		res, err := s.engine.ExecuteDecreaseOrder(req.Keeper, req.OrderID, req.Price)
		s.respond(c, msg, res, err)

	case "liquidate_positions":
		var req liquidateRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		keys := s.engine.ScanLiquidatable(req.PairID, req.Price)
		results, err := s.engine.LiquidatePositions(req.Keeper, keys, req.Price)
		s.respond(c, msg, results, err)

	case "add_liquidity":
		var req liquidityRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		res, err := s.engine.AddLiquidity(req.Account, req.PairID, req.IndexAmount, req.StableAmount, req.Price)
		s.respond(c, msg, res, err)

	case "remove_liquidity":
		var req liquidityRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		res, err := s.engine.RemoveLiquidity(req.Account, req.PairID, req.Shares, req.Price)
		s.respond(c, msg, res, err)

	case "get_mint_lp_amount":
		var req liquidityRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		res, err := s.engine.GetMintLpAmount(req.PairID, req.IndexAmount, req.StableAmount, req.Price)
		s.respond(c, msg, res, err)

	case "get_position":
		var req positionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		pos, err := s.engine.GetPosition(perp.PositionKey{
			Account:   req.Account,
			PairID:    req.PairID,
			Direction: parseDirection(req.Direction),
		})
		s.respond(c, msg, pos, err)

	case "get_vault":
		var req pairRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		vault, err := s.engine.GetVault(req.PairID)
		s.respond(c, msg, vault, err)

	case "get_pair":
		var req pairRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		pair, err := s.engine.GetPair(req.PairID)
		s.respond(c, msg, pair, err)

	case "settle_funding":
		var req liquidateRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		rate, settled, err := s.engine.SettleFunding(req.Keeper, req.PairID, req.Price, time.Now())
		s.respond(c, msg, map[string]interface{}{"rate": rate, "settled": settled}, err)

	case "get_funding_rate":
		var req pairRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(c, msg, nil, err)
			return
		}
		rate, err := s.engine.FundingRate(req.PairID, req.Price)
		s.respond(c, msg, map[string]decimal.Decimal{"rate": rate}, err)

	default:
		s.respond(c, msg, nil, errUnknownType(msg.Type))
	}
}

type unknownTypeError string

func (e unknownTypeError) Error() string { return "unknown message type: " + string(e) }

func errUnknownType(t string) error { return unknownTypeError(t) }
