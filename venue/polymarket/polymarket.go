// Package polymarket implements the venue adapter for the Polymarket CLOB
// websocket. Public market data needs no authentication; an api key is sent
// when configured. Channels are keyed "orderbook:<market>" and
// "trades:<market>", and book levels arrive either as [price, size] pairs
// or as objects.
package polymarket

import (
	"encoding/json"
	"strings"
	"time"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
)

const defaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

// Adapter speaks the Polymarket market-data websocket protocol.
type Adapter struct {
	url          string
	apiKey       string
	authRequired bool
	log          *logger.Log
}

// New builds a Polymarket adapter from venue configuration.
func New(cfg appconfig.PolymarketConfig) *Adapter {
	url := cfg.URL
	if url == "" {
		url = defaultURL
	}
	return &Adapter{
		url:          url,
		apiKey:       cfg.APIKey,
		authRequired: cfg.AuthRequired,
		log:          logger.GetLogger(),
	}
}

func (a *Adapter) Venue() models.Venue { return models.VenuePolymarket }

func (a *Adapter) URL() string { return a.url }

func (a *Adapter) AuthRequired() bool { return a.authRequired }

// AuthPayload builds the api-key frame. Without a key there is nothing to
// send and public access is assumed.
func (a *Adapter) AuthPayload() ([]byte, bool, error) {
	if a.apiKey == "" {
		return nil, false, nil
	}
	payload, err := json.Marshal(map[string]string{
		"type":    "auth",
		"api_key": a.apiKey,
	})
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (a *Adapter) SubscribePayload(channel string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":    "subscribe",
		"channel": channel,
	})
}

func (a *Adapter) UnsubscribePayload(channel string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":    "unsubscribe",
		"channel": channel,
	})
}

// MarketChannels expands one market into its orderbook and trade channels.
func (a *Adapter) MarketChannels(marketID string, orderbook, trades bool) []string {
	channels := make([]string, 0, 2)
	if orderbook {
		channels = append(channels, "orderbook:"+marketID)
	}
	if trades {
		channels = append(channels, "trades:"+marketID)
	}
	return channels
}

type inboundFrame struct {
	Type     string            `json:"type"`
	Channel  string            `json:"channel"`
	MarketID string            `json:"market_id"`
	Market   string            `json:"market"`
	TradeID  string            `json:"trade_id"`
	ID       string            `json:"id"`
	Side     string            `json:"side"`
	Price    json.Number       `json:"price"`
	Size     json.Number       `json:"size"`
	Fees     json.Number       `json:"fees"`
	Time     string            `json:"timestamp"`
	Maker    string            `json:"maker"`
	Taker    string            `json:"taker"`
	Bids     []json.RawMessage `json:"bids"`
	Asks     []json.RawMessage `json:"asks"`
}

// Parse translates a Polymarket frame into a normalized event.
func (a *Adapter) Parse(raw []byte) (models.MarketEvent, bool) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		a.log.WithComponent("polymarket_adapter").WithError(err).Warn("failed to parse message")
		return models.MarketEvent{}, false
	}

	switch {
	case frame.Type == "orderbook" || frame.Type == "l2_orderbook" || strings.Contains(frame.Channel, "orderbook"):
		return a.parseOrderBook(frame), true
	case frame.Type == "trade" || strings.Contains(frame.Channel, "trades"):
		return a.parseTrade(frame), true
	case frame.Type == "market" || frame.Type == "market_update":
		return models.NewMarketUpdateEvent(models.VenuePolymarket, a.marketID(frame), json.RawMessage(raw)), true
	case frame.Type == "status" || frame.Type == "error" || frame.Type == "auth_success":
		a.log.WithComponent("polymarket_adapter").WithFields(logger.Fields{"type": frame.Type}).Debug("status message")
		return models.MarketEvent{}, false
	}

	return models.NewMessageEvent(models.VenuePolymarket, a.marketID(frame), json.RawMessage(raw)), true
}

func (a *Adapter) marketID(frame inboundFrame) string {
	if frame.MarketID != "" {
		return frame.MarketID
	}
	if frame.Market != "" {
		return frame.Market
	}
	if frame.Channel == "" {
		return ""
	}
	parts := strings.Split(frame.Channel, ":")
	return parts[len(parts)-1]
}

func (a *Adapter) parseOrderBook(frame inboundFrame) models.MarketEvent {
	ob := &models.OrderBook{
		MarketID:  a.marketID(frame),
		Venue:     models.VenuePolymarket,
		Timestamp: time.Now().UTC(),
		Bids:      parseLevels(frame.Bids),
		Asks:      parseLevels(frame.Asks),
	}
	return models.NewOrderBookEvent(ob)
}

func (a *Adapter) parseTrade(frame inboundFrame) models.MarketEvent {
	side := models.SideSell
	if s := strings.ToLower(frame.Side); s == "buy" || s == "b" {
		side = models.SideBuy
	}

	tradeID := frame.TradeID
	if tradeID == "" {
		tradeID = frame.ID
	}

	// The taker is the directional party; kept so downstream trader
	// screening can attribute flow.
	metadata := map[string]string{}
	if frame.Maker != "" {
		metadata["maker"] = frame.Maker
	}
	if frame.Taker != "" {
		metadata["taker"] = frame.Taker
	}
	if trader := firstNonEmpty(frame.Taker, frame.Maker); trader != "" {
		metadata["trader_id"] = trader
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	price, _ := frame.Price.Float64()
	size, _ := frame.Size.Float64()
	fee, _ := frame.Fees.Float64()
	trade := &models.Trade{
		TradeID:   tradeID,
		MarketID:  a.marketID(frame),
		Venue:     models.VenuePolymarket,
		Side:      side,
		Price:     price,
		Size:      size,
		Timestamp: parseTimestamp(frame.Time),
		Fee:       fee,
		Metadata:  metadata,
	}
	return models.NewTradeEvent(trade)
}

// parseLevels accepts both wire encodings for a book level: a
// ["price", "size"] pair or a {"price": p, "size": s} object.
func parseLevels(levels []json.RawMessage) []models.OrderBookLevel {
	out := make([]models.OrderBookLevel, 0, len(levels))
	for _, raw := range levels {
		var pair []json.Number
		if err := json.Unmarshal(raw, &pair); err == nil && len(pair) >= 2 {
			price, _ := pair[0].Float64()
			size, _ := pair[1].Float64()
			out = append(out, models.OrderBookLevel{Price: price, Size: size, Orders: 1})
			continue
		}

		var obj struct {
			Price  float64 `json:"price"`
			Size   float64 `json:"size"`
			Orders int     `json:"orders"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if obj.Orders < 1 {
				obj.Orders = 1
			}
			out = append(out, models.OrderBookLevel{Price: obj.Price, Size: obj.Size, Orders: obj.Orders})
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseTimestamp(value string) time.Time {
	if value != "" {
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
