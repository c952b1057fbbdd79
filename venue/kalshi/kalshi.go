// Package kalshi implements the venue adapter for the Kalshi exchange
// websocket. Kalshi authenticates with a keyed hash of the api key and a
// unix timestamp, and keys channels as "orderbook.<market>" and
// "trades.<market>".
package kalshi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
)

const defaultURL = "wss://api.kalshi.com/trade-api/ws/v2"

// Adapter speaks the Kalshi websocket protocol.
type Adapter struct {
	url          string
	apiKey       string
	apiSecret    string
	authRequired bool
	log          *logger.Log

	// now is swappable for signature tests.
	now func() time.Time
}

// New builds a Kalshi adapter from venue configuration.
func New(cfg appconfig.KalshiConfig) *Adapter {
	url := cfg.URL
	if url == "" {
		url = defaultURL
	}
	return &Adapter{
		url:          url,
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		authRequired: cfg.AuthRequired,
		log:          logger.GetLogger(),
		now:          time.Now,
	}
}

func (a *Adapter) Venue() models.Venue { return models.VenueKalshi }

func (a *Adapter) URL() string { return a.url }

func (a *Adapter) AuthRequired() bool { return a.authRequired }

// signature computes base64(HMAC-SHA256(secret, apiKey+timestamp)).
func (a *Adapter) signature(timestamp string) string {
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(a.apiKey + timestamp))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// AuthPayload builds the signed authentication frame.
func (a *Adapter) AuthPayload() ([]byte, bool, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		return nil, false, fmt.Errorf("kalshi credentials not configured")
	}
	timestamp := strconv.FormatInt(a.now().UTC().Unix(), 10)
	frame := map[string]string{
		"action":    "auth",
		"api_key":   a.apiKey,
		"timestamp": timestamp,
		"signature": a.signature(timestamp),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (a *Adapter) SubscribePayload(channel string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"action":  "subscribe",
		"channel": channel,
	})
}

func (a *Adapter) UnsubscribePayload(channel string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"action":  "unsubscribe",
		"channel": channel,
	})
}

// MarketChannels expands one market into its orderbook and trade channels.
func (a *Adapter) MarketChannels(marketID string, orderbook, trades bool) []string {
	channels := make([]string, 0, 2)
	if orderbook {
		channels = append(channels, "orderbook."+marketID)
	}
	if trades {
		channels = append(channels, "trades."+marketID)
	}
	return channels
}

type inboundFrame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	MarketID string          `json:"market_id"`
	TradeID  string          `json:"trade_id"`
	Side     string          `json:"side"`
	Price    float64         `json:"price"`
	Size     float64         `json:"size"`
	Fees     float64         `json:"fees"`
	Time     string          `json:"timestamp"`
	Bids     []inboundLevel  `json:"bids"`
	Asks     []inboundLevel  `json:"asks"`
	Raw      json.RawMessage `json:"-"`
}

type inboundLevel struct {
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Orders int     `json:"orders"`
}

// Parse translates a Kalshi frame into a normalized event. Status and error
// frames yield no event; malformed frames are dropped with a warning.
func (a *Adapter) Parse(raw []byte) (models.MarketEvent, bool) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		a.log.WithComponent("kalshi_adapter").WithError(err).Warn("failed to parse message")
		return models.MarketEvent{}, false
	}

	switch {
	case frame.Type == "orderbook" || strings.Contains(frame.Channel, "orderbook"):
		return a.parseOrderBook(frame), true
	case frame.Type == "trade" || strings.Contains(frame.Channel, "trades"):
		return a.parseTrade(frame), true
	case frame.Type == "market":
		return models.NewMarketUpdateEvent(models.VenueKalshi, frame.MarketID, json.RawMessage(raw)), true
	case frame.Type == "status" || frame.Type == "error":
		a.log.WithComponent("kalshi_adapter").WithFields(logger.Fields{"type": frame.Type}).Debug("status message")
		return models.MarketEvent{}, false
	}

	return models.NewMessageEvent(models.VenueKalshi, frame.MarketID, json.RawMessage(raw)), true
}

func (a *Adapter) parseOrderBook(frame inboundFrame) models.MarketEvent {
	ob := &models.OrderBook{
		MarketID:  marketFromChannel(frame.MarketID, frame.Channel, "."),
		Venue:     models.VenueKalshi,
		Timestamp: time.Now().UTC(),
		Bids:      convertLevels(frame.Bids),
		Asks:      convertLevels(frame.Asks),
	}
	return models.NewOrderBookEvent(ob)
}

func (a *Adapter) parseTrade(frame inboundFrame) models.MarketEvent {
	side := models.SideSell
	if frame.Side == "buy" {
		side = models.SideBuy
	}
	trade := &models.Trade{
		TradeID:   frame.TradeID,
		MarketID:  marketFromChannel(frame.MarketID, frame.Channel, "."),
		Venue:     models.VenueKalshi,
		Side:      side,
		Price:     frame.Price,
		Size:      frame.Size,
		Timestamp: parseTimestamp(frame.Time),
		Fee:       frame.Fees,
	}
	return models.NewTradeEvent(trade)
}

func convertLevels(levels []inboundLevel) []models.OrderBookLevel {
	out := make([]models.OrderBookLevel, 0, len(levels))
	for _, lvl := range levels {
		orders := lvl.Orders
		if orders < 1 {
			orders = 1
		}
		out = append(out, models.OrderBookLevel{Price: lvl.Price, Size: lvl.Size, Orders: orders})
	}
	return out
}

func marketFromChannel(marketID, channel, sep string) string {
	if marketID != "" {
		return marketID
	}
	if channel == "" {
		return ""
	}
	parts := strings.Split(channel, sep)
	return parts[len(parts)-1]
}

func parseTimestamp(value string) time.Time {
	if value != "" {
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
