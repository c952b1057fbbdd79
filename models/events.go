package models

import (
	"encoding/json"
	"time"
)

// EventType discriminates the MarketEvent union.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventError           EventType = "error"
	EventMessage         EventType = "message"
	EventOrderBookUpdate EventType = "orderbook_update"
	EventTrade           EventType = "trade"
	EventMarketUpdate    EventType = "market_update"
)

// MarketEvent is a normalized event emitted by a connection manager.
// Exactly one payload field is set, selected by Type. Events are immutable
// once constructed.
type MarketEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	MarketID  string          `json:"market_id,omitempty"`
	Venue     Venue           `json:"venue,omitempty"`
	OrderBook *OrderBook      `json:"orderbook,omitempty"`
	Trade     *Trade          `json:"trade,omitempty"`
	Err       string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// NewConnectedEvent marks a successful connection to a venue.
func NewConnectedEvent(venue Venue, url string) MarketEvent {
	return MarketEvent{
		Type:      EventConnected,
		Timestamp: time.Now().UTC(),
		Venue:     venue,
		Raw:       json.RawMessage(`{"url":"` + url + `"}`),
	}
}

// NewDisconnectedEvent marks the end of a connection.
func NewDisconnectedEvent(venue Venue) MarketEvent {
	return MarketEvent{
		Type:      EventDisconnected,
		Timestamp: time.Now().UTC(),
		Venue:     venue,
	}
}

// NewErrorEvent carries a non-fatal stream error.
func NewErrorEvent(venue Venue, err error) MarketEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return MarketEvent{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Venue:     venue,
		Err:       msg,
	}
}

// NewMessageEvent wraps a raw frame that parsed as JSON but matched no
// known channel.
func NewMessageEvent(venue Venue, marketID string, raw json.RawMessage) MarketEvent {
	return MarketEvent{
		Type:      EventMessage,
		Timestamp: time.Now().UTC(),
		Venue:     venue,
		MarketID:  marketID,
		Raw:       raw,
	}
}

// NewOrderBookEvent wraps a parsed order book update.
func NewOrderBookEvent(ob *OrderBook) MarketEvent {
	return MarketEvent{
		Type:      EventOrderBookUpdate,
		Timestamp: ob.Timestamp,
		MarketID:  ob.MarketID,
		Venue:     ob.Venue,
		OrderBook: ob,
	}
}

// NewTradeEvent wraps a parsed public trade.
func NewTradeEvent(t *Trade) MarketEvent {
	return MarketEvent{
		Type:      EventTrade,
		Timestamp: t.Timestamp,
		MarketID:  t.MarketID,
		Venue:     t.Venue,
		Trade:     t,
	}
}

// NewMarketUpdateEvent wraps a venue market-status update.
func NewMarketUpdateEvent(venue Venue, marketID string, raw json.RawMessage) MarketEvent {
	return MarketEvent{
		Type:      EventMarketUpdate,
		Timestamp: time.Now().UTC(),
		Venue:     venue,
		MarketID:  marketID,
		Raw:       raw,
	}
}
