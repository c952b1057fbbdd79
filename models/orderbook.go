package models

import (
	"time"
)

// OrderBookLevel represents a single price level in the order book.
type OrderBookLevel struct {
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Orders int     `json:"orders"`
}

// OrderBook is the bid/ask state of one market at a point in time.
// Bids are ordered by descending price, asks by ascending price.
type OrderBook struct {
	MarketID  string           `json:"market_id"`
	Venue     Venue            `json:"venue"`
	Timestamp time.Time        `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// BestBid returns the highest bid price, or false when the bid side is empty.
func (ob *OrderBook) BestBid() (float64, bool) {
	if len(ob.Bids) == 0 {
		return 0, false
	}
	return ob.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, or false when the ask side is empty.
func (ob *OrderBook) BestAsk() (float64, bool) {
	if len(ob.Asks) == 0 {
		return 0, false
	}
	return ob.Asks[0].Price, true
}

// MidPrice is the average of best bid and best ask. It returns false
// unless both sides of the book are present.
func (ob *OrderBook) MidPrice() (float64, bool) {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Spread is best ask minus best bid, false unless both sides are present.
func (ob *OrderBook) Spread() (float64, bool) {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask - bid, true
}

// IsCrossed reports whether best bid >= best ask. Crossed books are
// rejected upstream and never reach the simulator.
func (ob *OrderBook) IsCrossed() bool {
	bid, okBid := ob.BestBid()
	ask, okAsk := ob.BestAsk()
	return okBid && okAsk && bid >= ask
}
