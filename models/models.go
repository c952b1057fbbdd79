package models

import (
	"time"
)

// Venue identifies a prediction-market trading platform.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// IsValid reports whether the venue is one of the supported platforms.
func (v Venue) IsValid() bool {
	switch v {
	case VenueKalshi, VenuePolymarket:
		return true
	}
	return false
}

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType distinguishes immediate from resting orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks the order lifecycle. Filled and cancelled are terminal.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Order is a simulated order created when a trading signal is accepted.
type Order struct {
	OrderID    string      `json:"order_id"`
	MarketID   string      `json:"market_id"`
	Venue      Venue       `json:"venue"`
	Side       Side        `json:"side"`
	OrderType  OrderType   `json:"order_type"`
	Price      float64     `json:"price,omitempty"`
	Size       float64     `json:"size"`
	FilledSize float64     `json:"filled_size"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Trade is a fill. Trades are appended to the ledger and never mutated.
type Trade struct {
	TradeID   string            `json:"trade_id"`
	MarketID  string            `json:"market_id"`
	Venue     Venue             `json:"venue"`
	Side      Side              `json:"side"`
	Price     float64           `json:"price"`
	Size      float64           `json:"size"`
	Timestamp time.Time         `json:"timestamp"`
	OrderID   string            `json:"order_id,omitempty"`
	Fee       float64           `json:"fee"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notional is the traded value before fees.
func (t Trade) Notional() float64 {
	return t.Price * t.Size
}

// Position is the net exposure for one (market, venue) key.
type Position struct {
	PositionID   string       `json:"position_id"`
	MarketID     string       `json:"market_id"`
	Venue        Venue        `json:"venue"`
	Side         PositionSide `json:"side"`
	Size         float64      `json:"size"`
	AveragePrice float64      `json:"average_price"`
	OpenedAt     time.Time    `json:"opened_at"`
}

// PositionKey builds the canonical map key for a (market, venue) pair.
func PositionKey(marketID string, venue Venue) string {
	return marketID + "_" + string(venue)
}

// ApplyFill folds a fill into the position using volume-weighted averaging.
// Size accumulates; the average price is the size-weighted mean of all fills.
func (p *Position) ApplyFill(price, size float64) {
	total := p.Size + size
	if total > 0 {
		p.AveragePrice = (p.AveragePrice*p.Size + price*size) / total
	}
	p.Size = total
}

// TraderPerformance is a summary of simulated trading results over a
// time window, handed to the persistence sink.
type TraderPerformance struct {
	TraderID        string    `json:"trader_id"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	TradeCount      int       `json:"trade_count"`
	WinRate         float64   `json:"win_rate"`
	TotalPnL        float64   `json:"total_pnl"`
	ReturnPct       float64   `json:"return_pct"`
	StartingBalance float64   `json:"starting_balance"`
	EndingBalance   float64   `json:"ending_balance"`
}

// TradingSignal is a strategy's request to trade. Read-only to the simulator.
type TradingSignal struct {
	MarketID   string    `json:"market_id"`
	Venue      Venue     `json:"venue"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	Price      float64   `json:"price,omitempty"`
	OrderType  OrderType `json:"order_type"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
