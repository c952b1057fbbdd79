// Package simulator executes trading signals against simulated market
// state. The same core drives two modes: live paper trading fed by the
// event dispatcher, and deterministic replay of historical events.
package simulator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
	"predictflow/sink"
)

// SignalSource is the strategy hook. The simulator calls it on every
// market event; returned signals are executed immediately, in order.
// Implementations must not call back into the simulator.
type SignalSource interface {
	OnOrderBook(book *models.OrderBook) []models.TradingSignal
	OnTrade(trade *models.Trade) []models.TradingSignal
}

// marketState is the per-market cache the price resolution reads from.
type marketState struct {
	orderBook *models.OrderBook
	mid       float64
	hasMid    bool
	bestBid   float64
	hasBid    bool
	bestAsk   float64
	hasAsk    bool
	lastPrice float64
	lastTrade *models.Trade
}

// Core holds all simulation state: balance, orders, positions, the trade
// ledger and the per-market cache. Every mutation happens under one mutex
// so each event or signal is applied atomically. Accessors return copies.
type Core struct {
	cfg  appconfig.SimulatorConfig
	sink sink.Sink
	log  *logger.Log

	// applyLatency simulates fill latency on market orders. Replay mode
	// leaves it off to stay deterministic.
	applyLatency bool

	newID func() string
	now   func() time.Time

	mu        sync.Mutex
	balance   float64
	orders    map[string]*models.Order
	pending   []*models.Order
	positions map[string]*models.Position
	trades    []models.Trade
	markets   map[string]*marketState
}

// NewCore builds a simulator core with the configured starting balance.
// A nil sink disables persistence.
func NewCore(cfg appconfig.SimulatorConfig, persist sink.Sink) *Core {
	if persist == nil {
		persist = sink.Noop{}
	}
	return &Core{
		cfg:          cfg,
		sink:         persist,
		log:          logger.GetLogger(),
		applyLatency: true,
		newID:        func() string { return uuid.New().String() },
		now:          time.Now,
		balance:      cfg.StartingBalance,
		orders:       make(map[string]*models.Order),
		positions:    make(map[string]*models.Position),
		markets:      make(map[string]*marketState),
	}
}

func marketKey(marketID string, venue models.Venue) string {
	return models.PositionKey(marketID, venue)
}

// OnOrderBook applies an order-book update to the market cache and runs
// the pending-limit fill check. Crossed books are ignored.
func (c *Core) OnOrderBook(book *models.OrderBook) {
	if book == nil {
		return
	}
	if book.IsCrossed() {
		c.log.WithComponent("simulator").WithFields(logger.Fields{
			"market": book.MarketID,
			"venue":  book.Venue,
		}).Warn("ignoring crossed order book")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.marketStateLocked(book.MarketID, book.Venue)
	state.orderBook = book
	state.mid, state.hasMid = book.MidPrice()
	state.bestBid, state.hasBid = book.BestBid()
	state.bestAsk, state.hasAsk = book.BestAsk()

	c.checkPendingLocked(book)
}

// OnTrade records the venue trade as the market's last traded price.
func (c *Core) OnTrade(trade *models.Trade) {
	if trade == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.marketStateLocked(trade.MarketID, trade.Venue)
	state.lastPrice = trade.Price
	state.lastTrade = trade
}

// ExecuteSignal resolves one trading signal into at most one trade.
// Market orders fill immediately at the resolved price plus slippage.
// Limit orders rest in the pending set until the opposing side of the
// book crosses them, so a nil trade with a nil error is a normal outcome.
func (c *Core) ExecuteSignal(signal models.TradingSignal) (*models.Trade, error) {
	if signal.Size <= 0 {
		return nil, fmt.Errorf("simulator: invalid signal size %f", signal.Size)
	}
	if signal.Side != models.SideBuy && signal.Side != models.SideSell {
		return nil, fmt.Errorf("simulator: invalid signal side %q", signal.Side)
	}

	if signal.OrderType == models.OrderTypeLimit {
		return nil, c.placeLimit(signal)
	}

	// Market order. Latency is simulated before the fill is finalized.
	if c.applyLatency && c.cfg.Latency > 0 {
		time.Sleep(c.cfg.Latency)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	price := c.resolvePriceLocked(signal)

	order := &models.Order{
		OrderID:   c.newID(),
		MarketID:  signal.MarketID,
		Venue:     signal.Venue,
		Side:      signal.Side,
		OrderType: models.OrderTypeMarket,
		Size:      signal.Size,
		CreatedAt: c.now(),
	}
	c.orders[order.OrderID] = order

	trade := c.fillLocked(order, price)
	return trade, nil
}

// CancelOrder cancels a pending limit order. Filled orders cannot be
// cancelled.
func (c *Core) CancelOrder(orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("simulator: unknown order %s", orderID)
	}
	if order.Status != models.OrderStatusOpen {
		return fmt.Errorf("simulator: order %s is %s", orderID, order.Status)
	}
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = c.now()
	c.removePendingLocked(orderID)
	return nil
}

// placeLimit records a limit order as pending. The fill check on the next
// order-book update decides whether it executes.
func (c *Core) placeLimit(signal models.TradingSignal) error {
	if signal.Price <= 0 {
		logger.IncrementSignalRejected()
		c.log.WithComponent("simulator").WithFields(logger.Fields{
			"market": signal.MarketID,
			"venue":  signal.Venue,
		}).Warn("dropping limit signal without a price")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	order := &models.Order{
		OrderID:   c.newID(),
		MarketID:  signal.MarketID,
		Venue:     signal.Venue,
		Side:      signal.Side,
		OrderType: models.OrderTypeLimit,
		Price:     signal.Price,
		Size:      signal.Size,
		Status:    models.OrderStatusOpen,
		CreatedAt: c.now(),
	}
	c.orders[order.OrderID] = order
	c.pending = append(c.pending, order)
	c.saveOrder(order)

	c.log.WithComponent("simulator").WithFields(logger.Fields{
		"order_id": order.OrderID,
		"market":   order.MarketID,
		"side":     order.Side,
		"price":    order.Price,
		"size":     order.Size,
	}).Debug("limit order pending")
	return nil
}

// resolvePriceLocked picks the execution price for a market order:
// book mid, then last traded price, then the signal's own price, then the
// 0.5 binary-probability default.
func (c *Core) resolvePriceLocked(signal models.TradingSignal) float64 {
	if state, ok := c.markets[marketKey(signal.MarketID, signal.Venue)]; ok {
		if state.hasMid && state.mid > 0 {
			return state.mid
		}
		if state.lastPrice > 0 {
			return state.lastPrice
		}
	}
	if signal.Price > 0 {
		return signal.Price
	}
	return 0.5
}

// checkPendingLocked fills resting limit orders the book now crosses:
// a buy fills when the best ask reaches its limit, a sell when the best
// bid does. Fills execute at the crossing book price plus slippage.
func (c *Core) checkPendingLocked(book *models.OrderBook) {
	if len(c.pending) == 0 {
		return
	}

	remaining := c.pending[:0]
	for _, order := range c.pending {
		if order.MarketID != book.MarketID || order.Venue != book.Venue {
			remaining = append(remaining, order)
			continue
		}

		var price float64
		crossed := false
		switch order.Side {
		case models.SideBuy:
			if ask, ok := book.BestAsk(); ok && ask <= order.Price {
				price, crossed = ask, true
			}
		case models.SideSell:
			if bid, ok := book.BestBid(); ok && bid >= order.Price {
				price, crossed = bid, true
			}
		}

		if !crossed {
			remaining = append(remaining, order)
			continue
		}
		c.fillLocked(order, price)
	}
	c.pending = remaining
}

// fillLocked runs the fill pipeline: slippage, fee, balance, position,
// ledger, sink. The caller holds the mutex.
func (c *Core) fillLocked(order *models.Order, quoted float64) *models.Trade {
	price := quoted
	if order.Side == models.SideBuy {
		price *= 1 + c.cfg.Slippage
	} else {
		price *= 1 - c.cfg.Slippage
	}

	fee := price * order.Size * c.cfg.FeeRate
	trade := models.Trade{
		TradeID:   c.newID(),
		MarketID:  order.MarketID,
		Venue:     order.Venue,
		Side:      order.Side,
		Price:     price,
		Size:      order.Size,
		Fee:       fee,
		OrderID:   order.OrderID,
		Timestamp: c.now(),
	}

	if order.Side == models.SideBuy {
		c.balance -= trade.Notional() + fee
	} else {
		c.balance += trade.Notional() - fee
	}

	order.FilledSize = order.Size
	order.Status = models.OrderStatusFilled
	order.UpdatedAt = trade.Timestamp

	c.applyPositionLocked(trade)
	c.trades = append(c.trades, trade)
	logger.IncrementSignalExecuted()

	c.saveOrder(order)
	c.saveTrade(&trade)

	c.log.WithComponent("simulator").WithFields(logger.Fields{
		"trade_id": trade.TradeID,
		"market":   trade.MarketID,
		"venue":    trade.Venue,
		"side":     trade.Side,
		"price":    trade.Price,
		"size":     trade.Size,
		"fee":      trade.Fee,
		"balance":  c.balance,
	}).Info("executed trade")

	return &trade
}

// applyPositionLocked updates the (market, venue) position. Same-direction
// fills accumulate with weighted-average pricing; opposing fills reduce
// the position, closing it at zero and flipping through it on overshoot.
func (c *Core) applyPositionLocked(trade models.Trade) {
	key := marketKey(trade.MarketID, trade.Venue)
	direction := models.PositionLong
	if trade.Side == models.SideSell {
		direction = models.PositionShort
	}

	pos, ok := c.positions[key]
	if !ok {
		c.positions[key] = &models.Position{
			PositionID:   c.newID(),
			MarketID:     trade.MarketID,
			Venue:        trade.Venue,
			Side:         direction,
			Size:         trade.Size,
			AveragePrice: trade.Price,
			OpenedAt:     trade.Timestamp,
		}
		return
	}

	if pos.Side == direction {
		pos.ApplyFill(trade.Price, trade.Size)
		return
	}

	switch {
	case trade.Size < pos.Size:
		pos.Size -= trade.Size
	case trade.Size == pos.Size:
		delete(c.positions, key)
	default:
		pos.Side = direction
		pos.Size = trade.Size - pos.Size
		pos.AveragePrice = trade.Price
		pos.OpenedAt = trade.Timestamp
	}
}

func (c *Core) marketStateLocked(marketID string, venue models.Venue) *marketState {
	key := marketKey(marketID, venue)
	state, ok := c.markets[key]
	if !ok {
		state = &marketState{}
		c.markets[key] = state
	}
	return state
}

func (c *Core) removePendingLocked(orderID string) {
	for i, order := range c.pending {
		if order.OrderID == orderID {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			return
		}
	}
}

// Persistence is fire-and-forget: failures are logged and never surfaced.
func (c *Core) saveTrade(trade *models.Trade) {
	if err := c.sink.SaveTrade(trade); err != nil {
		c.log.WithComponent("simulator").WithError(err).Warn("failed to persist trade")
	}
}

func (c *Core) saveOrder(order *models.Order) {
	if err := c.sink.SaveOrder(order); err != nil {
		c.log.WithComponent("simulator").WithError(err).Warn("failed to persist order")
	}
}

// Balance returns the current account balance.
func (c *Core) Balance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// StartingBalance returns the configured starting balance.
func (c *Core) StartingBalance() float64 {
	return c.cfg.StartingBalance
}

// Trades returns a copy of the trade ledger in execution order.
func (c *Core) Trades() []models.Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Trade, len(c.trades))
	copy(out, c.trades)
	return out
}

// Positions returns a snapshot of all open positions keyed market_venue.
func (c *Core) Positions() map[string]models.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.Position, len(c.positions))
	for key, pos := range c.positions {
		out[key] = *pos
	}
	return out
}

// Position returns the open position for one (market, venue) key.
func (c *Core) Position(marketID string, venue models.Venue) (models.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[marketKey(marketID, venue)]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Order returns a snapshot of one order by id.
func (c *Core) Order(orderID string) (models.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *order, true
}

// PendingOrders returns a snapshot of the resting limit orders in
// placement order.
func (c *Core) PendingOrders() []models.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Order, 0, len(c.pending))
	for _, order := range c.pending {
		out = append(out, *order)
	}
	return out
}
