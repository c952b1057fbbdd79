package simulator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	appconfig "predictflow/config"
	"predictflow/models"
)

func testSimConfig() appconfig.SimulatorConfig {
	return appconfig.SimulatorConfig{
		Slippage:        0.001,
		FeeRate:         0.001,
		StartingBalance: 10000,
	}
}

func newTestCore(cfg appconfig.SimulatorConfig) *Core {
	c := NewCore(cfg, nil)
	c.applyLatency = false
	return c
}

func book(marketID string, venue models.Venue, bid, ask float64) *models.OrderBook {
	ob := &models.OrderBook{
		MarketID:  marketID,
		Venue:     venue,
		Timestamp: time.Now(),
	}
	if bid > 0 {
		ob.Bids = []models.OrderBookLevel{{Price: bid, Size: 100, Orders: 1}}
	}
	if ask > 0 {
		ob.Asks = []models.OrderBookLevel{{Price: ask, Size: 100, Orders: 1}}
	}
	return ob
}

func approx(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestMarketBuyAtMid(t *testing.T) {
	c := newTestCore(testSimConfig())
	c.OnOrderBook(book("M", models.VenueKalshi, 0.49, 0.51))

	trade, err := c.ExecuteSignal(models.TradingSignal{
		MarketID:  "M",
		Venue:     models.VenueKalshi,
		Side:      models.SideBuy,
		Size:      100,
		OrderType: models.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("executeSignal failed: %v", err)
	}
	if trade == nil {
		t.Fatal("expected a trade")
	}

	if !approx(trade.Price, 0.5005, 1e-9) {
		t.Fatalf("execution price = %v, want 0.5005", trade.Price)
	}
	if !approx(trade.Fee, 0.5005*100*0.001, 1e-9) {
		t.Fatalf("fee = %v, want 0.05005", trade.Fee)
	}
	if !approx(c.Balance(), 10000-50.05-0.05005, 1e-9) {
		t.Fatalf("balance = %v, want 9949.89995", c.Balance())
	}

	pos, ok := c.Position("M", models.VenueKalshi)
	if !ok {
		t.Fatal("expected an open position")
	}
	if pos.Size != 100 || !approx(pos.AveragePrice, 0.5005, 1e-9) {
		t.Fatalf("position = %+v, want size 100 avg 0.5005", pos)
	}
	if pos.Side != models.PositionLong {
		t.Fatalf("position side = %s, want long", pos.Side)
	}
}

func TestSlippageMovesAgainstTaker(t *testing.T) {
	for _, slippage := range []float64{0.0001, 0.001, 0.05} {
		cfg := testSimConfig()
		cfg.Slippage = slippage
		cfg.FeeRate = 0

		c := newTestCore(cfg)
		c.OnOrderBook(book("M", models.VenueKalshi, 0.40, 0.60))

		buy, err := c.ExecuteSignal(models.TradingSignal{
			MarketID: "M", Venue: models.VenueKalshi,
			Side: models.SideBuy, Size: 10, OrderType: models.OrderTypeMarket,
		})
		if err != nil || buy == nil {
			t.Fatalf("buy failed: trade=%v err=%v", buy, err)
		}
		if buy.Price < 0.5 {
			t.Fatalf("slippage %v: buy price %v below quote", slippage, buy.Price)
		}

		sell, err := c.ExecuteSignal(models.TradingSignal{
			MarketID: "M", Venue: models.VenueKalshi,
			Side: models.SideSell, Size: 10, OrderType: models.OrderTypeMarket,
		})
		if err != nil || sell == nil {
			t.Fatalf("sell failed: trade=%v err=%v", sell, err)
		}
		if sell.Price > 0.5 {
			t.Fatalf("slippage %v: sell price %v above quote", slippage, sell.Price)
		}
	}
}

func TestPendingLimitSellFills(t *testing.T) {
	c := newTestCore(testSimConfig())

	trade, err := c.ExecuteSignal(models.TradingSignal{
		MarketID:  "M",
		Venue:     models.VenueKalshi,
		Side:      models.SideSell,
		Size:      50,
		Price:     0.60,
		OrderType: models.OrderTypeLimit,
	})
	if err != nil {
		t.Fatalf("limit signal failed: %v", err)
	}
	if trade != nil {
		t.Fatal("limit order filled immediately without a crossing book")
	}
	if pending := c.PendingOrders(); len(pending) != 1 {
		t.Fatalf("expected 1 pending order, got %d", len(pending))
	}

	// Best bid below the limit: no fill.
	c.OnOrderBook(book("M", models.VenueKalshi, 0.59, 0.62))
	if len(c.Trades()) != 0 {
		t.Fatal("order filled below its limit price")
	}

	// Best bid crosses the limit: fill at the bid, adjusted by slippage.
	c.OnOrderBook(book("M", models.VenueKalshi, 0.61, 0.63))

	trades := c.Trades()
	if len(trades) != 1 {
		t.Fatalf("ledger length = %d, want 1", len(trades))
	}
	want := 0.61 * (1 - 0.001)
	if !approx(trades[0].Price, want, 1e-9) {
		t.Fatalf("fill price = %v, want %v", trades[0].Price, want)
	}
	if pending := c.PendingOrders(); len(pending) != 0 {
		t.Fatalf("order still pending after fill: %d", len(pending))
	}

	order, ok := c.Order(trades[0].OrderID)
	if !ok || order.Status != models.OrderStatusFilled {
		t.Fatalf("order status = %v, want filled", order.Status)
	}
}

func TestPendingLimitBuyFills(t *testing.T) {
	cfg := testSimConfig()
	cfg.Slippage = 0
	cfg.FeeRate = 0
	c := newTestCore(cfg)

	if _, err := c.ExecuteSignal(models.TradingSignal{
		MarketID: "M", Venue: models.VenueKalshi,
		Side: models.SideBuy, Size: 10, Price: 0.40, OrderType: models.OrderTypeLimit,
	}); err != nil {
		t.Fatalf("limit signal failed: %v", err)
	}

	c.OnOrderBook(book("M", models.VenueKalshi, 0.35, 0.39))

	trades := c.Trades()
	if len(trades) != 1 {
		t.Fatalf("ledger length = %d, want 1", len(trades))
	}
	if trades[0].Price != 0.39 {
		t.Fatalf("buy filled at %v, want crossing ask 0.39", trades[0].Price)
	}
}

func TestWeightedAveragePosition(t *testing.T) {
	cfg := testSimConfig()
	cfg.Slippage = 0
	cfg.FeeRate = 0
	c := newTestCore(cfg)

	rng := rand.New(rand.NewSource(7))
	var totalSize, weighted float64
	for i := 0; i < 50; i++ {
		price := 0.1 + rng.Float64()*0.8
		size := 1 + rng.Float64()*99

		trade, err := c.ExecuteSignal(models.TradingSignal{
			MarketID:  "M",
			Venue:     models.VenuePolymarket,
			Side:      models.SideBuy,
			Size:      size,
			Price:     price,
			OrderType: models.OrderTypeMarket,
		})
		if err != nil || trade == nil {
			t.Fatalf("fill %d failed: trade=%v err=%v", i, trade, err)
		}

		totalSize += size
		weighted += price * size
	}

	pos, ok := c.Position("M", models.VenuePolymarket)
	if !ok {
		t.Fatal("expected an open position")
	}
	if !approx(pos.Size, totalSize, 1e-6) {
		t.Fatalf("position size = %v, want %v", pos.Size, totalSize)
	}
	if !approx(pos.AveragePrice, weighted/totalSize, 1e-9) {
		t.Fatalf("average price = %v, want %v", pos.AveragePrice, weighted/totalSize)
	}
}

func TestSellReducesPosition(t *testing.T) {
	cfg := testSimConfig()
	cfg.Slippage = 0
	cfg.FeeRate = 0
	c := newTestCore(cfg)

	buy := func(size float64) {
		if _, err := c.ExecuteSignal(models.TradingSignal{
			MarketID: "M", Venue: models.VenueKalshi,
			Side: models.SideBuy, Size: size, Price: 0.50, OrderType: models.OrderTypeMarket,
		}); err != nil {
			t.Fatalf("buy failed: %v", err)
		}
	}
	sell := func(size float64) {
		if _, err := c.ExecuteSignal(models.TradingSignal{
			MarketID: "M", Venue: models.VenueKalshi,
			Side: models.SideSell, Size: size, Price: 0.55, OrderType: models.OrderTypeMarket,
		}); err != nil {
			t.Fatalf("sell failed: %v", err)
		}
	}

	buy(100)
	sell(40)

	pos, ok := c.Position("M", models.VenueKalshi)
	if !ok || pos.Size != 60 || pos.Side != models.PositionLong {
		t.Fatalf("position after partial close = %+v", pos)
	}
	if pos.AveragePrice != 0.50 {
		t.Fatalf("average price changed on reduce: %v", pos.AveragePrice)
	}

	sell(60)
	if _, ok := c.Position("M", models.VenueKalshi); ok {
		t.Fatal("position not removed after full close")
	}
}

func TestSignalFallsBackToOwnPrice(t *testing.T) {
	cfg := testSimConfig()
	cfg.Slippage = 0
	cfg.FeeRate = 0
	c := newTestCore(cfg)

	trade, err := c.ExecuteSignal(models.TradingSignal{
		MarketID: "UNKNOWN", Venue: models.VenueKalshi,
		Side: models.SideBuy, Size: 10, Price: 0.42, OrderType: models.OrderTypeMarket,
	})
	if err != nil || trade == nil {
		t.Fatalf("expected fallback fill, trade=%v err=%v", trade, err)
	}
	if trade.Price != 0.42 {
		t.Fatalf("fill price = %v, want signal price 0.42", trade.Price)
	}
}

func TestSignalDefaultsToBinaryMid(t *testing.T) {
	cfg := testSimConfig()
	cfg.Slippage = 0
	cfg.FeeRate = 0
	c := newTestCore(cfg)

	trade, err := c.ExecuteSignal(models.TradingSignal{
		MarketID: "UNKNOWN", Venue: models.VenueKalshi,
		Side: models.SideBuy, Size: 10, OrderType: models.OrderTypeMarket,
	})
	if err != nil || trade == nil {
		t.Fatalf("expected default-price fill, trade=%v err=%v", trade, err)
	}
	if trade.Price != 0.5 {
		t.Fatalf("fill price = %v, want 0.5 default", trade.Price)
	}
}

func TestCrossedBookIgnored(t *testing.T) {
	c := newTestCore(testSimConfig())
	c.OnOrderBook(book("M", models.VenueKalshi, 0.60, 0.55))

	// A crossed book never becomes market state, so the signal resolves
	// to its own price.
	trade, err := c.ExecuteSignal(models.TradingSignal{
		MarketID: "M", Venue: models.VenueKalshi,
		Side: models.SideBuy, Size: 10, Price: 0.30, OrderType: models.OrderTypeMarket,
	})
	if err != nil || trade == nil {
		t.Fatalf("signal failed: trade=%v err=%v", trade, err)
	}
	if !approx(trade.Price, 0.30*1.001, 1e-9) {
		t.Fatalf("fill price = %v, crossed book state leaked into resolution", trade.Price)
	}
}

func TestInvalidSignalRejected(t *testing.T) {
	c := newTestCore(testSimConfig())

	if _, err := c.ExecuteSignal(models.TradingSignal{
		MarketID: "M", Venue: models.VenueKalshi,
		Side: models.SideBuy, Size: 0, OrderType: models.OrderTypeMarket,
	}); err == nil {
		t.Fatal("expected error for zero size")
	}

	if _, err := c.ExecuteSignal(models.TradingSignal{
		MarketID: "M", Venue: models.VenueKalshi,
		Side: models.Side("hold"), Size: 10, OrderType: models.OrderTypeMarket,
	}); err == nil {
		t.Fatal("expected error for invalid side")
	}
}

func TestCancelPendingOrder(t *testing.T) {
	c := newTestCore(testSimConfig())

	if _, err := c.ExecuteSignal(models.TradingSignal{
		MarketID: "M", Venue: models.VenueKalshi,
		Side: models.SideSell, Size: 10, Price: 0.70, OrderType: models.OrderTypeLimit,
	}); err != nil {
		t.Fatalf("limit signal failed: %v", err)
	}

	pending := c.PendingOrders()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending order, got %d", len(pending))
	}
	if err := c.CancelOrder(pending[0].OrderID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if len(c.PendingOrders()) != 0 {
		t.Fatal("cancelled order still pending")
	}

	// The crossing book must not fill a cancelled order.
	c.OnOrderBook(book("M", models.VenueKalshi, 0.75, 0.80))
	if len(c.Trades()) != 0 {
		t.Fatal("cancelled order filled")
	}
}
