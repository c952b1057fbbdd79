// Package metrics derives summary statistics from a trade ledger. All
// functions are pure: same inputs, same outputs, no side effects.
package metrics

import (
	"fmt"
	"math"
	"strings"
	"time"

	"predictflow/models"
)

// Metrics summarizes simulated trading performance over a time window.
type Metrics struct {
	PeriodStart time.Time
	PeriodEnd   time.Time

	StartingBalance float64
	EndingBalance   float64

	TradeCount    int
	WinCount      int
	LossCount     int
	WinRate       float64
	TotalPnL      float64
	ReturnPct     float64
	MaxDrawdown   float64
	AvgTradeSize  float64
	AvgWin        float64
	AvgLoss       float64
	ProfitFactor  float64
	OpenPositions int
	OpenExposure  float64

	// Sharpe is nil when undefined (fewer than two trades or zero
	// return variance).
	Sharpe *float64
}

// tradesPerYear annualizes the Sharpe ratio as if the observed trade
// frequency equaled one trade per trading day.
const tradesPerYear = 252

// bookSide tracks the average entry cost while replaying the ledger to
// attribute realized profit to closing trades.
type bookSide struct {
	side models.PositionSide
	size float64
	avg  float64
}

// Calculate computes all metrics from the ledger and position snapshot.
// Win/loss classification uses realized per-trade PnL: a trade that
// reduces an opposing position realizes the difference between its price
// and the position's average cost, net of the trade's fee. Trades that
// only open or extend a position are neither a win nor a loss.
func Calculate(trades []models.Trade, positions map[string]models.Position, startingBalance, endingBalance float64, start, end time.Time) Metrics {
	m := Metrics{
		PeriodStart:     start,
		PeriodEnd:       end,
		StartingBalance: startingBalance,
		EndingBalance:   endingBalance,
		TradeCount:      len(trades),
		TotalPnL:        endingBalance - startingBalance,
		OpenPositions:   len(positions),
	}
	if startingBalance != 0 {
		m.ReturnPct = (endingBalance - startingBalance) / startingBalance * 100
	}
	for _, pos := range positions {
		m.OpenExposure += pos.AveragePrice * pos.Size
	}
	if len(trades) == 0 {
		return m
	}

	var totalSize, grossWin, grossLoss float64
	var returns []float64
	book := make(map[string]*bookSide)
	balance := startingBalance
	peak := startingBalance

	for _, trade := range trades {
		totalSize += trade.Size

		if pnl, closed := realize(book, trade); closed {
			switch {
			case pnl > 0:
				m.WinCount++
				grossWin += pnl
			case pnl < 0:
				m.LossCount++
				grossLoss += -pnl
			}
		}

		prev := balance
		if trade.Side == models.SideBuy {
			balance -= trade.Notional() + trade.Fee
		} else {
			balance += trade.Notional() - trade.Fee
		}
		if prev != 0 {
			returns = append(returns, (balance-prev)/prev)
		}
		if balance > peak {
			peak = balance
		}
		if peak > 0 {
			if dd := (peak - balance) / peak; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}

	m.AvgTradeSize = totalSize / float64(len(trades))
	if decided := m.WinCount + m.LossCount; decided > 0 {
		m.WinRate = float64(m.WinCount) / float64(decided)
	}
	if m.WinCount > 0 {
		m.AvgWin = grossWin / float64(m.WinCount)
	}
	if m.LossCount > 0 {
		m.AvgLoss = grossLoss / float64(m.LossCount)
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		m.ProfitFactor = math.Inf(1)
	}
	m.Sharpe = sharpe(returns)

	return m
}

// realize applies one trade to the cost book. The second return value is
// true when the trade closed (part of) an opposing position, in which
// case the first value is the realized PnL net of the trade's fee.
func realize(book map[string]*bookSide, trade models.Trade) (float64, bool) {
	key := models.PositionKey(trade.MarketID, trade.Venue)
	direction := models.PositionLong
	if trade.Side == models.SideSell {
		direction = models.PositionShort
	}

	entry, ok := book[key]
	if !ok || entry.size == 0 {
		book[key] = &bookSide{side: direction, size: trade.Size, avg: trade.Price}
		return 0, false
	}

	if entry.side == direction {
		total := entry.size + trade.Size
		entry.avg = (entry.avg*entry.size + trade.Price*trade.Size) / total
		entry.size = total
		return 0, false
	}

	closeSize := math.Min(trade.Size, entry.size)
	perUnit := trade.Price - entry.avg
	if entry.side == models.PositionShort {
		perUnit = entry.avg - trade.Price
	}
	pnl := perUnit*closeSize - trade.Fee

	switch {
	case trade.Size < entry.size:
		entry.size -= trade.Size
	case trade.Size == entry.size:
		delete(book, key)
	default:
		book[key] = &bookSide{side: direction, size: trade.Size - entry.size, avg: trade.Price}
	}
	return pnl, true
}

// sharpe annualizes the mean/stddev of per-trade balance returns. Nil
// when there are not enough observations or no variance.
func sharpe(returns []float64) *float64 {
	if len(returns) < 2 {
		return nil
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return nil
	}

	value := mean / math.Sqrt(variance) * math.Sqrt(tradesPerYear)
	return &value
}

// Performance converts the metrics into the sink's summary form.
func (m Metrics) Performance(traderID string) models.TraderPerformance {
	return models.TraderPerformance{
		TraderID:        traderID,
		PeriodStart:     m.PeriodStart,
		PeriodEnd:       m.PeriodEnd,
		TradeCount:      m.TradeCount,
		WinRate:         m.WinRate,
		TotalPnL:        m.TotalPnL,
		ReturnPct:       m.ReturnPct,
		StartingBalance: m.StartingBalance,
		EndingBalance:   m.EndingBalance,
	}
}

// Report renders a human-readable summary.
func Report(m Metrics) string {
	var b strings.Builder

	b.WriteString("=== Performance Report ===\n")
	fmt.Fprintf(&b, "Period:           %s - %s\n", m.PeriodStart.Format(time.RFC3339), m.PeriodEnd.Format(time.RFC3339))
	fmt.Fprintf(&b, "Starting balance: %.2f\n", m.StartingBalance)
	fmt.Fprintf(&b, "Ending balance:   %.2f\n", m.EndingBalance)
	fmt.Fprintf(&b, "Total PnL:        %.2f (%.2f%%)\n", m.TotalPnL, m.ReturnPct)
	fmt.Fprintf(&b, "Trades:           %d (avg size %.2f)\n", m.TradeCount, m.AvgTradeSize)
	fmt.Fprintf(&b, "Wins/Losses:      %d/%d (win rate %.1f%%)\n", m.WinCount, m.LossCount, m.WinRate*100)
	fmt.Fprintf(&b, "Avg win/loss:     %.4f / %.4f\n", m.AvgWin, m.AvgLoss)
	fmt.Fprintf(&b, "Profit factor:    %.2f\n", m.ProfitFactor)
	fmt.Fprintf(&b, "Max drawdown:     %.2f%%\n", m.MaxDrawdown*100)
	if m.Sharpe != nil {
		fmt.Fprintf(&b, "Sharpe (ann.):    %.2f\n", *m.Sharpe)
	} else {
		b.WriteString("Sharpe (ann.):    n/a\n")
	}
	fmt.Fprintf(&b, "Open positions:   %d (exposure %.2f)\n", m.OpenPositions, m.OpenExposure)

	return b.String()
}
