// Package sink persists simulation output. The simulator treats every
// sink as fire-and-forget: errors are logged by the caller and never
// affect execution.
package sink

import "predictflow/models"

// Sink receives trades, orders and performance summaries.
type Sink interface {
	SaveTrade(trade *models.Trade) error
	SaveOrder(order *models.Order) error
	SaveTraderPerformance(perf *models.TraderPerformance) error
}

// Noop discards everything. Used when persistence is disabled.
type Noop struct{}

func (Noop) SaveTrade(*models.Trade) error                         { return nil }
func (Noop) SaveOrder(*models.Order) error                         { return nil }
func (Noop) SaveTraderPerformance(*models.TraderPerformance) error { return nil }
