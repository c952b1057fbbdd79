package channel

import (
	"context"
	"sync"

	"predictflow/logger"
	"predictflow/models"
)

type ChannelStats struct {
	EventsSent     int64
	SignalsSent    int64
	EventsDropped  int64
	SignalsDropped int64
}

// Channels carries market events from the stream layer to the simulator
// and trading signals from strategies back to it. Sends are non-blocking;
// messages that would block are counted as dropped.
type Channels struct {
	Events  chan models.MarketEvent
	Signals chan models.TradingSignal

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBufferSize, signalBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events:  make(chan models.MarketEvent, eventBufferSize),
		Signals: make(chan models.TradingSignal, signalBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size":  eventBufferSize,
		"signal_buffer_size": signalBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	close(c.Signals)
	c.log.WithComponent("channels").Info("channels closed")
}

func (c *Channels) IncrementEventsSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementSignalsSent() {
	c.statsMutex.Lock()
	c.stats.SignalsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementEventsDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementSignalsDropped() {
	c.statsMutex.Lock()
	c.stats.SignalsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) SendEvent(ctx context.Context, event models.MarketEvent) bool {
	select {
	case c.Events <- event:
		c.IncrementEventsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementEventsDropped()
		return false
	}
}

func (c *Channels) SendSignal(ctx context.Context, signal models.TradingSignal) bool {
	select {
	case c.Signals <- signal:
		c.IncrementSignalsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementSignalsDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// ReportStats emits the channel counters through the metric logger.
func (c *Channels) ReportStats() {
	stats := c.GetStats()
	c.log.LogMetric("channels", "events_sent", stats.EventsSent, "counter", logger.Fields{
		"events_dropped":  stats.EventsDropped,
		"signals_sent":    stats.SignalsSent,
		"signals_dropped": stats.SignalsDropped,
	})
}
