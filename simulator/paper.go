package simulator

import (
	"context"
	"sync"
	"time"

	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/logger"
	"predictflow/models"
	"predictflow/sink"
	"predictflow/stream"
)

// PaperSimulator runs the core against live venue streams. Market events
// flow dispatcher -> event channel -> core; strategy signals flow through
// the signal channel. A periodic idle tick reports progress while the
// market is quiet.
type PaperSimulator struct {
	core       *Core
	dispatcher *stream.Dispatcher
	channels   *channel.Channels
	managers   []*stream.Manager
	source     SignalSource
	idleTick   time.Duration
	subs       []stream.Subscription

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewPaperSimulator builds a paper simulator around a fresh core with
// latency simulation enabled.
func NewPaperSimulator(cfg appconfig.SimulatorConfig, dispatcher *stream.Dispatcher, channels *channel.Channels, persist sink.Sink) *PaperSimulator {
	idle := cfg.IdleTick
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &PaperSimulator{
		core:       NewCore(cfg, persist),
		dispatcher: dispatcher,
		channels:   channels,
		idleTick:   idle,
		log:        logger.GetLogger(),
	}
}

// Core exposes the underlying simulation state for accessors and metrics.
func (p *PaperSimulator) Core() *Core {
	return p.core
}

// WithSource attaches the strategy hook. Must be called before Start.
func (p *PaperSimulator) WithSource(source SignalSource) *PaperSimulator {
	p.source = source
	return p
}

// AddManager registers a venue connection manager the simulator will
// start and stop with its own lifecycle.
func (p *PaperSimulator) AddManager(m *stream.Manager) {
	p.managers = append(p.managers, m)
}

// Start registers dispatcher handlers, launches the event and signal
// loops, and starts every attached connection manager.
func (p *PaperSimulator) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	runCtx := p.ctx
	p.mu.Unlock()

	p.subs = []stream.Subscription{
		p.dispatcher.Register(models.EventOrderBookUpdate, p.handleEvent),
		p.dispatcher.Register(models.EventTrade, p.handleEvent),
		p.dispatcher.Register(models.EventConnected, p.handleLifecycle),
		p.dispatcher.Register(models.EventDisconnected, p.handleLifecycle),
		p.dispatcher.Register(models.EventError, p.handleLifecycle),
	}

	p.wg.Add(2)
	go p.eventLoop(runCtx)
	go p.signalLoop(runCtx)

	for _, m := range p.managers {
		if err := m.Start(runCtx); err != nil {
			p.Stop()
			return err
		}
	}

	p.log.WithComponent("paper_simulator").WithFields(logger.Fields{
		"managers":         len(p.managers),
		"starting_balance": p.core.StartingBalance(),
	}).Info("paper simulator started")
	return nil
}

// Stop stops the managers first so no new events arrive, then shuts the
// loops down. The channels stay open; their owner closes them.
func (p *PaperSimulator) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	for _, m := range p.managers {
		m.Stop()
	}
	cancel()
	p.wg.Wait()

	for _, sub := range p.subs {
		p.dispatcher.Unregister(sub)
	}
	p.subs = nil

	p.log.WithComponent("paper_simulator").WithFields(logger.Fields{
		"trades":  len(p.core.Trades()),
		"balance": p.core.Balance(),
	}).Info("paper simulator stopped")
}

// handleEvent runs inside the dispatch cycle, so it only forwards to the
// buffered event channel and never blocks the receive loop.
func (p *PaperSimulator) handleEvent(event models.MarketEvent) {
	p.mu.RLock()
	ctx := p.ctx
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}
	logger.IncrementEventReceived(string(event.Venue), 0)
	if !p.channels.SendEvent(ctx, event) {
		p.log.WithComponent("paper_simulator").WithFields(logger.Fields{
			"type":   event.Type,
			"market": event.MarketID,
		}).Warn("event channel full, dropping event")
	}
}

func (p *PaperSimulator) handleLifecycle(event models.MarketEvent) {
	entry := p.log.WithComponent("paper_simulator").WithFields(logger.Fields{
		"venue": event.Venue,
	})
	switch event.Type {
	case models.EventConnected:
		entry.Info("venue stream connected")
	case models.EventDisconnected:
		entry.Warn("venue stream disconnected")
	case models.EventError:
		entry.WithFields(logger.Fields{"error": event.Err}).Warn("venue stream error")
	}
}

func (p *PaperSimulator) eventLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.idleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-p.channels.Events:
			p.applyEvent(event)
		case <-ticker.C:
			p.channels.ReportStats()
			p.log.WithComponent("paper_simulator").WithFields(logger.Fields{
				"balance":   p.core.Balance(),
				"positions": len(p.core.Positions()),
				"trades":    len(p.core.Trades()),
			}).Debug("idle tick")
		}
	}
}

func (p *PaperSimulator) applyEvent(event models.MarketEvent) {
	switch event.Type {
	case models.EventOrderBookUpdate:
		p.core.OnOrderBook(event.OrderBook)
		if p.source != nil {
			p.execute(p.source.OnOrderBook(event.OrderBook))
		}
	case models.EventTrade:
		p.core.OnTrade(event.Trade)
		if p.source != nil {
			p.execute(p.source.OnTrade(event.Trade))
		}
	}
}

func (p *PaperSimulator) signalLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case signal := <-p.channels.Signals:
			p.execute([]models.TradingSignal{signal})
		}
	}
}

func (p *PaperSimulator) execute(signals []models.TradingSignal) {
	for _, signal := range signals {
		if _, err := p.core.ExecuteSignal(signal); err != nil {
			p.log.WithComponent("paper_simulator").WithError(err).WithFields(logger.Fields{
				"market": signal.MarketID,
				"side":   signal.Side,
			}).Warn("failed to execute signal")
		}
	}
}
