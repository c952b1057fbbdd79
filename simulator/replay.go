package simulator

import (
	"context"
	"fmt"
	"time"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
	"predictflow/sink"
)

// ReplaySimulator feeds a finite historical event sequence through the
// core. Latency simulation is disabled and ids are sequential, so the
// same input and configuration always produce the same ledger and final
// balance. Trade timestamps come from the event being replayed.
type ReplaySimulator struct {
	core   *Core
	source SignalSource
	log    *logger.Log
	seq    int
}

func NewReplaySimulator(cfg appconfig.SimulatorConfig, persist sink.Sink) *ReplaySimulator {
	r := &ReplaySimulator{
		core: NewCore(cfg, persist),
		log:  logger.GetLogger(),
	}
	r.core.applyLatency = false
	r.core.newID = r.nextID
	return r
}

// Core exposes the simulation state after (or during) a run.
func (r *ReplaySimulator) Core() *Core {
	return r.core
}

// WithSource attaches the strategy hook. Must be called before Run.
func (r *ReplaySimulator) WithSource(source SignalSource) *ReplaySimulator {
	r.source = source
	return r
}

// Run replays the events in order. The input is expected to be sorted by
// timestamp already; LoadHistory guarantees that.
func (r *ReplaySimulator) Run(ctx context.Context, events []HistoricalEvent) error {
	log := r.log.WithComponent("replay_simulator")
	log.WithFields(logger.Fields{
		"events":           len(events),
		"starting_balance": r.core.StartingBalance(),
	}).Info("starting replay")

	for i := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		event := &events[i]
		ts := event.Timestamp
		r.core.now = func() time.Time { return ts }
		r.apply(event)
	}

	log.WithFields(logger.Fields{
		"trades":        len(r.core.Trades()),
		"final_balance": r.core.Balance(),
	}).Info("replay complete")
	return nil
}

func (r *ReplaySimulator) apply(event *HistoricalEvent) {
	switch event.Type {
	case HistoricalOrderBook:
		r.core.OnOrderBook(event.OrderBook)
		if r.source != nil {
			r.execute(r.source.OnOrderBook(event.OrderBook))
		}
	case HistoricalTrade:
		r.core.OnTrade(event.Trade)
		if r.source != nil {
			r.execute(r.source.OnTrade(event.Trade))
		}
	default:
		r.log.WithComponent("replay_simulator").WithFields(logger.Fields{
			"type": event.Type,
		}).Debug("skipping unknown historical event type")
	}
}

func (r *ReplaySimulator) execute(signals []models.TradingSignal) {
	for _, signal := range signals {
		if _, err := r.core.ExecuteSignal(signal); err != nil {
			r.log.WithComponent("replay_simulator").WithError(err).WithFields(logger.Fields{
				"market": signal.MarketID,
			}).Warn("failed to execute signal")
		}
	}
}

func (r *ReplaySimulator) nextID() string {
	r.seq++
	return fmt.Sprintf("replay-%06d", r.seq)
}
