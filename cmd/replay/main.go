// Replay runner: feeds a historical event file through the execution
// simulator and prints a performance report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"predictflow/config"
	"predictflow/logger"
	"predictflow/metrics"
	"predictflow/simulator"
	"predictflow/sink"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	dataPath := flag.String("data", "", "Path to historical event file (.json or .csv)")
	signalPath := flag.String("signals", "", "Optional path to a trading signal file (.json)")
	flag.Parse()

	if *dataPath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -data <events.json|events.csv> [-signals signals.json] [-config config.yml]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	events, err := simulator.LoadHistory(*dataPath)
	if err != nil {
		log.WithError(err).Error("failed to load historical events")
		os.Exit(1)
	}
	if len(events) == 0 {
		log.WithComponent("replay").Warn("no events in history file")
	}

	var persist sink.Sink = sink.Noop{}
	var ledger *sink.Ledger
	if cfg.Storage.Ledger.Enabled {
		ledger, err = sink.NewLedger(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create ledger sink")
			os.Exit(1)
		}
		persist = ledger
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if ledger != nil {
		if err := ledger.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start ledger sink")
			os.Exit(1)
		}
	}

	replay := simulator.NewReplaySimulator(cfg.Simulator, persist)

	if *signalPath != "" {
		source, err := simulator.LoadSignalSource(*signalPath)
		if err != nil {
			log.WithError(err).Error("failed to load signal file")
			os.Exit(1)
		}
		replay.WithSource(source)
	}

	start := time.Now()
	if err := replay.Run(ctx, events); err != nil {
		log.WithError(err).Error("replay failed")
		os.Exit(1)
	}

	core := replay.Core()
	periodStart, periodEnd := historyWindow(events)
	result := metrics.Calculate(
		core.Trades(),
		core.Positions(),
		core.StartingBalance(),
		core.Balance(),
		periodStart,
		periodEnd,
	)

	if err := persist.SaveTraderPerformance(ptr(result.Performance(cfg.Predictflow.Name))); err != nil {
		log.WithError(err).Warn("failed to persist performance summary")
	}
	if ledger != nil {
		ledger.Stop()
	}

	log.WithFields(logger.Fields{
		"events":   len(events),
		"duration": time.Since(start).String(),
	}).Info("replay finished")

	fmt.Print(metrics.Report(result))
}

func historyWindow(events []simulator.HistoricalEvent) (time.Time, time.Time) {
	if len(events) == 0 {
		now := time.Now().UTC()
		return now, now
	}
	return events[0].Timestamp, events[len(events)-1].Timestamp
}

func ptr[T any](v T) *T {
	return &v
}
