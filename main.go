package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"predictflow/config"
	"predictflow/internal/channel"
	"predictflow/logger"
	"predictflow/simulator"
	"predictflow/sink"
	"predictflow/stream"
	"predictflow/venue"
	"predictflow/venue/kalshi"
	"predictflow/venue/polymarket"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Predictflow.Name,
		"version": cfg.Predictflow.Version,
	}).Info("starting predictflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch(os.Getenv("AWS_REGION"), cfg.Predictflow.Name, cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.EventBuffer,
		cfg.Channels.SignalBuffer,
	)
	defer channels.Close()

	var persist sink.Sink = sink.Noop{}
	var ledger *sink.Ledger
	if cfg.Storage.Ledger.Enabled {
		ledger, err = sink.NewLedger(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create ledger sink")
			os.Exit(1)
		}
		persist = ledger
	} else {
		log.WithComponent("main").Info("ledger persistence disabled")
	}

	dispatcher := stream.NewDispatcher()
	sim := simulator.NewPaperSimulator(cfg.Simulator, dispatcher, channels, persist)

	type subscription struct {
		manager *stream.Manager
		markets []string
	}
	var subscriptions []subscription

	addVenue := func(adapter venue.Adapter, markets []string) {
		manager := stream.NewManager(adapter, cfg.Stream, dispatcher)
		sim.AddManager(manager)
		subscriptions = append(subscriptions, subscription{manager: manager, markets: markets})
	}

	if cfg.Venues.Kalshi.Enabled {
		addVenue(kalshi.New(cfg.Venues.Kalshi), cfg.Venues.Kalshi.Markets)
	}
	if cfg.Venues.Polymarket.Enabled {
		addVenue(polymarket.New(cfg.Venues.Polymarket), cfg.Venues.Polymarket.Markets)
	}
	if len(subscriptions) == 0 {
		log.WithComponent("main").Error("no venues enabled")
		os.Exit(1)
	}

	if ledger != nil {
		if err := ledger.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start ledger sink")
			os.Exit(1)
		}
	}

	if err := sim.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start paper simulator")
		os.Exit(1)
	}

	for _, sub := range subscriptions {
		for _, market := range sub.markets {
			if err := sub.manager.SubscribeMarket(market, true, true); err != nil {
				log.WithError(err).WithFields(logger.Fields{"market": market}).Warn("failed to subscribe market")
			}
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	sim.Stop()
	if ledger != nil {
		ledger.Stop()
	}
	cancel()

	log.WithFields(logger.Fields{
		"final_balance": sim.Core().Balance(),
		"trades":        len(sim.Core().Trades()),
	}).Info("predictflow stopped")
}
