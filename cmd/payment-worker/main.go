package main

import (
	"errors"
	"flag"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/sagalabs/fulfillment/internal/broker"
	"github.com/sagalabs/fulfillment/internal/cache"
	"github.com/sagalabs/fulfillment/internal/config"
	"github.com/sagalabs/fulfillment/internal/database"
	"github.com/sagalabs/fulfillment/internal/logger"
	"github.com/sagalabs/fulfillment/internal/metrics"
	"github.com/sagalabs/fulfillment/internal/models"
	"github.com/sagalabs/fulfillment/internal/saga"
	"github.com/sagalabs/fulfillment/internal/saga/payment"
	"github.com/sagalabs/fulfillment/internal/worker"
)

func main() {
	var dev bool
	flag.BoolVar(&dev, "dev", false, "Enable godotenv")
	flag.Parse()

	logger := logger.New()

	if dev {
		if err := godotenv.Load(); err != nil {
			logger.Error("Error loading .env file", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Read()
	if err != nil {
		logger.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.NewConnection(cfg.DB)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	b, err := broker.Connect(cfg.Rabbit)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	if err := b.DeclareTopology(cfg.Broker); err != nil {
		logger.Error("Failed to declare broker topology", "error", err)
		os.Exit(1)
	}

	pub := broker.NewPublisher(cfg.Rabbit, cfg.Broker.Exchange, logger)
	defer pub.Close()

	var dedup *saga.Deduper
	c, err := cache.New(cfg.Redis)
	switch {
	case err == nil:
		dedup = saga.NewDeduper(c)
	case errors.Is(err, cache.ErrNotConfigured):
		logger.Info("Redis not configured, message dedup disabled")
	default:
		logger.Warn("Failed to connect to Redis, message dedup disabled", "error", err)
	}

	appModels := models.NewModels(db)
	handler := payment.NewHandler(appModels.Order, pub, dedup, saga.RandomDecision, cfg, logger)

	go metrics.Serve(logger, cfg.Metrics.Port)

	w := worker.New(cfg.Broker.PaymentQueue, b)
	w.Run(handler)
}
