package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/sagalabs/fulfillment/internal/broker"
	"github.com/sagalabs/fulfillment/internal/cache"
	"github.com/sagalabs/fulfillment/internal/config"
	"github.com/sagalabs/fulfillment/internal/database"
	"github.com/sagalabs/fulfillment/internal/logger"
	"github.com/sagalabs/fulfillment/internal/models"
)

// orderStore is the slice of the order model the API uses.
type orderStore interface {
	Insert(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	List(ctx context.Context) ([]*models.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// keyStore records idempotency keys for order creation.
type keyStore interface {
	Get(ctx context.Context, key string) (*models.IdempotencyKey, error)
	Insert(ctx context.Context, key string, orderID uuid.UUID) error
}

// publisher is the slice of the event publisher the API uses.
type publisher interface {
	Publish(ctx context.Context, routingKey string, v any)
}

// cacher is the slice of the cache the API uses; the field stays nil when
// Redis is not configured.
type cacher interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expirationTime time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB
	orders orderStore
	keys   keyStore
	pub    publisher
	cache  cacher
}

func main() {
	var dev bool
	flag.BoolVar(&dev, "dev", false, "Enable godotenv")
	flag.Parse()

	if dev {
		if err := godotenv.Load(); err != nil {
			log.Fatal(err)
		}
	}

	logger := logger.New()

	cfg, err := config.Read()
	if err != nil {
		logger.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}
	if cfg.API.Port == "" {
		logger.Error("API_PORT environment variable not set")
		os.Exit(1)
	}

	db, err := database.NewConnection(cfg.DB)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Declare the topology up front so the first published event has a bound
	// queue to land in even before any worker has started.
	b, err := broker.Connect(cfg.Rabbit)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	if err := b.DeclareTopology(cfg.Broker); err != nil {
		logger.Error("Failed to declare broker topology", "error", err)
		os.Exit(1)
	}
	b.Close()

	pub := broker.NewPublisher(cfg.Rabbit, cfg.Broker.Exchange, logger)
	defer pub.Close()

	m := models.NewModels(db)

	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
		orders: m.Order,
		keys:   m.IdempotencyKey,
		pub:    pub,
	}

	c, err := cache.New(cfg.Redis)
	switch {
	case err == nil:
		app.cache = c
	case errors.Is(err, cache.ErrNotConfigured):
		logger.Info("Redis not configured, caching disabled")
	default:
		logger.Warn("Failed to connect to Redis, caching disabled", "error", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.API.Port),
		Handler: app.routes(),
	}

	shutdownErr := make(chan error)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("Shutting down API...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctx)
	}()

	logger.Info("API starting", "port", cfg.API.Port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	if err := <-shutdownErr; err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("API shutdown complete.")
}
