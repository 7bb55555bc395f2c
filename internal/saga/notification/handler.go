// Package notification emits the customer notification for a fulfilled order.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sagalabs/fulfillment/internal/config"
	"github.com/sagalabs/fulfillment/internal/metrics"
	"github.com/sagalabs/fulfillment/internal/models"
	"github.com/sagalabs/fulfillment/internal/saga"
	"github.com/sagalabs/fulfillment/internal/worker"
)

// OrderStore is the slice of the order model the notification stage uses.
type OrderStore interface {
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

// Publisher is the slice of the event publisher the stage uses.
type Publisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte)
}

// Handler consumes inventory reserved events and simulates sending the
// customer notification. It never writes to the order: a lost or failed
// notification must not un-complete a fulfilled order, so exhausted
// deliveries are parked without touching the row.
type Handler struct {
	store  OrderStore
	pub    Publisher
	dedup  *saga.Deduper
	cfg    *config.Config
	logger *slog.Logger
}

func NewHandler(
	store OrderStore,
	pub Publisher,
	dedup *saga.Deduper,
	cfg *config.Config,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:  store,
		pub:    pub,
		dedup:  dedup,
		cfg:    cfg,
		logger: logger,
	}
}

func (h *Handler) HandleMessage(ctx context.Context, msg amqp.Delivery) error {
	var input models.Order
	if err := json.Unmarshal(msg.Body, &input); err != nil {
		return fmt.Errorf("unmarshaling order payload: %v: %w", err, worker.ErrDiscard)
	}

	h.logger.Info("Received inventory reserved event", "order_id", input.ID, "message_id", msg.MessageId)

	if count := worker.RetryCount(msg.Headers); count >= h.cfg.Saga.MaxRetries {
		h.pub.PublishRaw(ctx, h.cfg.Broker.OrderDeadKey, msg.Body)
		metrics.StageOutcomes.WithLabelValues("notification", "exhausted").Inc()
		h.logger.Error("Delivery attempts exhausted, notification dropped", "order_id", input.ID, "message_id", msg.MessageId)
		return nil
	}

	if h.dedup.Seen(ctx, msg.MessageId) {
		h.logger.Info("Skipping already processed message", "message_id", msg.MessageId)
		return nil
	}

	order, err := h.store.Get(ctx, input.ID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			return fmt.Errorf("order %s does not exist: %w", input.ID, worker.ErrDiscard)
		}
		return err
	}

	time.Sleep(h.cfg.Saga.ProcessingDelay)

	h.dedup.Mark(ctx, msg.MessageId)
	metrics.StageOutcomes.WithLabelValues("notification", "notified").Inc()
	h.logger.Info("Notification sent",
		"order_id", order.ID,
		"customer_email", order.CustomerEmail,
		"order_status", order.Status,
		"total_amount", order.TotalAmount,
	)

	return nil
}
