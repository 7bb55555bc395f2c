// Package inventory settles the inventory stage of the order saga.
package inventory

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

// OrderStore is the slice of the order model the inventory stage uses.
type OrderStore interface {
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	SetInventoryOutcome(ctx context.Context, orderID uuid.UUID, inventory models.InventoryStatus, status models.OrderStatus) (bool, error)
	MarkFailed(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// Publisher is the slice of the event publisher the stage uses.
type Publisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte)
}

// Handler consumes payment approved events. It simulates the stock check and
// settles the order in one write: reserved completes the order, out of stock
// fails it. The inventory outcome is the saga's last chained step, so the
// handler publishes nothing on success.
type Handler struct {
	store  OrderStore
	pub    Publisher
	dedup  *saga.Deduper
	decide saga.DecisionFunc
	cfg    *config.Config
	logger *slog.Logger
}

func NewHandler(
	store OrderStore,
	pub Publisher,
	dedup *saga.Deduper,
	decide saga.DecisionFunc,
	cfg *config.Config,
	logger *slog.Logger,
) *Handler {
	if decide == nil {
		decide = saga.RandomDecision
	}

	return &Handler{
		store:  store,
		pub:    pub,
		dedup:  dedup,
		decide: decide,
		cfg:    cfg,
		logger: logger,
	}
}

func (h *Handler) HandleMessage(ctx context.Context, msg amqp.Delivery) error {
	var input models.Order
	if err := json.Unmarshal(msg.Body, &input); err != nil {
		return fmt.Errorf("unmarshaling order payload: %v: %w", err, worker.ErrDiscard)
	}

	h.logger.Info("Received payment approved event", "order_id", input.ID, "message_id", msg.MessageId)

	if count := worker.RetryCount(msg.Headers); count >= h.cfg.Saga.MaxRetries {
		return h.giveUp(ctx, input.ID, msg)
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

	if order.InventoryStatus != models.InventoryPending {
		h.logger.Info("Inventory already settled, skipping", "order_id", order.ID, "inventory_status", order.InventoryStatus)
		return nil
	}

	h.logger.Info("Checking stock", "order_id", order.ID, "items", len(order.Items))
	time.Sleep(h.cfg.Saga.ProcessingDelay)

	if h.decide(h.cfg.Saga.InventoryReserveRate) {
		return h.reserve(ctx, order, msg.MessageId)
	}
	return h.outOfStock(ctx, order, msg.MessageId)
}

func (h *Handler) reserve(ctx context.Context, order *models.Order, messageID string) error {
	ok, err := h.store.SetInventoryOutcome(ctx, order.ID, models.InventoryReserved, models.OrderCompleted)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Info("Inventory already settled, skipping", "order_id", order.ID)
		return nil
	}

	h.dedup.Mark(ctx, messageID)
	metrics.StageOutcomes.WithLabelValues("inventory", "reserved").Inc()
	h.logger.Info("Inventory reserved, order completed", "order_id", order.ID)

	return nil
}

func (h *Handler) outOfStock(ctx context.Context, order *models.Order, messageID string) error {
	ok, err := h.store.SetInventoryOutcome(ctx, order.ID, models.InventoryOutOfStock, models.OrderFailed)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Info("Inventory already settled, skipping", "order_id", order.ID)
		return nil
	}

	h.dedup.Mark(ctx, messageID)
	metrics.StageOutcomes.WithLabelValues("inventory", "out_of_stock").Inc()
	h.logger.Warn("Inventory out of stock, order failed", "order_id", order.ID)

	return nil
}

// giveUp fails an order whose delivery attempts are exhausted and parks the
// payload on the dead-letter queue for an operator.
func (h *Handler) giveUp(ctx context.Context, orderID uuid.UUID, msg amqp.Delivery) error {
	if _, err := h.store.MarkFailed(ctx, orderID); err != nil {
		return err
	}

	h.pub.PublishRaw(ctx, h.cfg.Broker.OrderDeadKey, msg.Body)
	metrics.StageOutcomes.WithLabelValues("inventory", "exhausted").Inc()
	h.logger.Error("Delivery attempts exhausted, order failed", "order_id", orderID, "message_id", msg.MessageId)

	return nil
}
