// Package payment settles the payment stage of the order saga.
package payment

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

// OrderStore is the slice of the order model the payment stage uses.
type OrderStore interface {
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	MarkPaymentProcessing(ctx context.Context, orderID uuid.UUID) (bool, error)
	SetPaymentOutcome(ctx context.Context, orderID uuid.UUID, payment models.PaymentStatus, status models.OrderStatus) (bool, error)
	MarkFailed(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// Publisher is the slice of the event publisher the stage uses.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, v any)
	PublishRaw(ctx context.Context, routingKey string, body []byte)
}

// Handler consumes order created events. It marks the payment as processing,
// simulates the gateway call, persists approved or rejected, and publishes
// the approved order onward to the inventory stage. Rejection ends the saga:
// nothing is published and the order is failed.
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

	h.logger.Info("Received order created event", "order_id", input.ID, "message_id", msg.MessageId)

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

	ok, err := h.store.MarkPaymentProcessing(ctx, order.ID)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Info("Payment already settled, skipping", "order_id", order.ID)
		return nil
	}

	h.logger.Info("Processing payment", "order_id", order.ID, "total_amount", order.TotalAmount)
	time.Sleep(h.cfg.Saga.ProcessingDelay)

	if h.decide(h.cfg.Saga.PaymentApprovalRate) {
		return h.approve(ctx, order, msg.MessageId)
	}
	return h.reject(ctx, order, msg.MessageId)
}

func (h *Handler) approve(ctx context.Context, order *models.Order, messageID string) error {
	ok, err := h.store.SetPaymentOutcome(ctx, order.ID, models.PaymentApproved, models.OrderProcessing)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Info("Payment already settled, skipping", "order_id", order.ID)
		return nil
	}

	h.dedup.Mark(ctx, messageID)
	metrics.StageOutcomes.WithLabelValues("payment", "approved").Inc()
	h.logger.Info("Payment approved", "order_id", order.ID)

	order.Status = models.OrderProcessing
	order.PaymentStatus = models.PaymentApproved
	order.UpdatedAt = time.Now()
	h.pub.Publish(ctx, h.cfg.Broker.PaymentApprovedKey, order)

	return nil
}

func (h *Handler) reject(ctx context.Context, order *models.Order, messageID string) error {
	ok, err := h.store.SetPaymentOutcome(ctx, order.ID, models.PaymentRejected, models.OrderFailed)
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Info("Payment already settled, skipping", "order_id", order.ID)
		return nil
	}

	h.dedup.Mark(ctx, messageID)
	metrics.StageOutcomes.WithLabelValues("payment", "rejected").Inc()
	h.logger.Warn("Payment rejected", "order_id", order.ID)

	return nil
}

// giveUp fails an order whose delivery attempts are exhausted and parks the
// payload on the dead-letter queue for an operator. The delivery itself is
// acked; rejecting it again would only recycle it.
func (h *Handler) giveUp(ctx context.Context, orderID uuid.UUID, msg amqp.Delivery) error {
	if _, err := h.store.MarkFailed(ctx, orderID); err != nil {
		return err
	}

	h.pub.PublishRaw(ctx, h.cfg.Broker.OrderDeadKey, msg.Body)
	metrics.StageOutcomes.WithLabelValues("payment", "exhausted").Inc()
	h.logger.Error("Delivery attempts exhausted, order failed", "order_id", orderID, "message_id", msg.MessageId)

	return nil
}
