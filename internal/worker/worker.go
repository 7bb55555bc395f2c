// Package worker provides the consume loop shared by the saga stage workers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sagalabs/fulfillment/internal/broker"
	"github.com/sagalabs/fulfillment/internal/logger"
	"github.com/sagalabs/fulfillment/internal/metrics"
)

// ErrDiscard marks a delivery that can never succeed, such as a malformed
// payload or an unknown order. The worker acks it without retrying. Handlers
// wrap it with %w to attach context.
var ErrDiscard = errors.New("discarding delivery")

// Handlerer is an interface for handling messages.
type Handlerer interface {
	HandleMessage(ctx context.Context, msg amqp.Delivery) error
}

// Worker consumes messages from a queue and maps each handler result to a
// broker acknowledgement.
type Worker struct {
	queueName string
	broker    *broker.Broker
}

func New(queueName string, broker *broker.Broker) *Worker {
	return &Worker{
		queueName: queueName,
		broker:    broker,
	}
}

// Run consumes the queue until SIGINT or SIGTERM.
//
// A nil handler result acks the delivery. An error wrapping ErrDiscard also
// acks it: the message is poison and redelivery cannot fix it. Any other
// error nacks without requeue, which routes the message through the queue's
// dead-letter loop back onto the queue with its x-death count incremented.
func (w *Worker) Run(handler Handlerer) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logger.New()

	msgs, err := w.broker.Consume(w.queueName)
	if err != nil {
		logger.Error("Failed to register a consumer", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Shutting down worker...")
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Channel closed, shutting down.")
					return
				}

				w.settle(logger, msg, handler.HandleMessage(ctx, msg))
			}
		}
	}()

	logger.Info("Waiting for messages.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	wg.Wait()
	logger.Info("Worker shutdown complete.")
}

// settle acknowledges msg according to the handler's result.
func (w *Worker) settle(logger *slog.Logger, msg amqp.Delivery, err error) {
	switch {
	case err == nil:
		msg.Ack(false)
		metrics.Deliveries.WithLabelValues(w.queueName, "ack").Inc()
	case errors.Is(err, ErrDiscard):
		logger.Warn("Discarding message", "message_id", msg.MessageId, "error", err)
		msg.Ack(false)
		metrics.Deliveries.WithLabelValues(w.queueName, "discard").Inc()
	default:
		logger.Error("Error handling message", "message_id", msg.MessageId, "error", err)
		msg.Nack(false, false)
		metrics.Deliveries.WithLabelValues(w.queueName, "requeue").Inc()
	}
}

// RetryCount reads the delivery attempt count from the x-death header the
// broker maintains as a message cycles through the dead-letter loop. A first
// delivery carries no header and counts as zero.
func RetryCount(headers amqp.Table) int64 {
	if headers == nil {
		return 0
	}

	xDeath, ok := headers["x-death"]
	if !ok {
		return 0
	}

	xDeathSlice, ok := xDeath.([]any)
	if !ok {
		return 0
	}

	for _, h := range xDeathSlice {
		table, ok := h.(amqp.Table)
		if !ok {
			continue
		}

		count, ok := table["count"].(int64)
		if !ok {
			return 0
		}
		return count
	}

	return 0
}
