package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sagalabs/fulfillment/internal/config"
	"github.com/sagalabs/fulfillment/internal/metrics"
)

// Publisher sends saga events to the order events exchange on a lazily opened
// connection. Publishing never returns an error: a failed send is logged,
// counted, and dropped, so an order's row remains correct even when its event
// is lost. Callers that must not lose progress rely on the database state, not
// the event stream.
//
// The mutex serializes all publishes through the single channel; amqp channels
// are not safe for concurrent use.
type Publisher struct {
	cfg      config.Rabbit
	exchange string
	logger   *slog.Logger

	mu     sync.Mutex
	broker *Broker
}

func NewPublisher(cfg config.Rabbit, exchange string, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:      cfg,
		exchange: exchange,
		logger:   logger,
	}
}

// Publish marshals v and sends it under routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to encode event, event dropped", "routing_key", routingKey, "error", err)
		metrics.PublishFailures.WithLabelValues(routingKey).Inc()
		return
	}

	p.PublishRaw(ctx, routingKey, body)
}

// PublishRaw sends an already-encoded body under routingKey. Handlers use it
// to forward an exhausted delivery's payload to the dead-letter queue
// unchanged.
func (p *Publisher) PublishRaw(ctx context.Context, routingKey string, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		p.logger.Error("Failed to reach the broker, event dropped", "routing_key", routingKey, "error", err)
		metrics.PublishFailures.WithLabelValues(routingKey).Inc()
		return
	}

	err = ch.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		Message(body),
	)
	if err != nil {
		p.logger.Error("Failed to publish event, event dropped", "routing_key", routingKey, "error", err)
		metrics.PublishFailures.WithLabelValues(routingKey).Inc()
		return
	}

	metrics.EventsPublished.WithLabelValues(routingKey).Inc()
}

// channel returns the memoized channel, reconnecting if the previous
// connection or channel has died. Callers hold p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.broker != nil {
		if !p.broker.Channel.IsClosed() {
			return p.broker.Channel, nil
		}
		p.broker.Close()
		p.broker = nil
	}

	b, err := Connect(p.cfg)
	if err != nil {
		return nil, err
	}

	p.broker = b
	return b.Channel, nil
}

// Close releases the lazily opened connection, if one was ever established.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broker == nil {
		return nil
	}

	err := p.broker.Close()
	p.broker = nil
	return err
}

// Message builds the publishing properties every saga event carries: a fresh
// message id for consumer-side dedup, persistent delivery so events survive a
// broker restart, and a publish timestamp.
func Message(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
}
