// Package broker wraps the amqp client and owns the fulfillment topology: one
// durable direct exchange with a work queue per saga stage and a parked
// dead-letter queue.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sagalabs/fulfillment/internal/config"
)

// Broker is a wrapper around the amqp client.
type Broker struct {
	conn    *amqp.Connection
	Channel *amqp.Channel
}

// Connect dials the broker and opens a channel.
func Connect(cfg config.Rabbit) (*Broker, error) {
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Broker{
		conn:    conn,
		Channel: ch,
	}, nil
}

// Close closes the channel and the underlying connection.
func (b *Broker) Close() error {
	if b.Channel != nil {
		b.Channel.Close()
	}
	return b.conn.Close()
}

// DeclareTopology declares the exchange, the three stage queues, and the
// dead-letter queue. Every process declares the full topology on startup so
// bindings exist before the first publish, regardless of start order.
//
// Each stage queue dead-letters back to the exchange under its own routing
// key: a rejected delivery re-enters the same queue with its x-death count
// incremented, which is what the handlers read to enforce the retry cap.
func (b *Broker) DeclareTopology(cfg config.Broker) error {
	err := b.Channel.ExchangeDeclare(
		cfg.Exchange,     // name
		ExchangeTypeName, // type
		true,             // durable
		false,            // auto-deleted
		false,            // internal
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare an exchange: %w", err)
	}

	stages := []struct {
		queue string
		key   string
	}{
		{cfg.PaymentQueue, cfg.OrderCreatedKey},
		{cfg.InventoryQueue, cfg.PaymentApprovedKey},
		{cfg.NotificationQueue, cfg.InventoryReservedKey},
	}

	for _, s := range stages {
		args := amqp.Table{
			DeadLetterExchangeArg:   cfg.Exchange,
			DeadLetterRoutingKeyArg: s.key,
		}
		if err := b.declareAndBind(cfg.Exchange, s.queue, s.key, args); err != nil {
			return err
		}
	}

	// The dead-letter queue has no dead-letter loop of its own; messages
	// parked here stay until an operator drains them.
	return b.declareAndBind(cfg.Exchange, cfg.DeadLetterQueue, cfg.OrderDeadKey, nil)
}

func (b *Broker) declareAndBind(exchange, queueName, routingKey string, queueArgs amqp.Table) error {
	q, err := b.Channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		queueArgs, // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare a queue: %w", err)
	}

	err = b.Channel.QueueBind(
		q.Name,     // queue name
		routingKey, // routing key
		exchange,   // exchange
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return fmt.Errorf("failed to bind a queue: %w", err)
	}

	return nil
}

// Consume sets a prefetch of one and registers a consumer on the queue.
// Manual acknowledgement keeps each worker holding at most one unacked
// delivery, so unfinished work returns to the queue on crash.
func (b *Broker) Consume(queueName string) (<-chan amqp.Delivery, error) {
	err := b.Channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set channel QoS: %w", err)
	}

	d, err := b.Channel.Consume(
		queueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register a consumer: %w", err)
	}

	return d, nil
}
