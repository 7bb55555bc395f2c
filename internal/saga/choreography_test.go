package saga_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagalabs/fulfillment/internal/config"
	"github.com/sagalabs/fulfillment/internal/models"
	"github.com/sagalabs/fulfillment/internal/saga"
	"github.com/sagalabs/fulfillment/internal/saga/inventory"
	"github.com/sagalabs/fulfillment/internal/saga/notification"
	"github.com/sagalabs/fulfillment/internal/saga/payment"
)

// memStore mimics the guarded, column-scoped updates of the real order model
// so the choreography below exercises the same idempotency rules.
type memStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
}

func newMemStore() *memStore {
	return &memStore{orders: map[uuid.UUID]*models.Order{}}
}

func (s *memStore) add(order *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *order
	s.orders[order.ID] = &clone
}

func (s *memStore) Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	clone := *order
	return &clone, nil
}

func (s *memStore) MarkPaymentProcessing(ctx context.Context, orderID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return false, nil
	}
	if order.PaymentStatus != models.PaymentPending && order.PaymentStatus != models.PaymentProcessing {
		return false, nil
	}
	if order.Status != models.OrderPending && order.Status != models.OrderProcessing {
		return false, nil
	}

	order.PaymentStatus = models.PaymentProcessing
	order.Status = models.OrderProcessing
	return true, nil
}

func (s *memStore) SetPaymentOutcome(ctx context.Context, orderID uuid.UUID, paymentStatus models.PaymentStatus, status models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.PaymentStatus != models.PaymentProcessing {
		return false, nil
	}

	order.PaymentStatus = paymentStatus
	order.Status = status
	return true, nil
}

func (s *memStore) SetInventoryOutcome(ctx context.Context, orderID uuid.UUID, inventoryStatus models.InventoryStatus, status models.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.InventoryStatus != models.InventoryPending {
		return false, nil
	}

	order.InventoryStatus = inventoryStatus
	order.Status = status
	return true, nil
}

func (s *memStore) MarkFailed(ctx context.Context, orderID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return false, nil
	}
	if order.Status != models.OrderPending && order.Status != models.OrderProcessing {
		return false, nil
	}

	order.Status = models.OrderFailed
	return true, nil
}

type event struct {
	key  string
	body []byte
}

type memBus struct {
	events []event
}

func (b *memBus) Publish(ctx context.Context, routingKey string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	b.events = append(b.events, event{key: routingKey, body: body})
}

func (b *memBus) PublishRaw(ctx context.Context, routingKey string, body []byte) {
	b.events = append(b.events, event{key: routingKey, body: body})
}

func (b *memBus) take(t *testing.T, wantKey string) event {
	t.Helper()

	require.NotEmpty(t, b.events, "expected an event with key %q", wantKey)
	evt := b.events[0]
	b.events = b.events[1:]
	require.Equal(t, wantKey, evt.key)
	return evt
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Broker: config.Broker{
			Exchange:             "order.events",
			OrderCreatedKey:      "order.created",
			PaymentApprovedKey:   "payment.approved",
			InventoryReservedKey: "inventory.reserved",
			OrderDeadKey:         "order.dead",
		},
		Saga: config.Saga{
			PaymentApprovalRate:  0.70,
			InventoryReserveRate: 0.90,
			ProcessingDelay:      0,
			MaxRetries:           3,
		},
	}
}

func newOrder(t *testing.T) *models.Order {
	t.Helper()

	order := models.NewOrder("Ada Lovelace", "ada@example.com", []models.OrderItem{
		{ProductName: "Widget", SKU: "W-100", Quantity: 1, UnitPrice: 100},
		{ProductName: "Gadget", SKU: "G-200", Quantity: 2, UnitPrice: 200},
	})
	require.Equal(t, 500.0, order.TotalAmount)
	return order
}

func deliver(t *testing.T, body []byte) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Body: body, MessageId: uuid.NewString()}
}

func TestChoreographyHappyPath(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := &memBus{}
	cfg := testConfig()
	always := func(probability float64) bool { return true }

	payments := payment.NewHandler(store, bus, saga.NewDeduper(nil), always, cfg, quietLogger())
	inventories := inventory.NewHandler(store, bus, saga.NewDeduper(nil), always, cfg, quietLogger())
	notifications := notification.NewHandler(store, bus, saga.NewDeduper(nil), cfg, quietLogger())

	order := newOrder(t)
	store.add(order)

	created, err := json.Marshal(order)
	require.NoError(t, err)

	require.NoError(t, payments.HandleMessage(ctx, deliver(t, created)))

	approved := bus.take(t, "payment.approved")
	require.NoError(t, inventories.HandleMessage(ctx, deliver(t, approved.body)))

	assert.Empty(t, bus.events, "the inventory stage ends the chained saga")

	final, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, final.Status)
	assert.Equal(t, models.PaymentApproved, final.PaymentStatus)
	assert.Equal(t, models.InventoryReserved, final.InventoryStatus)
	assert.Equal(t, 500.0, final.TotalAmount)

	// The notification stage is triggered on its own and leaves the row alone.
	reserved, err := json.Marshal(final)
	require.NoError(t, err)
	require.NoError(t, notifications.HandleMessage(ctx, deliver(t, reserved)))

	after, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Status, after.Status)
	assert.Equal(t, final.InventoryStatus, after.InventoryStatus)
}

func TestChoreographyPaymentRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := &memBus{}
	never := func(probability float64) bool { return false }

	payments := payment.NewHandler(store, bus, saga.NewDeduper(nil), never, testConfig(), quietLogger())

	order := newOrder(t)
	store.add(order)

	created, err := json.Marshal(order)
	require.NoError(t, err)

	require.NoError(t, payments.HandleMessage(ctx, deliver(t, created)))

	assert.Empty(t, bus.events, "a rejected payment publishes nothing")

	final, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, final.Status)
	assert.Equal(t, models.PaymentRejected, final.PaymentStatus)
	assert.Equal(t, models.InventoryPending, final.InventoryStatus, "the inventory stage never ran")
}

func TestChoreographyOutOfStock(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := &memBus{}
	cfg := testConfig()
	always := func(probability float64) bool { return true }
	never := func(probability float64) bool { return false }

	payments := payment.NewHandler(store, bus, saga.NewDeduper(nil), always, cfg, quietLogger())
	inventories := inventory.NewHandler(store, bus, saga.NewDeduper(nil), never, cfg, quietLogger())

	order := newOrder(t)
	store.add(order)

	created, err := json.Marshal(order)
	require.NoError(t, err)

	require.NoError(t, payments.HandleMessage(ctx, deliver(t, created)))

	approved := bus.take(t, "payment.approved")
	require.NoError(t, inventories.HandleMessage(ctx, deliver(t, approved.body)))

	final, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, final.Status)
	assert.Equal(t, models.PaymentApproved, final.PaymentStatus, "the payment outcome is never rolled back")
	assert.Equal(t, models.InventoryOutOfStock, final.InventoryStatus)
}

func TestChoreographyRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := &memBus{}
	cfg := testConfig()
	always := func(probability float64) bool { return true }

	payments := payment.NewHandler(store, bus, saga.NewDeduper(nil), always, cfg, quietLogger())

	order := newOrder(t)
	store.add(order)

	created, err := json.Marshal(order)
	require.NoError(t, err)

	msg := deliver(t, created)
	require.NoError(t, payments.HandleMessage(ctx, msg))
	bus.take(t, "payment.approved")

	// Redeliver the same message without a dedup cache: the settled guard
	// must refuse a second outcome and nothing new may be published.
	require.NoError(t, payments.HandleMessage(ctx, msg))
	assert.Empty(t, bus.events)

	final, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentApproved, final.PaymentStatus)
}

func TestChoreographyCancelledOrderIsNotProcessed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := &memBus{}
	always := func(probability float64) bool { return true }

	payments := payment.NewHandler(store, bus, saga.NewDeduper(nil), always, testConfig(), quietLogger())

	order := newOrder(t)
	store.add(order)

	created, err := json.Marshal(order)
	require.NoError(t, err)

	// The customer cancels before the payment worker gets to the event.
	store.mu.Lock()
	store.orders[order.ID].Status = models.OrderCancelled
	store.mu.Unlock()

	require.NoError(t, payments.HandleMessage(ctx, deliver(t, created)))

	assert.Empty(t, bus.events)

	final, err := store.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, final.Status, "a cancelled order must stay cancelled")
	assert.Equal(t, models.PaymentPending, final.PaymentStatus)
}
