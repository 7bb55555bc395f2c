package inventory

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagalabs/fulfillment/internal/config"
	"github.com/sagalabs/fulfillment/internal/models"
	"github.com/sagalabs/fulfillment/internal/saga"
	"github.com/sagalabs/fulfillment/internal/worker"
)

type fakeStore struct {
	order *models.Order

	outcomeOK        bool
	outcomeCalled    bool
	outcomeInventory models.InventoryStatus
	outcomeStatus    models.OrderStatus

	markedFailed bool
}

func (f *fakeStore) Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if f.order == nil {
		return nil, models.ErrOrderNotFound
	}
	return f.order, nil
}

func (f *fakeStore) SetInventoryOutcome(ctx context.Context, orderID uuid.UUID, inventory models.InventoryStatus, status models.OrderStatus) (bool, error) {
	f.outcomeCalled = true
	f.outcomeInventory = inventory
	f.outcomeStatus = status
	return f.outcomeOK, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, orderID uuid.UUID) (bool, error) {
	f.markedFailed = true
	return true, nil
}

type fakePublisher struct {
	deadKey  string
	deadBody []byte
}

func (f *fakePublisher) PublishRaw(ctx context.Context, routingKey string, body []byte) {
	f.deadKey = routingKey
	f.deadBody = body
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Broker: config.Broker{
			Exchange:     "order.events",
			OrderDeadKey: "order.dead",
		},
		Saga: config.Saga{
			InventoryReserveRate: 0.90,
			ProcessingDelay:      0,
			MaxRetries:           3,
		},
	}
}

func approvedOrder() *models.Order {
	order := models.NewOrder("Grace Hopper", "grace@example.com", []models.OrderItem{
		{ProductName: "Gadget", SKU: "G-200", Quantity: 1, UnitPrice: 120},
	})
	order.Status = models.OrderProcessing
	order.PaymentStatus = models.PaymentApproved
	return order
}

func delivery(t *testing.T, order *models.Order) amqp.Delivery {
	t.Helper()

	body, err := json.Marshal(order)
	require.NoError(t, err)

	return amqp.Delivery{
		Body:      body,
		MessageId: uuid.NewString(),
	}
}

func TestHandleMessageReserveCompletesOrder(t *testing.T) {
	order := approvedOrder()
	store := &fakeStore{order: order, outcomeOK: true}
	pub := &fakePublisher{}
	reserve := func(probability float64) bool { return true }

	h := NewHandler(store, pub, saga.NewDeduper(nil), reserve, testConfig(), quietLogger())

	err := h.HandleMessage(context.Background(), delivery(t, order))

	require.NoError(t, err)
	assert.Equal(t, models.InventoryReserved, store.outcomeInventory)
	assert.Equal(t, models.OrderCompleted, store.outcomeStatus)
	assert.Empty(t, pub.deadKey, "a settled stage publishes nothing")
}

func TestHandleMessageOutOfStockFailsOrder(t *testing.T) {
	order := approvedOrder()
	store := &fakeStore{order: order, outcomeOK: true}
	outOfStock := func(probability float64) bool { return false }

	h := NewHandler(store, &fakePublisher{}, saga.NewDeduper(nil), outOfStock, testConfig(), quietLogger())

	err := h.HandleMessage(context.Background(), delivery(t, order))

	require.NoError(t, err)
	assert.Equal(t, models.InventoryOutOfStock, store.outcomeInventory)
	assert.Equal(t, models.OrderFailed, store.outcomeStatus)
}

func TestHandleMessageSettledInventoryIsSkipped(t *testing.T) {
	order := approvedOrder()
	order.InventoryStatus = models.InventoryReserved
	store := &fakeStore{order: order, outcomeOK: true}

	h := NewHandler(store, &fakePublisher{}, saga.NewDeduper(nil), nil, testConfig(), quietLogger())

	err := h.HandleMessage(context.Background(), delivery(t, order))

	require.NoError(t, err)
	assert.False(t, store.outcomeCalled, "a settled inventory status is never rewritten")
}

func TestHandleMessageRetryCapParksMessage(t *testing.T) {
	order := approvedOrder()
	store := &fakeStore{order: order}
	pub := &fakePublisher{}

	h := NewHandler(store, pub, saga.NewDeduper(nil), nil, testConfig(), quietLogger())

	msg := delivery(t, order)
	msg.Headers = amqp.Table{
		"x-death": []any{
			amqp.Table{"count": int64(5), "queue": "inventory-queue"},
		},
	}

	err := h.HandleMessage(context.Background(), msg)

	require.NoError(t, err)
	assert.True(t, store.markedFailed)
	assert.Equal(t, "order.dead", pub.deadKey)
	assert.Equal(t, msg.Body, pub.deadBody)
}

func TestHandleMessageMalformedPayloadIsDiscarded(t *testing.T) {
	h := NewHandler(&fakeStore{}, &fakePublisher{}, saga.NewDeduper(nil), nil, testConfig(), quietLogger())

	err := h.HandleMessage(context.Background(), amqp.Delivery{Body: []byte("not json")})

	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrDiscard)
}

func TestHandleMessageUnknownOrderIsDiscarded(t *testing.T) {
	order := approvedOrder()
	h := NewHandler(&fakeStore{order: nil}, &fakePublisher{}, saga.NewDeduper(nil), nil, testConfig(), quietLogger())

	err := h.HandleMessage(context.Background(), delivery(t, order))

	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrDiscard)
}
