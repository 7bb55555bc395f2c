package worker

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

type fakeAcknowledger struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.nacked = true
	f.requeued = requeue
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSettleAcksOnSuccess(t *testing.T) {
	w := New("payment-queue", nil)
	ack := &fakeAcknowledger{}
	msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}

	w.settle(testLogger(), msg, nil)

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
}

func TestSettleAcksOnDiscard(t *testing.T) {
	w := New("payment-queue", nil)
	ack := &fakeAcknowledger{}
	msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}

	w.settle(testLogger(), msg, fmt.Errorf("bad payload: %w", ErrDiscard))

	assert.True(t, ack.acked, "poison messages are acked, not retried")
	assert.False(t, ack.nacked)
}

func TestSettleNacksWithoutRequeueOnError(t *testing.T) {
	w := New("payment-queue", nil)
	ack := &fakeAcknowledger{}
	msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}

	w.settle(testLogger(), msg, errors.New("transient failure"))

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeued, "redelivery goes through the dead-letter loop, not a basic requeue")
	assert.False(t, ack.acked)
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int64
	}{
		{
			name:    "nil headers",
			headers: nil,
			want:    0,
		},
		{
			name:    "no x-death entry",
			headers: amqp.Table{"content-type": "application/json"},
			want:    0,
		},
		{
			name: "first delivery cycle",
			headers: amqp.Table{
				"x-death": []any{
					amqp.Table{"count": int64(1), "queue": "payment-queue"},
				},
			},
			want: 1,
		},
		{
			name: "several cycles",
			headers: amqp.Table{
				"x-death": []any{
					amqp.Table{"count": int64(3), "queue": "payment-queue"},
				},
			},
			want: 3,
		},
		{
			name:    "malformed x-death value",
			headers: amqp.Table{"x-death": "not-a-slice"},
			want:    0,
		},
		{
			name: "entry without a count",
			headers: amqp.Table{
				"x-death": []any{
					amqp.Table{"queue": "payment-queue"},
				},
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryCount(tt.headers))
		})
	}
}
