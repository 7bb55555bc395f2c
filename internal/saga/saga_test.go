package saga

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type mapMarker struct {
	entries map[string]bool
	err     error
}

func newMapMarker() *mapMarker {
	return &mapMarker{entries: map[string]bool{}}
}

func (m *mapMarker) Exists(ctx context.Context, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.entries[key], nil
}

func (m *mapMarker) SetNX(ctx context.Context, key string, value any, expirationTime time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.entries[key] {
		return false, nil
	}
	m.entries[key] = true
	return true, nil
}

func TestDeduperRemembersMarkedIDs(t *testing.T) {
	d := NewDeduper(newMapMarker())
	ctx := context.Background()

	assert.False(t, d.Seen(ctx, "msg-1"))

	d.Mark(ctx, "msg-1")

	assert.True(t, d.Seen(ctx, "msg-1"))
	assert.False(t, d.Seen(ctx, "msg-2"))
}

func TestDeduperIsNilSafe(t *testing.T) {
	ctx := context.Background()

	var d *Deduper
	assert.False(t, d.Seen(ctx, "msg-1"))
	d.Mark(ctx, "msg-1")

	d = NewDeduper(nil)
	assert.False(t, d.Seen(ctx, "msg-1"))
	d.Mark(ctx, "msg-1")
}

func TestDeduperTreatsCacheErrorsAsUnseen(t *testing.T) {
	m := newMapMarker()
	m.err = errors.New("connection refused")
	d := NewDeduper(m)

	assert.False(t, d.Seen(context.Background(), "msg-1"))
}

func TestDeduperIgnoresEmptyMessageID(t *testing.T) {
	m := newMapMarker()
	d := NewDeduper(m)
	ctx := context.Background()

	d.Mark(ctx, "")

	assert.Empty(t, m.entries)
	assert.False(t, d.Seen(ctx, ""))
}

func TestRandomDecisionAtBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.False(t, RandomDecision(0), "probability 0 never passes")
		assert.True(t, RandomDecision(1), "probability 1 always passes")
	}
}
