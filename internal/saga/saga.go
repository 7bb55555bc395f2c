// Package saga holds the pieces the stage handlers share: the weighted
// outcome decision and best-effort dedup of redelivered messages.
package saga

import (
	"context"
	"math/rand"
	"time"
)

// DecisionFunc reports a simulated stage outcome, true with roughly the given
// probability. Handlers carry one as a field so tests can pin the result.
type DecisionFunc func(probability float64) bool

// RandomDecision is the DecisionFunc used in production.
func RandomDecision(probability float64) bool {
	return rand.Float64() < probability
}

// processedTTL bounds how long a handled message id stays in the cache.
const processedTTL = 24 * time.Hour

// Marker is the slice of the cache the Deduper uses.
type Marker interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key string, value any, expirationTime time.Duration) (bool, error)
}

// Deduper remembers handled message ids so a redelivered message can be
// skipped without touching the database. It is best effort on both sides: a
// cache error reads as "not seen", and marking failures are dropped. The
// guarded database updates stay authoritative, so a dedup miss costs a no-op
// update, never a double effect.
type Deduper struct {
	cache Marker
}

// NewDeduper wraps cache; a nil cache yields a Deduper that never matches.
func NewDeduper(cache Marker) *Deduper {
	return &Deduper{cache: cache}
}

// Seen reports whether messageID was already processed.
func (d *Deduper) Seen(ctx context.Context, messageID string) bool {
	if d == nil || d.cache == nil || messageID == "" {
		return false
	}

	seen, err := d.cache.Exists(ctx, processedKey(messageID))
	if err != nil {
		return false
	}
	return seen
}

// Mark records messageID as processed once its effects are persisted. The
// first marker wins; marking an already-marked id changes nothing.
func (d *Deduper) Mark(ctx context.Context, messageID string) {
	if d == nil || d.cache == nil || messageID == "" {
		return
	}

	d.cache.SetNX(ctx, processedKey(messageID), "1", processedTTL)
}

func processedKey(messageID string) string {
	return "processed:" + messageID
}
