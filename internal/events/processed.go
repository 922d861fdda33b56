// Package events tracks which provider webhook events have been handled
// so replayed deliveries become no-ops.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRetention = 72 * time.Hour

// ProcessedTracker records handled webhook event ids in Redis. Entries
// expire after the retention window; providers stop retrying long before
// that.
type ProcessedTracker struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

func NewProcessedTracker(rdb redis.UniversalClient, retention time.Duration) *ProcessedTracker {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &ProcessedTracker{rdb: rdb, retention: retention}
}

func (t *ProcessedTracker) key(provider, eventID string) string {
	return fmt.Sprintf("bloomtext:processed:%s:%s", provider, eventID)
}

// Claim atomically marks an event as handled. It returns true exactly
// once per event id; a second delivery of the same event returns false.
func (t *ProcessedTracker) Claim(ctx context.Context, provider, eventID string) (bool, error) {
	ok, err := t.rdb.SetNX(ctx, t.key(provider, eventID), "1", t.retention).Result()
	if err != nil {
		return false, fmt.Errorf("events: claim %s/%s: %w", provider, eventID, err)
	}
	return ok, nil
}

// Release forgets a claim so a retried delivery can be processed again.
// Used when handling fails after the claim.
func (t *ProcessedTracker) Release(ctx context.Context, provider, eventID string) error {
	if err := t.rdb.Del(ctx, t.key(provider, eventID)).Err(); err != nil {
		return fmt.Errorf("events: release %s/%s: %w", provider, eventID, err)
	}
	return nil
}
