// Package dedup provides the fast first-line check for strict-mode voting:
// an expiring Redis set of identities that already acted on a poll.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger records voter identities per poll. Entries expire after the
// retention window; durable enforcement lives in the poll store, so expiry
// only widens the pre-check, never correctness.
type Ledger struct {
	client    *redis.Client
	retention time.Duration
}

// NewLedger creates a ledger with the given retention window.
func NewLedger(client *redis.Client, retention time.Duration) *Ledger {
	return &Ledger{client: client, retention: retention}
}

func voterKey(pollID int64) string {
	return fmt.Sprintf("poll:%d:voters", pollID)
}

// AddIfAbsent records the identity for the poll and reports whether it was
// newly added. False means the identity already voted.
func (l *Ledger) AddIfAbsent(ctx context.Context, pollID int64, identity string) (bool, error) {
	key := voterKey(pollID)
	added, err := l.client.SAdd(ctx, key, identity).Result()
	if err != nil {
		return false, fmt.Errorf("ledger add: %w", err)
	}
	// Refresh the window on every write so the set lives as long as the poll
	// is actively voted on.
	if err := l.client.Expire(ctx, key, l.retention).Err(); err != nil {
		return false, fmt.Errorf("ledger expire: %w", err)
	}
	return added == 1, nil
}

// Remove forgets an identity, undoing the pre-check when a vote later fails
// downstream of the ledger.
func (l *Ledger) Remove(ctx context.Context, pollID int64, identity string) error {
	if err := l.client.SRem(ctx, voterKey(pollID), identity).Err(); err != nil {
		return fmt.Errorf("ledger remove: %w", err)
	}
	return nil
}
