package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

// BoardLocker serializes structural mutations per board across all
// instances with a Redis SetNX lease. Waiters poll at a fixed interval up
// to MaxWait, then fail with the conflict sentinel so the caller maps it to
// a retryable response.
type BoardLocker struct {
	client *redis.Client

	// TTL bounds how long a crashed holder can block a board.
	TTL time.Duration
	// MaxWait bounds how long an acquire blocks before giving up.
	MaxWait time.Duration
	// RetryDelay is the poll interval while waiting for the holder.
	RetryDelay time.Duration
}

// NewBoardLocker creates a locker with the given lease TTL and wait bound.
func NewBoardLocker(client *redis.Client, ttl, maxWait time.Duration) *BoardLocker {
	if client == nil {
		panic("storage.NewBoardLocker: redis client is nil")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 3 * time.Second
	}
	return &BoardLocker{
		client:     client,
		TTL:        ttl,
		MaxWait:    maxWait,
		RetryDelay: 50 * time.Millisecond,
	}
}

func lockKey(boardID string) string {
	return "boardlock:" + boardID
}

// Release compares the stored token before deleting so an expired lease
// that another instance re-acquired is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireBoard takes the board lease, blocking up to MaxWait. The returned
// release function is safe to call exactly once, after all documents of the
// mutation are persisted.
func (l *BoardLocker) AcquireBoard(ctx context.Context, boardID string) (func(), error) {
	token := uuid.NewString()
	key := lockKey(boardID)
	deadline := time.Now().Add(l.MaxWait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("board lock acquire: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("board %s is locked by a concurrent mutation: %w", boardID, domain.ErrConflict)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.RetryDelay):
		}
	}

	release := func() {
		// Detached context: the lease must be released even when the
		// request context is already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			// Lease expiry will clear it.
			return
		}
	}
	return release, nil
}
