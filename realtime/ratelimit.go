package realtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limit caps how many events of one kind an identity may send per window.
type Limit struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

// DefaultLimits are the per-kind caps applied when no override is
// configured. Kinds without an entry are not limited.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		MessageJoinBoard:  {Max: 20, Window: time.Minute},
		MessageLeaveBoard: {Max: 20, Window: time.Minute},
		MessageTyping:     {Max: 30, Window: 10 * time.Second},
	}
}

// WindowStore counts events in a sliding window. Allow records the event
// and reports whether it stayed within max.
type WindowStore interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error)
}

// Limiter applies per-(identity, kind) sliding-window limits. Windows for
// distinct kinds are independent; exhausting one never blocks another.
type Limiter struct {
	store  WindowStore
	limits map[string]Limit
}

func NewLimiter(store WindowStore, limits map[string]Limit) *Limiter {
	if store == nil {
		panic("realtime.NewLimiter: window store is nil")
	}
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{store: store, limits: limits}
}

// Allow reports whether the identity may send one more event of this kind.
// Failures in the window store fail open: a broken limiter must not take
// the live channel down.
func (l *Limiter) Allow(ctx context.Context, identity, kind string) bool {
	limit, ok := l.limits[kind]
	if !ok || limit.Max <= 0 {
		return true
	}
	allowed, err := l.store.Allow(ctx, identity+":"+kind, limit.Max, limit.Window)
	if err != nil {
		return true
	}
	return allowed
}

// MemoryWindows is the in-process window store: per-key timestamp slices
// pruned on every call plus a periodic sweep that clears keys gone idle.
type MemoryWindows struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryWindows) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	now := m.now()
	cutoff := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[key][:0]
	for _, ts := range m.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= max {
		m.entries[key] = kept
		return false, nil
	}
	m.entries[key] = append(kept, now)
	return true, nil
}

// StartSweep drops idle keys every interval until ctx ends, so identities
// that went away do not accumulate forever.
func (m *MemoryWindows) StartSweep(ctx context.Context, interval, maxWindow time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(maxWindow)
			}
		}
	}()
}

func (m *MemoryWindows) sweep(maxWindow time.Duration) {
	cutoff := m.now().Add(-maxWindow)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, stamps := range m.entries {
		idle := true
		for _, ts := range stamps {
			if ts.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(m.entries, key)
		}
	}
}

// RedisWindows shares windows across instances with one sorted set per key.
// Prune, count, record and re-arm expiry run as a single script so two
// instances never both admit the last slot.
type RedisWindows struct {
	client *redis.Client
}

func NewRedisWindows(client *redis.Client) *RedisWindows {
	if client == nil {
		panic("realtime.NewRedisWindows: redis client is nil")
	}
	return &RedisWindows{client: client}
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
if redis.call("ZCARD", key) >= max then
  return 0
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return 1
`)

func (r *RedisWindows) Allow(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := windowScript.Run(ctx, r.client, []string{"ratelimit:" + key},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.Itoa(max),
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
