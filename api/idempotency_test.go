package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduper(t *testing.T, ttl time.Duration) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeduper(client, ttl), mr
}

func TestDeduperAddOnce(t *testing.T) {
	deduper, _ := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "u1", "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("first add should succeed")
	}

	added, err = deduper.Add(ctx, "u1", "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("replay should not be added")
	}
}

func TestDeduperKeysScopedPerUser(t *testing.T) {
	deduper, _ := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	if added, _ := deduper.Add(ctx, "u1", "key-1"); !added {
		t.Fatal("u1 add should succeed")
	}
	if added, _ := deduper.Add(ctx, "u2", "key-1"); !added {
		t.Fatal("same key for another user should be independent")
	}
}

func TestDeduperRemoveFreesKey(t *testing.T) {
	deduper, _ := newTestDeduper(t, time.Minute)
	ctx := context.Background()

	if added, _ := deduper.Add(ctx, "u1", "key-1"); !added {
		t.Fatal("add should succeed")
	}
	if err := deduper.Remove(ctx, "u1", "key-1"); err != nil {
		t.Fatal(err)
	}
	if added, _ := deduper.Add(ctx, "u1", "key-1"); !added {
		t.Fatal("add after remove should succeed")
	}
}

func TestDeduperKeyExpires(t *testing.T) {
	deduper, mr := newTestDeduper(t, time.Second)
	ctx := context.Background()

	if added, _ := deduper.Add(ctx, "u1", "key-1"); !added {
		t.Fatal("add should succeed")
	}
	mr.FastForward(2 * time.Second)
	if added, _ := deduper.Add(ctx, "u1", "key-1"); !added {
		t.Fatal("key should have expired")
	}
}
