package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

func testView() *domain.BoardView {
	return &domain.BoardView{
		Board: domain.Board{
			ID:        "b1",
			Title:     "Roadmap",
			Owner:     "owner",
			ListOrder: []string{"l1"},
		},
		Lists: []domain.ListView{
			{
				List:  domain.List{ID: "l1", BoardID: "b1", Title: "Backlog", CardOrder: []string{"c1"}},
				Cards: []domain.Card{{ID: "c1", BoardID: "b1", ListID: "l1", Title: "one"}},
			},
		},
	}
}

func TestViewCacheRoundTrip(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewViewCache(client, time.Minute)
	ctx := context.Background()

	if _, ok := cache.GetBoardView(ctx, "b1"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	cache.SetBoardView(ctx, testView())
	got, ok := cache.GetBoardView(ctx, "b1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Title != "Roadmap" || len(got.Lists) != 1 || got.Lists[0].Cards[0].ID != "c1" {
		t.Fatalf("cached view = %+v", got)
	}

	cache.Evict(ctx, "b1")
	if _, ok := cache.GetBoardView(ctx, "b1"); ok {
		t.Fatal("hit after evict")
	}
}

func TestViewCacheCorruptEntry(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewViewCache(client, time.Minute)
	ctx := context.Background()

	if err := m.Set(viewCacheKey("b1"), "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.GetBoardView(ctx, "b1"); ok {
		t.Fatal("corrupt entry must miss")
	}
	// The corrupt key is dropped so the next write starts clean.
	if m.Exists(viewCacheKey("b1")) {
		t.Fatal("corrupt entry not deleted")
	}
}

func TestViewCacheDisabled(t *testing.T) {
	cache := NewViewCache(nil, time.Minute)
	ctx := context.Background()

	cache.SetBoardView(ctx, testView())
	if _, ok := cache.GetBoardView(ctx, "b1"); ok {
		t.Fatal("nil-client cache must always miss")
	}
	cache.Evict(ctx, "b1")
}
