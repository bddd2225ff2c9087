package store_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xivmarket/market-board/internal/cache"
	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/model"
	"github.com/xivmarket/market-board/internal/store"
)

func newCachedMarketItemStore(t *testing.T) (*store.CachedMarketItemStore, *store.MemoryMarketItemStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	inner := store.NewMemoryMarketItemStore()
	return store.NewCachedMarketItemStore(inner, cache.NewRouter(rdb), metrics.Nop{}, slog.Default()), inner
}

func TestCachedMarketItemStoreReadThrough(t *testing.T) {
	ctx := context.Background()
	s, inner := newCachedMarketItemStore(t)
	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// Seed the durable tier directly; the first read must fall through and
	// fill the cache.
	if err := inner.Insert(ctx, model.MarketItem{WorldID: 74, ItemID: 5333, LastUploadTime: at}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := s.Retrieve(ctx, store.MarketItemQuery{WorldID: 74, ItemID: 5333})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got == nil || !got.LastUploadTime.Equal(at) {
		t.Fatalf("retrieve = %+v, want upload time %v", got, at)
	}

	// Mutate the durable tier; the cached record now masks it.
	if err := inner.Insert(ctx, model.MarketItem{WorldID: 74, ItemID: 5333, LastUploadTime: at.Add(time.Hour)}); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	cached, err := s.Retrieve(ctx, store.MarketItemQuery{WorldID: 74, ItemID: 5333})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !cached.LastUploadTime.Equal(at) {
		t.Fatalf("read skipped cache: %v", cached.LastUploadTime)
	}
}

func TestCachedMarketItemStoreWriteThrough(t *testing.T) {
	ctx := context.Background()
	s, _ := newCachedMarketItemStore(t)
	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	if err := s.Insert(ctx, model.MarketItem{WorldID: 74, ItemID: 5333, LastUploadTime: at}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := s.Retrieve(ctx, store.MarketItemQuery{WorldID: 74, ItemID: 5333})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got == nil || !got.LastUploadTime.Equal(at) {
		t.Fatalf("retrieve = %+v", got)
	}
}

func TestMarketItemStoreRetrieveManyShape(t *testing.T) {
	ctx := context.Background()
	s, _ := newCachedMarketItemStore(t)
	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	if err := s.Insert(ctx, model.MarketItem{WorldID: 74, ItemID: 5333, LastUploadTime: at}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.RetrieveMany(ctx, store.MarketItemManyQuery{WorldIDs: []int{74, 91}, ItemIDs: []int{5333}})
	if err != nil {
		t.Fatalf("RetrieveMany: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("result has %d pairs, want 2", len(got))
	}
	if item := got[model.WorldItemPair{WorldID: 74, ItemID: 5333}]; item == nil || !item.LastUploadTime.Equal(at) {
		t.Fatalf("present pair = %+v", item)
	}
	absent, ok := got[model.WorldItemPair{WorldID: 91, ItemID: 5333}]
	if !ok {
		t.Fatal("absent pair omitted from result; want present-with-nil")
	}
	if absent != nil {
		t.Fatalf("absent pair = %+v, want nil", absent)
	}
}

func TestMemoryMarketItemStoreRetrieveAbsent(t *testing.T) {
	s := store.NewMemoryMarketItemStore()
	got, err := s.Retrieve(context.Background(), store.MarketItemQuery{WorldID: 74, ItemID: 1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil for never-uploaded pair", got)
	}
}
