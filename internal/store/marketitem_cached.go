package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/xivmarket/market-board/internal/cache"
	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/model"
)

const marketItemTTL = 15 * time.Minute

// CachedMarketItemStore is a read-through Redis cache over a durable
// MarketItemStore. Cache failures degrade to the durable store rather than
// surfacing to the caller.
type CachedMarketItemStore struct {
	inner  MarketItemStore
	rdb    *cache.Router
	sink   metrics.Sink
	logger *slog.Logger
}

func NewCachedMarketItemStore(inner MarketItemStore, rdb *cache.Router, sink metrics.Sink, logger *slog.Logger) *CachedMarketItemStore {
	return &CachedMarketItemStore{inner: inner, rdb: rdb, sink: sink, logger: logger}
}

func (s *CachedMarketItemStore) Insert(ctx context.Context, item model.MarketItem) error {
	if err := s.inner.Insert(ctx, item); err != nil {
		return err
	}
	s.fill(ctx, item)
	return nil
}

func (s *CachedMarketItemStore) Retrieve(ctx context.Context, q MarketItemQuery) (*model.MarketItem, error) {
	if item, ok := s.lookup(ctx, q); ok {
		return item, nil
	}
	item, err := s.inner.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	if item != nil {
		s.fill(ctx, *item)
	}
	return item, nil
}

func (s *CachedMarketItemStore) RetrieveMany(ctx context.Context, q MarketItemManyQuery) (map[model.WorldItemPair]*model.MarketItem, error) {
	pairs := q.Pairs()
	if len(pairs) == 0 {
		return map[model.WorldItemPair]*model.MarketItem{}, nil
	}

	result := make(map[model.WorldItemPair]*model.MarketItem, len(pairs))
	var missedWorlds, missedItems []int
	missed := make(map[model.WorldItemPair]struct{})

	keys := make([]string, len(pairs))
	for i, pair := range pairs {
		keys[i] = cache.MarketItemKey(pair.WorldID, pair.ItemID)
	}
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	values, err := s.rdb.Read().MGet(cacheCtx, keys...).Result()
	cancel()
	if err != nil {
		s.cacheError(err)
		values = make([]any, len(pairs))
	}

	for i, pair := range pairs {
		if item, ok := decodeMarketItem(values[i]); ok {
			result[pair] = item
			continue
		}
		missed[pair] = struct{}{}
		missedWorlds = append(missedWorlds, pair.WorldID)
		missedItems = append(missedItems, pair.ItemID)
	}
	if len(missed) == 0 {
		return result, nil
	}

	fetched, err := s.inner.RetrieveMany(ctx, MarketItemManyQuery{
		WorldIDs: distinct(missedWorlds),
		ItemIDs:  distinct(missedItems),
	})
	if err != nil {
		return nil, err
	}
	for pair := range missed {
		item := fetched[pair]
		result[pair] = item
		if item != nil {
			s.fill(ctx, *item)
		}
	}
	return result, nil
}

func (s *CachedMarketItemStore) lookup(ctx context.Context, q MarketItemQuery) (*model.MarketItem, bool) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	raw, err := s.rdb.Read().Get(ctx, cache.MarketItemKey(q.WorldID, q.ItemID)).Bytes()
	if err != nil {
		return nil, false
	}
	var item model.MarketItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, false
	}
	return &item, true
}

func (s *CachedMarketItemStore) fill(ctx context.Context, item model.MarketItem) {
	raw, err := json.Marshal(item)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheOpTimeout)
	defer cancel()
	if err := s.rdb.Write().Set(ctx, cache.MarketItemKey(item.WorldID, item.ItemID), raw, marketItemTTL).Err(); err != nil {
		s.cacheError(err)
	}
}

func (s *CachedMarketItemStore) cacheError(err error) {
	s.sink.CacheError("market_item")
	s.logger.Warn("market item cache unavailable", "err", err)
}

func decodeMarketItem(v any) (*model.MarketItem, bool) {
	str, ok := v.(string)
	if !ok {
		return nil, false
	}
	var item model.MarketItem
	if err := json.Unmarshal([]byte(str), &item); err != nil {
		return nil, false
	}
	return &item, true
}
