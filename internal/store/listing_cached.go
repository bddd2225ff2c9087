package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/xivmarket/market-board/internal/cache"
	"github.com/xivmarket/market-board/internal/gamedata"
	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/model"
)

const (
	localListingsTTL  = 5 * time.Minute
	localListingsSize = 100_000
	cacheOpTimeout    = time.Second
)

// CachedListingStore decorates a durable ListingStore with a process-local
// short-TTL cache for reads and keeps the Redis min-listing and upload-time
// aggregates in sync on every write.
//
// The aggregates are the only data path for min-listing reads: they are not
// recomputed on a cache miss. A lost cache entry is a transient gap healed by
// the next write for that pair.
type CachedListingStore struct {
	inner  ListingStore
	rdb    *cache.Router
	local  *expirable.LRU[model.WorldItemPair, []model.Listing]
	group  singleflight.Group
	w2dr   *gamedata.WorldToDcRegion
	sink   metrics.Sink
	logger *slog.Logger
}

// NewCachedListingStore creates the caching decorator.
func NewCachedListingStore(inner ListingStore, rdb *cache.Router, w2dr *gamedata.WorldToDcRegion, sink metrics.Sink, logger *slog.Logger) *CachedListingStore {
	return &CachedListingStore{
		inner:  inner,
		rdb:    rdb,
		local:  expirable.NewLRU[model.WorldItemPair, []model.Listing](localListingsSize, nil, localListingsTTL),
		w2dr:   w2dr,
		sink:   sink,
		logger: logger,
	}
}

func (s *CachedListingStore) ReplaceLive(ctx context.Context, listings []model.Listing) error {
	uploadedAt := time.Now().UTC()
	for i := range listings {
		if listings[i].UpdatedAt.IsZero() {
			listings[i].UpdatedAt = uploadedAt
		}
	}

	groups := groupListingsByPair(listings)
	if err := s.inner.ReplaceLive(ctx, listings); err != nil {
		return err
	}

	for pair, group := range groups {
		s.local.Remove(pair)
		s.writeMinListingCache(ctx, pair, group, uploadedAt)
	}
	return nil
}

func (s *CachedListingStore) DeleteLive(ctx context.Context, q ListingQuery) error {
	if err := s.inner.DeleteLive(ctx, q); err != nil {
		return err
	}
	pair := model.WorldItemPair{WorldID: q.WorldID, ItemID: q.ItemID}
	s.local.Remove(pair)
	s.writeMinListingCache(ctx, pair, nil, time.Now().UTC())
	return nil
}

// writeMinListingCache recomputes the pair's cheapest NQ/HQ listings and
// writes them at world, dc, and region scope, plus the pair's last-write
// timestamp. All writes are best-effort; the durable write already succeeded.
func (s *CachedListingStore) writeMinListingCache(ctx context.Context, pair model.WorldItemPair, listings []model.Listing, uploadedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheOpTimeout)
	defer cancel()

	rdb := s.rdb.Write()
	dc, region, resolved := s.w2dr.Get(pair.WorldID)

	for _, hq := range []bool{false, true} {
		min := cheapestListing(listings, hq)
		worldKey := cache.MinListingKey(strconv.Itoa(pair.WorldID), pair.ItemID, hq)
		if min != nil {
			s.cacheWrite(rdb.Set(ctx, worldKey, min.PricePerUnit, 0).Err())
			if resolved {
				member := redis.Z{Score: float64(min.PricePerUnit), Member: pair.WorldID}
				s.cacheWrite(rdb.ZAdd(ctx, cache.MinListingKey(dc, pair.ItemID, hq), member).Err())
				s.cacheWrite(rdb.ZAdd(ctx, cache.MinListingKey(region, pair.ItemID, hq), member).Err())
			}
		} else {
			s.cacheWrite(rdb.Del(ctx, worldKey).Err())
			if resolved {
				s.cacheWrite(rdb.ZRem(ctx, cache.MinListingKey(dc, pair.ItemID, hq), pair.WorldID).Err())
				s.cacheWrite(rdb.ZRem(ctx, cache.MinListingKey(region, pair.ItemID, hq), pair.WorldID).Err())
			}
		}
	}

	s.cacheWrite(rdb.Set(ctx, cache.UploadTimeKey(pair.WorldID, pair.ItemID), uploadedAt.UnixMilli(), 0).Err())
}

func (s *CachedListingStore) cacheWrite(err error) {
	if err != nil {
		s.sink.CacheError("listing")
		s.logger.Warn("min-listing cache write failed", "err", err)
	}
}

func cheapestListing(listings []model.Listing, hq bool) *model.Listing {
	var min *model.Listing
	for i := range listings {
		l := &listings[i]
		if l.Hq != hq {
			continue
		}
		if min == nil || l.PricePerUnit < min.PricePerUnit {
			min = l
		}
	}
	return min
}

func (s *CachedListingStore) RetrieveLive(ctx context.Context, q ListingQuery) ([]model.Listing, error) {
	pair := model.WorldItemPair{WorldID: q.WorldID, ItemID: q.ItemID}
	if cached, ok := s.local.Get(pair); ok {
		s.sink.ListingLocalCacheHit()
		return cached, nil
	}
	s.sink.ListingLocalCacheMiss()

	// Concurrent misses for the same pair share one durable read.
	v, err, _ := s.group.Do(fmt.Sprintf("%d:%d", pair.WorldID, pair.ItemID), func() (any, error) {
		listings, err := s.inner.RetrieveLive(ctx, q)
		if err != nil {
			return nil, err
		}
		s.local.Add(pair, listings)
		s.sink.ListingLocalCacheUpdate()
		return listings, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Listing), nil
}

func (s *CachedListingStore) RetrieveManyLive(ctx context.Context, q ListingManyQuery) (map[model.WorldItemPair][]model.Listing, error) {
	pairs := q.Pairs()
	result := make(map[model.WorldItemPair][]model.Listing, len(pairs))

	var missedWorlds, missedItems []int
	missed := make(map[model.WorldItemPair]struct{})
	for _, pair := range pairs {
		if cached, ok := s.local.Get(pair); ok {
			s.sink.ListingLocalCacheHit()
			result[pair] = cached
			continue
		}
		s.sink.ListingLocalCacheMiss()
		missed[pair] = struct{}{}
		missedWorlds = append(missedWorlds, pair.WorldID)
		missedItems = append(missedItems, pair.ItemID)
	}
	if len(missed) == 0 {
		return result, nil
	}

	fetched, err := s.inner.RetrieveManyLive(ctx, ListingManyQuery{
		WorldIDs: distinct(missedWorlds),
		ItemIDs:  distinct(missedItems),
	})
	if err != nil {
		return nil, err
	}
	for pair, listings := range fetched {
		if _, ok := result[pair]; ok {
			continue
		}
		result[pair] = listings
		if _, wasMiss := missed[pair]; wasMiss {
			s.local.Add(pair, listings)
			s.sink.ListingLocalCacheUpdate()
		}
	}
	// The cross-product durable read can widen the requested pair set; trim
	// back to what was asked for.
	for pair := range result {
		if _, requested := inPairSet(pairs, pair); !requested {
			delete(result, pair)
		}
	}
	return result, nil
}

func inPairSet(pairs []model.WorldItemPair, target model.WorldItemPair) (int, bool) {
	for i, p := range pairs {
		if p == target {
			return i, true
		}
	}
	return 0, false
}

func (s *CachedListingStore) GetMinListing(ctx context.Context, worldID, itemID int) (model.MinListing, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	rdb := s.rdb.Read()
	values, err := rdb.MGet(ctx,
		cache.MinListingKey(strconv.Itoa(worldID), itemID, false),
		cache.MinListingKey(strconv.Itoa(worldID), itemID, true)).Result()
	if err != nil {
		return model.MinListing{}, fmt.Errorf("read min listing (world=%d, item=%d): %w", worldID, itemID, err)
	}

	var result model.MinListing
	if price, ok := parseCachedInt(values[0]); ok {
		result.World.Nq = &model.MinListingPrice{WorldID: worldID, UnitPrice: price}
	}
	if price, ok := parseCachedInt(values[1]); ok {
		result.World.Hq = &model.MinListingPrice{WorldID: worldID, UnitPrice: price}
	}

	dc, region, resolved := s.w2dr.Get(worldID)
	if !resolved {
		return result, nil
	}
	if result.Dc, err = s.GetMinListingForDcOrRegion(ctx, dc, itemID); err != nil {
		return result, err
	}
	if result.Region, err = s.GetMinListingForDcOrRegion(ctx, region, itemID); err != nil {
		return result, err
	}
	return result, nil
}

func (s *CachedListingStore) GetMinListingForDcOrRegion(ctx context.Context, dcOrRegion string, itemID int) (model.MinListingEntry, error) {
	rdb := s.rdb.Read()
	var entry model.MinListingEntry
	for _, hq := range []bool{false, true} {
		members, err := rdb.ZRangeWithScores(ctx, cache.MinListingKey(dcOrRegion, itemID, hq), 0, 0).Result()
		if err != nil {
			return entry, fmt.Errorf("read min listing (scope=%s, item=%d): %w", dcOrRegion, itemID, err)
		}
		if len(members) == 0 {
			continue
		}
		worldID, err := strconv.Atoi(fmt.Sprint(members[0].Member))
		if err != nil {
			continue
		}
		price := &model.MinListingPrice{WorldID: worldID, UnitPrice: int(members[0].Score)}
		if hq {
			entry.Hq = price
		} else {
			entry.Nq = price
		}
	}
	return entry, nil
}

func (s *CachedListingStore) GetCachedUploadTimes(ctx context.Context, queries []MarketItemQuery) ([]model.MarketItem, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	keys := make([]string, len(queries))
	for i, q := range queries {
		keys[i] = cache.UploadTimeKey(q.WorldID, q.ItemID)
	}
	values, err := s.rdb.Read().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read upload times: %w", err)
	}

	items := make([]model.MarketItem, 0, len(queries))
	for i, v := range values {
		ms, ok := parseCachedInt64(v)
		if !ok {
			continue
		}
		items = append(items, model.MarketItem{
			ItemID:         queries[i].ItemID,
			WorldID:        queries[i].WorldID,
			LastUploadTime: time.UnixMilli(ms).UTC(),
		})
	}
	return items, nil
}

func parseCachedInt(v any) (int, bool) {
	n, ok := parseCachedInt64(v)
	return int(n), ok
}

func parseCachedInt64(v any) (int64, bool) {
	str, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
