package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xivmarket/market-board/internal/cache"
	"github.com/xivmarket/market-board/internal/gamedata"
	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/model"
)

const tradeVolumeTTL = 7 * 24 * time.Hour

// CachedSaleStore decorates a durable SaleStore with the Redis sale
// aggregates: per-day trade-volume counters and most-recent-sale markers at
// world, dc, and region scope. Counter updates survive re-ordered batches
// because recent-sale markers only ever move forward in time.
type CachedSaleStore struct {
	inner  SaleStore
	rdb    *cache.Router
	w2dr   *gamedata.WorldToDcRegion
	sink   metrics.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewCachedSaleStore(inner SaleStore, rdb *cache.Router, w2dr *gamedata.WorldToDcRegion, sink metrics.Sink, logger *slog.Logger) *CachedSaleStore {
	return &CachedSaleStore{
		inner:  inner,
		rdb:    rdb,
		w2dr:   w2dr,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

func (s *CachedSaleStore) InsertMany(ctx context.Context, sales []model.Sale) error {
	if err := s.inner.InsertMany(ctx, sales); err != nil {
		return err
	}
	s.writeSaleAggregates(ctx, sales)
	return nil
}

func (s *CachedSaleStore) RetrieveBySaleTime(ctx context.Context, worldID, itemID, count int, from, to *time.Time) ([]model.Sale, error) {
	return s.inner.RetrieveBySaleTime(ctx, worldID, itemID, count, from, to)
}

type volumeKey struct {
	scope  string
	itemID int
	hq     bool
	day    string
}

// writeSaleAggregates folds the batch into per-day counters and recent-sale
// markers. Best-effort: the durable insert already succeeded, so failures are
// counted and logged, never returned.
func (s *CachedSaleStore) writeSaleAggregates(ctx context.Context, sales []model.Sale) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheOpTimeout)
	defer cancel()
	rdb := s.rdb.Write()

	quantities := make(map[volumeKey]int64)
	revenues := make(map[volumeKey]int64)
	days := make(map[volumeKey]time.Time)
	newest := make(map[volumeKey]model.Sale)

	for _, sale := range sales {
		qty := int64(sale.QuantityOrZero())
		day := sale.SaleTime.UTC().Truncate(24 * time.Hour)
		for _, scope := range s.scopeKeys(sale.WorldID) {
			vk := volumeKey{scope: scope, itemID: sale.ItemID, hq: sale.Hq, day: day.Format(time.DateOnly)}
			quantities[vk] += qty
			revenues[vk] += qty * int64(sale.PricePerUnit)
			days[vk] = day

			rk := volumeKey{scope: scope, itemID: sale.ItemID, hq: sale.Hq}
			if prev, ok := newest[rk]; !ok || sale.SaleTime.After(prev.SaleTime) {
				newest[rk] = sale
			}
		}
	}

	for vk, qty := range quantities {
		quKey := cache.TradeVolumeKey(vk.scope, vk.itemID, vk.hq, true, days[vk])
		prKey := cache.TradeVolumeKey(vk.scope, vk.itemID, vk.hq, false, days[vk])
		s.cacheWrite(rdb.IncrBy(ctx, quKey, qty).Err())
		s.cacheWrite(rdb.IncrBy(ctx, prKey, revenues[vk]).Err())
		s.cacheWrite(rdb.ExpireNX(ctx, quKey, tradeVolumeTTL).Err())
		s.cacheWrite(rdb.ExpireNX(ctx, prKey, tradeVolumeTTL).Err())
	}

	for rk, sale := range newest {
		s.writeRecentSale(ctx, rdb, rk, sale)
	}
}

// writeRecentSale advances the scope's recent-sale marker when the batch
// carries a newer sale than what is cached. World scopes store a paired
// ":time"/":price" string; dc and region scopes track per-world sale times in
// a sorted set that only moves forward.
func (s *CachedSaleStore) writeRecentSale(ctx context.Context, rdb redis.Cmdable, rk volumeKey, sale model.Sale) {
	saleMs := sale.SaleTime.UTC().UnixMilli()
	key := cache.RecentSaleKey(rk.scope, rk.itemID, rk.hq)

	if rk.scope == strconv.Itoa(sale.WorldID) {
		current, err := rdb.Get(ctx, key+":time").Result()
		if err != nil && err != redis.Nil {
			s.cacheWrite(err)
			return
		}
		if err == nil {
			if cachedMs, perr := strconv.ParseInt(current, 10, 64); perr == nil && cachedMs >= saleMs {
				return
			}
		}
		s.cacheWrite(rdb.Set(ctx, key+":time", saleMs, 0).Err())
		s.cacheWrite(rdb.Set(ctx, key+":price", sale.PricePerUnit, 0).Err())
		return
	}

	s.cacheWrite(rdb.ZAddGT(ctx, key, redis.Z{Score: float64(saleMs), Member: sale.WorldID}).Err())
}

func (s *CachedSaleStore) scopeKeys(worldID int) []string {
	keys := []string{strconv.Itoa(worldID)}
	if dc, region, ok := s.w2dr.Get(worldID); ok {
		keys = append(keys, dc, region)
	}
	return keys
}

func (s *CachedSaleStore) cacheWrite(err error) {
	if err != nil {
		s.sink.CacheError("sale")
		s.logger.Warn("sale aggregate cache write failed", "err", err)
	}
}

// RetrieveUnitTradeVelocity sums the scope's per-day counters over the
// inclusive [from, to] date range. The average divides by elapsed time, where
// a range ending today counts only the fraction of today that has passed.
func (s *CachedSaleStore) RetrieveUnitTradeVelocity(ctx context.Context, scopeKey string, itemID int, from, to time.Time) (nq, hq *model.TradeVelocity, err error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	start := from.UTC().Truncate(24 * time.Hour)
	end := to.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return nil, nil, nil
	}

	var gridDays []time.Time
	for day := start; !day.After(end); day = day.Add(24 * time.Hour) {
		gridDays = append(gridDays, day)
	}

	keys := make([]string, 0, len(gridDays)*4)
	for _, quality := range []bool{false, true} {
		for _, day := range gridDays {
			keys = append(keys,
				cache.TradeVolumeKey(scopeKey, itemID, quality, true, day),
				cache.TradeVolumeKey(scopeKey, itemID, quality, false, day))
		}
	}
	values, err := s.rdb.Read().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read trade volume (scope=%s, item=%d): %w", scopeKey, itemID, err)
	}

	elapsedDays := s.elapsedDays(start, end)
	perQuality := len(gridDays) * 2
	nq = sumVelocity(values[:perQuality], elapsedDays)
	hq = sumVelocity(values[perQuality:], elapsedDays)
	return nq, hq, nil
}

// elapsedDays measures the window from the start of the first day to either
// now (when the window ends today) or the end of the last day.
func (s *CachedSaleStore) elapsedDays(start, end time.Time) float64 {
	now := s.now().UTC()
	windowEnd := end.Add(24 * time.Hour)
	if end.Equal(now.Truncate(24 * time.Hour)) {
		windowEnd = now
	}
	return windowEnd.Sub(start).Hours() / 24
}

// sumVelocity folds alternating quantity/revenue values into a velocity.
// A scope whose counters sum to no quantity has no usable activity for the
// quality, which reads as nil rather than zero. Quantity-less sales create
// the counter keys without raising them, so key presence alone proves
// nothing.
func sumVelocity(values []any, elapsedDays float64) *model.TradeVelocity {
	var quantity, revenue int64
	for i := 0; i+1 < len(values); i += 2 {
		if q, ok := parseCachedInt64(values[i]); ok {
			quantity += q
		}
		if r, ok := parseCachedInt64(values[i+1]); ok {
			revenue += r
		}
	}
	if quantity <= 0 {
		return nil
	}
	v := &model.TradeVelocity{Quantity: quantity, SumSales: revenue}
	if elapsedDays > 0 {
		v.AvgSalesPerDay = float64(quantity) / elapsedDays
	}
	return v
}

func (s *CachedSaleStore) GetMostRecentSaleInWorld(ctx context.Context, worldID, itemID int, hq bool) (*model.RecentSale, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	key := cache.RecentSaleKey(strconv.Itoa(worldID), itemID, hq)
	values, err := s.rdb.Read().MGet(ctx, key+":time", key+":price").Result()
	if err != nil {
		return nil, fmt.Errorf("read recent sale (world=%d, item=%d): %w", worldID, itemID, err)
	}
	ms, okTime := parseCachedInt64(values[0])
	price, okPrice := parseCachedInt(values[1])
	if !okTime || !okPrice {
		return nil, nil
	}
	return &model.RecentSale{
		UnitPrice: price,
		SaleTime:  time.UnixMilli(ms).UTC(),
		WorldID:   worldID,
	}, nil
}

// GetMostRecentSaleInDatacenterOrRegion resolves the scope's newest-selling
// world from the sorted set, then reads that world's cached price.
func (s *CachedSaleStore) GetMostRecentSaleInDatacenterOrRegion(ctx context.Context, dcOrRegion string, itemID int, hq bool) (*model.RecentSale, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	rdb := s.rdb.Read()

	members, err := rdb.ZRevRangeWithScores(ctx, cache.RecentSaleKey(dcOrRegion, itemID, hq), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent sale (scope=%s, item=%d): %w", dcOrRegion, itemID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	worldID, err := strconv.Atoi(fmt.Sprint(members[0].Member))
	if err != nil {
		return nil, nil
	}

	worldKey := cache.RecentSaleKey(strconv.Itoa(worldID), itemID, hq)
	priceStr, err := rdb.Get(ctx, worldKey+":price").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recent sale price (world=%d, item=%d): %w", worldID, itemID, err)
	}
	price, err := strconv.Atoi(priceStr)
	if err != nil {
		return nil, nil
	}
	return &model.RecentSale{
		UnitPrice: price,
		SaleTime:  time.UnixMilli(int64(members[0].Score)).UTC(),
		WorldID:   worldID,
	}, nil
}
