package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/xivmarket/market-board/internal/cache"
)

// RedisWorldItemUploadStore keeps a per-world sorted set of item ids scored
// by latest upload time. Scores only move forward, so replayed or re-ordered
// uploads cannot push an item back down the ranking.
type RedisWorldItemUploadStore struct {
	rdb *cache.Router
}

func NewRedisWorldItemUploadStore(rdb *cache.Router) *RedisWorldItemUploadStore {
	return &RedisWorldItemUploadStore{rdb: rdb}
}

func (s *RedisWorldItemUploadStore) SetItem(ctx context.Context, worldID, itemID int, timestampMs int64) error {
	err := s.rdb.Write().ZAddGT(ctx, cache.MostRecentlyUpdatedKey(worldID),
		redis.Z{Score: float64(timestampMs), Member: itemID}).Err()
	if err != nil {
		return fmt.Errorf("record upload (world=%d, item=%d): %w", worldID, itemID, err)
	}
	return nil
}

func (s *RedisWorldItemUploadStore) MostRecentlyUpdated(ctx context.Context, worldID, count int) ([]WorldItemUpload, error) {
	if count <= 0 {
		return nil, nil
	}
	members, err := s.rdb.Read().ZRevRangeWithScores(ctx, cache.MostRecentlyUpdatedKey(worldID), 0, int64(count)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read recently updated (world=%d): %w", worldID, err)
	}

	uploads := make([]WorldItemUpload, 0, len(members))
	for _, m := range members {
		itemID, err := strconv.Atoi(fmt.Sprint(m.Member))
		if err != nil {
			continue
		}
		uploads = append(uploads, WorldItemUpload{ItemID: itemID, LastUploadMs: int64(m.Score)})
	}
	return uploads, nil
}
