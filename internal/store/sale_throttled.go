package store

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/model"
)

// DefaultSaleReadConcurrency caps in-flight sale range reads process-wide.
const DefaultSaleReadConcurrency = 2200

// ThrottledSaleStore bounds concurrent RetrieveBySaleTime calls with a
// weighted semaphore so a burst of aggregate queries cannot saturate the
// database. Writes pass through untouched.
type ThrottledSaleStore struct {
	inner SaleStore
	sem   *semaphore.Weighted
	sink  metrics.Sink
}

func NewThrottledSaleStore(inner SaleStore, concurrency int64, sink metrics.Sink) *ThrottledSaleStore {
	if concurrency <= 0 {
		concurrency = DefaultSaleReadConcurrency
	}
	return &ThrottledSaleStore{inner: inner, sem: semaphore.NewWeighted(concurrency), sink: sink}
}

func (s *ThrottledSaleStore) InsertMany(ctx context.Context, sales []model.Sale) error {
	return s.inner.InsertMany(ctx, sales)
}

func (s *ThrottledSaleStore) RetrieveBySaleTime(ctx context.Context, worldID, itemID, count int, from, to *time.Time) ([]model.Sale, error) {
	if count <= 0 {
		return nil, nil
	}

	if !s.sem.TryAcquire(1) {
		s.sink.SaleReadQueued()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire sale read slot: %w", err)
		}
	}
	defer s.sem.Release(1)

	return s.inner.RetrieveBySaleTime(ctx, worldID, itemID, count, from, to)
}
