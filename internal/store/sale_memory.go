package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xivmarket/market-board/internal/model"
)

// MemorySaleStore is the in-memory SaleStore used by tests and local runs.
type MemorySaleStore struct {
	mu     sync.RWMutex
	byPair map[model.WorldItemPair][]model.Sale
	seen   map[uuid.UUID]struct{}
}

func NewMemorySaleStore() *MemorySaleStore {
	return &MemorySaleStore{
		byPair: make(map[model.WorldItemPair][]model.Sale),
		seen:   make(map[uuid.UUID]struct{}),
	}
}

func (s *MemorySaleStore) InsertMany(_ context.Context, sales []model.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sale := range sales {
		if _, dup := s.seen[sale.ID]; dup {
			continue
		}
		s.seen[sale.ID] = struct{}{}
		pair := model.WorldItemPair{WorldID: sale.WorldID, ItemID: sale.ItemID}
		s.byPair[pair] = append(s.byPair[pair], sale)
	}
	return nil
}

func (s *MemorySaleStore) RetrieveBySaleTime(_ context.Context, worldID, itemID, count int, from, to *time.Time) ([]model.Sale, error) {
	if count <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var sales []model.Sale
	for _, sale := range s.byPair[model.WorldItemPair{WorldID: worldID, ItemID: itemID}] {
		if from != nil && sale.SaleTime.Before(*from) {
			continue
		}
		if to != nil && sale.SaleTime.After(*to) {
			continue
		}
		sales = append(sales, sale)
	}
	sort.Slice(sales, func(i, j int) bool {
		return sales[i].SaleTime.After(sales[j].SaleTime)
	})
	if len(sales) > count {
		sales = sales[:count]
	}
	return sales, nil
}
