package store

import (
	"context"
	"sync"

	"github.com/xivmarket/market-board/internal/model"
)

// MemoryMarketItemStore is the in-memory MarketItemStore used by tests and
// local runs.
type MemoryMarketItemStore struct {
	mu    sync.RWMutex
	items map[model.WorldItemPair]model.MarketItem
}

func NewMemoryMarketItemStore() *MemoryMarketItemStore {
	return &MemoryMarketItemStore{items: make(map[model.WorldItemPair]model.MarketItem)}
}

func (s *MemoryMarketItemStore) Insert(_ context.Context, item model.MarketItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[model.WorldItemPair{WorldID: item.WorldID, ItemID: item.ItemID}] = item
	return nil
}

func (s *MemoryMarketItemStore) Retrieve(_ context.Context, q MarketItemQuery) (*model.MarketItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[model.WorldItemPair{WorldID: q.WorldID, ItemID: q.ItemID}]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *MemoryMarketItemStore) RetrieveMany(_ context.Context, q MarketItemManyQuery) (map[model.WorldItemPair]*model.MarketItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[model.WorldItemPair]*model.MarketItem)
	for _, pair := range q.Pairs() {
		if item, ok := s.items[pair]; ok {
			item := item
			result[pair] = &item
		} else {
			result[pair] = nil
		}
	}
	return result, nil
}
