package store

import (
	"context"
	"sync"
	"time"

	"github.com/xivmarket/market-board/internal/model"
)

// MemoryListingStore implements ListingStore with in-memory maps. Used for
// testing and development; mirrors the durable store's conflict behavior
// (listing ids are globally unique, re-delivered ids are skipped).
type MemoryListingStore struct {
	mu     sync.RWMutex
	byPair map[model.WorldItemPair]map[string]model.Listing
	byID   map[string]model.WorldItemPair
}

// NewMemoryListingStore creates an empty in-memory listing store.
func NewMemoryListingStore() *MemoryListingStore {
	return &MemoryListingStore{
		byPair: make(map[model.WorldItemPair]map[string]model.Listing),
		byID:   make(map[string]model.WorldItemPair),
	}
}

func (s *MemoryListingStore) ReplaceLive(_ context.Context, listings []model.Listing) error {
	uploadedAt := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for pair, group := range groupListingsByPair(listings) {
		s.deletePairLocked(pair)
		rows := make(map[string]model.Listing, len(group))
		for _, l := range group {
			if _, taken := s.byID[l.ListingID]; taken {
				continue
			}
			if l.UpdatedAt.IsZero() {
				l.UpdatedAt = uploadedAt
			}
			rows[l.ListingID] = l
			s.byID[l.ListingID] = pair
		}
		s.byPair[pair] = rows
	}
	return nil
}

func (s *MemoryListingStore) DeleteLive(_ context.Context, q ListingQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletePairLocked(model.WorldItemPair{WorldID: q.WorldID, ItemID: q.ItemID})
	return nil
}

func (s *MemoryListingStore) deletePairLocked(pair model.WorldItemPair) {
	for id := range s.byPair[pair] {
		delete(s.byID, id)
	}
	delete(s.byPair, pair)
}

func (s *MemoryListingStore) RetrieveLive(_ context.Context, q ListingQuery) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairListingsLocked(model.WorldItemPair{WorldID: q.WorldID, ItemID: q.ItemID}), nil
}

func (s *MemoryListingStore) RetrieveManyLive(_ context.Context, q ListingManyQuery) (map[model.WorldItemPair][]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[model.WorldItemPair][]model.Listing)
	for _, pair := range q.Pairs() {
		result[pair] = s.pairListingsLocked(pair)
	}
	return result, nil
}

func (s *MemoryListingStore) pairListingsLocked(pair model.WorldItemPair) []model.Listing {
	listings := make([]model.Listing, 0, len(s.byPair[pair]))
	for _, l := range s.byPair[pair] {
		listings = append(listings, l)
	}
	sortListingsByPrice(listings)
	return listings
}
