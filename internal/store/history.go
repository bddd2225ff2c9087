package store

import (
	"context"
	"fmt"
	"time"

	"github.com/xivmarket/market-board/internal/model"
)

// HistoryStore composes the sale store and per-pair upload bookkeeping into
// the sale-history view. A history exists only once its pair has been
// uploaded at least once; sales without a market-item record are invisible
// here until one is written.
type HistoryStore struct {
	sales SaleStore
	items MarketItemStore
}

func NewHistoryStore(sales SaleStore, items MarketItemStore) *HistoryStore {
	return &HistoryStore{sales: sales, items: items}
}

// Create registers a pair as uploaded without recording any sales.
func (s *HistoryStore) Create(ctx context.Context, item model.MarketItem) error {
	return s.items.Insert(ctx, item)
}

// InsertSales appends the batch and stamps the pair's upload record.
func (s *HistoryStore) InsertSales(ctx context.Context, worldID, itemID int, uploadedAt time.Time, sales []model.Sale) error {
	for i := range sales {
		sales[i].WorldID = worldID
		sales[i].ItemID = itemID
	}
	if err := s.sales.InsertMany(ctx, sales); err != nil {
		return fmt.Errorf("insert sales (world=%d, item=%d): %w", worldID, itemID, err)
	}
	return s.items.Insert(ctx, model.MarketItem{
		ItemID:         itemID,
		WorldID:        worldID,
		LastUploadTime: uploadedAt.UTC(),
	})
}

// Retrieve returns the pair's history, or nil when the pair has never been
// uploaded. count == 0 yields nil without touching either store.
func (s *HistoryStore) Retrieve(ctx context.Context, worldID, itemID, count int, from, to *time.Time) (*model.History, error) {
	if count <= 0 {
		return nil, nil
	}
	item, err := s.items.Retrieve(ctx, MarketItemQuery{ItemID: itemID, WorldID: worldID})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	sales, err := s.sales.RetrieveBySaleTime(ctx, worldID, itemID, count, from, to)
	if err != nil {
		return nil, err
	}
	return &model.History{
		WorldID:              worldID,
		ItemID:               itemID,
		LastUploadTimeUnixMs: item.LastUploadTime.UTC().UnixMilli(),
		Sales:                sales,
	}, nil
}

// RetrieveMany returns a history for every uploaded pair in the cross
// product. Pairs with no market-item record are omitted.
func (s *HistoryStore) RetrieveMany(ctx context.Context, q MarketItemManyQuery, count int, from, to *time.Time) (map[model.WorldItemPair]model.History, error) {
	result := make(map[model.WorldItemPair]model.History)
	if count <= 0 {
		return result, nil
	}
	items, err := s.items.RetrieveMany(ctx, q)
	if err != nil {
		return nil, err
	}
	for pair, item := range items {
		if item == nil {
			continue
		}
		sales, err := s.sales.RetrieveBySaleTime(ctx, pair.WorldID, pair.ItemID, count, from, to)
		if err != nil {
			return nil, err
		}
		result[pair] = model.History{
			WorldID:              pair.WorldID,
			ItemID:               pair.ItemID,
			LastUploadTimeUnixMs: item.LastUploadTime.UTC().UnixMilli(),
			Sales:                sales,
		}
	}
	return result, nil
}
