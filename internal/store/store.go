// Package store implements the market-board persistence engine: durable
// PostgreSQL stores for listings, sales, and upload bookkeeping, in-memory
// equivalents for testing, and cache decorators that layer a process-local
// listings cache and the Redis-backed derived aggregates (minimum listings,
// trade velocity, recent sales) on top.
//
// Caching, throttling, and scope aggregation are cross-cutting decorators
// composed around the capability interfaces rather than baked into any one
// implementation.
package store

import (
	"context"
	"time"

	"github.com/xivmarket/market-board/internal/model"
)

// ListingQuery identifies a single (world, item) pair.
type ListingQuery struct {
	ItemID  int
	WorldID int
}

// ListingManyQuery identifies the cross product of the given worlds and items.
type ListingManyQuery struct {
	WorldIDs []int
	ItemIDs  []int
}

// MarketItemQuery identifies a single (world, item) pair.
type MarketItemQuery struct {
	ItemID  int
	WorldID int
}

// MarketItemManyQuery identifies the cross product of the given worlds and
// items.
type MarketItemManyQuery struct {
	WorldIDs []int
	ItemIDs  []int
}

// Pairs expands the query into explicit world/item pairs.
func (q ListingManyQuery) Pairs() []model.WorldItemPair {
	return crossPairs(q.WorldIDs, q.ItemIDs)
}

// Pairs expands the query into explicit world/item pairs.
func (q MarketItemManyQuery) Pairs() []model.WorldItemPair {
	return crossPairs(q.WorldIDs, q.ItemIDs)
}

func crossPairs(worldIDs, itemIDs []int) []model.WorldItemPair {
	pairs := make([]model.WorldItemPair, 0, len(worldIDs)*len(itemIDs))
	for _, worldID := range worldIDs {
		for _, itemID := range itemIDs {
			pairs = append(pairs, model.WorldItemPair{WorldID: worldID, ItemID: itemID})
		}
	}
	return pairs
}

// ListingStore is the capability interface over live listings. The durable
// implementations own replace/delete/read; the cache decorator layers the
// local cache and the derived min-listing aggregates on top.
type ListingStore interface {
	// ReplaceLive groups the input by (world, item) and, for each group,
	// atomically replaces that pair's rows. Insert conflicts on listing id
	// are skipped, not overwritten.
	ReplaceLive(ctx context.Context, listings []model.Listing) error

	// DeleteLive removes all rows for one pair.
	DeleteLive(ctx context.Context, q ListingQuery) error

	// RetrieveLive returns a pair's listings ordered ascending by unit price.
	RetrieveLive(ctx context.Context, q ListingQuery) ([]model.Listing, error)

	// RetrieveManyLive returns listings for every requested pair. Pairs with
	// no data map to an empty slice, never a missing key.
	RetrieveManyLive(ctx context.Context, q ListingManyQuery) (map[model.WorldItemPair][]model.Listing, error)
}

// MinListingReader reads the cheapest-listing aggregates. These live only in
// the cache tier; absence means no live listings are currently cached, not an
// error.
type MinListingReader interface {
	GetMinListing(ctx context.Context, worldID, itemID int) (model.MinListing, error)
	GetMinListingForDcOrRegion(ctx context.Context, dcOrRegion string, itemID int) (model.MinListingEntry, error)

	// GetCachedUploadTimes returns the cached last-write timestamps for the
	// requested pairs; pairs without a cached timestamp are omitted.
	GetCachedUploadTimes(ctx context.Context, queries []MarketItemQuery) ([]model.MarketItem, error)
}

// SaleStore is the capability interface over completed sales.
type SaleStore interface {
	// InsertMany appends sales, grouped by (item, world) for write locality.
	InsertMany(ctx context.Context, sales []model.Sale) error

	// RetrieveBySaleTime returns up to count sales for a pair within the
	// inclusive window [from, to], ordered descending by sale time. A nil
	// from defaults to the epoch and a nil to defaults to now. count == 0
	// short-circuits without touching the store.
	RetrieveBySaleTime(ctx context.Context, worldID, itemID, count int, from, to *time.Time) ([]model.Sale, error)
}

// SaleAggregateReader reads the sale-derived aggregates. Like MinListingReader
// these have no durable fallback by design; cache loss is a temporary data
// gap until the next write.
type SaleAggregateReader interface {
	// RetrieveUnitTradeVelocity sums the cached per-day counters for the
	// scope across [from, to], separately per quality. A quality with no
	// cached quantity yields nil, not zero.
	RetrieveUnitTradeVelocity(ctx context.Context, scopeKey string, itemID int, from, to time.Time) (nq, hq *model.TradeVelocity, err error)

	GetMostRecentSaleInWorld(ctx context.Context, worldID, itemID int, hq bool) (*model.RecentSale, error)
	GetMostRecentSaleInDatacenterOrRegion(ctx context.Context, dcOrRegion string, itemID int, hq bool) (*model.RecentSale, error)
}

// MarketItemStore tracks the last upload time per (world, item) pair.
type MarketItemStore interface {
	// Insert upserts the pair's last-upload time.
	Insert(ctx context.Context, item model.MarketItem) error

	// Retrieve returns nil without error when the pair has never been
	// uploaded.
	Retrieve(ctx context.Context, q MarketItemQuery) (*model.MarketItem, error)

	// RetrieveMany returns an entry for every requested pair; absent pairs
	// map to nil.
	RetrieveMany(ctx context.Context, q MarketItemManyQuery) (map[model.WorldItemPair]*model.MarketItem, error)
}

// WorldItemUpload is one entry in a world's most-recently-updated ranking.
type WorldItemUpload struct {
	ItemID       int
	LastUploadMs int64
}

// WorldItemUploadStore ranks items per world by their latest upload time.
type WorldItemUploadStore interface {
	// SetItem records an upload, keeping only the most recent timestamp.
	SetItem(ctx context.Context, worldID, itemID int, timestampMs int64) error

	// MostRecentlyUpdated returns up to count items, newest first.
	MostRecentlyUpdated(ctx context.Context, worldID, count int) ([]WorldItemUpload, error)
}
