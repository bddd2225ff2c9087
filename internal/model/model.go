// Package model defines the core domain types shared across the market-board
// engine: live listings, completed sales, per-pair upload bookkeeping, and
// the derived aggregates kept in the cache tier.
package model

import (
	"time"

	"github.com/google/uuid"
)

// WorldItemPair is the composite key used for batching and grouping across
// all stores.
type WorldItemPair struct {
	WorldID int `json:"world_id"`
	ItemID  int `json:"item_id"`
}

// Materia is a single materia slot attached to a listing.
type Materia struct {
	SlotID    int `json:"slot_id"`
	MateriaID int `json:"materia_id"`
}

// Listing is one active for-sale stack on a world's market board. Identity is
// ListingID, which is assigned by the upload source; re-uploading the same id
// is a no-op, not an error.
type Listing struct {
	ListingID      string    `json:"listing_id"`
	ItemID         int       `json:"item_id"`
	WorldID        int       `json:"world_id"`
	Hq             bool      `json:"hq"`
	OnMannequin    bool      `json:"on_mannequin"`
	Materia        []Materia `json:"materia,omitempty"`
	PricePerUnit   int       `json:"price_per_unit"`
	Quantity       int       `json:"quantity"`
	DyeID          int       `json:"dye_id"`
	CreatorName    string    `json:"creator_name"`
	LastReviewTime time.Time `json:"last_review_time"`
	RetainerID     string    `json:"retainer_id"`
	RetainerName   string    `json:"retainer_name"`
	RetainerCityID int       `json:"retainer_city_id"`
	UpdatedAt      time.Time `json:"updated_at"`
	Source         string    `json:"source"`
}

// Sale is one completed transaction. Append-only and immutable once written.
type Sale struct {
	ID           uuid.UUID `json:"id"`
	ItemID       int       `json:"item_id"`
	WorldID      int       `json:"world_id"`
	Hq           bool      `json:"hq"`
	PricePerUnit int       `json:"price_per_unit"`
	// Quantity is absent when the source did not report it; values <= 0 are
	// treated as absent at read time.
	Quantity       *int      `json:"quantity"`
	BuyerName      *string   `json:"buyer_name"`
	OnMannequin    *bool     `json:"on_mannequin"`
	SaleTime       time.Time `json:"sale_time"`
	UploaderIDHash string    `json:"uploader_id_hash"`
}

// QuantityOrZero normalizes an absent or non-positive quantity to zero.
func (s *Sale) QuantityOrZero() int {
	if s.Quantity == nil || *s.Quantity <= 0 {
		return 0
	}
	return *s.Quantity
}

// MarketItem records the last time any upload touched a world+item pair.
type MarketItem struct {
	ItemID         int       `json:"item_id"`
	WorldID        int       `json:"world_id"`
	LastUploadTime time.Time `json:"last_upload_time"`
}

// CurrentlyShown is the per-world-item record of what is on the board right
// now, composed from the listing store.
type CurrentlyShown struct {
	WorldID              int
	ItemID               int
	LastUploadTimeUnixMs int64
	UploadSource         string
	Listings             []Listing
}

// History is the per-world-item sales record bounded by count/time window.
type History struct {
	WorldID              int
	ItemID               int
	LastUploadTimeUnixMs int64
	Sales                []Sale
}

// MinListingPrice is a (price, owning world) pair for one quality at one scope.
type MinListingPrice struct {
	WorldID   int `json:"world_id"`
	UnitPrice int `json:"unit_price"`
}

// MinListingEntry holds the cheapest NQ and HQ price at a single scope.
// A nil pointer means no live listing is currently cached for that quality.
type MinListingEntry struct {
	Nq *MinListingPrice `json:"nq"`
	Hq *MinListingPrice `json:"hq"`
}

// MinListing is the cheapest-listing aggregate across all three scopes of the
// queried world.
type MinListing struct {
	World  MinListingEntry `json:"world"`
	Dc     MinListingEntry `json:"dc"`
	Region MinListingEntry `json:"region"`
}

// RecentSale is the most recent sale at a scope, per quality.
type RecentSale struct {
	UnitPrice int       `json:"unit_price"`
	SaleTime  time.Time `json:"sale_time"`
	WorldID   int       `json:"world_id"`
}

// TradeVelocity aggregates trade volume over a date range at a scope.
// AvgSalesPerDay divides quantity by elapsed days, where a range ending today
// uses the wall-clock elapsed fraction of the final day rather than a full
// 24 hours.
type TradeVelocity struct {
	Quantity       int64   `json:"quantity"`
	SumSales       int64   `json:"sum_sales"`
	AvgSalesPerDay float64 `json:"avg_sales_per_day"`
}
