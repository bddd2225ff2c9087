package store

import (
	"context"
	"fmt"

	"github.com/xivmarket/market-board/internal/model"
)

// CurrentlyShownStore composes the listing store and per-world upload ranking
// into the board-snapshot view: what is for sale on a pair right now, stamped
// with when it was last uploaded.
type CurrentlyShownStore struct {
	listings ListingStore
	uploads  WorldItemUploadStore
}

func NewCurrentlyShownStore(listings ListingStore, uploads WorldItemUploadStore) *CurrentlyShownStore {
	return &CurrentlyShownStore{listings: listings, uploads: uploads}
}

// Insert replaces the pair's live listings with the snapshot's, or clears
// them when the snapshot carries none, and records the upload in the world's
// ranking. Ranking failures are not fatal once the listings are durable.
func (s *CurrentlyShownStore) Insert(ctx context.Context, shown model.CurrentlyShown) error {
	if len(shown.Listings) == 0 {
		err := s.listings.DeleteLive(ctx, ListingQuery{ItemID: shown.ItemID, WorldID: shown.WorldID})
		if err != nil {
			return fmt.Errorf("clear listings (world=%d, item=%d): %w", shown.WorldID, shown.ItemID, err)
		}
	} else {
		for i := range shown.Listings {
			shown.Listings[i].ItemID = shown.ItemID
			shown.Listings[i].WorldID = shown.WorldID
			shown.Listings[i].Source = shown.UploadSource
		}
		if err := s.listings.ReplaceLive(ctx, shown.Listings); err != nil {
			return fmt.Errorf("replace listings (world=%d, item=%d): %w", shown.WorldID, shown.ItemID, err)
		}
	}
	return s.uploads.SetItem(ctx, shown.WorldID, shown.ItemID, shown.LastUploadTimeUnixMs)
}

func (s *CurrentlyShownStore) Retrieve(ctx context.Context, q ListingQuery) (model.CurrentlyShown, error) {
	listings, err := s.listings.RetrieveLive(ctx, q)
	if err != nil {
		return model.CurrentlyShown{}, err
	}
	return assembleShown(q.WorldID, q.ItemID, listings), nil
}

func (s *CurrentlyShownStore) RetrieveMany(ctx context.Context, q ListingManyQuery) (map[model.WorldItemPair]model.CurrentlyShown, error) {
	byPair, err := s.listings.RetrieveManyLive(ctx, q)
	if err != nil {
		return nil, err
	}
	result := make(map[model.WorldItemPair]model.CurrentlyShown, len(byPair))
	for pair, listings := range byPair {
		result[pair] = assembleShown(pair.WorldID, pair.ItemID, listings)
	}
	return result, nil
}

// assembleShown derives the snapshot's upload time and source from the stored
// rows. Listings in one snapshot share a write time, so the first row is as
// good as any; an empty pair reads as never uploaded.
func assembleShown(worldID, itemID int, listings []model.Listing) model.CurrentlyShown {
	shown := model.CurrentlyShown{WorldID: worldID, ItemID: itemID, Listings: listings}
	if len(listings) > 0 {
		shown.LastUploadTimeUnixMs = listings[0].UpdatedAt.UTC().UnixMilli()
		shown.UploadSource = listings[0].Source
	}
	return shown
}
