// Package upload processes board upload events: one event carries an
// optional listing snapshot and zero or more sales for a (world, item) pair,
// and every store touched by the event must be updated or the whole event
// fails.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xivmarket/market-board/internal/model"
	"github.com/xivmarket/market-board/internal/store"
)

// EventKind discriminates published feed events.
type EventKind string

const (
	EventListings EventKind = "listings/add"
	EventSales    EventKind = "sales/add"
)

// Event is one realtime feed notification.
type Event struct {
	Kind    EventKind
	WorldID int
	ItemID  int
	Count   int
}

// Publisher receives feed events after the stores are durably updated.
// Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// Upload is one ingested event for a single (world, item) pair.
type Upload struct {
	WorldID      int
	ItemID       int
	UploadSource string

	// UploadedAt defaults to now when zero.
	UploadedAt time.Time

	// HasListings distinguishes "event carried no listings field" from
	// "event reported an empty board"; the latter clears the pair.
	HasListings bool
	Listings    []model.Listing

	Sales []model.Sale
}

// Ingester applies upload events to the stores and publishes feed events.
type Ingester struct {
	shown     *store.CurrentlyShownStore
	history   *store.HistoryStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewIngester(shown *store.CurrentlyShownStore, history *store.HistoryStore, publisher Publisher, logger *slog.Logger) *Ingester {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Ingester{
		shown:     shown,
		history:   history,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Process applies one upload. Listings replace the pair's board wholesale
// (or clear it), sales append, and the pair's upload record is stamped
// either way. A failure in any store fails the event.
func (i *Ingester) Process(ctx context.Context, up Upload) error {
	uploadedAt := up.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = i.now()
	}
	uploadedAt = uploadedAt.UTC()

	if up.HasListings {
		shown := model.CurrentlyShown{
			WorldID:              up.WorldID,
			ItemID:               up.ItemID,
			LastUploadTimeUnixMs: uploadedAt.UnixMilli(),
			UploadSource:         up.UploadSource,
			Listings:             up.Listings,
		}
		if err := i.shown.Insert(ctx, shown); err != nil {
			return fmt.Errorf("apply listing upload: %w", err)
		}
		if err := i.history.Create(ctx, model.MarketItem{
			ItemID:         up.ItemID,
			WorldID:        up.WorldID,
			LastUploadTime: uploadedAt,
		}); err != nil {
			return fmt.Errorf("stamp upload record: %w", err)
		}
	}

	if len(up.Sales) > 0 {
		if err := i.history.InsertSales(ctx, up.WorldID, up.ItemID, uploadedAt, up.Sales); err != nil {
			return fmt.Errorf("apply sale upload: %w", err)
		}
	}

	if up.HasListings {
		i.publisher.Publish(Event{Kind: EventListings, WorldID: up.WorldID, ItemID: up.ItemID, Count: len(up.Listings)})
	}
	if len(up.Sales) > 0 {
		i.publisher.Publish(Event{Kind: EventSales, WorldID: up.WorldID, ItemID: up.ItemID, Count: len(up.Sales)})
	}
	i.logger.Info("upload processed",
		"world", up.WorldID, "item", up.ItemID,
		"listings", len(up.Listings), "sales", len(up.Sales))
	return nil
}
