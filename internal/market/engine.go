// Package market builds the outward views of the board: the full
// currently-shown view with merged listings, sale history, and statistics,
// and the lightweight cache-only aggregated view used by high-volume
// queries. Both views accept a world, data-center, or region scope and merge
// per-world records accordingly.
package market

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xivmarket/market-board/internal/gamedata"
	"github.com/xivmarket/market-board/internal/model"
	"github.com/xivmarket/market-board/internal/scope"
	"github.com/xivmarket/market-board/internal/stats"
	"github.com/xivmarket/market-board/internal/store"
)

var (
	// ErrUnknownScope marks a world, dc, or region the game data does not
	// know about.
	ErrUnknownScope = errors.New("unknown world, data center, or region")

	// ErrDeadlineExceeded marks an aggregated batch that missed its
	// deadline. The whole batch aborts; no partial results are returned.
	ErrDeadlineExceeded = errors.New("aggregation deadline exceeded")
)

const (
	defaultEntryLimit  = 1800
	defaultStatsWindow = 7 * 24 * time.Hour
)

// CurrentlyShownReader is the slice of CurrentlyShownStore the engine needs.
type CurrentlyShownReader interface {
	RetrieveMany(ctx context.Context, q store.ListingManyQuery) (map[model.WorldItemPair]model.CurrentlyShown, error)
}

// HistoryReader is the slice of HistoryStore the engine needs.
type HistoryReader interface {
	RetrieveMany(ctx context.Context, q store.MarketItemManyQuery, count int, from, to *time.Time) (map[model.WorldItemPair]model.History, error)
}

// Engine fans out per-world reads and merges them into scope-level views.
type Engine struct {
	shown       CurrentlyShownReader
	history     HistoryReader
	minListings store.MinListingReader
	saleAggs    store.SaleAggregateReader
	gameData    gamedata.GameData
	w2dr        *gamedata.WorldToDcRegion
	logger      *slog.Logger
	now         func() time.Time
	aggDeadline time.Duration
}

func NewEngine(shown CurrentlyShownReader, history HistoryReader, minListings store.MinListingReader, saleAggs store.SaleAggregateReader, gameData gamedata.GameData, w2dr *gamedata.WorldToDcRegion, logger *slog.Logger) *Engine {
	return &Engine{
		shown:       shown,
		history:     history,
		minListings: minListings,
		saleAggs:    saleAggs,
		gameData:    gameData,
		w2dr:        w2dr,
		logger:      logger,
		now:         time.Now,
		aggDeadline: aggregatedDeadline,
	}
}

// resolveWorlds expands a scope into its member world ids and names.
func (e *Engine) resolveWorlds(sc scope.Scope) (map[int]string, error) {
	worlds := e.gameData.AvailableWorlds()
	result := make(map[int]string)

	switch sc.Kind() {
	case scope.KindWorld:
		id, _ := sc.WorldID()
		name, ok := worlds[id]
		if !ok {
			return nil, ErrUnknownScope
		}
		result[id] = name
	case scope.KindDataCenter:
		for _, dc := range e.gameData.DataCenters() {
			if !strings.EqualFold(dc.Name, sc.Name()) {
				continue
			}
			for _, id := range dc.WorldIDs {
				if name, ok := worlds[id]; ok {
					result[id] = name
				}
			}
		}
	case scope.KindRegion:
		for _, dc := range e.gameData.DataCenters() {
			if !strings.EqualFold(dc.Region, sc.Name()) {
				continue
			}
			for _, id := range dc.WorldIDs {
				if name, ok := worlds[id]; ok {
					result[id] = name
				}
			}
		}
	}
	if len(result) == 0 {
		return nil, ErrUnknownScope
	}
	return result, nil
}

// CurrentDataQuery selects and filters the full view.
type CurrentDataQuery struct {
	Scope   scope.Scope
	ItemIDs []int

	// OnlyHq drops NQ listings and sales from the views. Statistics still
	// cover both qualities.
	OnlyHq bool

	// ListingLimit and EntryLimit cap the returned views after sorting.
	// Zero means no listing cap and the default sale cap respectively.
	ListingLimit int
	EntryLimit   int

	// EntriesWithin restricts sales to a trailing window; zero means
	// unbounded.
	EntriesWithin time.Duration

	// StatsWithin is the sale-velocity window; zero means seven days.
	StatsWithin time.Duration
}

// CurrentData builds the full view: per requested item, listings and sales
// merged across every world in scope, sorted, filtered, and summarized.
// Unmarketable items and items with no uploaded data anywhere in scope are
// reported as unresolved instead of failing the batch.
func (e *Engine) CurrentData(ctx context.Context, q CurrentDataQuery) (CurrentData, error) {
	worlds, err := e.resolveWorlds(q.Scope)
	if err != nil {
		return CurrentData{}, err
	}
	if q.EntryLimit <= 0 {
		q.EntryLimit = defaultEntryLimit
	}
	if q.StatsWithin <= 0 {
		q.StatsWithin = defaultStatsWindow
	}

	result := CurrentData{Items: []ItemData{}, UnresolvedItemIDs: []int{}}
	var itemIDs []int
	for _, itemID := range distinctInts(q.ItemIDs) {
		if !e.gameData.IsMarketable(itemID) {
			result.UnresolvedItemIDs = append(result.UnresolvedItemIDs, itemID)
			continue
		}
		itemIDs = append(itemIDs, itemID)
	}
	if len(itemIDs) == 0 {
		return result, nil
	}

	worldIDs := make([]int, 0, len(worlds))
	for id := range worlds {
		worldIDs = append(worldIDs, id)
	}
	sort.Ints(worldIDs)

	now := e.now().UTC()
	var salesFrom *time.Time
	if q.EntriesWithin > 0 {
		from := now.Add(-q.EntriesWithin)
		salesFrom = &from
	}

	var (
		shownByPair   map[model.WorldItemPair]model.CurrentlyShown
		historyByPair map[model.WorldItemPair]model.History
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		shownByPair, err = e.shown.RetrieveMany(gctx, store.ListingManyQuery{WorldIDs: worldIDs, ItemIDs: itemIDs})
		return err
	})
	g.Go(func() error {
		var err error
		historyByPair, err = e.history.RetrieveMany(gctx, store.MarketItemManyQuery{WorldIDs: worldIDs, ItemIDs: itemIDs}, q.EntryLimit, salesFrom, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		return CurrentData{}, err
	}

	singleWorld := q.Scope.IsWorld()
	for _, itemID := range itemIDs {
		item, resolved := e.mergeItem(itemID, worldIDs, worlds, shownByPair, historyByPair, singleWorld)
		if !resolved {
			result.UnresolvedItemIDs = append(result.UnresolvedItemIDs, itemID)
			continue
		}
		e.finishItem(&item, q, now)
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// mergeItem folds the per-world records for one item into a single view.
// Records with non-positive price, quantity, or timestamp are dropped at
// this boundary. resolved is false when no world in scope has ever seen an
// upload for the item.
func (e *Engine) mergeItem(itemID int, worldIDs []int, worldNames map[int]string, shownByPair map[model.WorldItemPair]model.CurrentlyShown, historyByPair map[model.WorldItemPair]model.History, singleWorld bool) (ItemData, bool) {
	item := ItemData{ItemID: itemID}
	uploadTimes := make(map[int]int64)
	resolved := false

	for _, worldID := range worldIDs {
		pair := model.WorldItemPair{WorldID: worldID, ItemID: itemID}

		shown := shownByPair[pair]
		if shown.LastUploadTimeUnixMs > 0 {
			resolved = true
			uploadTimes[worldID] = shown.LastUploadTimeUnixMs
			if shown.LastUploadTimeUnixMs > item.LastUploadTimeMs {
				item.LastUploadTimeMs = shown.LastUploadTimeUnixMs
			}
		}
		for _, l := range shown.Listings {
			if l.PricePerUnit <= 0 || l.Quantity <= 0 {
				continue
			}
			view := listingToView(l)
			if !singleWorld {
				view.WorldID = worldID
				view.WorldName = worldNames[worldID]
			}
			item.Listings = append(item.Listings, view)
		}

		hist, ok := historyByPair[pair]
		if !ok {
			continue
		}
		resolved = true
		if hist.LastUploadTimeUnixMs > item.LastUploadTimeMs {
			item.LastUploadTimeMs = hist.LastUploadTimeUnixMs
		}
		if _, seen := uploadTimes[worldID]; !seen && hist.LastUploadTimeUnixMs > 0 {
			uploadTimes[worldID] = hist.LastUploadTimeUnixMs
		}
		for _, s := range hist.Sales {
			if s.PricePerUnit <= 0 || s.SaleTime.IsZero() {
				continue
			}
			view := saleToView(s)
			if !singleWorld {
				view.WorldID = worldID
				view.WorldName = worldNames[worldID]
			}
			item.RecentHistory = append(item.RecentHistory, view)
		}
	}

	if !singleWorld {
		item.WorldUploadTimes = uploadTimes
	}
	return item, resolved
}

// finishItem sorts the merged views, computes statistics over them, then
// applies the quality filter and count caps.
func (e *Engine) finishItem(item *ItemData, q CurrentDataQuery, now time.Time) {
	sortListingViews(item.Listings)
	sortSaleViews(item.RecentHistory)

	item.All, item.Nq, item.Hq = computeStats(item.Listings, item.RecentHistory, now.UnixMilli(), q.StatsWithin.Milliseconds())

	if q.OnlyHq {
		_, item.Listings = splitListings(item.Listings)
		_, item.RecentHistory = splitSales(item.RecentHistory)
	}
	item.ListingCount = len(item.Listings)
	item.SaleCount = len(item.RecentHistory)
	if q.ListingLimit > 0 && len(item.Listings) > q.ListingLimit {
		item.Listings = item.Listings[:q.ListingLimit]
	}
	if q.EntryLimit > 0 && len(item.RecentHistory) > q.EntryLimit {
		item.RecentHistory = item.RecentHistory[:q.EntryLimit]
	}
	if item.Listings == nil {
		item.Listings = []ListingView{}
	}
	if item.RecentHistory == nil {
		item.RecentHistory = []SaleView{}
	}
}

// ItemHistory is the sales-only view of one item at the requested scope.
type ItemHistory struct {
	ItemID             int         `json:"item_id"`
	LastUploadTimeMs   int64       `json:"last_upload_time"`
	Entries            []SaleView  `json:"entries"`
	StackSizeHistogram map[int]int `json:"stack_size_histogram"`
	SaleVelocity       float64     `json:"sale_velocity"`
}

// HistoryQuery selects the sales-only view.
type HistoryQuery struct {
	Scope         scope.Scope
	ItemIDs       []int
	EntryLimit    int
	EntriesWithin time.Duration
	StatsWithin   time.Duration
}

// HistoryData builds the sales-only view across the scope's worlds.
func (e *Engine) HistoryData(ctx context.Context, q HistoryQuery) (map[int]ItemHistory, []int, error) {
	worlds, err := e.resolveWorlds(q.Scope)
	if err != nil {
		return nil, nil, err
	}
	if q.EntryLimit <= 0 {
		q.EntryLimit = defaultEntryLimit
	}
	if q.StatsWithin <= 0 {
		q.StatsWithin = defaultStatsWindow
	}

	worldIDs := make([]int, 0, len(worlds))
	for id := range worlds {
		worldIDs = append(worldIDs, id)
	}
	sort.Ints(worldIDs)

	unresolved := []int{}
	var itemIDs []int
	for _, itemID := range distinctInts(q.ItemIDs) {
		if !e.gameData.IsMarketable(itemID) {
			unresolved = append(unresolved, itemID)
			continue
		}
		itemIDs = append(itemIDs, itemID)
	}
	result := make(map[int]ItemHistory, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, unresolved, nil
	}

	now := e.now().UTC()
	var salesFrom *time.Time
	if q.EntriesWithin > 0 {
		from := now.Add(-q.EntriesWithin)
		salesFrom = &from
	}

	historyByPair, err := e.history.RetrieveMany(ctx, store.MarketItemManyQuery{WorldIDs: worldIDs, ItemIDs: itemIDs}, q.EntryLimit, salesFrom, nil)
	if err != nil {
		return nil, nil, err
	}

	singleWorld := q.Scope.IsWorld()
	for _, itemID := range itemIDs {
		hist := ItemHistory{ItemID: itemID, Entries: []SaleView{}}
		found := false
		for _, worldID := range worldIDs {
			h, ok := historyByPair[model.WorldItemPair{WorldID: worldID, ItemID: itemID}]
			if !ok {
				continue
			}
			found = true
			if h.LastUploadTimeUnixMs > hist.LastUploadTimeMs {
				hist.LastUploadTimeMs = h.LastUploadTimeUnixMs
			}
			for _, s := range h.Sales {
				if s.PricePerUnit <= 0 || s.SaleTime.IsZero() {
					continue
				}
				view := saleToView(s)
				if !singleWorld {
					view.WorldID = worldID
					view.WorldName = worlds[worldID]
				}
				hist.Entries = append(hist.Entries, view)
			}
		}
		if !found {
			unresolved = append(unresolved, itemID)
			continue
		}
		sortSaleViews(hist.Entries)
		if len(hist.Entries) > q.EntryLimit {
			hist.Entries = hist.Entries[:q.EntryLimit]
		}
		qs := qualityStats(nil, hist.Entries, now.UnixMilli(), q.StatsWithin.Milliseconds())
		hist.StackSizeHistogram = saleStackHistogram(hist.Entries)
		hist.SaleVelocity = qs.SaleVelocity
		result[itemID] = hist
	}
	return result, unresolved, nil
}

func saleStackHistogram(sales []SaleView) map[int]int {
	quantities := make([]int, 0, len(sales))
	for _, s := range sales {
		quantities = append(quantities, s.Quantity)
	}
	return stats.Distribution(quantities)
}

func distinctInts(values []int) []int {
	seen := make(map[int]struct{}, len(values))
	out := make([]int, 0, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
