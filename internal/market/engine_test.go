package market_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xivmarket/market-board/internal/gamedata"
	"github.com/xivmarket/market-board/internal/market"
	"github.com/xivmarket/market-board/internal/model"
	"github.com/xivmarket/market-board/internal/scope"
	"github.com/xivmarket/market-board/internal/store"
)

func testGameData() *gamedata.Static {
	return &gamedata.Static{
		Worlds: map[int]string{74: "Coeurl", 91: "Balmung", 97: "Mateus", 75: "Malboro"},
		Dcs: []gamedata.DataCenter{
			{Name: "Crystal", Region: "North-America", WorldIDs: []int{74, 91, 97}},
			{Name: "Aether", Region: "North-America", WorldIDs: []int{75}},
		},
		Marketable: map[int]struct{}{2: {}, 5: {}, 5333: {}},
	}
}

type fakeShown map[model.WorldItemPair]model.CurrentlyShown

func (f fakeShown) RetrieveMany(_ context.Context, q store.ListingManyQuery) (map[model.WorldItemPair]model.CurrentlyShown, error) {
	result := make(map[model.WorldItemPair]model.CurrentlyShown)
	for _, pair := range q.Pairs() {
		if shown, ok := f[pair]; ok {
			result[pair] = shown
		}
	}
	return result, nil
}

type fakeHistory map[model.WorldItemPair]model.History

func (f fakeHistory) RetrieveMany(_ context.Context, q store.MarketItemManyQuery, count int, from, to *time.Time) (map[model.WorldItemPair]model.History, error) {
	result := make(map[model.WorldItemPair]model.History)
	if count <= 0 {
		return result, nil
	}
	for _, pair := range q.Pairs() {
		if hist, ok := f[pair]; ok {
			result[pair] = hist
		}
	}
	return result, nil
}

type fakeMinListings struct {
	byWorld     map[int]model.MinListing
	byName      map[string]model.MinListingEntry
	uploadTimes map[model.WorldItemPair]time.Time
}

func (f *fakeMinListings) GetMinListing(_ context.Context, worldID, itemID int) (model.MinListing, error) {
	return f.byWorld[worldID], nil
}

func (f *fakeMinListings) GetMinListingForDcOrRegion(_ context.Context, dcOrRegion string, _ int) (model.MinListingEntry, error) {
	return f.byName[dcOrRegion], nil
}

func (f *fakeMinListings) GetCachedUploadTimes(_ context.Context, queries []store.MarketItemQuery) ([]model.MarketItem, error) {
	var items []model.MarketItem
	for _, q := range queries {
		at, ok := f.uploadTimes[model.WorldItemPair{WorldID: q.WorldID, ItemID: q.ItemID}]
		if !ok {
			continue
		}
		items = append(items, model.MarketItem{ItemID: q.ItemID, WorldID: q.WorldID, LastUploadTime: at})
	}
	return items, nil
}

type fakeSaleAggs struct {
	velocities map[string]*model.TradeVelocity
	recent     map[string]*model.RecentSale
	failItemID int
}

func (f *fakeSaleAggs) RetrieveUnitTradeVelocity(_ context.Context, scopeKey string, itemID int, _, _ time.Time) (nq, hq *model.TradeVelocity, err error) {
	if itemID == f.failItemID {
		return nil, nil, errors.New("cache unavailable")
	}
	return f.velocities[scopeKey], nil, nil
}

func (f *fakeSaleAggs) GetMostRecentSaleInWorld(_ context.Context, worldID, itemID int, hq bool) (*model.RecentSale, error) {
	if hq {
		return nil, nil
	}
	return f.recent[scope.World(worldID).Key()], nil
}

func (f *fakeSaleAggs) GetMostRecentSaleInDatacenterOrRegion(_ context.Context, dcOrRegion string, _ int, hq bool) (*model.RecentSale, error) {
	if hq {
		return nil, nil
	}
	return f.recent[dcOrRegion], nil
}

func newEngine(shown fakeShown, history fakeHistory, minListings *fakeMinListings, saleAggs *fakeSaleAggs) *market.Engine {
	gd := testGameData()
	if minListings == nil {
		minListings = &fakeMinListings{}
	}
	if saleAggs == nil {
		saleAggs = &fakeSaleAggs{}
	}
	return market.NewEngine(shown, history, minListings, saleAggs, gd, gamedata.NewWorldToDcRegion(gd), slog.Default())
}

func shownAt(worldID, itemID int, at time.Time, listings ...model.Listing) model.CurrentlyShown {
	return model.CurrentlyShown{
		WorldID:              worldID,
		ItemID:               itemID,
		LastUploadTimeUnixMs: at.UnixMilli(),
		Listings:             listings,
	}
}

func TestCurrentDataMergesDataCenterWorlds(t *testing.T) {
	now := time.Now().UTC()
	shown := fakeShown{
		{WorldID: 74, ItemID: 5333}: shownAt(74, 5333, now.Add(-time.Minute),
			model.Listing{ListingID: "a", PricePerUnit: 100, Quantity: 1}),
		{WorldID: 91, ItemID: 5333}: shownAt(91, 5333, now,
			model.Listing{ListingID: "b", PricePerUnit: 50, Quantity: 1}),
	}
	e := newEngine(shown, fakeHistory{}, nil, nil)

	got, err := e.CurrentData(context.Background(), market.CurrentDataQuery{
		Scope:   scope.DataCenter("Crystal"),
		ItemIDs: []int{5333},
	})
	if err != nil {
		t.Fatalf("CurrentData: %v", err)
	}
	if len(got.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(got.Items))
	}

	item := got.Items[0]
	if len(item.Listings) != 2 {
		t.Fatalf("got %d listings, want 2", len(item.Listings))
	}
	if item.Listings[0].PricePerUnit != 50 || item.Listings[0].WorldName != "Balmung" {
		t.Errorf("cheapest listing = %+v, want 50 on Balmung", item.Listings[0])
	}
	if item.Listings[1].WorldID != 74 || item.Listings[1].WorldName != "Coeurl" {
		t.Errorf("second listing = %+v, want world tag for Coeurl", item.Listings[1])
	}
	if item.LastUploadTimeMs != now.UnixMilli() {
		t.Errorf("last upload = %d, want the newest world's %d", item.LastUploadTimeMs, now.UnixMilli())
	}
	if len(item.WorldUploadTimes) != 2 {
		t.Errorf("world upload times = %v, want both worlds", item.WorldUploadTimes)
	}
}

func TestCurrentDataSingleWorldOmitsWorldTags(t *testing.T) {
	now := time.Now().UTC()
	shown := fakeShown{
		{WorldID: 74, ItemID: 5333}: shownAt(74, 5333, now,
			model.Listing{ListingID: "a", PricePerUnit: 100, Quantity: 1}),
	}
	e := newEngine(shown, fakeHistory{}, nil, nil)

	got, err := e.CurrentData(context.Background(), market.CurrentDataQuery{
		Scope:   scope.World(74),
		ItemIDs: []int{5333},
	})
	if err != nil {
		t.Fatalf("CurrentData: %v", err)
	}
	item := got.Items[0]
	if item.Listings[0].WorldID != 0 || item.Listings[0].WorldName != "" {
		t.Errorf("single-world listing carries world tag: %+v", item.Listings[0])
	}
	if item.WorldUploadTimes != nil {
		t.Errorf("single-world item carries per-world upload times: %v", item.WorldUploadTimes)
	}
}

func TestCurrentDataUnresolvedItems(t *testing.T) {
	e := newEngine(fakeShown{}, fakeHistory{}, nil, nil)

	// 999 is unmarketable; 5 is marketable but has no data anywhere.
	got, err := e.CurrentData(context.Background(), market.CurrentDataQuery{
		Scope:   scope.World(74),
		ItemIDs: []int{999, 5},
	})
	if err != nil {
		t.Fatalf("CurrentData: %v", err)
	}
	if len(got.Items) != 0 {
		t.Fatalf("got %d items, want 0", len(got.Items))
	}
	if len(got.UnresolvedItemIDs) != 2 {
		t.Fatalf("unresolved = %v, want both ids", got.UnresolvedItemIDs)
	}
}

func TestCurrentDataUnknownScope(t *testing.T) {
	e := newEngine(fakeShown{}, fakeHistory{}, nil, nil)
	_, err := e.CurrentData(context.Background(), market.CurrentDataQuery{
		Scope:   scope.DataCenter("Atlantis"),
		ItemIDs: []int{5333},
	})
	if !errors.Is(err, market.ErrUnknownScope) {
		t.Fatalf("err = %v, want ErrUnknownScope", err)
	}
}

func TestCurrentDataOnlyHqFiltersViewsNotStats(t *testing.T) {
	now := time.Now().UTC()
	shown := fakeShown{
		{WorldID: 74, ItemID: 5333}: shownAt(74, 5333, now,
			model.Listing{ListingID: "a", PricePerUnit: 100, Quantity: 1},
			model.Listing{ListingID: "b", PricePerUnit: 200, Quantity: 1, Hq: true}),
	}
	e := newEngine(shown, fakeHistory{}, nil, nil)

	got, err := e.CurrentData(context.Background(), market.CurrentDataQuery{
		Scope:   scope.World(74),
		ItemIDs: []int{5333},
		OnlyHq:  true,
	})
	if err != nil {
		t.Fatalf("CurrentData: %v", err)
	}
	item := got.Items[0]
	if len(item.Listings) != 1 || !item.Listings[0].Hq {
		t.Fatalf("listings = %+v, want HQ only", item.Listings)
	}
	if item.Nq.MinPrice != 100 {
		t.Errorf("NQ stats min = %d, want 100 despite the HQ filter", item.Nq.MinPrice)
	}
	if item.All.MinPrice != 100 || item.All.MaxPrice != 200 {
		t.Errorf("all stats = %+v, want both qualities covered", item.All)
	}
}

func TestCurrentDataDropsInvalidRows(t *testing.T) {
	now := time.Now().UTC()
	shown := fakeShown{
		{WorldID: 74, ItemID: 5333}: shownAt(74, 5333, now,
			model.Listing{ListingID: "a", PricePerUnit: 0, Quantity: 1},
			model.Listing{ListingID: "b", PricePerUnit: 100, Quantity: 0},
			model.Listing{ListingID: "c", PricePerUnit: 100, Quantity: 1}),
	}
	history := fakeHistory{
		{WorldID: 74, ItemID: 5333}: {
			WorldID: 74, ItemID: 5333, LastUploadTimeUnixMs: now.UnixMilli(),
			Sales: []model.Sale{
				{PricePerUnit: 0, SaleTime: now},
				{PricePerUnit: 100},
				{PricePerUnit: 100, SaleTime: now},
			},
		},
	}
	e := newEngine(shown, history, nil, nil)

	got, err := e.CurrentData(context.Background(), market.CurrentDataQuery{
		Scope:   scope.World(74),
		ItemIDs: []int{5333},
	})
	if err != nil {
		t.Fatalf("CurrentData: %v", err)
	}
	item := got.Items[0]
	if len(item.Listings) != 1 {
		t.Errorf("listings = %+v, want invalid rows dropped", item.Listings)
	}
	if len(item.RecentHistory) != 1 {
		t.Errorf("history = %+v, want invalid rows dropped", item.RecentHistory)
	}
}

func TestHistoryDataSortsEntriesAcrossWorlds(t *testing.T) {
	now := time.Now().UTC()
	history := fakeHistory{
		{WorldID: 74, ItemID: 5333}: {
			WorldID: 74, ItemID: 5333, LastUploadTimeUnixMs: now.UnixMilli(),
			Sales: []model.Sale{{PricePerUnit: 100, SaleTime: now.Add(-2 * time.Hour)}},
		},
		{WorldID: 91, ItemID: 5333}: {
			WorldID: 91, ItemID: 5333, LastUploadTimeUnixMs: now.UnixMilli(),
			Sales: []model.Sale{{PricePerUnit: 200, SaleTime: now.Add(-time.Hour)}},
		},
	}
	e := newEngine(fakeShown{}, history, nil, nil)

	got, unresolved, err := e.HistoryData(context.Background(), market.HistoryQuery{
		Scope:   scope.DataCenter("Crystal"),
		ItemIDs: []int{5333},
	})
	if err != nil {
		t.Fatalf("HistoryData: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("unresolved = %v", unresolved)
	}
	entries := got[5333].Entries
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].PricePerUnit != 200 || entries[0].WorldName != "Balmung" {
		t.Errorf("newest entry = %+v, want the Balmung sale first", entries[0])
	}
}

func TestAggregatedWorldScope(t *testing.T) {
	now := time.Now().UTC()
	minListings := &fakeMinListings{
		byWorld: map[int]model.MinListing{
			74: {
				World:  model.MinListingEntry{Nq: &model.MinListingPrice{UnitPrice: 100}},
				Dc:     model.MinListingEntry{Nq: &model.MinListingPrice{WorldID: 91, UnitPrice: 50}},
				Region: model.MinListingEntry{Nq: &model.MinListingPrice{WorldID: 75, UnitPrice: 40}},
			},
		},
		uploadTimes: map[model.WorldItemPair]time.Time{
			{WorldID: 74, ItemID: 5333}: now,
			{WorldID: 91, ItemID: 5333}: now.Add(-time.Hour),
		},
	}
	saleAggs := &fakeSaleAggs{
		velocities: map[string]*model.TradeVelocity{
			"74":      {Quantity: 10, SumSales: 1000, AvgSalesPerDay: 2.5},
			"Crystal": {Quantity: 40, SumSales: 8000, AvgSalesPerDay: 10},
		},
		recent: map[string]*model.RecentSale{
			"74": {UnitPrice: 95, SaleTime: now.Add(-time.Minute), WorldID: 74},
		},
	}
	e := newEngine(fakeShown{}, fakeHistory{}, minListings, saleAggs)

	got, err := e.Aggregated(context.Background(), scope.World(74), []int{5333})
	if err != nil {
		t.Fatalf("Aggregated: %v", err)
	}
	if len(got.Items) != 1 || len(got.FailedItemIDs) != 0 {
		t.Fatalf("items=%d failed=%v", len(got.Items), got.FailedItemIDs)
	}

	item := got.Items[0]
	if item.Nq.MinListing.World == nil || item.Nq.MinListing.World.Price != 100 {
		t.Errorf("world min = %+v, want 100", item.Nq.MinListing.World)
	}
	if item.Nq.MinListing.Dc == nil || item.Nq.MinListing.Dc.WorldID != 91 {
		t.Errorf("dc min = %+v, want world 91", item.Nq.MinListing.Dc)
	}
	if item.Nq.MinListing.Region == nil || item.Nq.MinListing.Region.Price != 40 {
		t.Errorf("region min = %+v, want 40", item.Nq.MinListing.Region)
	}
	if item.Nq.RecentPurchase.World == nil || item.Nq.RecentPurchase.World.Price != 95 {
		t.Errorf("world recent purchase = %+v, want 95", item.Nq.RecentPurchase.World)
	}
	if item.Nq.DailySaleVelocity.World == nil || *item.Nq.DailySaleVelocity.World != 2.5 {
		t.Errorf("world velocity = %v, want 2.5", item.Nq.DailySaleVelocity.World)
	}
	if item.Nq.AverageSalePrice.Dc == nil || *item.Nq.AverageSalePrice.Dc != 200 {
		t.Errorf("dc average sale price = %v, want 200", item.Nq.AverageSalePrice.Dc)
	}
	if item.Hq.DailySaleVelocity.World != nil {
		t.Errorf("hq velocity = %v, want nil with no cached activity", item.Hq.DailySaleVelocity.World)
	}
	// Upload times cover only the worlds implicated by the winning entries.
	if _, ok := item.WorldUploadTimes[74]; !ok {
		t.Errorf("upload times = %v, want requested world present", item.WorldUploadTimes)
	}
	if _, ok := item.WorldUploadTimes[91]; !ok {
		t.Errorf("upload times = %v, want dc-winning world present", item.WorldUploadTimes)
	}
}

func TestAggregatedIsolatesItemFailures(t *testing.T) {
	saleAggs := &fakeSaleAggs{failItemID: 5}
	e := newEngine(fakeShown{}, fakeHistory{}, nil, saleAggs)

	got, err := e.Aggregated(context.Background(), scope.World(74), []int{5, 5333, 999})
	if err != nil {
		t.Fatalf("Aggregated: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ItemID != 5333 {
		t.Fatalf("items = %+v, want only 5333", got.Items)
	}
	if len(got.FailedItemIDs) != 2 || got.FailedItemIDs[0] != 5 || got.FailedItemIDs[1] != 999 {
		t.Fatalf("failed = %v, want [5 999]", got.FailedItemIDs)
	}
}

func TestAggregatedMixedUnmarketableAndFailingItems(t *testing.T) {
	// A large unmarketable tail alongside a failing cache read exercises the
	// failed-list appends from both the request path and the worker pool.
	saleAggs := &fakeSaleAggs{failItemID: 5}
	e := newEngine(fakeShown{}, fakeHistory{}, nil, saleAggs)

	ids := []int{5, 5333}
	for i := 0; i < 300; i++ {
		ids = append(ids, 10000+i)
	}

	got, err := e.Aggregated(context.Background(), scope.World(74), ids)
	if err != nil {
		t.Fatalf("Aggregated: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ItemID != 5333 {
		t.Fatalf("items = %+v, want only 5333", got.Items)
	}
	if len(got.FailedItemIDs) != 301 {
		t.Fatalf("got %d failed ids, want 301", len(got.FailedItemIDs))
	}
	if got.FailedItemIDs[0] != 5 || got.FailedItemIDs[1] != 10000 {
		t.Fatalf("failed = %v..., want sorted with 5 first", got.FailedItemIDs[:2])
	}
}

func TestAggregatedUnknownScope(t *testing.T) {
	e := newEngine(fakeShown{}, fakeHistory{}, nil, nil)
	_, err := e.Aggregated(context.Background(), scope.Region("Atlantis"), []int{5333})
	if !errors.Is(err, market.ErrUnknownScope) {
		t.Fatalf("err = %v, want ErrUnknownScope", err)
	}
}
