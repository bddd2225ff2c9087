package market

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xivmarket/market-board/internal/model"
	"github.com/xivmarket/market-board/internal/scope"
	"github.com/xivmarket/market-board/internal/store"
)

const (
	// aggregatedDeadline bounds the whole multi-item batch. Exceeding it
	// aborts the request instead of returning a partial result set.
	aggregatedDeadline = 10 * time.Second

	// velocityWindowDays is the trailing day range of the aggregated
	// velocity, today included.
	velocityWindowDays = 4

	aggregatedConcurrency = 8
)

// PriceAtWorld is a min-listing price and the world holding it.
type PriceAtWorld struct {
	Price   int `json:"price"`
	WorldID int `json:"world_id,omitempty"`
}

// PurchaseAtWorld is a recent sale and the world it happened on.
type PurchaseAtWorld struct {
	Price       int   `json:"price"`
	TimestampMs int64 `json:"timestamp"`
	WorldID     int   `json:"world_id,omitempty"`
}

// ScopedMinListing holds the cheapest listing per scope; nil means no cached
// value at that scope.
type ScopedMinListing struct {
	World  *PriceAtWorld `json:"world,omitempty"`
	Dc     *PriceAtWorld `json:"dc,omitempty"`
	Region *PriceAtWorld `json:"region,omitempty"`
}

// ScopedRecentPurchase holds the most recent sale per scope.
type ScopedRecentPurchase struct {
	World  *PurchaseAtWorld `json:"world,omitempty"`
	Dc     *PurchaseAtWorld `json:"dc,omitempty"`
	Region *PurchaseAtWorld `json:"region,omitempty"`
}

// ScopedRate holds a derived per-scope rate; nil means no cached activity.
type ScopedRate struct {
	World  *float64 `json:"world,omitempty"`
	Dc     *float64 `json:"dc,omitempty"`
	Region *float64 `json:"region,omitempty"`
}

// AggregatedQuality is the aggregated view of one quality of one item.
type AggregatedQuality struct {
	MinListing        ScopedMinListing     `json:"min_listing"`
	RecentPurchase    ScopedRecentPurchase `json:"recent_purchase"`
	AverageSalePrice  ScopedRate           `json:"average_sale_price"`
	DailySaleVelocity ScopedRate           `json:"daily_sale_velocity"`
}

// AggregatedItem is the cache-only aggregate view of one item.
type AggregatedItem struct {
	ItemID           int               `json:"item_id"`
	Nq               AggregatedQuality `json:"nq"`
	Hq               AggregatedQuality `json:"hq"`
	WorldUploadTimes map[int]int64     `json:"world_upload_times,omitempty"`
}

// AggregatedData is the batch result. FailedItemIDs holds items that were
// unmarketable or whose reads failed; the rest of the batch is unaffected.
type AggregatedData struct {
	Items         []AggregatedItem `json:"results"`
	FailedItemIDs []int            `json:"failed_items"`
}

// aggScopes is the set of scope keys implicated by one request.
type aggScopes struct {
	worldID int
	hasWld  bool
	dc      string
	region  string
}

func (e *Engine) resolveAggScopes(sc scope.Scope) (aggScopes, error) {
	var s aggScopes
	switch sc.Kind() {
	case scope.KindWorld:
		id, _ := sc.WorldID()
		if _, ok := e.gameData.AvailableWorlds()[id]; !ok {
			return s, ErrUnknownScope
		}
		s.worldID = id
		s.hasWld = true
		if dc, region, ok := e.w2dr.Get(id); ok {
			s.dc = dc
			s.region = region
		}
	case scope.KindDataCenter:
		for _, dc := range e.gameData.DataCenters() {
			if strings.EqualFold(dc.Name, sc.Name()) {
				s.dc = dc.Name
				s.region = dc.Region
				break
			}
		}
		if s.dc == "" {
			return s, ErrUnknownScope
		}
	case scope.KindRegion:
		for _, dc := range e.gameData.DataCenters() {
			if strings.EqualFold(dc.Region, sc.Name()) {
				s.region = dc.Region
				break
			}
		}
		if s.region == "" {
			return s, ErrUnknownScope
		}
	}
	return s, nil
}

// Aggregated builds the lightweight cache-only view for a batch of items.
// Items are read concurrently; one item's failure marks only that item as
// failed. The whole batch shares one deadline, and missing it returns
// ErrDeadlineExceeded with no partial data.
func (e *Engine) Aggregated(ctx context.Context, sc scope.Scope, itemIDs []int) (AggregatedData, error) {
	scopes, err := e.resolveAggScopes(sc)
	if err != nil {
		return AggregatedData{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.aggDeadline)
	defer cancel()

	// The marketable filter runs before any goroutine starts so the failed
	// list is only ever appended under mu once the group is live.
	result := AggregatedData{Items: []AggregatedItem{}, FailedItemIDs: []int{}}
	var marketable []int
	for _, itemID := range distinctInts(itemIDs) {
		if !e.gameData.IsMarketable(itemID) {
			result.FailedItemIDs = append(result.FailedItemIDs, itemID)
			continue
		}
		marketable = append(marketable, itemID)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(aggregatedConcurrency)

	for _, itemID := range marketable {
		itemID := itemID
		g.Go(func() error {
			item, err := e.aggregateItem(gctx, scopes, itemID)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				e.logger.Warn("aggregated item failed", "item", itemID, "err", err)
				mu.Lock()
				result.FailedItemIDs = append(result.FailedItemIDs, itemID)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			result.Items = append(result.Items, item)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		if err == nil {
			err = ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return AggregatedData{}, ErrDeadlineExceeded
		}
		return AggregatedData{}, err
	}

	sort.Slice(result.Items, func(i, j int) bool { return result.Items[i].ItemID < result.Items[j].ItemID })
	sort.Ints(result.FailedItemIDs)
	return result, nil
}

func (e *Engine) aggregateItem(ctx context.Context, scopes aggScopes, itemID int) (AggregatedItem, error) {
	item := AggregatedItem{ItemID: itemID}

	minListing, err := e.readMinListings(ctx, scopes, itemID)
	if err != nil {
		return item, err
	}
	item.Nq.MinListing, item.Hq.MinListing = splitMinListing(minListing)

	for _, hq := range []bool{false, true} {
		q := &item.Nq
		if hq {
			q = &item.Hq
		}
		purchase, err := e.readRecentPurchases(ctx, scopes, itemID, hq)
		if err != nil {
			return item, err
		}
		q.RecentPurchase = purchase
	}

	if err := e.readVelocities(ctx, scopes, itemID, &item); err != nil {
		return item, err
	}

	uploadTimes, err := e.readUploadTimes(ctx, scopes, itemID, item)
	if err != nil {
		return item, err
	}
	item.WorldUploadTimes = uploadTimes
	return item, nil
}

// readMinListings reads the cheapest-listing aggregates for every scope the
// request implicates.
func (e *Engine) readMinListings(ctx context.Context, scopes aggScopes, itemID int) (model.MinListing, error) {
	if scopes.hasWld {
		return e.minListings.GetMinListing(ctx, scopes.worldID, itemID)
	}
	var ml model.MinListing
	var err error
	if scopes.dc != "" {
		if ml.Dc, err = e.minListings.GetMinListingForDcOrRegion(ctx, scopes.dc, itemID); err != nil {
			return ml, err
		}
	}
	if scopes.region != "" {
		if ml.Region, err = e.minListings.GetMinListingForDcOrRegion(ctx, scopes.region, itemID); err != nil {
			return ml, err
		}
	}
	return ml, nil
}

func splitMinListing(ml model.MinListing) (nq, hq ScopedMinListing) {
	toPrice := func(p *model.MinListingPrice) *PriceAtWorld {
		if p == nil {
			return nil
		}
		return &PriceAtWorld{Price: p.UnitPrice, WorldID: p.WorldID}
	}
	nq = ScopedMinListing{World: toPrice(ml.World.Nq), Dc: toPrice(ml.Dc.Nq), Region: toPrice(ml.Region.Nq)}
	hq = ScopedMinListing{World: toPrice(ml.World.Hq), Dc: toPrice(ml.Dc.Hq), Region: toPrice(ml.Region.Hq)}
	return nq, hq
}

func (e *Engine) readRecentPurchases(ctx context.Context, scopes aggScopes, itemID int, hq bool) (ScopedRecentPurchase, error) {
	var p ScopedRecentPurchase
	toPurchase := func(rs *model.RecentSale) *PurchaseAtWorld {
		if rs == nil {
			return nil
		}
		return &PurchaseAtWorld{Price: rs.UnitPrice, TimestampMs: rs.SaleTime.UnixMilli(), WorldID: rs.WorldID}
	}

	if scopes.hasWld {
		rs, err := e.saleAggs.GetMostRecentSaleInWorld(ctx, scopes.worldID, itemID, hq)
		if err != nil {
			return p, err
		}
		p.World = toPurchase(rs)
	}
	if scopes.dc != "" {
		rs, err := e.saleAggs.GetMostRecentSaleInDatacenterOrRegion(ctx, scopes.dc, itemID, hq)
		if err != nil {
			return p, err
		}
		p.Dc = toPurchase(rs)
	}
	if scopes.region != "" {
		rs, err := e.saleAggs.GetMostRecentSaleInDatacenterOrRegion(ctx, scopes.region, itemID, hq)
		if err != nil {
			return p, err
		}
		p.Region = toPurchase(rs)
	}
	return p, nil
}

type scopeRates struct {
	velocity *float64
	avgPrice *float64
}

// readVelocities fills per-scope daily sale velocity and average sale price
// over the trailing velocity window.
func (e *Engine) readVelocities(ctx context.Context, scopes aggScopes, itemID int, item *AggregatedItem) error {
	now := e.now().UTC()
	from := now.AddDate(0, 0, -(velocityWindowDays - 1))

	if scopes.hasWld {
		nq, hq, err := e.readScopeRates(ctx, scope.World(scopes.worldID).Key(), itemID, from, now)
		if err != nil {
			return err
		}
		item.Nq.DailySaleVelocity.World, item.Nq.AverageSalePrice.World = nq.velocity, nq.avgPrice
		item.Hq.DailySaleVelocity.World, item.Hq.AverageSalePrice.World = hq.velocity, hq.avgPrice
	}
	if scopes.dc != "" {
		nq, hq, err := e.readScopeRates(ctx, scopes.dc, itemID, from, now)
		if err != nil {
			return err
		}
		item.Nq.DailySaleVelocity.Dc, item.Nq.AverageSalePrice.Dc = nq.velocity, nq.avgPrice
		item.Hq.DailySaleVelocity.Dc, item.Hq.AverageSalePrice.Dc = hq.velocity, hq.avgPrice
	}
	if scopes.region != "" {
		nq, hq, err := e.readScopeRates(ctx, scopes.region, itemID, from, now)
		if err != nil {
			return err
		}
		item.Nq.DailySaleVelocity.Region, item.Nq.AverageSalePrice.Region = nq.velocity, nq.avgPrice
		item.Hq.DailySaleVelocity.Region, item.Hq.AverageSalePrice.Region = hq.velocity, hq.avgPrice
	}
	return nil
}

func (e *Engine) readScopeRates(ctx context.Context, scopeKey string, itemID int, from, to time.Time) (nq, hq scopeRates, err error) {
	nqVel, hqVel, err := e.saleAggs.RetrieveUnitTradeVelocity(ctx, scopeKey, itemID, from, to)
	if err != nil {
		return nq, hq, err
	}
	return velocityRates(nqVel), velocityRates(hqVel), nil
}

func velocityRates(v *model.TradeVelocity) scopeRates {
	var r scopeRates
	if v == nil {
		return r
	}
	rate := v.AvgSalesPerDay
	r.velocity = &rate
	if v.Quantity > 0 {
		price := float64(v.SumSales) / float64(v.Quantity)
		r.avgPrice = &price
	}
	return r
}

// readUploadTimes fetches cached last-upload timestamps only for the worlds
// the result actually implicates: the requested world plus whichever worlds
// produced the winning dc/region entries.
func (e *Engine) readUploadTimes(ctx context.Context, scopes aggScopes, itemID int, item AggregatedItem) (map[int]int64, error) {
	worldIDs := make(map[int]struct{})
	if scopes.hasWld {
		worldIDs[scopes.worldID] = struct{}{}
	}
	for _, ml := range []ScopedMinListing{item.Nq.MinListing, item.Hq.MinListing} {
		for _, p := range []*PriceAtWorld{ml.World, ml.Dc, ml.Region} {
			if p != nil && p.WorldID > 0 {
				worldIDs[p.WorldID] = struct{}{}
			}
		}
	}
	for _, rp := range []ScopedRecentPurchase{item.Nq.RecentPurchase, item.Hq.RecentPurchase} {
		for _, p := range []*PurchaseAtWorld{rp.World, rp.Dc, rp.Region} {
			if p != nil && p.WorldID > 0 {
				worldIDs[p.WorldID] = struct{}{}
			}
		}
	}
	if len(worldIDs) == 0 {
		return nil, nil
	}

	queries := make([]store.MarketItemQuery, 0, len(worldIDs))
	for worldID := range worldIDs {
		queries = append(queries, store.MarketItemQuery{ItemID: itemID, WorldID: worldID})
	}
	items, err := e.minListings.GetCachedUploadTimes(ctx, queries)
	if err != nil {
		return nil, err
	}
	times := make(map[int]int64, len(items))
	for _, mi := range items {
		times[mi.WorldID] = mi.LastUploadTime.UnixMilli()
	}
	return times, nil
}
