package market

import (
	"sort"

	"github.com/xivmarket/market-board/internal/model"
	"github.com/xivmarket/market-board/internal/stats"
)

// ListingView is one listing in the outward full view. World fields are set
// only when the request spans more than one world; a single-world request
// leaves them zero since they repeat the request parameter.
type ListingView struct {
	ListingID        string          `json:"listing_id"`
	PricePerUnit     int             `json:"price_per_unit"`
	Quantity         int             `json:"quantity"`
	Total            int             `json:"total"`
	Tax              int             `json:"tax"`
	Hq               bool            `json:"hq"`
	OnMannequin      bool            `json:"on_mannequin"`
	Materia          []model.Materia `json:"materia,omitempty"`
	DyeID            int             `json:"dye_id,omitempty"`
	CreatorName      string          `json:"creator_name,omitempty"`
	RetainerID       string          `json:"retainer_id"`
	RetainerName     string          `json:"retainer_name"`
	RetainerCityID   int             `json:"retainer_city_id"`
	LastReviewTimeMs int64           `json:"last_review_time"`
	WorldID          int             `json:"world_id,omitempty"`
	WorldName        string          `json:"world_name,omitempty"`
}

func (v ListingView) UnitPrice() int { return v.PricePerUnit }

// SaleView is one sale in the outward full view.
type SaleView struct {
	Hq           bool   `json:"hq"`
	PricePerUnit int    `json:"price_per_unit"`
	Quantity     int    `json:"quantity"`
	Total        int    `json:"total"`
	TimestampMs  int64  `json:"timestamp"`
	BuyerName    string `json:"buyer_name,omitempty"`
	OnMannequin  bool   `json:"on_mannequin"`
	WorldID      int    `json:"world_id,omitempty"`
	WorldName    string `json:"world_name,omitempty"`
}

func (v SaleView) UnitPrice() int { return v.PricePerUnit }

// QualityStats summarizes one slice of the merged data (all, NQ-only, or
// HQ-only).
type QualityStats struct {
	StackSizeHistogram map[int]int `json:"stack_size_histogram"`
	SaleVelocity       float64     `json:"sale_velocity"`
	MinPrice           int         `json:"min_price"`
	MaxPrice           int         `json:"max_price"`
	AveragePrice       float64     `json:"average_price"`
	AverageSalePrice   float64     `json:"average_sale_price"`
}

// ItemData is the full per-item view at the requested scope.
type ItemData struct {
	ItemID           int              `json:"item_id"`
	LastUploadTimeMs int64            `json:"last_upload_time"`
	Listings         []ListingView    `json:"listings"`
	RecentHistory    []SaleView       `json:"recent_history"`
	All              QualityStats     `json:"all"`
	Nq               QualityStats     `json:"nq"`
	Hq               QualityStats     `json:"hq"`
	WorldUploadTimes map[int]int64    `json:"world_upload_times,omitempty"`
	ListingCount     int              `json:"listings_count"`
	SaleCount        int              `json:"recent_history_count"`
}

// CurrentData is the batch response: resolved items plus the ids that could
// not be resolved (unmarketable, or never uploaded anywhere in scope).
type CurrentData struct {
	Items             []ItemData `json:"items"`
	UnresolvedItemIDs []int      `json:"unresolved_items"`
}

func listingToView(l model.Listing) ListingView {
	return ListingView{
		ListingID:        l.ListingID,
		PricePerUnit:     l.PricePerUnit,
		Quantity:         l.Quantity,
		Total:            l.PricePerUnit * l.Quantity,
		Tax:              stats.CalculateTax(l.PricePerUnit, l.Quantity),
		Hq:               l.Hq,
		OnMannequin:      l.OnMannequin,
		Materia:          l.Materia,
		DyeID:            l.DyeID,
		CreatorName:      l.CreatorName,
		RetainerID:       l.RetainerID,
		RetainerName:     l.RetainerName,
		RetainerCityID:   l.RetainerCityID,
		LastReviewTimeMs: l.LastReviewTime.UTC().UnixMilli(),
	}
}

func saleToView(s model.Sale) SaleView {
	qty := s.QuantityOrZero()
	view := SaleView{
		Hq:           s.Hq,
		PricePerUnit: s.PricePerUnit,
		Quantity:     qty,
		Total:        s.PricePerUnit * qty,
		TimestampMs:  s.SaleTime.UTC().UnixMilli(),
	}
	if s.BuyerName != nil {
		view.BuyerName = *s.BuyerName
	}
	if s.OnMannequin != nil {
		view.OnMannequin = *s.OnMannequin
	}
	return view
}

func sortListingViews(views []ListingView) {
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].PricePerUnit < views[j].PricePerUnit
	})
}

func sortSaleViews(views []SaleView) {
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].TimestampMs > views[j].TimestampMs
	})
}

// computeStats builds the three stat slices over the merged listings and
// sales. Listing stats use live prices; sale stats use recorded quantities
// and a trailing velocity window ending now.
func computeStats(listings []ListingView, sales []SaleView, nowMs, windowMs int64) (all, nq, hq QualityStats) {
	nqListings, hqListings := splitListings(listings)
	nqSales, hqSales := splitSales(sales)
	all = qualityStats(listings, sales, nowMs, windowMs)
	nq = qualityStats(nqListings, nqSales, nowMs, windowMs)
	hq = qualityStats(hqListings, hqSales, nowMs, windowMs)
	return all, nq, hq
}

func splitListings(listings []ListingView) (nq, hq []ListingView) {
	for _, l := range listings {
		if l.Hq {
			hq = append(hq, l)
		} else {
			nq = append(nq, l)
		}
	}
	return nq, hq
}

func splitSales(sales []SaleView) (nq, hq []SaleView) {
	for _, s := range sales {
		if s.Hq {
			hq = append(hq, s)
		} else {
			nq = append(nq, s)
		}
	}
	return nq, hq
}

func qualityStats(listings []ListingView, sales []SaleView, nowMs, windowMs int64) QualityStats {
	quantities := make([]int, 0, len(listings))
	for _, l := range listings {
		quantities = append(quantities, l.Quantity)
	}
	entries := make([]stats.QuantityAt, 0, len(sales))
	var saleQty, saleRevenue int64
	for _, s := range sales {
		entries = append(entries, stats.QuantityAt{TimestampMs: s.TimestampMs, Quantity: s.Quantity})
		saleQty += int64(s.Quantity)
		saleRevenue += int64(s.Total)
	}

	qs := QualityStats{
		StackSizeHistogram: stats.Distribution(quantities),
		SaleVelocity:       stats.VelocityPerDay(entries, nowMs, windowMs),
		MinPrice:           stats.MinPricePerUnit(listings),
		MaxPrice:           stats.MaxPricePerUnit(listings),
		AveragePrice:       stats.AveragePricePerUnit(listings),
	}
	if avg, ok := stats.AverageSalePrice(saleRevenue, saleQty); ok {
		qs.AverageSalePrice = avg
	}
	return qs
}
