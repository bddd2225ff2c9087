package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xivmarket/market-board/internal/api"
	"github.com/xivmarket/market-board/internal/cache"
	"github.com/xivmarket/market-board/internal/gamedata"
	"github.com/xivmarket/market-board/internal/market"
	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/store"
	"github.com/xivmarket/market-board/internal/upload"
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

// newTestServer wires the full stack over in-memory stores and miniredis.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	router := cache.NewRouter(rdb)

	gd := testGameData()
	w2dr := gamedata.NewWorldToDcRegion(gd)
	logger := slog.Default()
	sink := metrics.Nop{}

	listings := store.NewCachedListingStore(store.NewMemoryListingStore(), router, w2dr, sink, logger)
	sales := store.NewCachedSaleStore(store.NewThrottledSaleStore(store.NewMemorySaleStore(), store.DefaultSaleReadConcurrency, sink), router, w2dr, sink, logger)
	items := store.NewCachedMarketItemStore(store.NewMemoryMarketItemStore(), router, sink, logger)
	uploadRanks := store.NewRedisWorldItemUploadStore(router)

	shown := store.NewCurrentlyShownStore(listings, uploadRanks)
	history := store.NewHistoryStore(sales, items)
	engine := market.NewEngine(shown, history, listings, sales, gd, w2dr, logger)

	hub := api.NewHub()
	go hub.Run()
	ingester := upload.NewIngester(shown, history, hub, logger)

	handler := api.NewHandler(engine, uploadRanks, ingester, gd, hub, logger)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func uploadListing(t *testing.T, srv *httptest.Server, worldID, itemID, price int) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/upload", map[string]any{
		"world_id": worldID,
		"item_id":  itemID,
		"source":   "test-client",
		"listings": []map[string]any{
			{
				"listing_id":     fmt.Sprintf("l-%d-%d", worldID, price),
				"price_per_unit": price,
				"quantity":       1,
				"retainer_id":    "r1",
				"retainer_name":  "Retainer",
			},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d, want 202", resp.StatusCode)
	}
}

func TestUploadThenCurrentData(t *testing.T) {
	srv := newTestServer(t)
	uploadListing(t, srv, 74, 5333, 100)
	uploadListing(t, srv, 91, 5333, 50)

	var got market.CurrentData
	status := getJSON(t, srv.URL+"/Crystal/5333", &got)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(got.Items) != 1 {
		t.Fatalf("items = %+v, want one", got.Items)
	}
	item := got.Items[0]
	if len(item.Listings) != 2 {
		t.Fatalf("got %d listings, want 2", len(item.Listings))
	}
	if item.Listings[0].PricePerUnit != 50 || item.Listings[0].WorldName != "Balmung" {
		t.Errorf("cheapest listing = %+v, want 50 on Balmung", item.Listings[0])
	}
}

func TestUploadSalesThenHistory(t *testing.T) {
	srv := newTestServer(t)
	now := time.Now().UTC()

	resp := postJSON(t, srv.URL+"/upload", map[string]any{
		"world_id": 74,
		"item_id":  5333,
		"source":   "test-client",
		"sales": []map[string]any{
			{"price_per_unit": 450, "quantity": 2, "timestamp": now.Add(-time.Hour).UnixMilli()},
			{"price_per_unit": 500, "quantity": 1, "timestamp": now.Add(-2 * time.Hour).UnixMilli()},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d, want 202", resp.StatusCode)
	}

	var got struct {
		Items map[int]market.ItemHistory `json:"items"`
	}
	status := getJSON(t, srv.URL+"/history/74/5333", &got)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	entries := got.Items[5333].Entries
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].PricePerUnit != 450 {
		t.Errorf("newest entry = %+v, want the later sale first", entries[0])
	}
}

func TestAggregatedReflectsUploads(t *testing.T) {
	srv := newTestServer(t)
	uploadListing(t, srv, 74, 5333, 100)
	uploadListing(t, srv, 91, 5333, 50)

	var got market.AggregatedData
	status := getJSON(t, srv.URL+"/aggregated/74/5333", &got)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(got.Items) != 1 {
		t.Fatalf("items = %+v, want one", got.Items)
	}
	item := got.Items[0]
	if item.Nq.MinListing.World == nil || item.Nq.MinListing.World.Price != 100 {
		t.Errorf("world min = %+v, want 100", item.Nq.MinListing.World)
	}
	if item.Nq.MinListing.Dc == nil || item.Nq.MinListing.Dc.Price != 50 || item.Nq.MinListing.Dc.WorldID != 91 {
		t.Errorf("dc min = %+v, want 50 on world 91", item.Nq.MinListing.Dc)
	}
}

func TestMostRecentlyUpdated(t *testing.T) {
	srv := newTestServer(t)
	uploadListing(t, srv, 74, 5333, 100)
	uploadListing(t, srv, 74, 2, 300)

	var got struct {
		Items []struct {
			ItemID int `json:"item_id"`
		} `json:"items"`
	}
	status := getJSON(t, srv.URL+"/extra/stats/most-recently-updated?world=74", &got)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(got.Items) != 2 {
		t.Fatalf("items = %+v, want 2", got.Items)
	}
}

func TestScopeAndValidationErrors(t *testing.T) {
	srv := newTestServer(t)

	if status := getJSON(t, srv.URL+"/Atlantis/5333", nil); status != http.StatusNotFound {
		t.Errorf("unknown scope status = %d, want 404", status)
	}
	if status := getJSON(t, srv.URL+"/74/not-a-number", nil); status != http.StatusBadRequest {
		t.Errorf("bad item ids status = %d, want 400", status)
	}
	if status := getJSON(t, srv.URL+"/extra/stats/most-recently-updated?world=9999", nil); status != http.StatusNotFound {
		t.Errorf("unknown world status = %d, want 404", status)
	}
}

func TestUploadValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "unknown world",
			body: map[string]any{"world_id": 9999, "item_id": 5333, "sales": []map[string]any{{"price_per_unit": 1, "timestamp": 1}}},
			want: http.StatusNotFound,
		},
		{
			name: "unmarketable item",
			body: map[string]any{"world_id": 74, "item_id": 999, "sales": []map[string]any{{"price_per_unit": 1, "timestamp": 1}}},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "empty upload",
			body: map[string]any{"world_id": 74, "item_id": 5333},
			want: http.StatusBadRequest,
		},
		{
			name: "invalid listing",
			body: map[string]any{"world_id": 74, "item_id": 5333, "listings": []map[string]any{{"listing_id": "", "price_per_unit": 0, "quantity": 0}}},
			want: http.StatusBadRequest,
		},
		{
			name: "invalid sale",
			body: map[string]any{"world_id": 74, "item_id": 5333, "sales": []map[string]any{{"price_per_unit": 0, "timestamp": 0}}},
			want: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/upload", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestEmptyListingsUploadClearsBoard(t *testing.T) {
	srv := newTestServer(t)
	uploadListing(t, srv, 74, 5333, 100)

	resp := postJSON(t, srv.URL+"/upload", map[string]any{
		"world_id": 74,
		"item_id":  5333,
		"source":   "test-client",
		"listings": []map[string]any{},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("clearing upload status = %d, want 202", resp.StatusCode)
	}

	var got market.CurrentData
	if status := getJSON(t, srv.URL+"/74/5333", &got); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(got.Items) != 1 || len(got.Items[0].Listings) != 0 {
		t.Fatalf("board not cleared: %+v", got.Items)
	}
}
