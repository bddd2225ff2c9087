// Package api exposes the board over HTTP: the full and aggregated market
// views, sale history, per-world recently-updated rankings, the upload
// endpoint, and the websocket feed. Handlers only parse and serialize; the
// semantics live in the stores and the engine.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xivmarket/market-board/internal/gamedata"
	"github.com/xivmarket/market-board/internal/market"
	"github.com/xivmarket/market-board/internal/model"
	"github.com/xivmarket/market-board/internal/scope"
	"github.com/xivmarket/market-board/internal/store"
	"github.com/xivmarket/market-board/internal/upload"
)

const maxItemsPerQuery = 100

// Handler holds the HTTP surface's collaborators.
type Handler struct {
	engine   *market.Engine
	uploads  store.WorldItemUploadStore
	ingester *upload.Ingester
	gameData gamedata.GameData
	hub      *Hub
	logger   *slog.Logger
}

func NewHandler(engine *market.Engine, uploads store.WorldItemUploadStore, ingester *upload.Ingester, gameData gamedata.GameData, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		engine:   engine,
		uploads:  uploads,
		ingester: ingester,
		gameData: gameData,
		hub:      hub,
		logger:   logger,
	}
}

// Routes mounts the versioned API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", h.hub.HandleWS)
	r.Get("/aggregated/{worldDcRegion}/{itemIDs}", h.GetAggregated)
	r.Get("/history/{worldDcRegion}/{itemIDs}", h.GetHistory)
	r.Get("/extra/stats/most-recently-updated", h.GetMostRecentlyUpdated)
	r.Post("/upload", h.PostUpload)
	r.Get("/{worldDcRegion}/{itemIDs}", h.GetCurrentData)
	return r
}

// parseScope maps the worldDcRegion path segment onto a scope: a decimal
// world id, or a dc/region name matched case-insensitively.
func (h *Handler) parseScope(raw string) (scope.Scope, bool) {
	if id, err := strconv.Atoi(raw); err == nil {
		if _, ok := h.gameData.AvailableWorlds()[id]; ok {
			return scope.World(id), true
		}
		return scope.Scope{}, false
	}
	for _, dc := range h.gameData.DataCenters() {
		if strings.EqualFold(dc.Name, raw) {
			return scope.DataCenter(dc.Name), true
		}
	}
	for _, dc := range h.gameData.DataCenters() {
		if strings.EqualFold(dc.Region, raw) {
			return scope.Region(dc.Region), true
		}
	}
	return scope.Scope{}, false
}

func parseItemIDs(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	if len(parts) > maxItemsPerQuery {
		parts = parts[:maxItemsPerQuery]
	}
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no item ids")
	}
	return ids, nil
}

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}

func queryDurationMs(r *http.Request, name string) time.Duration {
	ms, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// GetCurrentData serves the full view:
// GET /{worldDcRegion}/{itemIDs}?listings=&entries=&hq=&entriesWithin=&statsWithin=
func (h *Handler) GetCurrentData(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.parseScope(chi.URLParam(r, "worldDcRegion"))
	if !ok {
		writeError(w, "unknown world, dc, or region", http.StatusNotFound)
		return
	}
	itemIDs, err := parseItemIDs(chi.URLParam(r, "itemIDs"))
	if err != nil {
		writeError(w, "invalid item ids", http.StatusBadRequest)
		return
	}

	q := market.CurrentDataQuery{
		Scope:         sc,
		ItemIDs:       itemIDs,
		OnlyHq:        r.URL.Query().Get("hq") == "true" || r.URL.Query().Get("hq") == "1",
		ListingLimit:  queryInt(r, "listings"),
		EntryLimit:    queryInt(r, "entries"),
		EntriesWithin: queryDurationMs(r, "entriesWithin"),
		StatsWithin:   queryDurationMs(r, "statsWithin"),
	}
	data, err := h.engine.CurrentData(r.Context(), q)
	if err != nil {
		h.serveEngineError(w, err)
		return
	}
	writeJSON(w, data)
}

// GetHistory serves the sales-only view:
// GET /history/{worldDcRegion}/{itemIDs}?entries=&entriesWithin=&statsWithin=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.parseScope(chi.URLParam(r, "worldDcRegion"))
	if !ok {
		writeError(w, "unknown world, dc, or region", http.StatusNotFound)
		return
	}
	itemIDs, err := parseItemIDs(chi.URLParam(r, "itemIDs"))
	if err != nil {
		writeError(w, "invalid item ids", http.StatusBadRequest)
		return
	}

	items, unresolved, err := h.engine.HistoryData(r.Context(), market.HistoryQuery{
		Scope:         sc,
		ItemIDs:       itemIDs,
		EntryLimit:    queryInt(r, "entries"),
		EntriesWithin: queryDurationMs(r, "entriesWithin"),
		StatsWithin:   queryDurationMs(r, "statsWithin"),
	})
	if err != nil {
		h.serveEngineError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"items":            items,
		"unresolved_items": unresolved,
	})
}

// GetAggregated serves the lightweight cache-only view:
// GET /aggregated/{worldDcRegion}/{itemIDs}
func (h *Handler) GetAggregated(w http.ResponseWriter, r *http.Request) {
	sc, ok := h.parseScope(chi.URLParam(r, "worldDcRegion"))
	if !ok {
		writeError(w, "unknown world, dc, or region", http.StatusNotFound)
		return
	}
	itemIDs, err := parseItemIDs(chi.URLParam(r, "itemIDs"))
	if err != nil {
		writeError(w, "invalid item ids", http.StatusBadRequest)
		return
	}

	data, err := h.engine.Aggregated(r.Context(), sc, itemIDs)
	if err != nil {
		h.serveEngineError(w, err)
		return
	}
	writeJSON(w, data)
}

// GetMostRecentlyUpdated serves the per-world upload ranking:
// GET /extra/stats/most-recently-updated?world=&entries=
func (h *Handler) GetMostRecentlyUpdated(w http.ResponseWriter, r *http.Request) {
	worldID := queryInt(r, "world")
	if _, ok := h.gameData.AvailableWorlds()[worldID]; !ok {
		writeError(w, "unknown world", http.StatusNotFound)
		return
	}
	count := queryInt(r, "entries")
	if count <= 0 || count > 200 {
		count = 50
	}

	uploads, err := h.uploads.MostRecentlyUpdated(r.Context(), worldID, count)
	if err != nil {
		h.logger.Error("recently-updated query failed", "world", worldID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	type entry struct {
		ItemID       int   `json:"item_id"`
		WorldID      int   `json:"world_id"`
		LastUploadMs int64 `json:"last_upload_time"`
	}
	entries := make([]entry, 0, len(uploads))
	for _, u := range uploads {
		entries = append(entries, entry{ItemID: u.ItemID, WorldID: worldID, LastUploadMs: u.LastUploadMs})
	}
	writeJSON(w, map[string]any{"items": entries})
}

// UploadRequest is the JSON body for POST /upload. A present but empty
// listings array clears the pair's board; an absent listings field leaves
// listings untouched.
type UploadRequest struct {
	WorldID      int             `json:"world_id"`
	ItemID       int             `json:"item_id"`
	UploaderID   string          `json:"uploader_id"`
	UploadSource string          `json:"source"`
	Listings     *[]ListingEntry `json:"listings"`
	Sales        []SaleEntry     `json:"sales"`
}

// ListingEntry is one uploaded listing.
type ListingEntry struct {
	ListingID        string          `json:"listing_id"`
	Hq               bool            `json:"hq"`
	OnMannequin      bool            `json:"on_mannequin"`
	Materia          []model.Materia `json:"materia"`
	PricePerUnit     int             `json:"price_per_unit"`
	Quantity         int             `json:"quantity"`
	DyeID            int             `json:"dye_id"`
	CreatorName      string          `json:"creator_name"`
	LastReviewTimeMs int64           `json:"last_review_time"`
	RetainerID       string          `json:"retainer_id"`
	RetainerName     string          `json:"retainer_name"`
	RetainerCityID   int             `json:"retainer_city_id"`
}

// SaleEntry is one uploaded sale.
type SaleEntry struct {
	Hq           bool    `json:"hq"`
	PricePerUnit int     `json:"price_per_unit"`
	Quantity     *int    `json:"quantity"`
	BuyerName    *string `json:"buyer_name"`
	OnMannequin  *bool   `json:"on_mannequin"`
	TimestampMs  int64   `json:"timestamp"`
}

// PostUpload applies one upload event.
func (h *Handler) PostUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, ok := h.gameData.AvailableWorlds()[req.WorldID]; !ok {
		writeError(w, "unknown world", http.StatusNotFound)
		return
	}
	if !h.gameData.IsMarketable(req.ItemID) {
		writeError(w, "item is not marketable", http.StatusUnprocessableEntity)
		return
	}

	up := upload.Upload{
		WorldID:      req.WorldID,
		ItemID:       req.ItemID,
		UploadSource: req.UploadSource,
	}
	if req.Listings != nil {
		up.HasListings = true
		for _, l := range *req.Listings {
			if l.ListingID == "" || l.PricePerUnit <= 0 || l.Quantity <= 0 {
				writeError(w, "listing requires id, positive price, and positive quantity", http.StatusBadRequest)
				return
			}
			up.Listings = append(up.Listings, model.Listing{
				ListingID:      l.ListingID,
				ItemID:         req.ItemID,
				WorldID:        req.WorldID,
				Hq:             l.Hq,
				OnMannequin:    l.OnMannequin,
				Materia:        l.Materia,
				PricePerUnit:   l.PricePerUnit,
				Quantity:       l.Quantity,
				DyeID:          l.DyeID,
				CreatorName:    l.CreatorName,
				LastReviewTime: time.UnixMilli(l.LastReviewTimeMs).UTC(),
				RetainerID:     l.RetainerID,
				RetainerName:   l.RetainerName,
				RetainerCityID: l.RetainerCityID,
				Source:         req.UploadSource,
			})
		}
	}
	for _, s := range req.Sales {
		if s.PricePerUnit <= 0 || s.TimestampMs <= 0 {
			writeError(w, "sale requires positive price and timestamp", http.StatusBadRequest)
			return
		}
		up.Sales = append(up.Sales, model.Sale{
			ID:             uuid.New(),
			ItemID:         req.ItemID,
			WorldID:        req.WorldID,
			Hq:             s.Hq,
			PricePerUnit:   s.PricePerUnit,
			Quantity:       s.Quantity,
			BuyerName:      s.BuyerName,
			OnMannequin:    s.OnMannequin,
			SaleTime:       time.UnixMilli(s.TimestampMs).UTC(),
			UploaderIDHash: req.UploaderID,
		})
	}
	if !up.HasListings && len(up.Sales) == 0 {
		writeError(w, "upload carries no listings or sales", http.StatusBadRequest)
		return
	}

	if err := h.ingester.Process(r.Context(), up); err != nil {
		h.logger.Error("upload failed", "world", req.WorldID, "item", req.ItemID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) serveEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrUnknownScope):
		writeError(w, "unknown world, dc, or region", http.StatusNotFound)
	case errors.Is(err, market.ErrDeadlineExceeded):
		writeError(w, "aggregation timed out", http.StatusGatewayTimeout)
	default:
		h.logger.Error("query failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
