package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/model"
)

// PostgresListingStore is the durable tier for live listings. One row per
// listing, primary key listing_id, with an (item_id, world_id) index for the
// per-pair range scans.
type PostgresListingStore struct {
	pool   *pgxpool.Pool
	sink   metrics.Sink
	logger *slog.Logger
}

// NewPostgresListingStore creates a PostgreSQL-backed listing store.
func NewPostgresListingStore(pool *pgxpool.Pool, sink metrics.Sink, logger *slog.Logger) *PostgresListingStore {
	return &PostgresListingStore{pool: pool, sink: sink, logger: logger}
}

const listingColumns = `listing_id, item_id, world_id, hq, on_mannequin, materia,
	unit_price, quantity, dye_id, creator_name, last_review_time,
	retainer_id, retainer_name, retainer_city_id, uploaded_at, source`

func (s *PostgresListingStore) ReplaceLive(ctx context.Context, listings []model.Listing) error {
	uploadedAt := time.Now().UTC()

	// Listings are grouped so a failed batch can be attributed to one
	// world/item pair.
	for pair, group := range groupListingsByPair(listings) {
		if err := s.replacePair(ctx, pair, group, uploadedAt); err != nil {
			s.logger.Error("failed to insert listings", "world", pair.WorldID, "item", pair.ItemID, "err", err)
			return err
		}
	}
	return nil
}

func (s *PostgresListingStore) replacePair(ctx context.Context, pair model.WorldItemPair, group []model.Listing, uploadedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin listing replace (world=%d, item=%d): %w", pair.WorldID, pair.ItemID, err)
	}
	defer tx.Rollback(ctx)

	// Delete-then-insert within one transaction keeps the replacement atomic
	// with respect to readers.
	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM listing WHERE item_id = $1 AND world_id = $2", pair.ItemID, pair.WorldID)
	for _, l := range group {
		updatedAt := l.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = uploadedAt
		}
		// A listing uploaded in separate uploads can already exist; conflicts
		// on the id are treated as re-delivery and skipped.
		batch.Queue(`INSERT INTO listing (`+listingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (listing_id) DO NOTHING`,
			l.ListingID, pair.ItemID, pair.WorldID, l.Hq, l.OnMannequin, materiaParam(l.Materia),
			l.PricePerUnit, l.Quantity, l.DyeID, l.CreatorName, l.LastReviewTime,
			l.RetainerID, l.RetainerName, l.RetainerCityID, updatedAt, l.Source)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("replace listings (world=%d, item=%d): %w", pair.WorldID, pair.ItemID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresListingStore) DeleteLive(ctx context.Context, q ListingQuery) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM listing WHERE item_id = $1 AND world_id = $2", q.ItemID, q.WorldID)
	if err != nil {
		s.logger.Error("failed to delete listings", "world", q.WorldID, "item", q.ItemID, "err", err)
		return fmt.Errorf("delete listings (world=%d, item=%d): %w", q.WorldID, q.ItemID, err)
	}
	return nil
}

func (s *PostgresListingStore) RetrieveLive(ctx context.Context, q ListingQuery) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listing
		 WHERE item_id = $1 AND world_id = $2
		 ORDER BY unit_price`, q.ItemID, q.WorldID)
	if err != nil {
		s.logger.Error("failed to retrieve listings", "world", q.WorldID, "item", q.ItemID, "err", err)
		return nil, fmt.Errorf("retrieve listings (world=%d, item=%d): %w", q.WorldID, q.ItemID, err)
	}
	defer rows.Close()

	listings, err := scanListings(rows)
	if err != nil {
		return nil, err
	}
	s.sink.ListingRowsRead(len(listings))
	return listings, nil
}

func (s *PostgresListingStore) RetrieveManyLive(ctx context.Context, q ListingManyQuery) (map[model.WorldItemPair][]model.Listing, error) {
	result := make(map[model.WorldItemPair][]model.Listing)
	for _, pair := range q.Pairs() {
		result[pair] = []model.Listing{}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listing
		 WHERE item_id = ANY($1) AND world_id = ANY($2)`,
		distinct(q.ItemIDs), distinct(q.WorldIDs))
	if err != nil {
		s.logger.Error("failed to retrieve listings", "worlds", q.WorldIDs, "items", q.ItemIDs, "err", err)
		return nil, fmt.Errorf("retrieve listings (worlds=%v, items=%v): %w", q.WorldIDs, q.ItemIDs, err)
	}
	defer rows.Close()

	listings, err := scanListings(rows)
	if err != nil {
		return nil, err
	}
	for _, l := range listings {
		pair := model.WorldItemPair{WorldID: l.WorldID, ItemID: l.ItemID}
		result[pair] = append(result[pair], l)
	}
	for pair := range result {
		sortListingsByPrice(result[pair])
	}
	s.sink.ListingRowsRead(len(listings))
	return result, nil
}

func scanListings(rows pgx.Rows) ([]model.Listing, error) {
	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		var materiaJSON []byte
		if err := rows.Scan(&l.ListingID, &l.ItemID, &l.WorldID, &l.Hq, &l.OnMannequin, &materiaJSON,
			&l.PricePerUnit, &l.Quantity, &l.DyeID, &l.CreatorName, &l.LastReviewTime,
			&l.RetainerID, &l.RetainerName, &l.RetainerCityID, &l.UpdatedAt, &l.Source); err != nil {
			return nil, err
		}
		if len(materiaJSON) > 0 {
			if err := json.Unmarshal(materiaJSON, &l.Materia); err != nil {
				return nil, fmt.Errorf("decode materia for listing %s: %w", l.ListingID, err)
			}
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// materiaParam renders materia as JSONB, with NULL for empty lists.
func materiaParam(materia []model.Materia) any {
	if len(materia) == 0 {
		return nil
	}
	data, _ := json.Marshal(materia)
	return data
}

func groupListingsByPair(listings []model.Listing) map[model.WorldItemPair][]model.Listing {
	groups := make(map[model.WorldItemPair][]model.Listing)
	for _, l := range listings {
		pair := model.WorldItemPair{WorldID: l.WorldID, ItemID: l.ItemID}
		groups[pair] = append(groups[pair], l)
	}
	return groups
}

func sortListingsByPrice(listings []model.Listing) {
	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].PricePerUnit < listings[j].PricePerUnit
	})
}

func distinct(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
