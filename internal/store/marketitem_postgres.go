package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xivmarket/market-board/internal/model"
)

// PostgresMarketItemStore tracks per-pair last-upload times in the
// market_item table.
type PostgresMarketItemStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMarketItemStore(pool *pgxpool.Pool) *PostgresMarketItemStore {
	return &PostgresMarketItemStore{pool: pool}
}

func (s *PostgresMarketItemStore) Insert(ctx context.Context, item model.MarketItem) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO market_item (item_id, world_id, updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_id, world_id) DO UPDATE SET updated = EXCLUDED.updated`,
		item.ItemID, item.WorldID, item.LastUploadTime.UTC())
	if err != nil {
		return fmt.Errorf("upsert market item (world=%d, item=%d): %w", item.WorldID, item.ItemID, err)
	}
	return nil
}

func (s *PostgresMarketItemStore) Retrieve(ctx context.Context, q MarketItemQuery) (*model.MarketItem, error) {
	item := model.MarketItem{ItemID: q.ItemID, WorldID: q.WorldID}
	err := s.pool.QueryRow(ctx, `SELECT updated FROM market_item WHERE item_id = $1 AND world_id = $2`,
		q.ItemID, q.WorldID).Scan(&item.LastUploadTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query market item (world=%d, item=%d): %w", q.WorldID, q.ItemID, err)
	}
	item.LastUploadTime = item.LastUploadTime.UTC()
	return &item, nil
}

func (s *PostgresMarketItemStore) RetrieveMany(ctx context.Context, q MarketItemManyQuery) (map[model.WorldItemPair]*model.MarketItem, error) {
	result := make(map[model.WorldItemPair]*model.MarketItem)
	for _, pair := range q.Pairs() {
		result[pair] = nil
	}

	rows, err := s.pool.Query(ctx, `SELECT item_id, world_id, updated FROM market_item
		WHERE item_id = ANY($1) AND world_id = ANY($2)`, q.ItemIDs, q.WorldIDs)
	if err != nil {
		return nil, fmt.Errorf("query market items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.MarketItem
		if err := rows.Scan(&item.ItemID, &item.WorldID, &item.LastUploadTime); err != nil {
			return nil, fmt.Errorf("scan market item: %w", err)
		}
		item.LastUploadTime = item.LastUploadTime.UTC()
		pair := model.WorldItemPair{WorldID: item.WorldID, ItemID: item.ItemID}
		if _, requested := result[pair]; requested {
			item := item
			result[pair] = &item
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan market items: %w", err)
	}
	return result, nil
}
