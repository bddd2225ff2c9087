package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xivmarket/market-board/internal/metrics"
	"github.com/xivmarket/market-board/internal/model"
)

const saleColumns = `id, sale_time, item_id, world_id, buyer_name, hq, on_mannequin, quantity, unit_price, uploader_id`

// PostgresSaleStore persists sale records in the sale table. Sales are
// append-only; duplicate ids delivered again are dropped silently.
type PostgresSaleStore struct {
	pool   *pgxpool.Pool
	sink   metrics.Sink
	logger *slog.Logger
}

func NewPostgresSaleStore(pool *pgxpool.Pool, sink metrics.Sink, logger *slog.Logger) *PostgresSaleStore {
	return &PostgresSaleStore{pool: pool, sink: sink, logger: logger}
}

func (s *PostgresSaleStore) InsertMany(ctx context.Context, sales []model.Sale) error {
	if len(sales) == 0 {
		return nil
	}

	byPair := make(map[model.WorldItemPair][]model.Sale)
	for _, sale := range sales {
		pair := model.WorldItemPair{WorldID: sale.WorldID, ItemID: sale.ItemID}
		byPair[pair] = append(byPair[pair], sale)
	}

	for pair, group := range byPair {
		if err := s.insertPair(ctx, group); err != nil {
			return fmt.Errorf("insert sales (world=%d, item=%d): %w", pair.WorldID, pair.ItemID, err)
		}
	}
	return nil
}

func (s *PostgresSaleStore) insertPair(ctx context.Context, sales []model.Sale) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, sale := range sales {
		batch.Queue(`INSERT INTO sale (`+saleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			sale.ID, sale.SaleTime.UTC(), sale.ItemID, sale.WorldID, sale.BuyerName,
			sale.Hq, sale.OnMannequin, sale.Quantity, sale.PricePerUnit, sale.UploaderIDHash)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return tx.Commit(ctx)
}

// RetrieveBySaleTime returns up to count sales for the pair, newest first.
// A nil from/to bound leaves that side of the range open.
func (s *PostgresSaleStore) RetrieveBySaleTime(ctx context.Context, worldID, itemID, count int, from, to *time.Time) ([]model.Sale, error) {
	if count <= 0 {
		return nil, nil
	}

	query := `SELECT ` + saleColumns + ` FROM sale WHERE item_id = $1 AND world_id = $2`
	args := []any{itemID, worldID}
	if from != nil {
		args = append(args, from.UTC())
		query += fmt.Sprintf(" AND sale_time >= $%d", len(args))
	}
	if to != nil {
		args = append(args, to.UTC())
		query += fmt.Sprintf(" AND sale_time <= $%d", len(args))
	}
	args = append(args, count)
	query += fmt.Sprintf(" ORDER BY sale_time DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sales (world=%d, item=%d): %w", worldID, itemID, err)
	}
	defer rows.Close()

	sales, err := scanSales(rows)
	if err != nil {
		return nil, fmt.Errorf("scan sales (world=%d, item=%d): %w", worldID, itemID, err)
	}
	s.sink.SaleRowsRead(len(sales))
	return sales, nil
}

func scanSales(rows pgx.Rows) ([]model.Sale, error) {
	var sales []model.Sale
	for rows.Next() {
		var sale model.Sale
		if err := rows.Scan(&sale.ID, &sale.SaleTime, &sale.ItemID, &sale.WorldID,
			&sale.BuyerName, &sale.Hq, &sale.OnMannequin, &sale.Quantity,
			&sale.PricePerUnit, &sale.UploaderIDHash); err != nil {
			return nil, err
		}
		sale.SaleTime = sale.SaleTime.UTC()
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}
