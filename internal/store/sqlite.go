package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/deliverly/navigator/internal/lib/delivery"
	"github.com/deliverly/navigator/internal/lib/geo"
)

const schema = `
	CREATE TABLE IF NOT EXISTS coordinates (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE,
		latitude DOUBLE NOT NULL,
		longitude DOUBLE NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS delivery_info (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		delivery_address TEXT,
		expected_delivery_date INTEGER,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_info_order ON delivery_info (order_id);
`

// SQLiteStore persists coordinates and delivery history in a sqlite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FindByOrder(ctx context.Context, orderID string) (*delivery.Coordinate, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, order_id, latitude, longitude, updated_at FROM coordinates WHERE order_id = ?", orderID)

	var c delivery.Coordinate
	var updated int64
	err := row.Scan(&c.ID, &c.OrderID, &c.Latitude, &c.Longitude, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query coordinate: %w", err)
	}
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func (s *SQLiteStore) Create(ctx context.Context, orderID string, p geo.Point) (*delivery.Coordinate, error) {
	existing, err := s.FindByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &DuplicateError{OrderID: orderID, ID: existing.ID}
	}

	c := &delivery.Coordinate{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		UpdatedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO coordinates (id, order_id, latitude, longitude, updated_at) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.OrderID, c.Latitude, c.Longitude, c.UpdatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to insert coordinate: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p geo.Point) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE coordinates SET latitude = ?, longitude = ?, updated_at = ? WHERE id = ?",
		p.Latitude, p.Longitude, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update coordinate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *SQLiteStore) UpdateDeliveryInfo(ctx context.Context, orderID string, info delivery.DeliveryInfo) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO delivery_info (order_id, status, delivery_address, expected_delivery_date, recorded_at) VALUES (?, ?, ?, ?, ?)",
		orderID, string(info.Status), info.DeliveryAddress, info.ExpectedDeliveryDate.UnixNano(), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record delivery info: %w", err)
	}
	return nil
}

// DeliveryHistory returns the status changes recorded for orderID, oldest first.
func (s *SQLiteStore) DeliveryHistory(ctx context.Context, orderID string) ([]delivery.DeliveryInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, delivery_address, expected_delivery_date FROM delivery_info WHERE order_id = ? ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery info: %w", err)
	}
	defer rows.Close()

	var history []delivery.DeliveryInfo
	for rows.Next() {
		var info delivery.DeliveryInfo
		var status string
		var expected int64
		if err := rows.Scan(&status, &info.DeliveryAddress, &expected); err != nil {
			return nil, err
		}
		info.Status = delivery.OrderStatus(status)
		info.ExpectedDeliveryDate = time.Unix(0, expected).UTC()
		history = append(history, info)
	}
	return history, rows.Err()
}
