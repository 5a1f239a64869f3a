package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thomasender/dsc-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC for exact fixed-point precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	debtCover := e.DebtCover
	if debtCover == "" {
		debtCover = "0"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_events (id, type, actor, on_behalf, asset, amount, debt_covered, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, e.Type, e.Actor, e.OnBehalf, e.Asset,
		e.Amount, debtCover, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) EventsByUser(ctx context.Context, user string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, actor, on_behalf, asset,
		        amount::TEXT, debt_covered::TEXT, timestamp
		 FROM engine_events
		 WHERE actor = $1 OR on_behalf = $1
		 ORDER BY timestamp`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) EventsByAsset(ctx context.Context, assetID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, actor, on_behalf, asset,
		        amount::TEXT, debt_covered::TEXT, timestamp
		 FROM engine_events
		 WHERE asset = $1
		 ORDER BY timestamp`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, actor, on_behalf, asset,
		        amount::TEXT, debt_covered::TEXT, timestamp
		 FROM engine_events
		 ORDER BY timestamp DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Actor, &e.OnBehalf, &e.Asset,
			&e.Amount, &e.DebtCover, &e.Timestamp); err != nil {
			return nil, err
		}
		if e.DebtCover == "0" {
			e.DebtCover = ""
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
