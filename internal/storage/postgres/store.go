// Package postgres stores trips and samples in PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"triptrack/internal/storage"
	"triptrack/internal/trip"
)

//go:embed schema.sql
var schema string

// Querier is the subset of pgx used by the store. Both *pgxpool.Pool and
// pgxmock pools satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	db Querier
}

func New(db Querier) *Store {
	return &Store{db: db}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

const tripColumns = `id, start_time, end_time, duration_ms, total_distance, average_speed, max_speed, is_completed, created_at`

func (s *Store) InsertTrip(ctx context.Context, t trip.Trip) (int64, error) {
	if t.StartTime.IsZero() {
		return 0, errors.New("trip start time required")
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO trips (start_time, end_time, duration_ms, total_distance, average_speed, max_speed, is_completed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, t.StartTime, t.EndTime, t.DurationMillis(), t.TotalDistance, t.AverageSpeed, t.MaxSpeed, t.Completed, createdAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) UpdateTrip(ctx context.Context, t trip.Trip) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET start_time=$2, end_time=$3, duration_ms=$4, total_distance=$5,
		    average_speed=$6, max_speed=$7, is_completed=$8
		WHERE id=$1
	`, t.ID, t.StartTime, t.EndTime, t.DurationMillis(), t.TotalDistance, t.AverageSpeed, t.MaxSpeed, t.Completed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetTrip(ctx context.Context, id int64) (trip.Trip, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+tripColumns+`
		FROM trips WHERE id=$1
	`, id)
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return trip.Trip{}, storage.ErrNotFound
	}
	return t, err
}

func (s *Store) CurrentTrip(ctx context.Context) (trip.Trip, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+tripColumns+`
		FROM trips WHERE NOT is_completed
		ORDER BY start_time DESC
		LIMIT 1
	`)
	t, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return trip.Trip{}, false, nil
		}
		return trip.Trip{}, false, err
	}
	return t, true, nil
}

// DeleteTrip removes the trip; samples go with it through the foreign key.
func (s *Store) DeleteTrip(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM trips WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListTrips(ctx context.Context) ([]trip.Trip, error) {
	return s.queryTrips(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		ORDER BY start_time DESC
	`)
}

func (s *Store) ListCompletedTrips(ctx context.Context) ([]trip.Trip, error) {
	return s.queryTrips(ctx, `
		SELECT `+tripColumns+`
		FROM trips WHERE is_completed
		ORDER BY start_time DESC
	`)
}

func (s *Store) CountTrips(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM trips`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) TotalDistance(ctx context.Context) (float64, error) {
	var total float64
	err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(total_distance), 0) FROM trips WHERE is_completed`).Scan(&total)
	return total, err
}

func (s *Store) AverageSpeed(ctx context.Context) (float64, error) {
	var avg float64
	err := s.db.QueryRow(ctx, `SELECT COALESCE(AVG(average_speed), 0) FROM trips WHERE is_completed`).Scan(&avg)
	return avg, err
}

func (s *Store) queryTrips(ctx context.Context, query string, args ...any) ([]trip.Trip, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []trip.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func scanTrip(row pgx.Row) (trip.Trip, error) {
	var (
		t          trip.Trip
		durationMs int64
	)
	if err := row.Scan(&t.ID, &t.StartTime, &t.EndTime, &durationMs, &t.TotalDistance, &t.AverageSpeed, &t.MaxSpeed, &t.Completed, &t.CreatedAt); err != nil {
		return trip.Trip{}, err
	}
	t.Duration = time.Duration(durationMs) * time.Millisecond
	return t, nil
}
