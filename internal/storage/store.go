package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"triptrack/internal/trip"
)

// ErrNotFound is returned when a trip or sample does not exist.
var ErrNotFound = errors.New("storage: not found")

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(path, ":memory:") {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InitSchema applies the embedded migrations.
func (s *Store) InitSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
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
	res, err := s.db.ExecContext(ctx, `
INSERT INTO trips (start_time, end_time, duration_ms, total_distance, average_speed, max_speed, is_completed, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, t.StartTime.UnixMilli(), nullableMillis(t.EndTime), t.DurationMillis(), t.TotalDistance, t.AverageSpeed, t.MaxSpeed, boolInt(t.Completed), createdAt.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateTrip(ctx context.Context, t trip.Trip) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE trips SET
	start_time = ?,
	end_time = ?,
	duration_ms = ?,
	total_distance = ?,
	average_speed = ?,
	max_speed = ?,
	is_completed = ?
WHERE id = ?
`, t.StartTime.UnixMilli(), nullableMillis(t.EndTime), t.DurationMillis(), t.TotalDistance, t.AverageSpeed, t.MaxSpeed, boolInt(t.Completed), t.ID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) GetTrip(ctx context.Context, id int64) (trip.Trip, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+tripColumns+`
FROM trips
WHERE id = ?
`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trip.Trip{}, ErrNotFound
	}
	return t, err
}

// CurrentTrip returns the newest incomplete trip, if any.
func (s *Store) CurrentTrip(ctx context.Context) (trip.Trip, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+tripColumns+`
FROM trips
WHERE is_completed = 0
ORDER BY start_time DESC
LIMIT 1
`)
	t, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trip.Trip{}, false, nil
		}
		return trip.Trip{}, false, err
	}
	return t, true, nil
}

// DeleteTrip removes a trip and its samples.
func (s *Store) DeleteTrip(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM location_samples WHERE trip_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM trips WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// ListTrips returns every trip, newest first.
func (s *Store) ListTrips(ctx context.Context) ([]trip.Trip, error) {
	return s.queryTrips(ctx, `
SELECT `+tripColumns+`
FROM trips
ORDER BY start_time DESC
`)
}

// ListCompletedTrips returns finalized trips, newest first.
func (s *Store) ListCompletedTrips(ctx context.Context) ([]trip.Trip, error) {
	return s.queryTrips(ctx, `
SELECT `+tripColumns+`
FROM trips
WHERE is_completed = 1
ORDER BY start_time DESC
`)
}

func (s *Store) CountTrips(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trips`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// TotalDistance sums the distance of completed trips.
func (s *Store) TotalDistance(ctx context.Context) (float64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT SUM(total_distance) FROM trips WHERE is_completed = 1`)
	var total sql.NullFloat64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// AverageSpeed averages the average speed of completed trips.
func (s *Store) AverageSpeed(ctx context.Context) (float64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT AVG(average_speed) FROM trips WHERE is_completed = 1`)
	var avg sql.NullFloat64
	if err := row.Scan(&avg); err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

func (s *Store) queryTrips(ctx context.Context, query string, args ...any) ([]trip.Trip, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trips, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(row scanner) (trip.Trip, error) {
	var (
		t          trip.Trip
		start      int64
		end        sql.NullInt64
		durationMs int64
		completed  int
		createdAt  int64
	)
	if err := row.Scan(&t.ID, &start, &end, &durationMs, &t.TotalDistance, &t.AverageSpeed, &t.MaxSpeed, &completed, &createdAt); err != nil {
		return trip.Trip{}, err
	}
	t.StartTime = time.UnixMilli(start)
	if end.Valid {
		endTime := time.UnixMilli(end.Int64)
		t.EndTime = &endTime
	}
	t.Duration = time.Duration(durationMs) * time.Millisecond
	t.Completed = completed == 1
	t.CreatedAt = time.UnixMilli(createdAt)
	return t, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
