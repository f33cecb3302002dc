package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"triptrack/internal/trip"
)

const sampleColumns = `id, trip_id, latitude, longitude, altitude, speed, accuracy, bearing, timestamp, is_moving`

const insertSampleSQL = `
INSERT INTO location_samples (trip_id, latitude, longitude, altitude, speed, accuracy, bearing, timestamp, is_moving)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func sampleArgs(sample trip.LocationSample) []any {
	return []any{
		sample.TripID,
		sample.Latitude,
		sample.Longitude,
		nullableFloat(sample.Altitude),
		sample.Speed,
		nullableFloat(sample.Accuracy),
		nullableFloat(sample.Bearing),
		sample.Timestamp.UnixMilli(),
		boolInt(sample.IsMoving),
	}
}

func (s *Store) InsertSample(ctx context.Context, sample trip.LocationSample) (int64, error) {
	res, err := s.db.ExecContext(ctx, insertSampleSQL, sampleArgs(sample)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertSamples writes samples in one transaction.
func (s *Store) InsertSamples(ctx context.Context, samples []trip.LocationSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sample := range samples {
		if _, err := stmt.ExecContext(ctx, sampleArgs(sample)...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SamplesForTrip returns the samples of a trip in ascending time order.
func (s *Store) SamplesForTrip(ctx context.Context, tripID int64) ([]trip.LocationSample, error) {
	return s.querySamples(ctx, `
SELECT `+sampleColumns+`
FROM location_samples
WHERE trip_id = ?
ORDER BY timestamp ASC, id ASC
`, tripID)
}

func (s *Store) SamplesForTripDesc(ctx context.Context, tripID int64) ([]trip.LocationSample, error) {
	return s.querySamples(ctx, `
SELECT `+sampleColumns+`
FROM location_samples
WHERE trip_id = ?
ORDER BY timestamp DESC, id DESC
`, tripID)
}

func (s *Store) MovingSamplesForTrip(ctx context.Context, tripID int64) ([]trip.LocationSample, error) {
	return s.querySamples(ctx, `
SELECT `+sampleColumns+`
FROM location_samples
WHERE trip_id = ? AND is_moving = 1
ORDER BY timestamp ASC, id ASC
`, tripID)
}

func (s *Store) LastSample(ctx context.Context, tripID int64) (trip.LocationSample, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sampleColumns+`
FROM location_samples
WHERE trip_id = ?
ORDER BY timestamp DESC, id DESC
LIMIT 1
`, tripID)
	sample, err := scanSample(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trip.LocationSample{}, false, nil
		}
		return trip.LocationSample{}, false, err
	}
	return sample, true, nil
}

func (s *Store) DeleteSamplesForTrip(ctx context.Context, tripID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM location_samples WHERE trip_id = ?`, tripID)
	return err
}

func (s *Store) CountSamplesForTrip(ctx context.Context, tripID int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM location_samples
WHERE trip_id = ?
`, tripID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) querySamples(ctx context.Context, query string, args ...any) ([]trip.LocationSample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []trip.LocationSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func scanSample(row scanner) (trip.LocationSample, error) {
	var (
		sample                      trip.LocationSample
		altitude, accuracy, bearing sql.NullFloat64
		ts                          int64
		moving                      int
	)
	if err := row.Scan(&sample.ID, &sample.TripID, &sample.Latitude, &sample.Longitude, &altitude, &sample.Speed, &accuracy, &bearing, &ts, &moving); err != nil {
		return trip.LocationSample{}, err
	}
	sample.Altitude = floatPtr(altitude)
	sample.Accuracy = floatPtr(accuracy)
	sample.Bearing = floatPtr(bearing)
	sample.Timestamp = time.UnixMilli(ts)
	sample.IsMoving = moving == 1
	return sample, nil
}
