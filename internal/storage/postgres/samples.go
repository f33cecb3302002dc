package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"triptrack/internal/trip"
)

const sampleColumns = `id, trip_id, latitude, longitude, altitude, speed, accuracy, bearing, ts, is_moving`

const insertSampleSQL = `
		INSERT INTO location_samples (trip_id, latitude, longitude, altitude, speed, accuracy, bearing, ts, is_moving)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

func sampleArgs(sample trip.LocationSample) []any {
	return []any{
		sample.TripID, sample.Latitude, sample.Longitude, sample.Altitude, sample.Speed,
		sample.Accuracy, sample.Bearing, sample.Timestamp, sample.IsMoving,
	}
}

func (s *Store) InsertSample(ctx context.Context, sample trip.LocationSample) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, insertSampleSQL+`
		RETURNING id`, sampleArgs(sample)...).Scan(&id)
	return id, err
}

func (s *Store) InsertSamples(ctx context.Context, samples []trip.LocationSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, sample := range samples {
		if _, err := tx.Exec(ctx, insertSampleSQL, sampleArgs(sample)...); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) SamplesForTrip(ctx context.Context, tripID int64) ([]trip.LocationSample, error) {
	return s.querySamples(ctx, `
		SELECT `+sampleColumns+`
		FROM location_samples WHERE trip_id=$1
		ORDER BY ts ASC, id ASC
	`, tripID)
}

func (s *Store) SamplesForTripDesc(ctx context.Context, tripID int64) ([]trip.LocationSample, error) {
	return s.querySamples(ctx, `
		SELECT `+sampleColumns+`
		FROM location_samples WHERE trip_id=$1
		ORDER BY ts DESC, id DESC
	`, tripID)
}

func (s *Store) MovingSamplesForTrip(ctx context.Context, tripID int64) ([]trip.LocationSample, error) {
	return s.querySamples(ctx, `
		SELECT `+sampleColumns+`
		FROM location_samples WHERE trip_id=$1 AND is_moving
		ORDER BY ts ASC, id ASC
	`, tripID)
}

func (s *Store) LastSample(ctx context.Context, tripID int64) (trip.LocationSample, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sampleColumns+`
		FROM location_samples WHERE trip_id=$1
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, tripID)
	sample, err := scanSample(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return trip.LocationSample{}, false, nil
		}
		return trip.LocationSample{}, false, err
	}
	return sample, true, nil
}

func (s *Store) DeleteSamplesForTrip(ctx context.Context, tripID int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM location_samples WHERE trip_id=$1`, tripID)
	return err
}

func (s *Store) CountSamplesForTrip(ctx context.Context, tripID int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM location_samples WHERE trip_id=$1`, tripID).Scan(&count)
	return count, err
}

func (s *Store) querySamples(ctx context.Context, query string, args ...any) ([]trip.LocationSample, error) {
	rows, err := s.db.Query(ctx, query, args...)
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
	return samples, rows.Err()
}

func scanSample(row pgx.Row) (trip.LocationSample, error) {
	var sample trip.LocationSample
	err := row.Scan(&sample.ID, &sample.TripID, &sample.Latitude, &sample.Longitude, &sample.Altitude,
		&sample.Speed, &sample.Accuracy, &sample.Bearing, &sample.Timestamp, &sample.IsMoving)
	return sample, err
}
