package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"triptrack/internal/export"
	"triptrack/internal/gps"
	"triptrack/internal/metrics"
	"triptrack/internal/trip"
)

// ErrInProgress is returned for operations that need a completed trip.
var ErrInProgress = errors.New("history: trip is still being recorded")

// Store is the read side of trip persistence plus deletion.
type Store interface {
	GetTrip(ctx context.Context, id int64) (trip.Trip, error)
	DeleteTrip(ctx context.Context, id int64) error
	ListTrips(ctx context.Context) ([]trip.Trip, error)
	ListCompletedTrips(ctx context.Context) ([]trip.Trip, error)
	CountTrips(ctx context.Context) (int, error)
	TotalDistance(ctx context.Context) (float64, error)
	AverageSpeed(ctx context.Context) (float64, error)
	SamplesForTrip(ctx context.Context, tripID int64) ([]trip.LocationSample, error)
}

// Detail is a trip with figures derived from its samples.
type Detail struct {
	Trip          trip.Trip     `json:"trip"`
	SampleCount   int           `json:"sample_count"`
	MovingSamples int           `json:"moving_samples"`
	Stops         []gps.Stop    `json:"stops"`
	StoppedTime   time.Duration `json:"stopped_ns"`
}

// Totals summarize completed trips. Count includes every trip.
type Totals struct {
	TripCount     int     `json:"trip_count"`
	TotalDistance float64 `json:"total_distance_m"`
	AverageSpeed  float64 `json:"average_speed_mps"`
}

type Service struct {
	store    Store
	cache    *lru.Cache[int64, Detail]
	stopOpts gps.StopOptions
	logger   zerolog.Logger
}

// New returns a service caching up to cacheSize completed trip details.
func New(store Store, cacheSize int, logger zerolog.Logger) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, err := lru.New[int64, Detail](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}
	return &Service{
		store:    store,
		cache:    cache,
		stopOpts: gps.DefaultStopOptions(),
		logger:   logger.With().Str("component", "history").Logger(),
	}, nil
}

// List returns trips newest first.
func (s *Service) List(ctx context.Context, completedOnly bool) ([]trip.Trip, error) {
	if completedOnly {
		return s.store.ListCompletedTrips(ctx)
	}
	return s.store.ListTrips(ctx)
}

// Detail loads a trip and its stop summary. Completed trips never change, so
// their details are cached.
func (s *Service) Detail(ctx context.Context, id int64) (Detail, error) {
	if d, ok := s.cache.Get(id); ok {
		metrics.HistoryCacheLookups.WithLabelValues("hit").Inc()
		return d, nil
	}
	metrics.HistoryCacheLookups.WithLabelValues("miss").Inc()

	t, err := s.store.GetTrip(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	samples, err := s.store.SamplesForTrip(ctx, id)
	if err != nil {
		return Detail{}, err
	}

	stops := gps.DetectStops(trip.Points(samples), s.stopOpts)
	d := Detail{
		Trip:        t,
		SampleCount: len(samples),
		Stops:       stops,
		StoppedTime: gps.StoppedTime(stops),
	}
	for _, sample := range samples {
		if sample.IsMoving {
			d.MovingSamples++
		}
	}
	if d.Stops == nil {
		d.Stops = []gps.Stop{}
	}

	if t.Completed {
		s.cache.Add(id, d)
	}
	return d, nil
}

// Samples returns the samples of a trip in ascending time order.
func (s *Service) Samples(ctx context.Context, id int64) ([]trip.LocationSample, error) {
	if _, err := s.store.GetTrip(ctx, id); err != nil {
		return nil, err
	}
	return s.store.SamplesForTrip(ctx, id)
}

// Delete removes a completed trip and its samples.
func (s *Service) Delete(ctx context.Context, id int64) error {
	t, err := s.store.GetTrip(ctx, id)
	if err != nil {
		return err
	}
	if !t.Completed {
		return ErrInProgress
	}
	if err := s.store.DeleteTrip(ctx, id); err != nil {
		return err
	}
	s.cache.Remove(id)
	s.logger.Info().Int64("trip_id", id).Msg("Trip deleted")
	return nil
}

func (s *Service) Totals(ctx context.Context) (Totals, error) {
	count, err := s.store.CountTrips(ctx)
	if err != nil {
		return Totals{}, err
	}
	distance, err := s.store.TotalDistance(ctx)
	if err != nil {
		return Totals{}, err
	}
	speed, err := s.store.AverageSpeed(ctx)
	if err != nil {
		return Totals{}, err
	}
	return Totals{TripCount: count, TotalDistance: distance, AverageSpeed: speed}, nil
}

// Export writes one trip in format f.
func (s *Service) Export(ctx context.Context, w io.Writer, id int64, f export.Format) error {
	t, err := s.store.GetTrip(ctx, id)
	if err != nil {
		return err
	}
	samples, err := s.store.SamplesForTrip(ctx, id)
	if err != nil {
		return err
	}
	return export.Write(w, f, t, samples)
}

// ExportAll writes every completed trip as one CSV document.
func (s *Service) ExportAll(ctx context.Context, w io.Writer, now time.Time) error {
	trips, err := s.store.ListCompletedTrips(ctx)
	if err != nil {
		return err
	}
	samplesByTrip := make(map[int64][]trip.LocationSample, len(trips))
	for _, t := range trips {
		samples, err := s.store.SamplesForTrip(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("load samples for trip %d: %w", t.ID, err)
		}
		samplesByTrip[t.ID] = samples
	}
	return export.TripsCSV(w, trips, samplesByTrip, now)
}

// CacheLen reports how many details are cached.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}
