package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"triptrack/internal/trip"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return store
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("second init schema: %v", err)
	}
}

func TestTripLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	id, err := store.InsertTrip(ctx, trip.Trip{StartTime: start})
	if err != nil {
		t.Fatalf("insert trip: %v", err)
	}

	current, ok, err := store.CurrentTrip(ctx)
	if err != nil || !ok {
		t.Fatalf("expected current trip, ok=%v err=%v", ok, err)
	}
	if current.ID != id || current.Completed || current.EndTime != nil {
		t.Fatalf("unexpected current trip: %+v", current)
	}
	if !current.StartTime.Equal(start) {
		t.Fatalf("expected start %s, got %s", start, current.StartTime)
	}

	end := start.Add(90 * time.Second)
	current.EndTime = &end
	current.Duration = 90 * time.Second
	current.TotalDistance = 250
	current.AverageSpeed = 4
	current.MaxSpeed = 8
	current.Completed = true
	if err := store.UpdateTrip(ctx, current); err != nil {
		t.Fatalf("update trip: %v", err)
	}

	if _, ok, err := store.CurrentTrip(ctx); err != nil || ok {
		t.Fatalf("expected no current trip after finalize, ok=%v err=%v", ok, err)
	}

	got, err := store.GetTrip(ctx, id)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if got.Duration != 90*time.Second || got.MaxSpeed != 8 || !got.Completed {
		t.Fatalf("unexpected finalized trip: %+v", got)
	}
	if got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Fatalf("expected end time %s, got %v", end, got.EndTime)
	}
}

func TestSingleIncompleteTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.InsertTrip(ctx, trip.Trip{StartTime: time.Now()}); err != nil {
		t.Fatalf("insert trip: %v", err)
	}
	if _, err := store.InsertTrip(ctx, trip.Trip{StartTime: time.Now()}); err == nil {
		t.Fatalf("expected second incomplete trip to be rejected")
	}
	if _, err := store.InsertTrip(ctx, trip.Trip{StartTime: time.Now(), Completed: true}); err != nil {
		t.Fatalf("completed trip should insert: %v", err)
	}
}

func TestMissingTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.GetTrip(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateTrip(ctx, trip.Trip{ID: 99, StartTime: time.Now()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
	if err := store.DeleteTrip(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestSamplesOrderingAndQueries(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	id, err := store.InsertTrip(ctx, trip.Trip{StartTime: base})
	if err != nil {
		t.Fatalf("insert trip: %v", err)
	}

	alt := 15.0
	samples := []trip.LocationSample{
		{TripID: id, Latitude: 40.0002, Longitude: -74, Speed: 3, Timestamp: base.Add(10 * time.Second), IsMoving: true},
		{TripID: id, Latitude: 40.0000, Longitude: -74, Speed: 0.2, Altitude: &alt, Timestamp: base},
	}
	if err := store.InsertSamples(ctx, samples); err != nil {
		t.Fatalf("insert samples: %v", err)
	}
	if _, err := store.InsertSample(ctx, trip.LocationSample{TripID: id, Latitude: 40.0001, Longitude: -74, Speed: 8, Timestamp: base.Add(5 * time.Second), IsMoving: true}); err != nil {
		t.Fatalf("insert sample: %v", err)
	}

	asc, err := store.SamplesForTrip(ctx, id)
	if err != nil {
		t.Fatalf("samples asc: %v", err)
	}
	if len(asc) != 3 || asc[0].Speed != 0.2 || asc[1].Speed != 8 || asc[2].Speed != 3 {
		t.Fatalf("unexpected ascending order: %+v", asc)
	}
	if asc[0].Altitude == nil || *asc[0].Altitude != alt || asc[1].Altitude != nil {
		t.Fatalf("expected optional altitude to round trip")
	}

	desc, err := store.SamplesForTripDesc(ctx, id)
	if err != nil {
		t.Fatalf("samples desc: %v", err)
	}
	if desc[0].Speed != 3 || desc[2].Speed != 0.2 {
		t.Fatalf("unexpected descending order: %+v", desc)
	}

	moving, err := store.MovingSamplesForTrip(ctx, id)
	if err != nil {
		t.Fatalf("moving samples: %v", err)
	}
	if len(moving) != 2 {
		t.Fatalf("expected 2 moving samples, got %d", len(moving))
	}

	last, ok, err := store.LastSample(ctx, id)
	if err != nil || !ok || last.Speed != 3 {
		t.Fatalf("unexpected last sample: %+v ok=%v err=%v", last, ok, err)
	}

	count, err := store.CountSamplesForTrip(ctx, id)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 samples, got %d err=%v", count, err)
	}

	if err := store.DeleteSamplesForTrip(ctx, id); err != nil {
		t.Fatalf("delete samples: %v", err)
	}
	if _, ok, _ := store.LastSample(ctx, id); ok {
		t.Fatalf("expected no samples after delete")
	}
}

func TestDeleteTripCascades(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	id, err := store.InsertTrip(ctx, trip.Trip{StartTime: time.Now()})
	if err != nil {
		t.Fatalf("insert trip: %v", err)
	}
	if _, err := store.InsertSample(ctx, trip.LocationSample{TripID: id, Latitude: 1, Longitude: 1, Timestamp: time.Now()}); err != nil {
		t.Fatalf("insert sample: %v", err)
	}
	if err := store.DeleteTrip(ctx, id); err != nil {
		t.Fatalf("delete trip: %v", err)
	}
	count, err := store.CountSamplesForTrip(ctx, id)
	if err != nil || count != 0 {
		t.Fatalf("expected samples removed with trip, got %d err=%v", count, err)
	}
}

func TestTotals(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i, tr := range []trip.Trip{
		{StartTime: base, TotalDistance: 1000, AverageSpeed: 2, Completed: true},
		{StartTime: base.Add(time.Hour), TotalDistance: 3000, AverageSpeed: 4, Completed: true},
		{StartTime: base.Add(2 * time.Hour), TotalDistance: 500, AverageSpeed: 10},
	} {
		if _, err := store.InsertTrip(ctx, tr); err != nil {
			t.Fatalf("insert trip %d: %v", i, err)
		}
	}

	count, err := store.CountTrips(ctx)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 trips, got %d err=%v", count, err)
	}
	total, err := store.TotalDistance(ctx)
	if err != nil || total != 4000 {
		t.Fatalf("expected completed distance 4000, got %f err=%v", total, err)
	}
	avg, err := store.AverageSpeed(ctx)
	if err != nil || avg != 3 {
		t.Fatalf("expected average speed 3, got %f err=%v", avg, err)
	}

	trips, err := store.ListTrips(ctx)
	if err != nil || len(trips) != 3 || !trips[0].StartTime.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("expected newest first listing, got %+v err=%v", trips, err)
	}
	completed, err := store.ListCompletedTrips(ctx)
	if err != nil || len(completed) != 2 {
		t.Fatalf("expected 2 completed trips, got %d err=%v", len(completed), err)
	}
}

func TestTotalsEmpty(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	total, err := store.TotalDistance(ctx)
	if err != nil || total != 0 {
		t.Fatalf("expected zero distance, got %f err=%v", total, err)
	}
	avg, err := store.AverageSpeed(ctx)
	if err != nil || avg != 0 {
		t.Fatalf("expected zero average, got %f err=%v", avg, err)
	}
}
