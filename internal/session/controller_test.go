package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"triptrack/internal/config"
	"triptrack/internal/fix"
	"triptrack/internal/gps"
	"triptrack/internal/metrics"
	"triptrack/internal/storage"
	"triptrack/internal/trip"
)

type staticPrefs struct {
	prefs config.TrackingPrefs
}

func (p staticPrefs) Tracking() config.TrackingPrefs { return p.prefs }

func testPrefs() staticPrefs {
	prefs := config.DefaultTrackingPrefs()
	prefs.UpdateIntervalMs = 1
	return staticPrefs{prefs: prefs}
}

type recordingPublisher struct {
	mu     sync.Mutex
	states []State
}

func (p *recordingPublisher) Publish(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.states); n == 0 || p.states[n-1] != s.State {
		p.states = append(p.states, s.State)
	}
}

func (p *recordingPublisher) seen() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.states...)
}

// flakyStore fails the named operations a set number of times.
type flakyStore struct {
	*storage.Store
	mu          sync.Mutex
	failUpdates int
	failCurrent int
	failDeletes int
	failInserts int
}

func (s *flakyStore) take(counter *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

func (s *flakyStore) UpdateTrip(ctx context.Context, t trip.Trip) error {
	if s.take(&s.failUpdates) {
		return errors.New("disk full")
	}
	return s.Store.UpdateTrip(ctx, t)
}

func (s *flakyStore) CurrentTrip(ctx context.Context) (trip.Trip, bool, error) {
	if s.take(&s.failCurrent) {
		return trip.Trip{}, false, errors.New("database is locked")
	}
	return s.Store.CurrentTrip(ctx)
}

func (s *flakyStore) DeleteTrip(ctx context.Context, id int64) error {
	if s.take(&s.failDeletes) {
		return errors.New("database is locked")
	}
	return s.Store.DeleteTrip(ctx, id)
}

func (s *flakyStore) InsertSample(ctx context.Context, sample trip.LocationSample) (int64, error) {
	if s.take(&s.failInserts) {
		return 0, errors.New("disk full")
	}
	return s.Store.InsertSample(ctx, sample)
}

// scriptedSource hands out subscriptions whose fixes and errors are pushed by
// the test.
type scriptedSource struct {
	mu   sync.Mutex
	subs []*scriptedSub
}

type scriptedSub struct {
	fixes chan fix.Fix
	errs  chan error
}

func (s *scriptedSource) Subscribe(_ context.Context, _ time.Duration) (fix.Subscription, error) {
	sub := &scriptedSub{fixes: make(chan fix.Fix), errs: make(chan error)}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *scriptedSource) LastKnown(context.Context) (fix.Fix, bool, error) {
	return fix.Fix{}, false, fix.ErrUnavailable
}

func (s *scriptedSource) RequestSingle(context.Context) (fix.Fix, bool, error) {
	return fix.Fix{}, false, fix.ErrUnavailable
}

func (s *scriptedSource) latest(t *testing.T) *scriptedSub {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		t.Fatalf("no subscription opened")
	}
	return s.subs[len(s.subs)-1]
}

func (s *scriptedSub) ID() string            { return "scripted" }
func (s *scriptedSub) Fixes() <-chan fix.Fix { return s.fixes }
func (s *scriptedSub) Errors() <-chan error  { return s.errs }
func (s *scriptedSub) Unsubscribe()          {}

// push blocks until the controller has taken v.
func push[T any](t *testing.T, ch chan T, v T) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(3 * time.Second):
		t.Fatalf("controller did not take the value")
	}
}

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return store
}

func newController(t *testing.T, source fix.Source, store Store, publisher Publisher) (*Controller, *TestClock) {
	t.Helper()
	clock := NewTestClock(baseTime)
	c, err := New(context.Background(), Deps{
		Source:      source,
		Store:       store,
		Preferences: testPrefs(),
		Publisher:   publisher,
		Clock:       clock,
		Logger:      zerolog.Nop(),
	}, WithAutoStopCheck(0))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func threeFixes() []fix.Fix {
	return []fix.Fix{
		{Lat: 40.0, Lon: -74.0, SpeedMps: 5, Timestamp: baseTime.Add(1 * time.Second)},
		{Lat: 40.0001, Lon: -74.0, SpeedMps: 8, Timestamp: baseTime.Add(2 * time.Second)},
		{Lat: 40.0002, Lon: -74.0, SpeedMps: 3, Timestamp: baseTime.Add(3 * time.Second)},
	}
}

func TestIllegalOperationsWhileStopped(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, fix.NewReplay(nil), openStore(t), nil)

	if err := c.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause: expected invalid transition, got %v", err)
	}
	if err := c.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume: expected invalid transition, got %v", err)
	}
	if _, err := c.Stop(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stop: expected invalid transition, got %v", err)
	}
	if err := c.Reset(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reset: expected invalid transition, got %v", err)
	}
	if got := c.Snapshot().State; got != Stopped {
		t.Fatalf("expected stopped, got %s", got)
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	c, _ := newController(t, fix.NewReplay(nil), store, nil)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second start to be rejected, got %v", err)
	}
	if err := c.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected resume while active to be rejected, got %v", err)
	}
	if got := c.Snapshot().State; got != Active {
		t.Fatalf("expected active, got %s", got)
	}
	count, err := store.CountTrips(ctx)
	if err != nil {
		t.Fatalf("count trips: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one trip, got %d", count)
	}
}

func TestRecordsTripEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	publisher := &recordingPublisher{}
	c, clock := newController(t, fix.NewReplay(threeFixes()), store, publisher)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := c.Snapshot()
	if snap.State != Active || snap.TripID == 0 {
		t.Fatalf("expected active session with trip, got %+v", snap)
	}
	waitFor(t, "three samples", func() bool { return c.Snapshot().Metrics.SampleCount == 3 })

	clock.Advance(10 * time.Minute)
	finished, err := c.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	wantDistance := gps.Distance(40.0, -74.0, 40.0001, -74.0) + gps.Distance(40.0001, -74.0, 40.0002, -74.0)
	if !finished.Completed || finished.EndTime == nil {
		t.Fatalf("expected completed trip, got %+v", finished)
	}
	if math.Abs(finished.TotalDistance-wantDistance) > 1e-9 {
		t.Fatalf("expected distance %f, got %f", wantDistance, finished.TotalDistance)
	}
	if finished.MaxSpeed != 8 {
		t.Fatalf("expected max speed 8, got %f", finished.MaxSpeed)
	}
	if math.Abs(finished.AverageSpeed-16.0/3) > 1e-9 {
		t.Fatalf("expected average speed 16/3, got %f", finished.AverageSpeed)
	}
	if finished.Duration != 10*time.Minute {
		t.Fatalf("expected duration 10m, got %s", finished.Duration)
	}

	stored, err := store.GetTrip(ctx, snap.TripID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if !stored.Completed || stored.MaxSpeed != 8 || math.Abs(stored.TotalDistance-wantDistance) > 1e-9 {
		t.Fatalf("unexpected stored trip: %+v", stored)
	}

	samples, err := c.Samples(ctx, snap.TripID)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	for i, want := range []float64{5, 8, 3} {
		if samples[i].Speed != want {
			t.Fatalf("sample %d: expected speed %f, got %f", i, want, samples[i].Speed)
		}
	}

	after := c.Snapshot()
	if after.State != Stopped || after.Metrics.SampleCount != 0 || after.Metrics.Distance != 0 {
		t.Fatalf("expected reset metrics after stop, got %+v", after)
	}

	want := []State{Stopped, Starting, Active, Stopping, Stopped}
	got := publisher.seen()
	if len(got) != len(want) {
		t.Fatalf("expected published states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected published states %v, got %v", want, got)
		}
	}
}

func TestPauseResumeKeepsMetrics(t *testing.T) {
	ctx := context.Background()
	fixes := threeFixes()
	replay := fix.NewReplay(fixes[:1])
	c, _ := newController(t, replay, openStore(t), nil)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first sample", func() bool { return c.Snapshot().Metrics.SampleCount == 1 })

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused := c.Snapshot()
	if paused.State != Paused || paused.Metrics.SampleCount != 1 {
		t.Fatalf("expected paused with one sample, got %+v", paused)
	}
	if err := c.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pause while paused to be rejected, got %v", err)
	}

	if err := c.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := c.Snapshot(); got.State != Active || got.Metrics.SampleCount != 1 {
		t.Fatalf("expected active with metrics kept, got %+v", got)
	}
}

func TestStaleFixIsDropped(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	c, _ := newController(t, fix.NewReplay(threeFixes()[:1]), store, nil)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first sample", func() bool { return c.Snapshot().Metrics.SampleCount == 1 })
	tripID := c.Snapshot().TripID

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// generation 1 belonged to the first subscription
	c.fixes <- fixEvent{generation: 1, fix: fix.Fix{Lat: 41, Lon: -75, SpeedMps: 30, Timestamp: baseTime.Add(time.Minute)}}
	if err := c.Resume(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected resume while active to be rejected, got %v", err)
	}
	if got := c.Snapshot().Metrics; got.SampleCount != 1 || got.MaxSpeed == 30 {
		t.Fatalf("fix from retired subscription changed metrics: %+v", got)
	}

	if _, err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	c.fixes <- fixEvent{generation: 2, fix: fix.Fix{Lat: 41, Lon: -75, SpeedMps: 30, Timestamp: baseTime.Add(2 * time.Minute)}}
	if err := c.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected pause while stopped to be rejected, got %v", err)
	}
	if got := c.Snapshot(); got.State != Stopped || got.Metrics.SampleCount != 0 {
		t.Fatalf("fix after stop changed the session: %+v", got)
	}

	samples, err := c.Samples(ctx, tripID)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected only the accepted sample to be stored, got %d", len(samples))
	}
}

func TestRecoversUnfinishedTripAsPaused(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	id, err := store.InsertTrip(ctx, trip.Trip{StartTime: baseTime.Add(-time.Hour), CreatedAt: baseTime.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("insert trip: %v", err)
	}
	for i, f := range threeFixes()[:2] {
		sample := trip.SampleFromFix(id, f)
		sample.Timestamp = baseTime.Add(-time.Hour + time.Duration(i)*time.Second)
		if _, err := store.InsertSample(ctx, sample); err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}

	c, _ := newController(t, fix.NewReplay(threeFixes()[2:]), store, nil)

	snap := c.Snapshot()
	if snap.State != Paused || snap.TripID != id {
		t.Fatalf("expected paused recovered trip %d, got %+v", id, snap)
	}
	if snap.Metrics.SampleCount != 2 || snap.Metrics.MaxSpeed != 8 {
		t.Fatalf("expected replayed metrics, got %+v", snap.Metrics)
	}
	if snap.Metrics.ElapsedTime != time.Hour {
		t.Fatalf("expected elapsed time 1h, got %s", snap.Metrics.ElapsedTime)
	}
	if snap.Location == nil || snap.Location.Latitude != 40.0001 {
		t.Fatalf("expected last sample restored, got %+v", snap.Location)
	}

	if err := c.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "third sample", func() bool { return c.Snapshot().Metrics.SampleCount == 3 })

	finished, err := c.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	wantDistance := gps.Distance(40.0, -74.0, 40.0001, -74.0) + gps.Distance(40.0001, -74.0, 40.0002, -74.0)
	if finished.ID != id || math.Abs(finished.TotalDistance-wantDistance) > 1e-9 {
		t.Fatalf("expected recovered trip to continue, got %+v", finished)
	}
}

func TestStartRollsBackWhenPermissionDenied(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	replay := fix.NewReplay(threeFixes())
	replay.SetPermissionDenied(true)
	c, _ := newController(t, replay, store, nil)

	err := c.Start(ctx)
	if !errors.Is(err, fix.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if got := c.Snapshot().State; got != Stopped {
		t.Fatalf("expected stopped after rollback, got %s", got)
	}
	if err := c.writer.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok, err := store.CurrentTrip(ctx); err != nil || ok {
		t.Fatalf("expected no unfinished trip, ok=%v err=%v", ok, err)
	}

	replay.SetPermissionDenied(false)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start after permission granted: %v", err)
	}
}

func TestResumeFailureStaysPaused(t *testing.T) {
	ctx := context.Background()
	replay := fix.NewReplay(nil)
	c, _ := newController(t, replay, openStore(t), nil)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	replay.SetPermissionDenied(true)
	if err := c.Resume(ctx); !errors.Is(err, fix.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if got := c.Snapshot().State; got != Paused {
		t.Fatalf("expected paused, got %s", got)
	}
}

func TestFinalizeFailureEntersErrorAndResetRecovers(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: openStore(t), failUpdates: 1}
	c, _ := newController(t, fix.NewReplay(threeFixes()[:1]), store, nil)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first sample", func() bool { return c.Snapshot().Metrics.SampleCount == 1 })
	tripID := c.Snapshot().TripID

	if _, err := c.Stop(ctx); !errors.Is(err, ErrFinalize) {
		t.Fatalf("expected finalize error, got %v", err)
	}
	if got := c.Snapshot().State; got != Error {
		t.Fatalf("expected error state, got %s", got)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected start to be rejected in error state, got %v", err)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap := c.Snapshot()
	if snap.State != Paused || snap.TripID != tripID || snap.Metrics.SampleCount != 1 {
		t.Fatalf("expected unfinished trip adopted after reset, got %+v", snap)
	}

	finished, err := c.Stop(ctx)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !finished.Completed || finished.ID != tripID {
		t.Fatalf("unexpected finished trip %+v", finished)
	}
}

func TestAutoStopAfterInactivity(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	clock := NewTestClock(baseTime)
	c, err := New(ctx, Deps{
		Source:      fix.NewReplay(nil),
		Store:       store,
		Preferences: testPrefs(),
		Clock:       clock,
		Logger:      zerolog.Nop(),
	}, WithAutoStopCheck(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tripID := c.Snapshot().TripID

	clock.Advance(4 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	if got := c.Snapshot().State; got != Active {
		t.Fatalf("expected active before the delay, got %s", got)
	}

	clock.Advance(2 * time.Minute)
	waitFor(t, "auto-stop", func() bool { return c.Snapshot().State == Stopped })

	stored, err := store.GetTrip(ctx, tripID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	if !stored.Completed {
		t.Fatalf("expected auto-stopped trip to be completed")
	}
}

func TestLoadInitialLocation(t *testing.T) {
	ctx := context.Background()

	empty, _ := newController(t, fix.NewReplay(nil), openStore(t), nil)
	if _, ok := empty.LoadInitialLocation(ctx); ok {
		t.Fatalf("expected no location from empty source")
	}
	if got := empty.Snapshot(); got.Location != nil || got.State != Stopped {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	store := openStore(t)
	c, _ := newController(t, fix.NewReplay(threeFixes()), store, nil)
	sample, ok := c.LoadInitialLocation(ctx)
	if !ok || sample.Latitude != 40.0 {
		t.Fatalf("expected first fix, got %+v ok=%v", sample, ok)
	}
	if got := c.Snapshot(); got.State != Stopped || got.Location == nil || got.Location.Latitude != 40.0 {
		t.Fatalf("expected seeded location without a session, got %+v", got)
	}
	count, err := store.CountTrips(ctx)
	if err != nil {
		t.Fatalf("count trips: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing persisted, got %d trips", count)
	}
}

func TestClosedControllerRejectsCommands(t *testing.T) {
	c, _ := newController(t, fix.NewReplay(nil), openStore(t), nil)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestResetStaysInErrorWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: openStore(t), failUpdates: 1}
	c, _ := newController(t, fix.NewReplay(threeFixes()[:1]), store, nil)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first sample", func() bool { return c.Snapshot().Metrics.SampleCount == 1 })
	tripID := c.Snapshot().TripID
	if _, err := c.Stop(ctx); !errors.Is(err, ErrFinalize) {
		t.Fatalf("expected finalize error, got %v", err)
	}

	store.mu.Lock()
	store.failCurrent = 1
	store.mu.Unlock()
	err := c.Reset(ctx)
	if err == nil || errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected store error from reset, got %v", err)
	}
	if got := c.Snapshot().State; got != Error {
		t.Fatalf("expected to stay in error, got %s", got)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if snap := c.Snapshot(); snap.State != Paused || snap.TripID != tripID {
		t.Fatalf("expected unfinished trip adopted, got %+v", snap)
	}
	if _, err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
	if snap := c.Snapshot(); snap.State != Active || snap.TripID == tripID {
		t.Fatalf("expected a new active trip, got %+v", snap)
	}
}

func TestStartContinuesUnfinishedTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	c, _ := newController(t, fix.NewReplay(nil), store, nil)

	id, err := store.InsertTrip(ctx, trip.Trip{StartTime: baseTime.Add(-time.Hour), CreatedAt: baseTime.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("insert trip: %v", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap := c.Snapshot(); snap.State != Active || snap.TripID != id {
		t.Fatalf("expected unfinished trip %d to continue, got %+v", id, snap)
	}
	count, err := store.CountTrips(ctx)
	if err != nil {
		t.Fatalf("count trips: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one trip, got %d", count)
	}
}

func TestStartAfterFailedRollback(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: openStore(t), failDeletes: 1}
	replay := fix.NewReplay(nil)
	replay.SetPermissionDenied(true)
	c, _ := newController(t, replay, store, nil)

	if err := c.Start(ctx); !errors.Is(err, fix.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	left, ok, err := store.CurrentTrip(ctx)
	if err != nil || !ok {
		t.Fatalf("expected the trip to survive the failed rollback, ok=%v err=%v", ok, err)
	}

	replay.SetPermissionDenied(false)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap := c.Snapshot(); snap.State != Active || snap.TripID != left.ID {
		t.Fatalf("expected trip %d to continue, got %+v", left.ID, snap)
	}
}

func TestStreamErrorKeepsSessionActive(t *testing.T) {
	ctx := context.Background()
	source := &scriptedSource{}
	c, _ := newController(t, source, openStore(t), nil)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := source.latest(t)
	before := testutil.ToFloat64(metrics.StreamErrors)

	push(t, sub.errs, errors.New("receiver lost lock"))
	waitFor(t, "stream error", func() bool { return testutil.ToFloat64(metrics.StreamErrors) == before+1 })
	if got := c.Snapshot().State; got != Active {
		t.Fatalf("expected active after stream error, got %s", got)
	}

	push(t, sub.fixes, threeFixes()[0])
	waitFor(t, "sample after error", func() bool { return c.Snapshot().Metrics.SampleCount == 1 })
	if got := c.Snapshot().State; got != Active {
		t.Fatalf("expected active, got %s", got)
	}
}

func TestSampleWriteFailureKeepsRecording(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: openStore(t), failInserts: 1}
	c, _ := newController(t, fix.NewReplay(threeFixes()), store, nil)
	before := testutil.ToFloat64(metrics.PersistenceFailures.WithLabelValues("insert-sample"))

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "three samples", func() bool { return c.Snapshot().Metrics.SampleCount == 3 })
	snap := c.Snapshot()
	if snap.State != Active || snap.Metrics.MaxSpeed != 8 {
		t.Fatalf("expected active with all fixes counted, got %+v", snap)
	}

	samples, err := c.Samples(ctx, snap.TripID)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 2 || samples[0].Speed != 8 || samples[1].Speed != 3 {
		t.Fatalf("expected the later samples stored, got %+v", samples)
	}
	if got := testutil.ToFloat64(metrics.PersistenceFailures.WithLabelValues("insert-sample")); got != before+1 {
		t.Fatalf("expected one counted write failure, got %f", got-before)
	}
}

func TestStopClearsInitialLocation(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, fix.NewReplay(threeFixes()[:1]), openStore(t), nil)

	if _, ok := c.LoadInitialLocation(ctx); !ok {
		t.Fatalf("expected an initial location")
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first sample", func() bool { return c.Snapshot().Metrics.SampleCount == 1 })
	if _, err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := c.Snapshot(); got.State != Stopped || got.Location != nil {
		t.Fatalf("expected no location after stop, got %+v", got)
	}
}
