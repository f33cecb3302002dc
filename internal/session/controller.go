package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"triptrack/internal/config"
	"triptrack/internal/fix"
	"triptrack/internal/metrics"
	"triptrack/internal/stats"
	"triptrack/internal/trip"
	"triptrack/internal/worker"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state. Nothing is changed.
	ErrInvalidTransition = errors.New("session: operation not allowed in current state")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: controller closed")
	// ErrFinalize wraps the persistence error when a trip could not be
	// written as completed. The controller is left in Error.
	ErrFinalize = errors.New("session: trip finalize failed")
)

// Store is the persistence the controller depends on.
type Store interface {
	InsertTrip(ctx context.Context, t trip.Trip) (int64, error)
	UpdateTrip(ctx context.Context, t trip.Trip) error
	CurrentTrip(ctx context.Context) (trip.Trip, bool, error)
	DeleteTrip(ctx context.Context, id int64) error
	InsertSample(ctx context.Context, sample trip.LocationSample) (int64, error)
	SamplesForTrip(ctx context.Context, tripID int64) ([]trip.LocationSample, error)
}

// Preferences supplies the tracking settings at the moment they are needed.
type Preferences interface {
	Tracking() config.TrackingPrefs
}

// Publisher receives a snapshot after every change. Publish is called from
// the controller goroutine and must not block.
type Publisher interface {
	Publish(Snapshot)
}

// Snapshot is the observable view of the session.
type Snapshot struct {
	State     State                 `json:"state"`
	TripID    int64                 `json:"trip_id,omitempty"`
	StartedAt *time.Time            `json:"started_at,omitempty"`
	Metrics   stats.TrackingMetrics `json:"metrics"`
	Location  *trip.LocationSample  `json:"location,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type Deps struct {
	Source      fix.Source
	Store       Store
	Preferences Preferences
	Publisher   Publisher
	Clock       Clock
	Logger      zerolog.Logger
}

type Option func(*Controller)

// WithAutoStopCheck sets how often the auto-stop rule is evaluated. Zero
// disables the check.
func WithAutoStopCheck(interval time.Duration) Option {
	return func(c *Controller) { c.autoStopEvery = interval }
}

// record is the session state owned by the controller goroutine. It is
// replaced as a whole, never mutated in place.
type record struct {
	state      State
	trip       trip.Trip
	metrics    stats.TrackingMetrics
	previous   *trip.LocationSample
	lastMoving time.Time
	sub        *subscription
}

type subscription struct {
	generation uint64
	handle     fix.Subscription
	stop       chan struct{}
	done       chan struct{}
}

type fixEvent struct {
	generation uint64
	fix        fix.Fix
}

type streamError struct {
	generation uint64
	err        error
}

// Controller runs one tracking session at a time. Commands, fixes and timer
// ticks are processed one by one on a single goroutine.
type Controller struct {
	source    fix.Source
	store     Store
	prefs     Preferences
	publisher Publisher
	clock     Clock
	logger    zerolog.Logger
	writer    *worker.Writer

	autoStopEvery time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	fixes   chan fixEvent
	errs    chan streamError
	done    chan struct{}

	// owned by the loop goroutine
	rec        record
	generation uint64
	seed       *trip.LocationSample

	snapshot atomic.Pointer[Snapshot]
}

// New builds a controller, adopts any unfinished trip left in the store and
// starts the controller goroutine. An adopted trip is left Paused.
func New(ctx context.Context, deps Deps, opts ...Option) (*Controller, error) {
	if deps.Source == nil || deps.Store == nil || deps.Preferences == nil {
		return nil, errors.New("session: source, store and preferences are required")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		source:        deps.Source,
		store:         deps.Store,
		prefs:         deps.Preferences,
		publisher:     deps.Publisher,
		clock:         deps.Clock,
		logger:        deps.Logger.With().Str("component", "session").Logger(),
		autoStopEvery: 15 * time.Second,
		ctx:           loopCtx,
		cancel:        cancel,
		mailbox:       make(chan func()),
		fixes:         make(chan fixEvent),
		errs:          make(chan streamError),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.writer = worker.NewWriter(context.Background(), deps.Logger, worker.WithErrorHandler(func(name string, err error) {
		metrics.PersistenceFailures.WithLabelValues(name).Inc()
	}))

	c.publish()
	if err := c.recoverTrip(ctx); err != nil {
		cancel()
		c.writer.Close()
		return nil, err
	}

	go c.run()
	return c, nil
}

// Start creates a trip and begins recording. Only valid when Stopped. An
// unfinished trip still in the store is continued instead of creating one.
func (c *Controller) Start(ctx context.Context) error {
	return c.call(ctx, "start", c.start)
}

// Pause stops the fix stream and keeps the session. Only valid when Active.
func (c *Controller) Pause(ctx context.Context) error {
	return c.call(ctx, "pause", c.pause)
}

// Resume opens a fresh fix stream. Only valid when Paused.
func (c *Controller) Resume(ctx context.Context) error {
	return c.call(ctx, "resume", c.resume)
}

// Stop finalizes the trip and returns it. Valid when Active or Paused.
func (c *Controller) Stop(ctx context.Context) (trip.Trip, error) {
	var finished trip.Trip
	err := c.call(ctx, "stop", func() error {
		var err error
		finished, err = c.stop()
		return err
	})
	return finished, err
}

// Reset leaves the Error state. If the store still holds an unfinished trip
// it is adopted again and the session ends up Paused. When the store cannot
// be read the session stays in Error.
func (c *Controller) Reset(ctx context.Context) error {
	return c.call(ctx, "reset", c.reset)
}

// LoadInitialLocation fetches a single fix to seed observers. It does not
// touch the session and nothing is persisted.
func (c *Controller) LoadInitialLocation(ctx context.Context) (trip.LocationSample, bool) {
	f, ok, err := c.source.LastKnown(ctx)
	if err != nil || !ok {
		if err != nil && !errors.Is(err, fix.ErrUnavailable) {
			c.logger.Debug().Err(err).Msg("Last known location unavailable")
		}
		f, ok, err = c.source.RequestSingle(ctx)
	}
	if err != nil || !ok {
		if err != nil && !errors.Is(err, fix.ErrUnavailable) {
			c.logger.Debug().Err(err).Msg("Single location request failed")
		}
		return trip.LocationSample{}, false
	}

	sample := trip.SampleFromFix(0, f)
	err = c.call(ctx, "seed", func() error {
		c.seed = &sample
		if c.rec.previous == nil {
			c.publish()
		}
		return nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("Initial location not published")
	}
	return sample, true
}

// Snapshot returns the latest published view. It never blocks.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Samples returns the samples of a trip in ascending time order, after every
// queued sample write has completed.
func (c *Controller) Samples(ctx context.Context, tripID int64) ([]trip.LocationSample, error) {
	if err := c.writer.Flush(ctx); err != nil && !errors.Is(err, worker.ErrClosed) {
		return nil, err
	}
	return c.store.SamplesForTrip(ctx, tripID)
}

// Close stops the controller goroutine and drains pending writes. An active
// trip stays incomplete in the store and is adopted on the next start.
func (c *Controller) Close() error {
	c.cancel()
	<-c.done
	c.writer.Close()
	return nil
}

func (c *Controller) call(ctx context.Context, op string, fn func() error) error {
	result := make(chan error, 1)
	cmd := func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("session: %s panicked: %v", op, r)
				c.fail(err)
			}
			result <- err
		}()
		err = fn()
	}

	select {
	case c.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) run() {
	defer close(c.done)

	var tick <-chan time.Time
	if c.autoStopEvery > 0 {
		ticker := time.NewTicker(c.autoStopEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case cmd := <-c.mailbox:
			cmd()
		case ev := <-c.fixes:
			c.safely("fix", func() { c.onFix(ev) })
		case ev := <-c.errs:
			c.safely("stream-error", func() { c.onStreamError(ev) })
		case <-tick:
			c.safely("auto-stop", c.checkAutoStop)
		}
	}
}

func (c *Controller) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("session: %s panicked: %v", what, r))
		}
	}()
	fn()
}

func (c *Controller) shutdown() {
	if c.rec.sub != nil {
		c.retire(c.rec.sub)
		next := c.rec
		next.sub = nil
		c.rec = next
	}
	c.logger.Info().Str("state", c.rec.state.String()).Int64("trip_id", c.rec.trip.ID).Msg("Session controller stopped")
}

func (c *Controller) start() error {
	if _, ok := Next(c.rec.state, EventStart); !ok {
		return c.reject("start")
	}

	// at most one incomplete trip: one left by a failed finalize or rollback
	// is continued
	left, err := c.loadUnfinished(c.ctx)
	if err != nil {
		return err
	}
	if left != nil {
		c.logger.Info().Int64("trip_id", left.trip.ID).Msg("Continuing unfinished trip")
		c.adopt(left)
		return c.resume()
	}

	now := c.clock.Now()
	c.commit(EventStart, record{})

	pending := trip.Trip{StartTime: now, CreatedAt: now}
	err = c.writer.Do(c.ctx, "insert-trip", func(ctx context.Context) error {
		id, err := c.store.InsertTrip(ctx, pending)
		pending.ID = id
		return err
	})
	if err != nil {
		c.commit(EventAbort, record{})
		return fmt.Errorf("create trip: %w", err)
	}

	sub, err := c.subscribe()
	if err != nil {
		id := pending.ID
		if delErr := c.writer.Do(c.ctx, "delete-trip", func(ctx context.Context) error {
			return c.store.DeleteTrip(ctx, id)
		}); delErr != nil {
			c.logger.Warn().Err(delErr).Int64("trip_id", id).Msg("Failed to roll back trip, it will be continued on the next start")
		}
		c.commit(EventAbort, record{})
		return fmt.Errorf("subscribe: %w", err)
	}

	c.commit(EventSubscribed, record{
		trip:       pending,
		lastMoving: now,
		sub:        sub,
	})
	return nil
}

func (c *Controller) pause() error {
	if _, ok := Next(c.rec.state, EventPause); !ok {
		return c.reject("pause")
	}
	if c.rec.sub != nil {
		c.retire(c.rec.sub)
	}
	next := c.rec
	next.sub = nil
	c.commit(EventPause, next)
	return nil
}

func (c *Controller) resume() error {
	if _, ok := Next(c.rec.state, EventResume); !ok {
		return c.reject("resume")
	}
	sub, err := c.subscribe()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	next := c.rec
	next.sub = sub
	next.lastMoving = c.clock.Now()
	c.commit(EventResume, next)
	return nil
}

func (c *Controller) stop() (trip.Trip, error) {
	if _, ok := Next(c.rec.state, EventStop); !ok {
		return trip.Trip{}, c.reject("stop")
	}
	c.commit(EventStop, c.rec)

	if c.rec.sub != nil {
		c.retire(c.rec.sub)
		next := c.rec
		next.sub = nil
		c.rec = next
	}

	now := c.clock.Now()
	final := c.rec.trip
	final.EndTime = &now
	final.Duration = now.Sub(final.StartTime)
	final.TotalDistance = c.rec.metrics.Distance
	final.AverageSpeed = c.rec.metrics.AverageSpeed
	final.MaxSpeed = c.rec.metrics.MaxSpeed
	final.Completed = true

	err := c.writer.Do(c.ctx, "finalize-trip", func(ctx context.Context) error {
		return c.store.UpdateTrip(ctx, final)
	})
	if err != nil {
		c.logger.Error().Err(err).Int64("trip_id", final.ID).Msg("Failed to finalize trip")
		c.commit(EventFailure, record{})
		return trip.Trip{}, fmt.Errorf("%w: %w", ErrFinalize, err)
	}

	metrics.TripsFinalized.Inc()
	c.logger.Info().
		Int64("trip_id", final.ID).
		Float64("distance_m", final.TotalDistance).
		Dur("duration", final.Duration).
		Int("samples", c.rec.metrics.SampleCount).
		Msg("Trip finalized")
	c.seed = nil
	c.commit(EventFinalized, record{})
	return final, nil
}

func (c *Controller) reset() error {
	if _, ok := Next(c.rec.state, EventReset); !ok {
		return c.reject("reset")
	}
	// the store is checked first so a failing store keeps the session in Error
	left, err := c.loadUnfinished(c.ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	c.commit(EventReset, record{})
	if left != nil {
		c.adopt(left)
	}
	return nil
}

// unfinished is an incomplete trip loaded from the store with its metrics
// replayed.
type unfinished struct {
	trip    trip.Trip
	metrics stats.TrackingMetrics
	last    *trip.LocationSample
	samples int
}

// loadUnfinished returns nil when the store holds no incomplete trip.
func (c *Controller) loadUnfinished(ctx context.Context) (*unfinished, error) {
	current, ok, err := c.store.CurrentTrip(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current trip: %w", err)
	}
	if !ok {
		return nil, nil
	}
	samples, err := c.store.SamplesForTrip(ctx, current.ID)
	if err != nil {
		return nil, fmt.Errorf("load samples for trip %d: %w", current.ID, err)
	}
	m, last := stats.Replay(samples)
	return &unfinished{trip: current, metrics: m, last: last, samples: len(samples)}, nil
}

// adopt enters Paused with u as the session. Only valid when Stopped.
func (c *Controller) adopt(u *unfinished) {
	now := c.clock.Now()
	m := u.metrics
	m.ElapsedTime = now.Sub(u.trip.StartTime)

	c.logger.Info().
		Int64("trip_id", u.trip.ID).
		Int("samples", u.samples).
		Msg("Adopted unfinished trip")
	c.commit(EventRecover, record{
		trip:       u.trip,
		metrics:    m,
		previous:   u.last,
		lastMoving: now,
	})
}

// recoverTrip replays an unfinished trip from the store and enters Paused.
func (c *Controller) recoverTrip(ctx context.Context) error {
	u, err := c.loadUnfinished(ctx)
	if err != nil || u == nil {
		return err
	}
	c.adopt(u)
	return nil
}

func (c *Controller) onFix(ev fixEvent) {
	live := c.rec.sub
	if c.rec.state != Active || live == nil || ev.generation != live.generation {
		metrics.FixesTotal.WithLabelValues("stale").Inc()
		c.logger.Debug().Uint64("generation", ev.generation).Str("state", c.rec.state.String()).Msg("Dropped stale fix")
		return
	}
	metrics.FixesTotal.WithLabelValues("accepted").Inc()
	c.seed = nil

	sample := trip.SampleFromFix(c.rec.trip.ID, ev.fix)
	if err := c.writer.Enqueue("insert-sample", func(ctx context.Context) error {
		_, err := c.store.InsertSample(ctx, sample)
		return err
	}); err != nil {
		metrics.PersistenceFailures.WithLabelValues("insert-sample").Inc()
		c.logger.Error().Err(err).Int64("trip_id", sample.TripID).Msg("Failed to queue sample")
	}
	metrics.PersistenceQueueDepth.Set(float64(c.writer.Pending()))

	now := c.clock.Now()
	next := c.rec
	next.metrics = stats.Update(next.metrics, sample, next.previous)
	next.metrics.ElapsedTime = now.Sub(next.trip.StartTime)
	next.previous = &sample
	if sample.IsMoving {
		next.lastMoving = now
	}
	c.rec = next
	c.publish()
}

func (c *Controller) onStreamError(ev streamError) {
	metrics.StreamErrors.Inc()
	c.logger.Warn().Err(ev.err).Uint64("generation", ev.generation).Msg("Fix stream reported an error")
}

func (c *Controller) checkAutoStop() {
	if c.rec.state != Active {
		return
	}
	prefs := c.prefs.Tracking()
	if !prefs.AutoStopEnabled {
		return
	}
	idle := c.clock.Now().Sub(c.rec.lastMoving)
	if idle < prefs.AutoStopDelay() {
		return
	}
	c.logger.Info().Int64("trip_id", c.rec.trip.ID).Dur("idle", idle).Msg("No movement, stopping trip")
	if _, err := c.stop(); err != nil {
		c.logger.Error().Err(err).Msg("Auto-stop failed")
	}
}

func (c *Controller) subscribe() (*subscription, error) {
	interval := c.prefs.Tracking().UpdateInterval()
	handle, err := c.source.Subscribe(c.ctx, interval)
	if err != nil {
		return nil, err
	}
	c.generation++
	sub := &subscription{
		generation: c.generation,
		handle:     handle,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.forward(sub)
	c.logger.Debug().Uint64("generation", sub.generation).Str("subscription", handle.ID()).Dur("interval", interval).Msg("Subscribed to fixes")
	return sub, nil
}

// forward copies fixes and errors from one subscription into the controller
// loop, tagged with the subscription generation.
func (c *Controller) forward(sub *subscription) {
	defer close(sub.done)
	fixes := sub.handle.Fixes()
	errs := sub.handle.Errors()
	for {
		select {
		case <-sub.stop:
			return
		case f, ok := <-fixes:
			if !ok {
				return
			}
			select {
			case c.fixes <- fixEvent{generation: sub.generation, fix: f}:
			case <-sub.stop:
				return
			}
		case err := <-errs:
			select {
			case c.errs <- streamError{generation: sub.generation, err: err}:
			case <-sub.stop:
				return
			}
		}
	}
}

// retire ends a subscription and waits until its forwarder has exited, so no
// fix from it can reach the loop afterwards.
func (c *Controller) retire(sub *subscription) {
	close(sub.stop)
	sub.handle.Unsubscribe()
	<-sub.done
	c.logger.Debug().Uint64("generation", sub.generation).Msg("Unsubscribed from fixes")
}

func (c *Controller) fail(cause error) {
	c.logger.Error().Err(cause).Str("state", c.rec.state.String()).Msg("Session failed")
	if c.rec.sub != nil {
		c.retire(c.rec.sub)
	}
	c.commit(EventFailure, record{})
}

func (c *Controller) reject(op string) error {
	metrics.RejectedCommands.WithLabelValues(op, c.rec.state.String()).Inc()
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, c.rec.state)
}

// commit applies e and installs next as the session record.
func (c *Controller) commit(e Event, next record) {
	from := c.rec.state
	to, ok := Next(from, e)
	if !ok {
		panic(fmt.Sprintf("session: illegal transition %s on %s", from, e))
	}
	next.state = to
	c.rec = next

	metrics.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	if to.Idle() {
		metrics.SessionActive.Set(0)
	} else {
		metrics.SessionActive.Set(1)
	}
	c.logger.Info().Str("from", from.String()).Str("to", to.String()).Str("event", e.String()).Msg("State changed")
	c.publish()
}

func (c *Controller) publish() {
	snap := Snapshot{
		State:     c.rec.state,
		TripID:    c.rec.trip.ID,
		Metrics:   c.rec.metrics,
		Location:  c.rec.previous,
		UpdatedAt: c.clock.Now(),
	}
	if !c.rec.trip.StartTime.IsZero() {
		started := c.rec.trip.StartTime
		snap.StartedAt = &started
	}
	if snap.Location == nil {
		snap.Location = c.seed
	}
	c.snapshot.Store(&snap)
	metrics.SessionDistance.Set(snap.Metrics.Distance)

	if c.publisher != nil {
		c.publisher.Publish(snap)
	}
}
