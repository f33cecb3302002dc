package fix

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable means the source has no fix to offer right now.
	ErrUnavailable = errors.New("fix: no location available")
	// ErrPermissionDenied is reported when the platform refuses location access.
	ErrPermissionDenied = errors.New("fix: location permission denied")
)

// Fix is one raw GPS reading.
type Fix struct {
	Lat        float64
	Lon        float64
	Altitude   *float64
	SpeedMps   float64
	Accuracy   *float64
	BearingDeg *float64
	Timestamp  time.Time
}

// Source delivers fixes. Implementations must make Subscription.Unsubscribe
// idempotent and must not deliver on Fixes after it returns.
type Source interface {
	Subscribe(ctx context.Context, interval time.Duration) (Subscription, error)
	LastKnown(ctx context.Context) (Fix, bool, error)
	RequestSingle(ctx context.Context) (Fix, bool, error)
}

// Subscription is a cancellable stream of fixes.
type Subscription interface {
	ID() string
	Fixes() <-chan Fix
	// Errors carries transient stream failures; it never closes the stream.
	Errors() <-chan error
	Unsubscribe()
}

// producer is run by a stream subscription until ctx is cancelled.
type producer func(ctx context.Context, emit func(Fix) bool, fail func(error))

type stream struct {
	id     string
	fixes  chan Fix
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// newStream starts run on its own goroutine. The fixes channel is closed
// once run returns.
func newStream(ctx context.Context, run producer) *stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		id:     uuid.NewString(),
		fixes:  make(chan Fix),
		errs:   make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	emit := func(f Fix) bool {
		select {
		case s.fixes <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		select {
		case s.errs <- err:
		default:
		}
	}

	go func() {
		defer close(s.done)
		defer close(s.fixes)
		run(ctx, emit, fail)
	}()
	return s
}

func (s *stream) ID() string { return s.id }

func (s *stream) Fixes() <-chan Fix { return s.fixes }

func (s *stream) Errors() <-chan error { return s.errs }

// Unsubscribe cancels the producer and waits for it to exit.
func (s *stream) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}
