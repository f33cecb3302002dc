package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("worker: writer closed")

// Job is one unit of persistence work.
type Job func(ctx context.Context) error

type request struct {
	name   string
	job    Job
	result chan error
}

// Writer runs jobs one at a time in submission order. Fire-and-forget jobs
// never block the submitter; awaited jobs see every earlier job finish first.
type Writer struct {
	logger  zerolog.Logger
	onError func(name string, err error)

	mu      sync.Mutex
	pending []request
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	ctx     context.Context
}

type Option func(*Writer)

// WithErrorHandler is called for every failed fire-and-forget job.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(w *Writer) { w.onError = fn }
}

// NewWriter starts the drain goroutine. ctx is handed to every job.
func NewWriter(ctx context.Context, logger zerolog.Logger, opts ...Option) *Writer {
	w := &Writer{
		logger: logger.With().Str("component", "writer").Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Enqueue schedules job without waiting for it.
func (w *Writer) Enqueue(name string, job Job) error {
	return w.push(request{name: name, job: job})
}

// Do schedules job and waits for its result. Returning early because ctx is
// done does not cancel the job.
func (w *Writer) Do(ctx context.Context, name string, job Job) error {
	result := make(chan error, 1)
	if err := w.push(request{name: name, job: job, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until everything submitted so far has run.
func (w *Writer) Flush(ctx context.Context) error {
	return w.Do(ctx, "flush", func(context.Context) error { return nil })
}

// Pending reports the number of queued jobs.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close stops accepting work and waits for the queue to drain.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.signal()
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) push(req request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.pending = append(w.pending, req)
	w.signal()
	return nil
}

// signal must be called with mu held.
func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		processed, closed := w.processNext()
		if processed {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

// processNext runs the oldest pending job, if any.
func (w *Writer) processNext() (bool, bool) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		closed := w.closed
		w.mu.Unlock()
		return false, closed
	}
	req := w.pending[0]
	w.pending[0] = request{}
	w.pending = w.pending[1:]
	w.mu.Unlock()

	err := w.execute(req)
	if req.result != nil {
		req.result <- err
		return true, false
	}
	if err != nil {
		w.logger.Error().Err(err).Str("job", req.name).Msg("Persistence job failed")
		if w.onError != nil {
			w.onError(req.name, err)
		}
	}
	return true, false
}

func (w *Writer) execute(req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", req.name, r)
		}
	}()
	return req.job(w.ctx)
}
