package fix

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Replay is a Source that plays back a fixed list of fixes. The cursor is
// shared across subscriptions, so a resumed stream continues where the
// previous one stopped. Once exhausted the stream stays open and silent.
type Replay struct {
	mu     sync.Mutex
	fixes  []Fix
	next   int
	denied bool
}

// NewReplay returns a replay over fixes.
func NewReplay(fixes []Fix) *Replay {
	return &Replay{fixes: fixes}
}

// SetPermissionDenied makes Subscribe fail with ErrPermissionDenied.
func (r *Replay) SetPermissionDenied(denied bool) {
	r.mu.Lock()
	r.denied = denied
	r.mu.Unlock()
}

// Remaining reports how many fixes have not been delivered yet.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fixes) - r.next
}

// Subscribe plays the remaining fixes, one per interval. A zero interval
// emits them back to back.
func (r *Replay) Subscribe(ctx context.Context, interval time.Duration) (Subscription, error) {
	r.mu.Lock()
	denied := r.denied
	r.mu.Unlock()
	if denied {
		return nil, ErrPermissionDenied
	}

	return newStream(ctx, func(ctx context.Context, emit func(Fix) bool, _ func(error)) {
		for {
			if interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}

			f, ok := r.peek()
			if !ok {
				<-ctx.Done()
				return
			}
			if f.Timestamp.IsZero() {
				f.Timestamp = time.Now()
			}
			if !emit(f) {
				return
			}
			r.advance()
		}
	}), nil
}

// LastKnown returns the most recently delivered fix.
func (r *Replay) LastKnown(_ context.Context) (Fix, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == 0 {
		return Fix{}, false, nil
	}
	return r.fixes[r.next-1], true, nil
}

// RequestSingle returns the next pending fix without consuming it.
func (r *Replay) RequestSingle(_ context.Context) (Fix, bool, error) {
	f, ok := r.peek()
	return f, ok, nil
}

func (r *Replay) peek() (Fix, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.fixes) {
		return Fix{}, false
	}
	return r.fixes[r.next], true
}

func (r *Replay) advance() {
	r.mu.Lock()
	r.next++
	r.mu.Unlock()
}

// LoadCSV parses fixes from CSV with the header
// lat,lon,speed[,altitude,accuracy,bearing,timestamp]. Empty optional cells
// are left unset; timestamps are RFC3339.
func LoadCSV(r io.Reader) ([]Fix, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"lat", "lon", "speed"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("replay csv: missing column %q", required)
		}
	}

	var fixes []Fix
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		cell := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		var f Fix
		if f.Lat, err = strconv.ParseFloat(cell("lat"), 64); err != nil {
			return nil, fmt.Errorf("replay csv line %d: lat: %w", line, err)
		}
		if f.Lon, err = strconv.ParseFloat(cell("lon"), 64); err != nil {
			return nil, fmt.Errorf("replay csv line %d: lon: %w", line, err)
		}
		if f.SpeedMps, err = strconv.ParseFloat(cell("speed"), 64); err != nil {
			return nil, fmt.Errorf("replay csv line %d: speed: %w", line, err)
		}
		if f.Altitude, err = optionalFloat(cell("altitude")); err != nil {
			return nil, fmt.Errorf("replay csv line %d: altitude: %w", line, err)
		}
		if f.Accuracy, err = optionalFloat(cell("accuracy")); err != nil {
			return nil, fmt.Errorf("replay csv line %d: accuracy: %w", line, err)
		}
		if f.BearingDeg, err = optionalFloat(cell("bearing")); err != nil {
			return nil, fmt.Errorf("replay csv line %d: bearing: %w", line, err)
		}
		if v := cell("timestamp"); v != "" {
			if f.Timestamp, err = time.Parse(time.RFC3339, v); err != nil {
				return nil, fmt.Errorf("replay csv line %d: timestamp: %w", line, err)
			}
		}
		fixes = append(fixes, f)
	}
	return fixes, nil
}

func optionalFloat(v string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
