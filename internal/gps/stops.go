package gps

import "time"

// Point is a timestamped position with the instantaneous speed reported by
// the receiver.
type Point struct {
	Lat   float64
	Lon   float64
	Time  time.Time
	Speed float64
}

// Stop is a run of consecutive slow points.
type Stop struct {
	Lat      float64       `json:"lat"`
	Lon      float64       `json:"lon"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration_ns"`
}

type StopOptions struct {
	SpeedThreshold float64
	MinDuration    time.Duration
}

// DefaultStopOptions treats anything at or below the per-sample moving cutoff
// for at least a minute as a stop.
func DefaultStopOptions() StopOptions {
	return StopOptions{SpeedThreshold: SpeedMovingThreshold, MinDuration: time.Minute}
}

// DetectStops scans points in time order and returns every slow run that
// lasted at least opts.MinDuration.
func DetectStops(points []Point, opts StopOptions) []Stop {
	if len(points) == 0 {
		return nil
	}

	var (
		stops  []Stop
		inStop bool
		first  Point
		last   = points[0]
	)

	flush := func() {
		duration := last.Time.Sub(first.Time)
		if duration < opts.MinDuration {
			return
		}
		stops = append(stops, Stop{
			Lat:      first.Lat,
			Lon:      first.Lon,
			Start:    first.Time,
			End:      last.Time,
			Duration: duration,
		})
	}

	for _, p := range points {
		slow := p.Speed <= opts.SpeedThreshold
		switch {
		case slow && !inStop:
			inStop = true
			first = p
		case !slow && inStop:
			flush()
			inStop = false
		}
		last = p
	}
	if inStop {
		flush()
	}

	return stops
}

// StoppedTime sums the duration of stops.
func StoppedTime(stops []Stop) time.Duration {
	var total time.Duration
	for _, s := range stops {
		total += s.Duration
	}
	return total
}
