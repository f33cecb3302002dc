package stats

import (
	"time"

	"triptrack/internal/gps"
	"triptrack/internal/trip"
)

// TrackingMetrics are the running statistics of a session. The zero value is
// the reset state.
type TrackingMetrics struct {
	CurrentSpeed float64       `json:"current_speed_mps"`
	AverageSpeed float64       `json:"average_speed_mps"`
	MaxSpeed     float64       `json:"max_speed_mps"`
	Distance     float64       `json:"distance_m"`
	ElapsedTime  time.Duration `json:"elapsed_ns"`
	SampleCount  int           `json:"sample_count"`
}

// Update folds next into m. Distance only grows when prev is set. ElapsedTime
// is owned by the caller and passed through unchanged.
func Update(m TrackingMetrics, next trip.LocationSample, prev *trip.LocationSample) TrackingMetrics {
	if prev != nil {
		m.Distance += gps.Distance(prev.Latitude, prev.Longitude, next.Latitude, next.Longitude)
	}
	if next.Speed > m.MaxSpeed {
		m.MaxSpeed = next.Speed
	}
	if m.SampleCount > 0 {
		n := float64(m.SampleCount)
		m.AverageSpeed = (m.AverageSpeed*n + next.Speed) / (n + 1)
	} else {
		m.AverageSpeed = next.Speed
	}
	m.SampleCount++
	m.CurrentSpeed = next.Speed
	return m
}

// Replay folds samples, which must be in ascending timestamp order, starting
// from the zero state. It returns the metrics and the last sample.
func Replay(samples []trip.LocationSample) (TrackingMetrics, *trip.LocationSample) {
	var (
		m    TrackingMetrics
		prev *trip.LocationSample
	)
	for i := range samples {
		m = Update(m, samples[i], prev)
		prev = &samples[i]
	}
	return m, prev
}
