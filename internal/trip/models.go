package trip

import (
	"encoding/json"
	"time"

	"triptrack/internal/fix"
	"triptrack/internal/gps"
)

// Trip is one recorded session. It is created when a session starts and
// rewritten exactly once, when the session stops.
type Trip struct {
	ID            int64         `json:"id" yaml:"id"`
	StartTime     time.Time     `json:"start_time" yaml:"start_time"`
	EndTime       *time.Time    `json:"end_time" yaml:"end_time"`
	Duration      time.Duration `json:"-" yaml:"-"`
	TotalDistance float64       `json:"total_distance_m" yaml:"total_distance_m"`
	AverageSpeed  float64       `json:"average_speed_mps" yaml:"average_speed_mps"`
	MaxSpeed      float64       `json:"max_speed_mps" yaml:"max_speed_mps"`
	Completed     bool          `json:"is_completed" yaml:"is_completed"`
	CreatedAt     time.Time     `json:"created_at" yaml:"created_at"`
}

// DurationMillis is the persisted representation of Duration.
func (t Trip) DurationMillis() int64 {
	return t.Duration.Milliseconds()
}

// MarshalJSON adds duration_ms to the encoded trip.
func (t Trip) MarshalJSON() ([]byte, error) {
	type plain Trip
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"duration_ms"`
	}{plain: plain(t), DurationMs: t.DurationMillis()})
}

// LocationSample is an accepted fix tagged with its trip.
type LocationSample struct {
	ID        int64     `json:"id" yaml:"id"`
	TripID    int64     `json:"trip_id" yaml:"trip_id"`
	Latitude  float64   `json:"latitude" yaml:"latitude"`
	Longitude float64   `json:"longitude" yaml:"longitude"`
	Altitude  *float64  `json:"altitude" yaml:"altitude"`
	Speed     float64   `json:"speed_mps" yaml:"speed_mps"`
	Accuracy  *float64  `json:"accuracy" yaml:"accuracy"`
	Bearing   *float64  `json:"bearing" yaml:"bearing"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	IsMoving  bool      `json:"is_moving" yaml:"is_moving"`
}

// Coordinate returns the sample position.
func (s LocationSample) Coordinate() gps.Coordinate {
	return gps.Coordinate{Lat: s.Latitude, Lon: s.Longitude}
}

// Point converts the sample for stop detection.
func (s LocationSample) Point() gps.Point {
	return gps.Point{Lat: s.Latitude, Lon: s.Longitude, Time: s.Timestamp, Speed: s.Speed}
}

// SampleFromFix builds a sample for tripID. The moving flag comes from the
// raw instantaneous speed, not from displacement.
func SampleFromFix(tripID int64, f fix.Fix) LocationSample {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return LocationSample{
		TripID:    tripID,
		Latitude:  f.Lat,
		Longitude: f.Lon,
		Altitude:  f.Altitude,
		Speed:     f.SpeedMps,
		Accuracy:  f.Accuracy,
		Bearing:   f.BearingDeg,
		Timestamp: ts,
		IsMoving:  gps.SpeedIndicatesMovement(f.SpeedMps),
	}
}

// Points converts samples for stop detection.
func Points(samples []LocationSample) []gps.Point {
	points := make([]gps.Point, 0, len(samples))
	for _, s := range samples {
		points = append(points, s.Point())
	}
	return points
}
