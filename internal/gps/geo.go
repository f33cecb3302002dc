package gps

import "math"

const (
	// EarthRadiusMeters is the mean earth radius used by the spherical model.
	EarthRadiusMeters = 6371000.0

	// DefaultMovingThreshold is the displacement in meters above which two
	// coordinates count as movement.
	DefaultMovingThreshold = 10.0

	// SpeedMovingThreshold is the instantaneous speed (m/s) above which a
	// single sample is flagged as moving.
	SpeedMovingThreshold = 0.5
)

// Coordinate is a WGS84 latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Distance returns the great-circle distance in meters between two points
// using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Bearing returns the initial bearing in degrees, within [0, 360), for the
// great-circle path from point 1 to point 2.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	dLon := toRadians(lon2 - lon1)

	y := math.Sin(dLon) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) - math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(dLon)

	deg := math.Atan2(y, x) * 180 / math.Pi
	deg = math.Mod(deg+360, 360)
	// Mod can return exactly 360 for tiny negative inputs after rounding.
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// IsMoving reports whether current is more than threshold meters away from
// previous. A non-positive threshold uses DefaultMovingThreshold.
func IsMoving(current, previous Coordinate, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultMovingThreshold
	}
	return Distance(current.Lat, current.Lon, previous.Lat, previous.Lon) > threshold
}

// SpeedIndicatesMovement is the coarse per-sample heuristic applied to raw
// instantaneous speed.
func SpeedIndicatesMovement(speed float64) bool {
	return speed > SpeedMovingThreshold
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
