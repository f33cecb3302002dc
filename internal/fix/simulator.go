package fix

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const metersPerDegreeLat = 111320.0

// SimulatorConfig describes the random walk.
type SimulatorConfig struct {
	OriginLat float64
	OriginLon float64
	// SpeedMps is the mean ground speed; each fix jitters around it.
	SpeedMps float64
	Seed     int64
}

// Simulator is a Source producing a random walk around an origin. It is used
// when no hardware receiver is attached.
type Simulator struct {
	cfg    SimulatorConfig
	logger zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	lat     float64
	lon     float64
	heading float64
	last    *Fix
}

// NewSimulator creates a simulator positioned at the configured origin.
func NewSimulator(cfg SimulatorConfig, logger zerolog.Logger) *Simulator {
	if cfg.SpeedMps <= 0 {
		cfg.SpeedMps = 1.4
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	return &Simulator{
		cfg:     cfg,
		logger:  logger.With().Str("component", "fix-simulator").Logger(),
		rng:     rng,
		lat:     cfg.OriginLat,
		lon:     cfg.OriginLon,
		heading: rng.Float64() * 360,
	}
}

// Subscribe emits one fix per interval until unsubscribed.
func (s *Simulator) Subscribe(ctx context.Context, interval time.Duration) (Subscription, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	sub := newStream(ctx, func(ctx context.Context, emit func(Fix) bool, _ func(error)) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !emit(s.step(interval)) {
					return
				}
			}
		}
	})
	s.logger.Debug().Str("subscription", sub.ID()).Dur("interval", interval).Msg("Simulated stream started")
	return sub, nil
}

// LastKnown returns the most recent simulated fix, if any was produced.
func (s *Simulator) LastKnown(_ context.Context) (Fix, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Fix{}, false, nil
	}
	return *s.last, true, nil
}

// RequestSingle reports the current position without advancing the walk.
func (s *Simulator) RequestSingle(_ context.Context) (Fix, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := Fix{Lat: s.lat, Lon: s.lon, Timestamp: time.Now()}
	s.last = &f
	return f, true, nil
}

// step advances the walk by one interval.
func (s *Simulator) step(interval time.Duration) Fix {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heading = math.Mod(s.heading+s.rng.NormFloat64()*15+360, 360)
	speed := math.Max(0, s.cfg.SpeedMps+s.rng.NormFloat64()*s.cfg.SpeedMps*0.25)
	meters := speed * interval.Seconds()

	rad := s.heading * math.Pi / 180
	dLat := meters * math.Cos(rad) / metersPerDegreeLat
	dLon := meters * math.Sin(rad) / (metersPerDegreeLat * math.Cos(s.lat*math.Pi/180))
	s.lat += dLat
	s.lon += dLon

	heading := s.heading
	accuracy := 3 + s.rng.Float64()*5
	f := Fix{
		Lat:        s.lat,
		Lon:        s.lon,
		SpeedMps:   speed,
		Accuracy:   &accuracy,
		BearingDeg: &heading,
		Timestamp:  time.Now(),
	}
	s.last = &f
	return f
}
