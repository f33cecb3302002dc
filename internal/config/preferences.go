package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidPreferences wraps every validation failure of TrackingPrefs.
var ErrInvalidPreferences = errors.New("invalid preferences")

// TrackingPrefs are the user-editable tracking settings.
type TrackingPrefs struct {
	UpdateIntervalMs          int    `mapstructure:"update_interval_ms" json:"update_interval_ms" yaml:"update_interval_ms"`
	BackgroundTrackingEnabled bool   `mapstructure:"background_tracking_enabled" json:"background_tracking_enabled" yaml:"background_tracking_enabled"`
	AutoStopEnabled           bool   `mapstructure:"auto_stop_enabled" json:"auto_stop_enabled" yaml:"auto_stop_enabled"`
	AutoStopDelayMinutes      int    `mapstructure:"auto_stop_delay_minutes" json:"auto_stop_delay_minutes" yaml:"auto_stop_delay_minutes"`
	UnitsSystem               string `mapstructure:"units_system" json:"units_system" yaml:"units_system"`
}

const (
	UnitsMetric   = "metric"
	UnitsImperial = "imperial"
)

func DefaultTrackingPrefs() TrackingPrefs {
	return TrackingPrefs{
		UpdateIntervalMs:          5000,
		BackgroundTrackingEnabled: false,
		AutoStopEnabled:           true,
		AutoStopDelayMinutes:      5,
		UnitsSystem:               UnitsMetric,
	}
}

func (p TrackingPrefs) UpdateInterval() time.Duration {
	return time.Duration(p.UpdateIntervalMs) * time.Millisecond
}

func (p TrackingPrefs) AutoStopDelay() time.Duration {
	return time.Duration(p.AutoStopDelayMinutes) * time.Minute
}

func (p TrackingPrefs) validate() error {
	if p.UpdateIntervalMs < 100 {
		return fmt.Errorf("%w: update interval must be at least 100ms, got %d", ErrInvalidPreferences, p.UpdateIntervalMs)
	}
	if p.AutoStopDelayMinutes < 1 {
		return fmt.Errorf("%w: auto stop delay must be at least one minute, got %d", ErrInvalidPreferences, p.AutoStopDelayMinutes)
	}
	if p.UnitsSystem != UnitsMetric && p.UnitsSystem != UnitsImperial {
		return fmt.Errorf("%w: unknown units system %q", ErrInvalidPreferences, p.UnitsSystem)
	}
	return nil
}

// Preferences is a viper-backed preferences store. Writes are persisted to
// the YAML file it was opened with; an empty path keeps them in memory.
type Preferences struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string
}

func OpenPreferences(path string) (*Preferences, error) {
	v := viper.New()
	setPreferenceDefaults(v)
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read preferences: %w", err)
			}
		}
	}

	p := &Preferences{v: v, path: path}
	if err := p.Tracking().validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func setPreferenceDefaults(v *viper.Viper) {
	d := DefaultTrackingPrefs()
	v.SetDefault("tracking.update_interval_ms", d.UpdateIntervalMs)
	v.SetDefault("tracking.background_tracking_enabled", d.BackgroundTrackingEnabled)
	v.SetDefault("tracking.auto_stop_enabled", d.AutoStopEnabled)
	v.SetDefault("tracking.auto_stop_delay_minutes", d.AutoStopDelayMinutes)
	v.SetDefault("tracking.units_system", d.UnitsSystem)
}

// Tracking returns the current settings.
func (p *Preferences) Tracking() TrackingPrefs {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return TrackingPrefs{
		UpdateIntervalMs:          p.v.GetInt("tracking.update_interval_ms"),
		BackgroundTrackingEnabled: p.v.GetBool("tracking.background_tracking_enabled"),
		AutoStopEnabled:           p.v.GetBool("tracking.auto_stop_enabled"),
		AutoStopDelayMinutes:      p.v.GetInt("tracking.auto_stop_delay_minutes"),
		UnitsSystem:               p.v.GetString("tracking.units_system"),
	}
}

// SetTracking validates and stores prefs.
func (p *Preferences) SetTracking(prefs TrackingPrefs) error {
	if err := prefs.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.v.Set("tracking.update_interval_ms", prefs.UpdateIntervalMs)
	p.v.Set("tracking.background_tracking_enabled", prefs.BackgroundTrackingEnabled)
	p.v.Set("tracking.auto_stop_enabled", prefs.AutoStopEnabled)
	p.v.Set("tracking.auto_stop_delay_minutes", prefs.AutoStopDelayMinutes)
	p.v.Set("tracking.units_system", prefs.UnitsSystem)
	return p.save()
}

// Reset restores the defaults.
func (p *Preferences) Reset() error {
	return p.SetTracking(DefaultTrackingPrefs())
}

// save must be called with mu held.
func (p *Preferences) save() error {
	if p.path == "" {
		return nil
	}
	if err := p.v.WriteConfigAs(p.path); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	return nil
}
