package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracking TrackingConfig `mapstructure:"tracking"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// StorageConfig selects the persistence backend. Driver is sqlite or postgres.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	Path        string `mapstructure:"path"`
	PostgresURL string `mapstructure:"postgres_url"`
}

// RedisConfig enables snapshot fan-out when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig configures the fix source and the preferences file.
type TrackingConfig struct {
	PreferencesPath  string  `mapstructure:"preferences_path"`
	Source           string  `mapstructure:"source"` // simulator or replay
	ReplayPath       string  `mapstructure:"replay_path"`
	OriginLat        float64 `mapstructure:"origin_lat"`
	OriginLon        float64 `mapstructure:"origin_lon"`
	SimulatedSpeed   float64 `mapstructure:"simulated_speed_mps"`
	HistoryCacheSize int     `mapstructure:"history_cache_size"`
}

// Load reads configuration from an optional YAML file and TRIPTRACK_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("TRIPTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "triptrack.db")
	v.SetDefault("storage.postgres_url", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("tracking.preferences_path", "preferences.yaml")
	v.SetDefault("tracking.source", "simulator")
	v.SetDefault("tracking.replay_path", "")
	v.SetDefault("tracking.origin_lat", 40.7128)
	v.SetDefault("tracking.origin_lon", -74.0060)
	v.SetDefault("tracking.simulated_speed_mps", 1.4)
	v.SetDefault("tracking.history_cache_size", 64)
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "postgres":
		if cfg.Storage.PostgresURL == "" {
			return fmt.Errorf("storage postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	switch cfg.Tracking.Source {
	case "simulator":
	case "replay":
		if cfg.Tracking.ReplayPath == "" {
			return fmt.Errorf("tracking replay_path is required for the replay source")
		}
	default:
		return fmt.Errorf("unknown fix source %q", cfg.Tracking.Source)
	}

	if cfg.Tracking.OriginLat < -90 || cfg.Tracking.OriginLat > 90 {
		return fmt.Errorf("invalid origin latitude: %f", cfg.Tracking.OriginLat)
	}
	if cfg.Tracking.OriginLon < -180 || cfg.Tracking.OriginLon > 180 {
		return fmt.Errorf("invalid origin longitude: %f", cfg.Tracking.OriginLon)
	}
	if cfg.Tracking.HistoryCacheSize <= 0 {
		cfg.Tracking.HistoryCacheSize = 64
	}
	return nil
}
