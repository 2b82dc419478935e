// Package config loads daemon configuration from an optional file and
// TRACKED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/tracked/internal/monitoring"
)

// EnvPrefix is prepended to environment variable names, so sync.interval is
// read from TRACKED_SYNC_INTERVAL.
const EnvPrefix = "TRACKED"

// Config is the root configuration.
type Config struct {
	Log         monitoring.Config `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Endpoints   EndpointsConfig   `mapstructure:"endpoints"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Tracking    TrackingConfig    `mapstructure:"tracking"`
	Sync        SyncConfig        `mapstructure:"sync"`
	GPS         GPSConfig         `mapstructure:"gps"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EndpointsConfig holds the remote URLs events are posted to.
type EndpointsConfig struct {
	Activity string `mapstructure:"activity"`
	Location string `mapstructure:"location"`
	// Probe is the URL used for connectivity checks.
	Probe string `mapstructure:"probe"`
}

type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type CredentialsConfig struct {
	TokenFile string `mapstructure:"token_file"`
}

// TrackingConfig carries the fix pipeline thresholds.
type TrackingConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	MinDisplacementMeters float64       `mapstructure:"min_displacement_meters"`
	ProcessNoise          float64       `mapstructure:"process_noise"`
	MeasurementNoise      float64       `mapstructure:"measurement_noise"`
	MaxAccuracyMeters     float64       `mapstructure:"max_accuracy_meters"`
	MaxJumpMeters         float64       `mapstructure:"max_jump_meters"`
	MinMoveMeters         float64       `mapstructure:"min_move_meters"`
	MinSpeedMps           float64       `mapstructure:"min_speed_mps"`
	StationaryMeters      float64       `mapstructure:"stationary_meters"`
	StationaryDuration    time.Duration `mapstructure:"stationary_duration"`
	FreshFixTimeout       time.Duration `mapstructure:"fresh_fix_timeout"`
	CheckoutRadiusMeters  float64       `mapstructure:"checkout_radius_meters"`
}

// SyncConfig controls delivery workers and the periodic drain.
type SyncConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	Interval         time.Duration `mapstructure:"interval"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	ConnectivityPoll time.Duration `mapstructure:"connectivity_poll"`
	MinTriggerGap    time.Duration `mapstructure:"min_trigger_gap"`
}

// GPSConfig selects the NMEA receiver.
type GPSConfig struct {
	Device     string  `mapstructure:"device"`
	BaudRate   int     `mapstructure:"baud_rate"`
	UEREMeters float64 `mapstructure:"uere_meters"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")

	v.SetDefault("server.listen", "127.0.0.1:8420")
	v.SetDefault("database.path", "tracked.db")

	v.SetDefault("endpoints.activity", "https://api.tracked.example/api/activity-events")
	v.SetDefault("endpoints.location", "https://api.tracked.example/api/location-events/batch")
	v.SetDefault("endpoints.probe", "https://api.tracked.example/")

	v.SetDefault("http.timeout", "20s")
	v.SetDefault("credentials.token_file", "token.jwt")

	v.SetDefault("tracking.interval", "5s")
	v.SetDefault("tracking.min_displacement_meters", 5.0)
	v.SetDefault("tracking.process_noise", 0.00001)
	v.SetDefault("tracking.measurement_noise", 0.0001)
	v.SetDefault("tracking.max_accuracy_meters", 20.0)
	v.SetDefault("tracking.max_jump_meters", 100.0)
	v.SetDefault("tracking.min_move_meters", 3.0)
	v.SetDefault("tracking.min_speed_mps", 0.5)
	v.SetDefault("tracking.stationary_meters", 20.0)
	v.SetDefault("tracking.stationary_duration", "5m")
	v.SetDefault("tracking.fresh_fix_timeout", "20s")
	v.SetDefault("tracking.checkout_radius_meters", 100.0)

	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.queue_size", 64)
	v.SetDefault("sync.interval", "1m")
	v.SetDefault("sync.max_backoff", "30m")
	v.SetDefault("sync.connectivity_poll", "15s")
	v.SetDefault("sync.min_trigger_gap", "5s")

	v.SetDefault("gps.device", "/dev/ttyUSB0")
	v.SetDefault("gps.baud_rate", 9600)
	v.SetDefault("gps.uere_meters", 5.0)
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	var errs []error

	for name, raw := range map[string]string{
		"endpoints.activity": c.Endpoints.Activity,
		"endpoints.location": c.Endpoints.Location,
		"endpoints.probe":    c.Endpoints.Probe,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path must be set"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be positive, got %v", c.HTTP.Timeout))
	}

	t := c.Tracking
	if t.Interval <= 0 {
		errs = append(errs, fmt.Errorf("tracking.interval must be positive, got %v", t.Interval))
	}
	if t.MinMoveMeters >= t.MaxJumpMeters {
		errs = append(errs, fmt.Errorf("tracking.min_move_meters (%g) must be below tracking.max_jump_meters (%g)", t.MinMoveMeters, t.MaxJumpMeters))
	}
	for name, val := range map[string]float64{
		"tracking.process_noise":          t.ProcessNoise,
		"tracking.measurement_noise":      t.MeasurementNoise,
		"tracking.max_accuracy_meters":    t.MaxAccuracyMeters,
		"tracking.stationary_meters":      t.StationaryMeters,
		"tracking.checkout_radius_meters": t.CheckoutRadiusMeters,
	} {
		if val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %g", name, val))
		}
	}
	if t.StationaryDuration <= 0 || t.FreshFixTimeout <= 0 {
		errs = append(errs, errors.New("tracking.stationary_duration and tracking.fresh_fix_timeout must be positive"))
	}

	s := c.Sync
	if s.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be at least 1, got %d", s.BatchSize))
	}
	if s.Workers < 1 || s.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("sync.workers and sync.queue_size must be at least 1, got %d and %d", s.Workers, s.QueueSize))
	}
	if s.Interval <= 0 || s.ConnectivityPoll <= 0 {
		errs = append(errs, errors.New("sync.interval and sync.connectivity_poll must be positive"))
	}
	if s.MaxBackoff < s.Interval {
		errs = append(errs, fmt.Errorf("sync.max_backoff (%v) must not be below sync.interval (%v)", s.MaxBackoff, s.Interval))
	}

	if c.GPS.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("gps.baud_rate must be positive, got %d", c.GPS.BaudRate))
	}

	return errors.Join(errs...)
}
