package poller

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines poll scheduler configuration.
type Config struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	DefaultPollInterval time.Duration `yaml:"default_poll_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	PollTimeout         time.Duration `yaml:"poll_timeout"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	BackoffCeiling      time.Duration `yaml:"backoff_ceiling"`
	MaxConcurrency      int           `yaml:"max_concurrency"`
	DegradeAfter        int           `yaml:"degrade_after"`
	RetentionDays       int           `yaml:"retention_days"`
	Timezone            string        `yaml:"timezone"`
	MiddayCutoff        string        `yaml:"midday_cutoff"`
	ESSLToken           string        `yaml:"essl_token"`
}

// LoadConfig loads config from yaml or env.
func LoadConfig() (Config, error) {
	cfg := Config{
		TickInterval:        getenvDuration("POLLER_TICK_INTERVAL", 15*time.Second),
		DefaultPollInterval: getenvDuration("POLLER_DEFAULT_INTERVAL", 5*time.Minute),
		ConnectTimeout:      getenvDuration("POLLER_CONNECT_TIMEOUT", 10*time.Second),
		PollTimeout:         getenvDuration("POLLER_POLL_TIMEOUT", time.Minute),
		BackoffFactor:       getenvFloatDefault("POLLER_BACKOFF_FACTOR", 2),
		BackoffCeiling:      getenvDuration("POLLER_BACKOFF_CEILING", time.Hour),
		MaxConcurrency:      getenvIntDefault("POLLER_MAX_CONCURRENCY", 8),
		DegradeAfter:        getenvIntDefault("POLLER_DEGRADE_AFTER", 3),
		RetentionDays:       getenvIntDefault("POLLER_RETENTION_DAYS", 2),
		Timezone:            getenvDefault("POLLER_TIMEZONE", "UTC"),
		MiddayCutoff:        getenvDefault("POLLER_MIDDAY_CUTOFF", "12:00"),
		ESSLToken:           os.Getenv("ESSL_API_TOKEN"),
	}

	if path := os.Getenv("POLLER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks config invariants.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.New("poller config: non-positive tick interval")
	}
	if c.DefaultPollInterval <= 0 {
		return errors.New("poller config: non-positive default poll interval")
	}
	if c.BackoffFactor < 1 {
		return errors.New("poller config: backoff factor below 1")
	}
	if c.MaxConcurrency <= 0 {
		return errors.New("poller config: non-positive max concurrency")
	}
	if c.DegradeAfter <= 0 {
		return errors.New("poller config: non-positive degrade threshold")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.CutoffDuration(); err != nil {
		return err
	}
	return nil
}

// Location resolves the canonical timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("poller config: bad timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// CutoffDuration resolves the midday cutoff as an offset from midnight.
func (c Config) CutoffDuration() (time.Duration, error) {
	t, err := time.Parse("15:04", c.MiddayCutoff)
	if err != nil {
		return 0, fmt.Errorf("poller config: bad midday cutoff %q: %w", c.MiddayCutoff, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
