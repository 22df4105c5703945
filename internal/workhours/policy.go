// Package workhours holds office working-hours configuration and derives
// attendance status from a reconciled check-in/check-out pair.
package workhours

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	attendance "attendance-cloud/internal/attendance/domain"
)

// Policy defines one office's working-hours rules.
type Policy struct {
	StartTime    string        `yaml:"start_time"`
	LateAfter    time.Duration `yaml:"late_after"`
	HalfDayBelow float64       `yaml:"half_day_below"`
}

// Config defines default rules plus per-office overrides.
type Config struct {
	Defaults Policy            `yaml:"defaults"`
	Offices  map[string]Policy `yaml:"offices"`
}

// LoadConfig loads working-hours config from yaml or env.
func LoadConfig() (Config, error) {
	cfg := Config{
		Defaults: Policy{
			StartTime:    getenvDefault("WORKHOURS_START_TIME", "09:00"),
			LateAfter:    getenvDuration("WORKHOURS_LATE_AFTER", 15*time.Minute),
			HalfDayBelow: 4,
		},
	}

	if path := os.Getenv("WORKHOURS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if _, _, err := parseClock(cfg.Defaults.StartTime); err != nil {
		return cfg, fmt.Errorf("workhours: bad default start_time: %w", err)
	}
	for office, policy := range cfg.Offices {
		if policy.StartTime == "" {
			continue
		}
		if _, _, err := parseClock(policy.StartTime); err != nil {
			return cfg, fmt.Errorf("workhours: bad start_time for office %q: %w", office, err)
		}
	}
	return cfg, nil
}

// PolicyForOffice returns the effective policy for an office.
func (c Config) PolicyForOffice(officeID string) Policy {
	if c.Offices != nil {
		if override, ok := c.Offices[officeID]; ok {
			return mergePolicy(c.Defaults, override)
		}
	}
	return c.Defaults
}

func mergePolicy(base, override Policy) Policy {
	if override.StartTime != "" {
		base.StartTime = override.StartTime
	}
	if override.LateAfter != 0 {
		base.LateAfter = override.LateAfter
	}
	if override.HalfDayBelow != 0 {
		base.HalfDayBelow = override.HalfDayBelow
	}
	return base
}

// DeriveStatus derives the record status from the policy. A record with
// only a check-in stays pending; the end-of-day absence sweep is external.
func (p Policy) DeriveStatus(record *attendance.Record, loc *time.Location) attendance.Status {
	if record == nil || record.CheckIn == nil {
		return attendance.StatusPending
	}
	if record.CheckOut == nil {
		return attendance.StatusPending
	}
	if p.HalfDayBelow > 0 && record.TotalHours < p.HalfDayBelow {
		return attendance.StatusHalfDay
	}
	if p.isLate(*record.CheckIn, loc) {
		return attendance.StatusLate
	}
	return attendance.StatusPresent
}

func (p Policy) isLate(checkIn time.Time, loc *time.Location) bool {
	hour, minute, err := parseClock(p.StartTime)
	if err != nil {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := checkIn.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	return local.After(start.Add(p.LateAfter))
}

func parseClock(value string) (int, int, error) {
	if value == "" {
		return 0, 0, errors.New("empty clock value")
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
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
