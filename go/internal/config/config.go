// Package config loads the club file and environment settings shared by the binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/mutation"
	"gopkg.in/yaml.v3"
)

// Club is the club file.
type Club struct {
	ID       string `yaml:"id" validate:"required"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
	// RatePlan is the club-wide default. Tables may override it field by field.
	RatePlan    models.RatePlan      `yaml:"rate_plan"`
	Tables      []models.TableConfig `yaml:"tables" validate:"required,min=1,dive"`
	Collections []models.Collection  `yaml:"collections"`
	Sync        Sync                 `yaml:"sync"`
	Policy      mutation.Policy      `yaml:"policy" validate:"omitempty,oneof=versioned last_writer_wins"`

	location *time.Location
}

// Sync holds the timings of the sync engine.
type Sync struct {
	Tick             time.Duration `yaml:"tick" validate:"gte=0"`
	Debounce         time.Duration `yaml:"debounce" validate:"gte=0"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout" validate:"gte=0"`
	RetryInterval    time.Duration `yaml:"retry_interval" validate:"gte=0"`
	FallbackInterval time.Duration `yaml:"fallback_interval" validate:"gte=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

var validate = validator.New()

// Load reads and validates a club file.
func Load(path string) (*Club, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates club file contents.
func Parse(data []byte) (*Club, error) {
	var club Club
	if err := yaml.Unmarshal(data, &club); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := club.normalize(); err != nil {
		return nil, err
	}
	return &club, nil
}

func (c *Club) normalize() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid club config: %w", err)
	}

	loc := time.Local
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
		loc = l
	}
	c.location = loc

	if c.Policy == "" {
		c.Policy = mutation.PolicyVersioned
	}
	if len(c.Collections) == 0 {
		c.Collections = models.PrimaryCollections
	}

	seen := make(map[string]bool, len(c.Tables))
	numbers := make(map[int]bool, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		if t.ID == "" {
			t.ID = fmt.Sprintf("table-%d", t.Number)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate table id %q", t.ID)
		}
		if numbers[t.Number] {
			return fmt.Errorf("duplicate table number %d", t.Number)
		}
		if t.Number <= 0 {
			return fmt.Errorf("table %q: number must be greater than 0", t.ID)
		}
		seen[t.ID] = true
		numbers[t.Number] = true

		if t.DefaultMode == "" {
			t.DefaultMode = models.BillingModeHourly
		}
		if !t.DefaultMode.Valid() {
			return fmt.Errorf("table %q: unknown billing mode %q", t.ID, t.DefaultMode)
		}
		t.ClubID = c.ID
		t.Status = models.TableStatusFree
	}

	if c.RatePlan.PerHour.IsNegative() || c.RatePlan.PerMinute.IsNegative() || c.RatePlan.PerFrame.IsNegative() {
		return errors.New("rate plan prices must not be negative")
	}
	return nil
}

// Location is where peak windows are evaluated.
func (c *Club) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// Table returns the table with id.
func (c *Club) Table(id string) (models.TableConfig, bool) {
	for _, t := range c.Tables {
		if t.ID == id {
			return t, true
		}
	}
	return models.TableConfig{}, false
}

// GetEnv returns the value of key or defaultValue when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsInt parses key as an int, falling back on error.
func GetEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration parses key as a duration, falling back on error.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetEnvAsBool parses key as a bool, falling back on error.
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
