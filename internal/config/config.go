// Package config loads the processing configuration: where the run
// database and parameter files live, and the tunable processing constants.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root processing configuration. Fields are pointers so a
// partial JSON file only overrides what it names; the Get* methods supply
// defaults for the rest.
type Config struct {
	DatabasePath  *string `json:"database_path,omitempty"`
	MigrationsDir *string `json:"migrations_dir,omitempty"`
	ParametersDir *string `json:"parameters_dir,omitempty"`

	// FilterFrequency is the default low-pass cutoff for task signals in
	// hertz. Zero disables filtering.
	FilterFrequency *float64 `json:"filter_frequency,omitempty"`

	// BumpLength is the length of the synchronization bump in meters.
	BumpLength *float64 `json:"bump_length,omitempty"`

	// PavilionLength is the usable straight length of the pavilion floor
	// in meters, used to clip the trailing portion of straight-line runs.
	PavilionLength *float64 `json:"pavilion_length,omitempty"`

	// MaxTimeShiftError is the largest acceptable normalized RMS residual
	// of the post-synchronization alignment check.
	MaxTimeShiftError *float64 `json:"max_time_shift_error,omitempty"`
}

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Omitted fields fall back to the
// defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.FilterFrequency != nil && *c.FilterFrequency < 0 {
		return fmt.Errorf("filter_frequency must be non-negative, got %f", *c.FilterFrequency)
	}
	if c.BumpLength != nil && *c.BumpLength <= 0 {
		return fmt.Errorf("bump_length must be positive, got %f", *c.BumpLength)
	}
	if c.PavilionLength != nil && *c.PavilionLength <= 0 {
		return fmt.Errorf("pavilion_length must be positive, got %f", *c.PavilionLength)
	}
	if c.MaxTimeShiftError != nil && *c.MaxTimeShiftError <= 0 {
		return fmt.Errorf("max_time_shift_error must be positive, got %f", *c.MaxTimeShiftError)
	}
	return nil
}

func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "data/runs.db"
	}
	return *c.DatabasePath
}

func (c *Config) GetMigrationsDir() string {
	if c.MigrationsDir == nil || *c.MigrationsDir == "" {
		return "internal/db/migrations"
	}
	return *c.MigrationsDir
}

func (c *Config) GetParametersDir() string {
	if c.ParametersDir == nil || *c.ParametersDir == "" {
		return "data/parameters"
	}
	return *c.ParametersDir
}

func (c *Config) GetFilterFrequency() float64 {
	if c.FilterFrequency == nil {
		return 15
	}
	return *c.FilterFrequency
}

func (c *Config) GetBumpLength() float64 {
	if c.BumpLength == nil || *c.BumpLength == 0 {
		return 1.0
	}
	return *c.BumpLength
}

func (c *Config) GetPavilionLength() float64 {
	if c.PavilionLength == nil || *c.PavilionLength == 0 {
		return 32.0
	}
	return *c.PavilionLength
}

func (c *Config) GetMaxTimeShiftError() float64 {
	if c.MaxTimeShiftError == nil || *c.MaxTimeShiftError == 0 {
		return 0.2
	}
	return *c.MaxTimeShiftError
}
