// Package config holds the engine's runtime configuration, loaded from
// JSON with fields omitted from the file falling back to documented
// defaults. Every field is a pointer so "unset" and "set to the zero
// value" are distinguishable, and a Get* accessor on each supplies the
// default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/latticeforge/sxmerge/internal/scale"
)

// Config is the root engine configuration.
type Config struct {
	MinPartialityScale *float64 `json:"min_partiality_scale,omitempty"`
	MinPartialityMerge *float64 `json:"min_partiality_merge,omitempty"`
	MaxScaleCycles     *int     `json:"max_scale_cycles,omitempty"`
	MaxPRCycles        *int     `json:"max_pr_cycles,omitempty"`
	MaxMacrocycles     *int     `json:"max_macrocycles,omitempty"`
	ScaleConvergence   *float64 `json:"scale_convergence,omitempty"`
	PRShiftConvergence *float64 `json:"pr_shift_convergence,omitempty"`
	MinRedundancy      *int     `json:"min_redundancy,omitempty"`
	ScaleBoundMinG     *float64 `json:"scale_bound_min_g,omitempty"`
	ScaleBoundMaxG     *float64 `json:"scale_bound_max_g,omitempty"`
	ScaleBoundMaxAbsB  *float64 `json:"scale_bound_max_abs_b,omitempty"`
	NoScale            *bool    `json:"no_scale,omitempty"`
	Workers            *int     `json:"workers,omitempty"`

	PointGroup *string `json:"point_group,omitempty"`
}

// Empty returns a Config with every field nil, so Load can unmarshal a
// partial JSON document onto it and the Get* methods supply defaults
// for whatever was omitted.
func Empty() *Config {
	return &Config{}
}

// Load reads and validates a JSON configuration file. The path must
// have a .json extension and be under 1MB.
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

// Validate checks the bounds of any fields that were set.
func (c *Config) Validate() error {
	if c.MinPartialityScale != nil && (*c.MinPartialityScale < 0 || *c.MinPartialityScale > 1) {
		return fmt.Errorf("min_partiality_scale must be in [0,1], got %v", *c.MinPartialityScale)
	}
	if c.MinPartialityMerge != nil && (*c.MinPartialityMerge < 0 || *c.MinPartialityMerge > 1) {
		return fmt.Errorf("min_partiality_merge must be in [0,1], got %v", *c.MinPartialityMerge)
	}
	if c.MaxMacrocycles != nil && *c.MaxMacrocycles < 1 {
		return fmt.Errorf("max_macrocycles must be >= 1, got %d", *c.MaxMacrocycles)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", *c.Workers)
	}
	return nil
}

func (c *Config) GetMinPartialityScale() float64 {
	if c.MinPartialityScale == nil {
		return 0.05
	}
	return *c.MinPartialityScale
}

func (c *Config) GetMinPartialityMerge() float64 {
	if c.MinPartialityMerge == nil {
		return 0.05
	}
	return *c.MinPartialityMerge
}

func (c *Config) GetMaxScaleCycles() int {
	if c.MaxScaleCycles == nil {
		return 10
	}
	return *c.MaxScaleCycles
}

func (c *Config) GetMaxPRCycles() int {
	if c.MaxPRCycles == nil {
		return 10
	}
	return *c.MaxPRCycles
}

func (c *Config) GetMaxMacrocycles() int {
	if c.MaxMacrocycles == nil {
		return 3
	}
	return *c.MaxMacrocycles
}

func (c *Config) GetScaleConvergence() float64 {
	if c.ScaleConvergence == nil {
		return 0.01
	}
	return *c.ScaleConvergence
}

func (c *Config) GetPRShiftConvergence() float64 {
	if c.PRShiftConvergence == nil {
		return 0.01
	}
	return *c.PRShiftConvergence
}

func (c *Config) GetMinRedundancy() int {
	if c.MinRedundancy == nil {
		return 2
	}
	return *c.MinRedundancy
}

func (c *Config) GetNoScale() bool {
	if c.NoScale == nil {
		return false
	}
	return *c.NoScale
}

func (c *Config) GetWorkers(numCPU int) int {
	if c.Workers == nil {
		return numCPU
	}
	return *c.Workers
}

func (c *Config) GetPointGroup() string {
	if c.PointGroup == nil {
		return "1"
	}
	return *c.PointGroup
}

// GetScaleBounds assembles the scale package's Bounds struct from the
// three individual pointer fields, falling back to
// scale.DefaultBounds() for any that were not set.
func (c *Config) GetScaleBounds() scale.Bounds {
	b := scale.DefaultBounds()
	if c.ScaleBoundMinG != nil {
		b.MinG = *c.ScaleBoundMinG
	}
	if c.ScaleBoundMaxG != nil {
		b.MaxG = *c.ScaleBoundMaxG
	}
	if c.ScaleBoundMaxAbsB != nil {
		b.MaxAbsB = *c.ScaleBoundMaxAbsB
	}
	return b
}
