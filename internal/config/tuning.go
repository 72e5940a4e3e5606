// Package config loads service settings from the environment and
// numerical tuning from an optional JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/regn-data/nowcast.report/internal/nowcast"
)

// TuningConfig is the JSON schema for forecast tuning overrides. All
// fields are pointers so a partial file only overrides what it names;
// omitted fields keep the engine defaults. The same schema is served
// by /api/nowcast/params.
type TuningConfig struct {
	PyramidLevels    *int     `json:"pyramid_levels,omitempty"`
	BlockRadius      *int     `json:"block_radius,omitempty"`
	SearchRadius     *int     `json:"search_radius,omitempty"`
	SmoothingPasses  *int     `json:"smoothing_passes,omitempty"`
	MinValidFraction *float64 `json:"min_valid_fraction,omitempty"`
	SignalThreshold  *float64 `json:"signal_threshold,omitempty"`
	BlendHalfLife    *string  `json:"blend_half_life,omitempty"` // duration string like "45m"
	SubstepMaxCells  *float64 `json:"substep_max_cells,omitempty"`
	MotionDecay      *float64 `json:"motion_decay,omitempty"`
	MotionWindow     *int     `json:"motion_window,omitempty"`
	Strategy         *string  `json:"strategy,omitempty"` // "basic" or "advanced"
}

// LoadTuningConfig loads tuning overrides from a JSON file. The file
// must have a .json extension and stay under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("tuning file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat tuning file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("tuning file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tuning JSON: %w", err)
	}
	if _, err := cfg.Apply(nowcast.DefaultConfig()); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	return cfg, nil
}

// Apply overlays the set fields on top of a base engine config and
// validates the result.
func (c *TuningConfig) Apply(base nowcast.Config) (nowcast.Config, error) {
	out := base
	if c.PyramidLevels != nil {
		out.PyramidLevels = *c.PyramidLevels
	}
	if c.BlockRadius != nil {
		out.BlockRadius = *c.BlockRadius
	}
	if c.SearchRadius != nil {
		out.SearchRadius = *c.SearchRadius
	}
	if c.SmoothingPasses != nil {
		out.SmoothingPasses = *c.SmoothingPasses
	}
	if c.MinValidFraction != nil {
		out.MinValidFraction = *c.MinValidFraction
	}
	if c.SignalThreshold != nil {
		out.SignalThreshold = float32(*c.SignalThreshold)
	}
	if c.BlendHalfLife != nil && *c.BlendHalfLife != "" {
		d, err := time.ParseDuration(*c.BlendHalfLife)
		if err != nil {
			return out, fmt.Errorf("invalid blend_half_life %q: %w", *c.BlendHalfLife, err)
		}
		out.BlendHalfLife = d
	}
	if c.SubstepMaxCells != nil {
		out.SubstepMaxCells = *c.SubstepMaxCells
	}
	if c.MotionDecay != nil {
		out.MotionDecay = *c.MotionDecay
	}
	if c.MotionWindow != nil {
		out.MotionWindow = *c.MotionWindow
	}
	if c.Strategy != nil {
		out.Strategy = nowcast.Strategy(*c.Strategy)
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}
