package nowcast

import (
	"fmt"
	"time"
)

// Strategy selects how the sequencer derives and updates the motion
// field across lead-time steps.
type Strategy string

const (
	// StrategyBasic estimates one motion field from the two most
	// recent scans, freezes it, and advects cumulatively.
	StrategyBasic Strategy = "basic"

	// StrategyAdvanced smooths motion over a longer history window,
	// decays it between steps, and blends each extrapolation with a
	// decayed persistence fallback.
	StrategyAdvanced Strategy = "advanced"
)

// Config holds the numerical tuning for the engine. Zero values are
// not meaningful; start from DefaultConfig and override.
type Config struct {
	// PyramidLevels is the number of coarse-to-fine levels used for
	// motion estimation. Levels are clamped so the coarsest level
	// keeps at least minPyramidDim cells per side.
	PyramidLevels int

	// BlockRadius is the half-size of the matching window: the cost
	// of a candidate displacement is evaluated over a
	// (2r+1)x(2r+1) neighbourhood.
	BlockRadius int

	// SearchRadius is the per-level search distance in cells around
	// the displacement inherited from the coarser level.
	SearchRadius int

	// SmoothingPasses is the number of box-smoothing passes applied
	// to the raw per-cell estimate to regularise it into a coherent
	// storm-scale field.
	SmoothingPasses int

	// MinValidFraction is the minimum fraction of jointly valid cells
	// required to attempt flow estimation. Below it the estimator
	// returns a zero field flagged low-confidence instead of failing.
	MinValidFraction float64

	// SignalThreshold is the minimum intensity counted as echo when
	// building the matching cost. Cells at or below it carry no
	// texture worth matching.
	SignalThreshold float32

	// BlendHalfLife controls both the persistence blend weight and
	// confidence decay: at one half-life the fallback carries half
	// the weight it ever will.
	BlendHalfLife time.Duration

	// SubstepMaxCells is the largest per-hop displacement, in cell
	// widths, the advector will take in one semi-Lagrangian step.
	// Larger requested displacements are split into sub-steps.
	SubstepMaxCells float64

	// MotionDecay is the fractional slow-down applied to the motion
	// field per cumulative step by the advanced strategy.
	MotionDecay float64

	// MotionWindow is the maximum number of trailing frame pairs the
	// advanced strategy averages over for temporal smoothing.
	MotionWindow int

	// Strategy selects the sequencing variant.
	Strategy Strategy
}

// DefaultConfig returns tuning suitable for 500 m composites scanned
// every ten minutes.
func DefaultConfig() Config {
	return Config{
		PyramidLevels:    3,
		BlockRadius:      4,
		SearchRadius:     3,
		SmoothingPasses:  2,
		MinValidFraction: 0.02,
		SignalThreshold:  0,
		BlendHalfLife:    45 * time.Minute,
		SubstepMaxCells:  1.0,
		MotionDecay:      0.05,
		MotionWindow:     3,
		Strategy:         StrategyAdvanced,
	}
}

// Validate reports the first invalid setting, if any.
func (c Config) Validate() error {
	if c.PyramidLevels < 1 {
		return fmt.Errorf("pyramid_levels must be >= 1, got %d", c.PyramidLevels)
	}
	if c.BlockRadius < 1 {
		return fmt.Errorf("block_radius must be >= 1, got %d", c.BlockRadius)
	}
	if c.SearchRadius < 1 {
		return fmt.Errorf("search_radius must be >= 1, got %d", c.SearchRadius)
	}
	if c.SmoothingPasses < 0 {
		return fmt.Errorf("smoothing_passes must be >= 0, got %d", c.SmoothingPasses)
	}
	if c.MinValidFraction < 0 || c.MinValidFraction > 1 {
		return fmt.Errorf("min_valid_fraction must be in [0,1], got %v", c.MinValidFraction)
	}
	if c.BlendHalfLife <= 0 {
		return fmt.Errorf("blend_half_life must be positive, got %v", c.BlendHalfLife)
	}
	if c.SubstepMaxCells <= 0 {
		return fmt.Errorf("substep_max_cells must be positive, got %v", c.SubstepMaxCells)
	}
	if c.MotionDecay < 0 || c.MotionDecay >= 1 {
		return fmt.Errorf("motion_decay must be in [0,1), got %v", c.MotionDecay)
	}
	if c.MotionWindow < 1 {
		return fmt.Errorf("motion_window must be >= 1, got %d", c.MotionWindow)
	}
	switch c.Strategy {
	case StrategyBasic, StrategyAdvanced:
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	return nil
}
