package nowcast

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// irregularSpacingRatio is the max/min history interval ratio above
// which the motion estimate is considered degraded. Irregular spacing
// is tolerated, never rejected; it only lowers confidence.
const irregularSpacingRatio = 1.5

// irregularSpacingFactor scales frame confidence when history spacing
// is irregular.
const irregularSpacingFactor = 0.8

// Engine is the top-level forecast orchestrator. It validates requests,
// selects the configured strategy and assembles results with
// diagnostics. An Engine is immutable after construction and safe for
// concurrent use; every call is an independent pure computation.
type Engine struct {
	cfg Config
	seq Sequencer
}

// NewEngine validates the configuration and builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, configErrorf("engine config: %v", err)
	}
	seq, err := NewSequencer(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, seq: seq}, nil
}

// Config returns the engine's tuning.
func (e *Engine) Config() Config { return e.cfg }

// Forecast produces one frame per requested lead time, in request
// order. Request violations fail fast with a ConfigError before any
// numerical work; degenerate meteorology (no echo, full masking)
// completes with a low-confidence result instead of failing. The
// context is honoured between frames.
func (e *Engine) Forecast(ctx context.Context, req ForecastRequest) (*ForecastResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()
	frames, est, err := e.seq.Forecast(ctx, req.History, req.LeadTimes, e.cfg)
	if err != nil {
		return nil, err
	}

	if factor := spacingConfidenceFactor(req.History); factor < 1 {
		for i := range frames {
			frames[i].Confidence *= factor
		}
	}

	latest := req.History[len(req.History)-1]
	return &ForecastResult{
		Frames: frames,
		Diagnostics: Diagnostics{
			RunID:          uuid.NewString(),
			Strategy:       e.seq.Name(),
			MeanFlowMps:    meanFlowMps(est.Field, latest.CellSizeMeters),
			MaskedFraction: latest.MaskedFraction(),
			LowConfidence:  est.LowConfidence || latest.MaskedFraction() >= 1,
			Elapsed:        time.Since(start),
		},
	}, nil
}

// validateRequest enforces the request invariants: at least two
// history grids, strictly increasing timestamps, homogeneous
// shape/resolution/projection, and positive lead times.
func validateRequest(req ForecastRequest) error {
	if len(req.History) < 2 {
		return configErrorf("history needs at least 2 grids, got %d", len(req.History))
	}
	if len(req.LeadTimes) == 0 {
		return configErrorf("no lead times requested")
	}
	first := req.History[0]
	for i, g := range req.History {
		if g == nil {
			return configErrorf("history[%d] is nil", i)
		}
		if !g.SameShape(first) {
			return configErrorf("history[%d] shape %dx%d (%v m, %s) differs from history[0] %dx%d (%v m, %s)",
				i, g.Width, g.Height, g.CellSizeMeters, g.Projection,
				first.Width, first.Height, first.CellSizeMeters, first.Projection)
		}
		if i > 0 && !g.Timestamp.After(req.History[i-1].Timestamp) {
			return configErrorf("history timestamps not strictly increasing at index %d (%v then %v)",
				i, req.History[i-1].Timestamp, g.Timestamp)
		}
	}
	for i, lead := range req.LeadTimes {
		if lead <= 0 {
			return configErrorf("lead time %d must be positive, got %v", i, lead)
		}
	}
	return nil
}

// spacingConfidenceFactor returns 1 for regularly spaced history and a
// reduced factor when intervals vary beyond irregularSpacingRatio.
func spacingConfidenceFactor(history []*FieldGrid) float64 {
	if len(history) < 3 {
		return 1
	}
	minDt := time.Duration(math.MaxInt64)
	var maxDt time.Duration
	for i := 1; i < len(history); i++ {
		dt := history[i].Timestamp.Sub(history[i-1].Timestamp)
		if dt < minDt {
			minDt = dt
		}
		if dt > maxDt {
			maxDt = dt
		}
	}
	if minDt <= 0 {
		return 1
	}
	if float64(maxDt)/float64(minDt) > irregularSpacingRatio {
		return irregularSpacingFactor
	}
	return 1
}

// meanFlowMps is the mean displacement magnitude over valid motion
// cells, converted to metres per second.
func meanFlowMps(m *MotionField, cellSizeMeters float64) float64 {
	mags := make([]float64, 0, len(m.U))
	for i := range m.U {
		if !m.Valid[i] {
			continue
		}
		mags = append(mags, math.Hypot(float64(m.U[i]), float64(m.V[i])))
	}
	if len(mags) == 0 {
		return 0
	}
	return stat.Mean(mags, nil) * cellSizeMeters
}
