package nowcast

import (
	"context"
	"sort"
	"time"
)

// Sequencer drives repeated advection across the requested lead times.
// Implementations differ only in how the motion field is derived and
// updated between steps and whether persistence blending is applied;
// they share the same estimator and advector primitives.
type Sequencer interface {
	Name() string
	Forecast(ctx context.Context, history []*FieldGrid, leadTimes []time.Duration, cfg Config) ([]ForecastFrame, *MotionEstimate, error)
}

// NewSequencer returns the sequencer selected by cfg.Strategy.
func NewSequencer(cfg Config) (Sequencer, error) {
	switch cfg.Strategy {
	case StrategyBasic:
		return basicSequencer{}, nil
	case StrategyAdvanced:
		return advancedSequencer{}, nil
	default:
		return nil, configErrorf("unknown strategy %q", cfg.Strategy)
	}
}

// basicSequencer estimates one motion field from the two most recent
// scans, freezes it, and advects cumulatively for each lead time.
type basicSequencer struct{}

func (basicSequencer) Name() string { return string(StrategyBasic) }

func (basicSequencer) Forecast(ctx context.Context, history []*FieldGrid, leadTimes []time.Duration, cfg Config) ([]ForecastFrame, *MotionEstimate, error) {
	latest := history[len(history)-1]
	est, err := EstimateMotion(history[len(history)-2], latest, cfg)
	if err != nil {
		return nil, nil, err
	}
	frames, err := sequence(ctx, latest, est, leadTimes, cfg, stepPolicy{})
	if err != nil {
		return nil, nil, err
	}
	return frames, est, nil
}

// advancedSequencer smooths motion over a longer history window, slows
// it between steps to model deceleration, and blends each extrapolated
// field with a decayed persistence fallback.
type advancedSequencer struct{}

func (advancedSequencer) Name() string { return string(StrategyAdvanced) }

func (advancedSequencer) Forecast(ctx context.Context, history []*FieldGrid, leadTimes []time.Duration, cfg Config) ([]ForecastFrame, *MotionEstimate, error) {
	latest := history[len(history)-1]
	est, err := smoothedMotion(history, cfg)
	if err != nil {
		return nil, nil, err
	}
	pol := stepPolicy{
		motionDecay: cfg.MotionDecay,
		blend:       NewBlendPolicy(latest, cfg),
	}
	frames, err := sequence(ctx, latest, est, leadTimes, cfg, pol)
	if err != nil {
		return nil, nil, err
	}
	return frames, est, nil
}

// smoothedMotion averages pairwise motion estimates over the trailing
// window, weighting recent pairs higher. Cells constrained by no pair
// stay at zero; the combined estimate is low-confidence only when
// every pair was.
func smoothedMotion(history []*FieldGrid, cfg Config) (*MotionEstimate, error) {
	pairs := len(history) - 1
	if pairs > cfg.MotionWindow {
		pairs = cfg.MotionWindow
	}

	ests := make([]*MotionEstimate, 0, pairs)
	for i := len(history) - pairs; i < len(history); i++ {
		est, err := EstimateMotion(history[i-1], history[i], cfg)
		if err != nil {
			return nil, err
		}
		ests = append(ests, est)
	}
	if len(ests) == 1 {
		return ests[0], nil
	}

	latest := ests[len(ests)-1]
	combined := NewZeroMotion(latest.Field.Width, latest.Field.Height)
	n := len(combined.U)
	for i := 0; i < n; i++ {
		var su, sv, sw float32
		for j, est := range ests {
			if est.LowConfidence || !est.Field.Valid[i] {
				continue
			}
			w := float32(j + 1) // linear recency weighting
			su += w * est.Field.U[i]
			sv += w * est.Field.V[i]
			sw += w
		}
		if sw > 0 {
			combined.U[i] = su / sw
			combined.V[i] = sv / sw
			combined.Valid[i] = true
		}
	}

	allLow := true
	for _, est := range ests {
		if !est.LowConfidence {
			allLow = false
		}
	}
	return &MotionEstimate{
		Field:          combined,
		SignalFraction: latest.SignalFraction,
		LowConfidence:  allLow,
	}, nil
}

// stepPolicy captures what varies between strategies inside the shared
// sequencing loop.
type stepPolicy struct {
	// motionDecay slows the motion field by this fraction after each
	// cumulative step; zero freezes the field.
	motionDecay float64

	// blend, when set, is applied to each extrapolated field.
	blend *BlendPolicy
}

// sequence is the shared cumulative-advection loop. Lead times are
// processed in ascending order so each frame extends the previous
// state, then frames are returned in request order. The context is
// checked between frames; frames already produced are immutable and
// independently valid, so cancellation needs no rollback.
func sequence(ctx context.Context, latest *FieldGrid, est *MotionEstimate, leadTimes []time.Duration, cfg Config, pol stepPolicy) ([]ForecastFrame, error) {
	order := make([]int, len(leadTimes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return leadTimes[order[a]] < leadTimes[order[b]] })

	baseConf := baseConfidence(latest, est)
	confWeight := NewBlendPolicy(latest, cfg) // confidence decays on the same half-life

	frames := make([]ForecastFrame, len(leadTimes))
	motion := est.Field.clone()
	current := latest
	var elapsed time.Duration
	for _, oi := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lead := leadTimes[oi]
		dt := lead - elapsed
		if dt > 0 {
			advected, err := Advect(current, motion, dt, cfg)
			if err != nil {
				return nil, err
			}
			if pol.blend != nil {
				advected, err = pol.blend.Blend(advected, lead)
				if err != nil {
					return nil, err
				}
			}
			current = advected
			elapsed = lead
			if pol.motionDecay > 0 {
				motion.scale(float32(1 - pol.motionDecay))
			}
		}
		frames[oi] = ForecastFrame{
			Grid:       current,
			LeadTime:   lead,
			Confidence: baseConf * (1 - confWeight.Weight(lead)),
		}
	}
	return frames, nil
}

// baseConfidence anchors per-frame confidence. A fully masked scan
// forecasts at zero confidence; a zero-motion fallback estimate close
// to it.
func baseConfidence(latest *FieldGrid, est *MotionEstimate) float64 {
	if latest.MaskedFraction() >= 1 {
		return 0
	}
	if est.LowConfidence {
		return 0.2
	}
	return 1
}
