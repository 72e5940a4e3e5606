package nowcast

import (
	"math"
	"time"
)

// BlendPolicy mixes a purely advected field with a decayed persistence
// fallback. Advection cannot create precipitation and grows unreliable
// with lead time; the policy encodes that uncertainty growth with a
// weight that rises monotonically from 0 towards 1 as lead time grows.
// Blending is deterministic given its inputs.
type BlendPolicy struct {
	// persistence is the most recent observation, the field the
	// forecast relaxes towards (after intensity decay).
	persistence *FieldGrid

	halfLife time.Duration
}

// NewBlendPolicy builds a policy relaxing towards the given
// observation with the configured half-life.
func NewBlendPolicy(persistence *FieldGrid, cfg Config) *BlendPolicy {
	return &BlendPolicy{persistence: persistence, halfLife: cfg.BlendHalfLife}
}

// Weight returns the fallback weight for a lead time: 0 at zero lead,
// 1/2 at one half-life, approaching 1. Non-positive lead times weigh 0.
func (p *BlendPolicy) Weight(lead time.Duration) float64 {
	if lead <= 0 {
		return 0
	}
	return 1 - math.Exp2(-float64(lead)/float64(p.halfLife))
}

// decayFactor is the intensity retained by the persistence fallback at
// a lead time; precipitation is assumed to fade rather than persist at
// full strength.
func (p *BlendPolicy) decayFactor(lead time.Duration) float64 {
	if lead <= 0 {
		return 1
	}
	return math.Exp2(-float64(lead) / float64(p.halfLife))
}

// Blend combines the advected field with the decayed persistence
// fallback at the given lead time. Cells covered by only one source
// take that source; cells covered by neither stay no-data.
func (p *BlendPolicy) Blend(advected *FieldGrid, lead time.Duration) (*FieldGrid, error) {
	if !advected.SameShape(p.persistence) {
		return nil, configErrorf("blend requires identical grids: %dx%d vs %dx%d",
			advected.Width, advected.Height, p.persistence.Width, p.persistence.Height)
	}

	w := p.Weight(lead)
	decay := p.decayFactor(lead)
	out := emptyLike(advected, advected.Timestamp)
	for i := range out.Data {
		av, aok := advected.Data[i], advected.Valid[i]
		pv, pok := p.persistence.Data[i], p.persistence.Valid[i]
		fallback := float64(pv) * decay
		switch {
		case aok && pok:
			out.Data[i] = float32((1-w)*float64(av) + w*fallback)
			out.Valid[i] = true
		case aok:
			out.Data[i] = av
			out.Valid[i] = true
		case pok:
			out.Data[i] = float32(fallback)
			out.Valid[i] = true
		}
	}
	return out, nil
}
