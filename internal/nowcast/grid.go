package nowcast

import (
	"fmt"
	"time"
)

// FieldGrid is a single reflectivity raster with its metadata. Cells are
// stored row-major; Valid marks cells that carry a measurement (false =
// no-data, e.g. outside radar coverage). A FieldGrid is immutable once
// constructed: the engine never writes into a caller's grid and callers
// must not mutate grids handed to the engine.
type FieldGrid struct {
	Width  int
	Height int

	// Data holds reflectivity intensity per cell, len Width*Height.
	Data []float32

	// Valid marks cells with a usable measurement, len Width*Height.
	Valid []bool

	// Timestamp is the scan time of the composite.
	Timestamp time.Time

	// CellSizeMeters is the ground distance covered by one cell edge.
	CellSizeMeters float64

	// Projection identifies the projection/alignment of the raster.
	// Grids are only comparable when projections match; the engine
	// performs no reprojection.
	Projection string
}

// NewFieldGrid validates dimensions against the backing slices and
// returns the assembled grid. The slices are adopted, not copied.
func NewFieldGrid(width, height int, data []float32, valid []bool, ts time.Time, cellSizeMeters float64, projection string) (*FieldGrid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid grid dimensions %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("data length %d does not match %dx%d grid", len(data), width, height)
	}
	if len(valid) != width*height {
		return nil, fmt.Errorf("valid mask length %d does not match %dx%d grid", len(valid), width, height)
	}
	return &FieldGrid{
		Width:          width,
		Height:         height,
		Data:           data,
		Valid:          valid,
		Timestamp:      ts,
		CellSizeMeters: cellSizeMeters,
		Projection:     projection,
	}, nil
}

// idx converts (x, y) to the flat row-major index.
func (g *FieldGrid) idx(x, y int) int { return y*g.Width + x }

// At returns the value and validity at (x, y). Out-of-range coordinates
// report invalid.
func (g *FieldGrid) At(x, y int) (float32, bool) {
	if x < 0 || x >= g.Width || y < 0 || y >= g.Height {
		return 0, false
	}
	i := g.idx(x, y)
	return g.Data[i], g.Valid[i]
}

// SameShape reports whether two grids agree on dimensions, resolution
// and projection. Grids that disagree must never be combined.
func (g *FieldGrid) SameShape(o *FieldGrid) bool {
	return g.Width == o.Width && g.Height == o.Height &&
		g.CellSizeMeters == o.CellSizeMeters && g.Projection == o.Projection
}

// MaskedFraction returns the fraction of cells carrying no data.
func (g *FieldGrid) MaskedFraction() float64 {
	masked := 0
	for _, v := range g.Valid {
		if !v {
			masked++
		}
	}
	return float64(masked) / float64(len(g.Valid))
}

// emptyLike allocates a grid with the same shape and metadata but all
// cells no-data, stamped with the given time.
func emptyLike(g *FieldGrid, ts time.Time) *FieldGrid {
	n := g.Width * g.Height
	return &FieldGrid{
		Width:          g.Width,
		Height:         g.Height,
		Data:           make([]float32, n),
		Valid:          make([]bool, n),
		Timestamp:      ts,
		CellSizeMeters: g.CellSizeMeters,
		Projection:     g.Projection,
	}
}

// MotionField is a dense per-cell displacement field between two scans,
// expressed in cells per second. Valid marks cells where the estimate
// is backed by signal; elsewhere the vector is interpolated from
// neighbours or zero, never fabricated from noise.
type MotionField struct {
	Width  int
	Height int
	U      []float32 // x displacement, cells per second
	V      []float32 // y displacement, cells per second
	Valid  []bool
}

// NewZeroMotion returns an all-zero, all-invalid motion field of the
// given shape. Used as the persistence fallback when signal is too
// sparse to estimate flow.
func NewZeroMotion(width, height int) *MotionField {
	n := width * height
	return &MotionField{
		Width:  width,
		Height: height,
		U:      make([]float32, n),
		V:      make([]float32, n),
		Valid:  make([]bool, n),
	}
}

// IsZero reports whether every displacement component is exactly zero.
func (m *MotionField) IsZero() bool {
	for i := range m.U {
		if m.U[i] != 0 || m.V[i] != 0 {
			return false
		}
	}
	return true
}

// scale multiplies every displacement in place. Used by the advanced
// strategy to model deceleration between steps; the field is owned by
// the sequencer at that point, so mutation is safe.
func (m *MotionField) scale(f float32) {
	for i := range m.U {
		m.U[i] *= f
		m.V[i] *= f
	}
}

// clone performs a deep copy.
func (m *MotionField) clone() *MotionField {
	c := &MotionField{
		Width:  m.Width,
		Height: m.Height,
		U:      make([]float32, len(m.U)),
		V:      make([]float32, len(m.V)),
		Valid:  make([]bool, len(m.Valid)),
	}
	copy(c.U, m.U)
	copy(c.V, m.V)
	copy(c.Valid, m.Valid)
	return c
}

// ForecastFrame is one extrapolated field tagged with its lead time and
// a confidence indicator in [0, 1].
type ForecastFrame struct {
	Grid       *FieldGrid
	LeadTime   time.Duration
	Confidence float64
}

// ForecastRequest carries the scan history and the lead times to
// extrapolate to. History must be ordered by strictly increasing
// timestamp and share shape, resolution and projection throughout.
type ForecastRequest struct {
	History   []*FieldGrid
	LeadTimes []time.Duration
}

// Diagnostics summarises one forecast run for monitoring. The engine
// itself publishes nothing; callers read these and export as they wish.
type Diagnostics struct {
	RunID          string        `json:"run_id"`
	Strategy       string        `json:"strategy"`
	MeanFlowMps    float64       `json:"mean_flow_mps"`
	MaskedFraction float64       `json:"masked_fraction"`
	LowConfidence  bool          `json:"low_confidence"`
	Elapsed        time.Duration `json:"elapsed"`
}

// ForecastResult is the complete output of one engine call: one frame
// per requested lead time, in request order, plus run diagnostics.
type ForecastResult struct {
	Frames      []ForecastFrame
	Diagnostics Diagnostics
}
