package nowcast

import (
	"math"
	"runtime"
	"sync"
	"time"
)

// Advect extrapolates the field forward by dt along the motion field
// using a backward semi-Lagrangian scheme: each output cell samples the
// input at its position minus motion*dt, with bilinear interpolation at
// fractional coordinates. Cells whose source falls outside the grid
// become no-data; there is no wraparound.
//
// When the largest displacement exceeds cfg.SubstepMaxCells cell
// widths the step is split into equal sub-steps, so large lead times
// stay stable instead of overshooting the sampling neighbourhood.
func Advect(field *FieldGrid, motion *MotionField, dt time.Duration, cfg Config) (*FieldGrid, error) {
	if field.Width != motion.Width || field.Height != motion.Height {
		return nil, configErrorf("advection requires matching shapes: field %dx%d vs motion %dx%d",
			field.Width, field.Height, motion.Width, motion.Height)
	}
	if dt <= 0 {
		return nil, configErrorf("advection requires positive dt, got %v", dt)
	}

	dtSec := dt.Seconds()
	steps := substeps(motion, dtSec, cfg.SubstepMaxCells)
	subSec := dtSec / float64(steps)

	out := field
	for s := 0; s < steps; s++ {
		out = advectOnce(out, motion, subSec)
	}
	out.Timestamp = field.Timestamp.Add(dt)
	return out, nil
}

// substeps returns how many equal hops are needed so that no hop moves
// more than maxCells cell widths.
func substeps(motion *MotionField, dtSec, maxCells float64) int {
	var maxMag float64
	for i := range motion.U {
		mag := math.Hypot(float64(motion.U[i]), float64(motion.V[i]))
		if mag > maxMag {
			maxMag = mag
		}
	}
	// Slack absorbs float32 round-trip jitter so a displacement of
	// exactly one cell does not trigger a spurious extra hop.
	const slack = 1e-6
	maxDisp := maxMag * dtSec
	if maxDisp <= maxCells*(1+slack) {
		return 1
	}
	return int(math.Ceil(maxDisp / maxCells * (1 - slack)))
}

// advectOnce performs a single backward semi-Lagrangian hop. Rows are
// processed in parallel; each worker writes only its own rows.
func advectOnce(field *FieldGrid, motion *MotionField, dtSec float64) *FieldGrid {
	out := emptyLike(field, field.Timestamp)

	workers := runtime.GOMAXPROCS(0)
	if workers > field.Height {
		workers = field.Height
	}
	if workers < 1 {
		workers = 1
	}
	rowsPer := (field.Height + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		y0 := w * rowsPer
		y1 := y0 + rowsPer
		if y1 > field.Height {
			y1 = field.Height
		}
		if y0 >= y1 {
			break
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			for y := y0; y < y1; y++ {
				for x := 0; x < field.Width; x++ {
					i := y*field.Width + x
					sx := float64(x) - float64(motion.U[i])*dtSec
					sy := float64(y) - float64(motion.V[i])*dtSec
					val, ok := sampleBilinear(field, sx, sy)
					if ok {
						out.Data[i] = val
						out.Valid[i] = true
					}
				}
			}
		}(y0, y1)
	}
	wg.Wait()
	return out
}

// sampleBilinear interpolates the field at a fractional coordinate.
// Corner weights covering no-data cells are dropped and the remainder
// renormalised; when less than half the total weight is backed by
// data the sample itself is no-data. Integer coordinates reduce to an
// exact copy of the underlying cell, which is what makes zero-motion
// advection the identity.
func sampleBilinear(g *FieldGrid, x, y float64) (float32, bool) {
	if x < 0 || y < 0 || x > float64(g.Width-1) || y > float64(g.Height-1) {
		return 0, false
	}
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	x1 := x0 + 1
	y1 := y0 + 1
	if x1 >= g.Width {
		x1 = g.Width - 1
	}
	if y1 >= g.Height {
		y1 = g.Height - 1
	}

	type corner struct {
		idx int
		w   float64
	}
	corners := [4]corner{
		{g.idx(x0, y0), (1 - fx) * (1 - fy)},
		{g.idx(x1, y0), fx * (1 - fy)},
		{g.idx(x0, y1), (1 - fx) * fy},
		{g.idx(x1, y1), fx * fy},
	}

	var sum, weight float64
	for _, c := range corners {
		if c.w == 0 {
			continue
		}
		if !g.Valid[c.idx] {
			continue
		}
		sum += c.w * float64(g.Data[c.idx])
		weight += c.w
	}
	if weight < 0.5 {
		return 0, false
	}
	return float32(sum / weight), true
}
