package nowcast

import (
	"math"
	"runtime"
	"sync"
)

// minPyramidDim is the smallest side length allowed at the coarsest
// pyramid level. Requested levels are clamped so downsampling never
// shrinks a grid below this.
const minPyramidDim = 8

// minCostSamples is the minimum number of counted window cells for a
// block-matching cost to be trusted.
const minCostSamples = 4

// MotionEstimate is the result of flow estimation between two scans.
type MotionEstimate struct {
	Field *MotionField

	// SignalFraction is the fraction of cells jointly valid in both
	// scans and carrying echo in at least one of them.
	SignalFraction float64

	// LowConfidence is set when estimation fell back to a zero field
	// because signal coverage was below Config.MinValidFraction.
	LowConfidence bool
}

// EstimateMotion computes a dense displacement field from prev to curr
// using coarse-to-fine block matching. The cost function is a
// mean-removed absolute difference, so uniform reflectivity growth or
// decay between scans does not bias the match the way a brightness
// constancy assumption would. Cells without echo are excluded from the
// cost; their vectors are filled from neighbours and a box-smoothing
// pass regularises the raw estimate into a coherent storm-scale field.
//
// Shape or timing mismatches are hard errors. Sparse echo is not: when
// the jointly valid fraction is below cfg.MinValidFraction the
// estimator returns a zero field flagged low-confidence.
func EstimateMotion(prev, curr *FieldGrid, cfg Config) (*MotionEstimate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, configErrorf("motion config: %v", err)
	}
	if !prev.SameShape(curr) {
		return nil, configErrorf("motion estimation requires identical grids: %dx%d (%v m, %s) vs %dx%d (%v m, %s)",
			prev.Width, prev.Height, prev.CellSizeMeters, prev.Projection,
			curr.Width, curr.Height, curr.CellSizeMeters, curr.Projection)
	}
	dt := curr.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return nil, configErrorf("motion estimation requires curr after prev, got dt=%vs", dt)
	}

	sigFrac := jointSignalFraction(prev, curr, cfg.SignalThreshold)
	if sigFrac < cfg.MinValidFraction {
		return &MotionEstimate{
			Field:          NewZeroMotion(curr.Width, curr.Height),
			SignalFraction: sigFrac,
			LowConfidence:  true,
		}, nil
	}

	prevPyr := buildPyramid(prev, cfg)
	currPyr := buildPyramid(curr, cfg)
	levels := len(currPyr)

	// Coarse-to-fine refinement. u/v hold the displacement in cells
	// at the current level, from prev to curr.
	var u, v []float32
	var flowValid []bool
	for lv := levels - 1; lv >= 0; lv-- {
		pl, cl := prevPyr[lv], currPyr[lv]
		if u == nil {
			n := pl.w * pl.h
			u = make([]float32, n)
			v = make([]float32, n)
			flowValid = make([]bool, n)
		}
		refineLevel(pl, cl, u, v, flowValid, cfg)
		fillFromNeighbours(pl.w, pl.h, u, v, flowValid)
		for p := 0; p < cfg.SmoothingPasses; p++ {
			boxSmooth(pl.w, pl.h, u, v)
		}
		if lv > 0 {
			fl := currPyr[lv-1]
			u, v, flowValid = upsampleFlow(pl.w, pl.h, fl.w, fl.h, u, v, flowValid)
		}
	}

	// Convert from cells-per-frame-interval to cells per second.
	inv := float32(1.0 / dt)
	for i := range u {
		u[i] *= inv
		v[i] *= inv
	}
	return &MotionEstimate{
		Field: &MotionField{
			Width:  curr.Width,
			Height: curr.Height,
			U:      u,
			V:      v,
			Valid:  flowValid,
		},
		SignalFraction: sigFrac,
	}, nil
}

// jointSignalFraction is the fraction of cells valid in both scans
// with echo above the threshold in at least one of them.
func jointSignalFraction(prev, curr *FieldGrid, threshold float32) float64 {
	n := len(curr.Data)
	count := 0
	for i := 0; i < n; i++ {
		if prev.Valid[i] && curr.Valid[i] && (prev.Data[i] > threshold || curr.Data[i] > threshold) {
			count++
		}
	}
	return float64(count) / float64(n)
}

// pyrLevel is one level of an image pyramid. sig marks cells that are
// valid and carry echo above the signal threshold.
type pyrLevel struct {
	w, h  int
	data  []float32
	valid []bool
	sig   []bool
}

// buildPyramid downsamples the grid by factors of two, averaging only
// valid cells. Level 0 is full resolution.
func buildPyramid(g *FieldGrid, cfg Config) []pyrLevel {
	levels := cfg.PyramidLevels
	for levels > 1 {
		minDim := g.Width
		if g.Height < minDim {
			minDim = g.Height
		}
		if minDim>>(levels-1) >= minPyramidDim {
			break
		}
		levels--
	}

	pyr := make([]pyrLevel, levels)
	base := pyrLevel{w: g.Width, h: g.Height, data: g.Data, valid: g.Valid}
	base.sig = signalMask(base, cfg.SignalThreshold)
	pyr[0] = base
	for lv := 1; lv < levels; lv++ {
		pyr[lv] = downsample(pyr[lv-1], cfg.SignalThreshold)
	}
	return pyr
}

func signalMask(l pyrLevel, threshold float32) []bool {
	sig := make([]bool, len(l.data))
	for i := range l.data {
		sig[i] = l.valid[i] && l.data[i] > threshold
	}
	return sig
}

// downsample halves each dimension, averaging the valid cells of each
// 2x2 block. A coarse cell is valid when any of its fine cells is.
func downsample(fine pyrLevel, threshold float32) pyrLevel {
	w := (fine.w + 1) / 2
	h := (fine.h + 1) / 2
	coarse := pyrLevel{
		w:     w,
		h:     h,
		data:  make([]float32, w*h),
		valid: make([]bool, w*h),
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float32
			count := 0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					fx, fy := 2*x+dx, 2*y+dy
					if fx >= fine.w || fy >= fine.h {
						continue
					}
					fi := fy*fine.w + fx
					if fine.valid[fi] {
						sum += fine.data[fi]
						count++
					}
				}
			}
			ci := y*w + x
			if count > 0 {
				coarse.data[ci] = sum / float32(count)
				coarse.valid[ci] = true
			}
		}
	}
	coarse.sig = signalMask(coarse, threshold)
	return coarse
}

// refineLevel runs one block-matching pass over every cell of a level,
// searching around the displacement inherited from the coarser level.
// Rows are processed in parallel; workers write disjoint rows, so no
// synchronisation beyond the WaitGroup is needed.
func refineLevel(prev, curr pyrLevel, u, v []float32, flowValid []bool, cfg Config) {
	workers := runtime.GOMAXPROCS(0)
	if workers > curr.h {
		workers = curr.h
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	rowsPer := (curr.h + workers - 1) / workers
	for w := 0; w < workers; w++ {
		y0 := w * rowsPer
		y1 := y0 + rowsPer
		if y1 > curr.h {
			y1 = curr.h
		}
		if y0 >= y1 {
			break
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			for y := y0; y < y1; y++ {
				for x := 0; x < curr.w; x++ {
					refineCell(prev, curr, x, y, u, v, flowValid, cfg)
				}
			}
		}(y0, y1)
	}
	wg.Wait()
}

// refineCell searches the displacement for one cell. Cells without
// echo keep the inherited vector but are marked invalid so smoothing
// can overwrite them from better-constrained neighbours.
func refineCell(prev, curr pyrLevel, x, y int, u, v []float32, flowValid []bool, cfg Config) {
	i := y*curr.w + x
	if !curr.sig[i] {
		flowValid[i] = false
		return
	}

	u0 := int(math.Round(float64(u[i])))
	v0 := int(math.Round(float64(v[i])))

	bestU, bestV := u0, v0
	bestCost, bestOK := blockCost(prev, curr, x, y, u0, v0, cfg.BlockRadius)
	for dv := -cfg.SearchRadius; dv <= cfg.SearchRadius; dv++ {
		for du := -cfg.SearchRadius; du <= cfg.SearchRadius; du++ {
			if du == 0 && dv == 0 {
				continue
			}
			cost, ok := blockCost(prev, curr, x, y, u0+du, v0+dv, cfg.BlockRadius)
			if !ok {
				continue
			}
			if !bestOK || cost < bestCost {
				bestCost, bestOK = cost, true
				bestU, bestV = u0+du, v0+dv
			}
		}
	}
	if !bestOK {
		flowValid[i] = false
		return
	}
	u[i] = float32(bestU)
	v[i] = float32(bestV)
	flowValid[i] = true
}

// blockCost evaluates a candidate displacement (du, dv) at (x, y): the
// window around (x, y) in curr is compared against the window around
// (x-du, y-dv) in prev. Both window means are removed before taking
// absolute differences, which makes the cost insensitive to uniform
// intensity change between the scans. Only cells valid in both windows
// and carrying echo in at least one are counted.
func blockCost(prev, curr pyrLevel, x, y, du, dv, radius int) (float64, bool) {
	var sumC, sumP float64
	count := 0
	for oy := -radius; oy <= radius; oy++ {
		for ox := -radius; ox <= radius; ox++ {
			cx, cy := x+ox, y+oy
			px, py := cx-du, cy-dv
			if cx < 0 || cx >= curr.w || cy < 0 || cy >= curr.h {
				continue
			}
			if px < 0 || px >= prev.w || py < 0 || py >= prev.h {
				continue
			}
			ci := cy*curr.w + cx
			pi := py*prev.w + px
			if !curr.valid[ci] || !prev.valid[pi] {
				continue
			}
			if !curr.sig[ci] && !prev.sig[pi] {
				continue
			}
			sumC += float64(curr.data[ci])
			sumP += float64(prev.data[pi])
			count++
		}
	}
	if count < minCostSamples {
		return 0, false
	}
	meanC := sumC / float64(count)
	meanP := sumP / float64(count)

	var cost float64
	for oy := -radius; oy <= radius; oy++ {
		for ox := -radius; ox <= radius; ox++ {
			cx, cy := x+ox, y+oy
			px, py := cx-du, cy-dv
			if cx < 0 || cx >= curr.w || cy < 0 || cy >= curr.h {
				continue
			}
			if px < 0 || px >= prev.w || py < 0 || py >= prev.h {
				continue
			}
			ci := cy*curr.w + cx
			pi := py*prev.w + px
			if !curr.valid[ci] || !prev.valid[pi] {
				continue
			}
			if !curr.sig[ci] && !prev.sig[pi] {
				continue
			}
			cost += math.Abs((float64(curr.data[ci]) - meanC) - (float64(prev.data[pi]) - meanP))
		}
	}
	return cost / float64(count), true
}

// fillFromNeighbours propagates vectors from valid cells into invalid
// ones by repeated neighbour averaging. Cells that never acquire a
// neighbour stay at their current (inherited or zero) vector; motion
// is never invented where no signal constrains it.
func fillFromNeighbours(w, h int, u, v []float32, flowValid []bool) {
	const passes = 4
	for p := 0; p < passes; p++ {
		filled := make([]bool, len(flowValid))
		copy(filled, flowValid)
		changed := false
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				if flowValid[i] {
					continue
				}
				var su, sv float32
				count := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := x+dx, y+dy
						if nx < 0 || nx >= w || ny < 0 || ny >= h {
							continue
						}
						ni := ny*w + nx
						if flowValid[ni] {
							su += u[ni]
							sv += v[ni]
							count++
						}
					}
				}
				if count > 0 {
					u[i] = su / float32(count)
					v[i] = sv / float32(count)
					filled[i] = true
					changed = true
				}
			}
		}
		copy(flowValid, filled)
		if !changed {
			break
		}
	}
}

// boxSmooth applies one 3x3 box-filter pass to both components.
func boxSmooth(w, h int, u, v []float32) {
	su := make([]float32, len(u))
	sv := make([]float32, len(v))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var au, av float32
			count := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						continue
					}
					ni := ny*w + nx
					au += u[ni]
					av += v[ni]
					count++
				}
			}
			i := y*w + x
			su[i] = au / float32(count)
			sv[i] = av / float32(count)
		}
	}
	copy(u, su)
	copy(v, sv)
}

// upsampleFlow doubles the resolution of a flow field, scaling the
// displacements to the finer cell size.
func upsampleFlow(cw, ch, fw, fh int, u, v []float32, flowValid []bool) ([]float32, []float32, []bool) {
	fu := make([]float32, fw*fh)
	fv := make([]float32, fw*fh)
	fvalid := make([]bool, fw*fh)
	for y := 0; y < fh; y++ {
		for x := 0; x < fw; x++ {
			cx, cy := x/2, y/2
			if cx >= cw {
				cx = cw - 1
			}
			if cy >= ch {
				cy = ch - 1
			}
			ci := cy*cw + cx
			fi := y*fw + x
			fu[fi] = 2 * u[ci]
			fv[fi] = 2 * v[ci]
			fvalid[fi] = flowValid[ci]
		}
	}
	return fu, fv, fvalid
}
