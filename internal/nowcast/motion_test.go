package nowcast

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// shiftedBlockPair builds the canonical 4x4 scenario: prev carries a
// uniform 2x2 block of intensity 10 whose position moves one cell to
// the right in curr.
func shiftedBlockPair(t *testing.T, interval time.Duration) (*FieldGrid, *FieldGrid) {
	t.Helper()
	prevVals := zeros(16)
	currVals := zeros(16)
	for _, y := range []int{1, 2} {
		for _, x := range []int{0, 1} {
			prevVals[y*4+x] = 10
			currVals[y*4+x+1] = 10
		}
	}
	prev := testGrid(t, 4, 4, prevVals, t0)
	curr := testGrid(t, 4, 4, currVals, t0.Add(interval))
	return prev, curr
}

func TestEstimateMotionShapeMismatch(t *testing.T) {
	prev := testGrid(t, 4, 4, zeros(16), t0)
	curr := testGrid(t, 4, 3, zeros(12), t0.Add(time.Minute))

	_, err := EstimateMotion(prev, curr, DefaultConfig())
	if err == nil {
		t.Fatal("expected error for mismatched shapes")
	}
	if !IsConfigError(err) {
		t.Errorf("expected ConfigError, got %T: %v", err, err)
	}
}

func TestEstimateMotionRequiresForwardTime(t *testing.T) {
	prev := testGrid(t, 4, 4, zeros(16), t0)
	curr := testGrid(t, 4, 4, zeros(16), t0) // same timestamp

	if _, err := EstimateMotion(prev, curr, DefaultConfig()); !IsConfigError(err) {
		t.Errorf("expected ConfigError for non-increasing timestamps, got %v", err)
	}
}

func TestEstimateMotionSparseSignalFallsBack(t *testing.T) {
	// No echo anywhere: estimation must not fail, it must return a
	// zero field flagged low-confidence.
	prev := testGrid(t, 16, 16, zeros(256), t0)
	curr := testGrid(t, 16, 16, zeros(256), t0.Add(10*time.Minute))

	est, err := EstimateMotion(prev, curr, DefaultConfig())
	if err != nil {
		t.Fatalf("EstimateMotion: %v", err)
	}
	if !est.LowConfidence {
		t.Error("expected low-confidence flag for echo-free input")
	}
	if !est.Field.IsZero() {
		t.Error("fallback field must be all-zero (pure persistence)")
	}
	if est.SignalFraction != 0 {
		t.Errorf("signal fraction = %v, want 0", est.SignalFraction)
	}
}

func TestEstimateMotionFullyMaskedFallsBack(t *testing.T) {
	prev := testGrid(t, 16, 16, zeros(256), t0)
	curr := testGrid(t, 16, 16, zeros(256), t0.Add(10*time.Minute))
	for i := range prev.Valid {
		prev.Valid[i] = false
		curr.Valid[i] = false
	}

	est, err := EstimateMotion(prev, curr, DefaultConfig())
	if err != nil {
		t.Fatalf("fully masked input should not fail: %v", err)
	}
	if !est.LowConfidence || !est.Field.IsZero() {
		t.Error("fully masked input must fall back to a low-confidence zero field")
	}
}

func TestEstimateMotionRecoversBlockShift(t *testing.T) {
	const interval = 10 * time.Minute
	prev, curr := shiftedBlockPair(t, interval)

	est, err := EstimateMotion(prev, curr, DefaultConfig())
	if err != nil {
		t.Fatalf("EstimateMotion: %v", err)
	}
	if est.LowConfidence {
		t.Fatal("block scenario should not be low-confidence")
	}

	// Displacement over one frame interval should be ~(1, 0) cells in
	// the signal region.
	dt := interval.Seconds()
	for _, y := range []int{1, 2} {
		for _, x := range []int{1, 2} {
			i := y*4 + x
			du := float64(est.Field.U[i]) * dt
			dv := float64(est.Field.V[i]) * dt
			if math.Abs(du-1) > 0.2 || math.Abs(dv) > 0.2 {
				t.Errorf("cell (%d,%d): displacement (%.3f,%.3f), want ~(1,0)", x, y, du, dv)
			}
		}
	}
}

func TestEstimateMotionToleratesIntensityChange(t *testing.T) {
	// Same shift, but the second scan is uniformly brighter. A
	// brightness-constancy cost would chase the intensity change; the
	// mean-removed cost must still recover the translation.
	const interval = 10 * time.Minute
	prev, curr := shiftedBlockPair(t, interval)
	for i := range curr.Data {
		curr.Data[i] += 30
	}

	est, err := EstimateMotion(prev, curr, DefaultConfig())
	if err != nil {
		t.Fatalf("EstimateMotion: %v", err)
	}
	dt := interval.Seconds()
	i := 1*4 + 1
	du := float64(est.Field.U[i]) * dt
	dv := float64(est.Field.V[i]) * dt
	if math.Abs(du-1) > 0.3 || math.Abs(dv) > 0.3 {
		t.Errorf("displacement under intensity change = (%.3f,%.3f), want ~(1,0)", du, dv)
	}
}

// texture fills a grid region with a deterministic high-contrast
// pattern suitable for matching.
func texture(vals []float32, w int, x0, y0, size int, shiftX, shiftY int) {
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			gx, gy := x0+x+shiftX, y0+y+shiftY
			v := 40 + 30*math.Sin(float64(x)*1.3)*math.Cos(float64(y)*0.9) + 10*math.Sin(float64(x*y)*0.31)
			vals[gy*w+gx] = float32(v)
		}
	}
}

func TestEstimateMotionPyramidLargeShift(t *testing.T) {
	// A textured 24x24 patch translated by (3,1) cells on a 48x48
	// grid. The full shift exceeds the per-level search radius, so
	// recovery depends on the coarse-to-fine pyramid.
	const w, h = 48, 48
	const interval = 10 * time.Minute
	prevVals := zeros(w * h)
	currVals := zeros(w * h)
	texture(prevVals, w, 8, 8, 24, 0, 0)
	texture(currVals, w, 8, 8, 24, 3, 1)
	prev := testGrid(t, w, h, prevVals, t0)
	curr := testGrid(t, w, h, currVals, t0.Add(interval))

	est, err := EstimateMotion(prev, curr, DefaultConfig())
	if err != nil {
		t.Fatalf("EstimateMotion: %v", err)
	}
	if est.LowConfidence {
		t.Fatal("textured scene should not be low-confidence")
	}

	// Check the centre of the moved patch.
	dt := interval.Seconds()
	i := 21*w + 22
	du := float64(est.Field.U[i]) * dt
	dv := float64(est.Field.V[i]) * dt
	if math.Abs(du-3) > 1.2 || math.Abs(dv-1) > 1.2 {
		t.Errorf("patch centre displacement = (%.2f,%.2f), want ~(3,1)", du, dv)
	}
}

func TestEstimateMotionDeterministic(t *testing.T) {
	// Identical inputs and configuration must produce bit-identical
	// estimates, including under row-parallel execution.
	const w, h = 48, 48
	prevVals := zeros(w * h)
	currVals := zeros(w * h)
	texture(prevVals, w, 8, 8, 24, 0, 0)
	texture(currVals, w, 8, 8, 24, 2, 2)
	prev := testGrid(t, w, h, prevVals, t0)
	curr := testGrid(t, w, h, currVals, t0.Add(10*time.Minute))

	a, err := EstimateMotion(prev, curr, DefaultConfig())
	if err != nil {
		t.Fatalf("EstimateMotion: %v", err)
	}
	b, err := EstimateMotion(prev, curr, DefaultConfig())
	if err != nil {
		t.Fatalf("EstimateMotion: %v", err)
	}
	if diff := cmp.Diff(a.Field, b.Field); diff != "" {
		t.Errorf("repeated estimation differs (-first +second):\n%s", diff)
	}
}
