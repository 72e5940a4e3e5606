package nowcast

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// testGrid builds a fully valid grid from row-major values.
func testGrid(t *testing.T, w, h int, vals []float32, ts time.Time) *FieldGrid {
	t.Helper()
	valid := make([]bool, w*h)
	for i := range valid {
		valid[i] = true
	}
	g, err := NewFieldGrid(w, h, vals, valid, ts, 500, "dmi-composite")
	if err != nil {
		t.Fatalf("NewFieldGrid: %v", err)
	}
	return g
}

// zeros returns an all-zero value slice.
func zeros(n int) []float32 { return make([]float32, n) }

func TestNewFieldGridValidation(t *testing.T) {
	tests := []struct {
		name  string
		w, h  int
		data  int // slice length
		valid int
	}{
		{"zero width", 0, 4, 0, 0},
		{"negative height", 4, -1, 16, 16},
		{"short data", 4, 4, 15, 16},
		{"short mask", 4, 4, 16, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFieldGrid(tt.w, tt.h, make([]float32, tt.data), make([]bool, tt.valid), t0, 500, "p")
			if err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestFieldGridAt(t *testing.T) {
	vals := zeros(16)
	vals[5] = 7 // (1,1)
	g := testGrid(t, 4, 4, vals, t0)

	if v, ok := g.At(1, 1); !ok || v != 7 {
		t.Errorf("At(1,1) = %v,%v; want 7,true", v, ok)
	}
	if _, ok := g.At(-1, 0); ok {
		t.Error("At(-1,0) should be invalid")
	}
	if _, ok := g.At(4, 0); ok {
		t.Error("At(4,0) should be invalid")
	}
}

func TestFieldGridSameShape(t *testing.T) {
	a := testGrid(t, 4, 4, zeros(16), t0)
	b := testGrid(t, 4, 4, zeros(16), t0.Add(time.Minute))
	if !a.SameShape(b) {
		t.Error("identical shapes should match")
	}

	c := testGrid(t, 4, 3, zeros(12), t0)
	if a.SameShape(c) {
		t.Error("different heights should not match")
	}

	d := testGrid(t, 4, 4, zeros(16), t0)
	d.Projection = "other"
	if a.SameShape(d) {
		t.Error("different projections should not match")
	}

	e := testGrid(t, 4, 4, zeros(16), t0)
	e.CellSizeMeters = 1000
	if a.SameShape(e) {
		t.Error("different resolutions should not match")
	}
}

func TestMaskedFraction(t *testing.T) {
	g := testGrid(t, 4, 4, zeros(16), t0)
	if f := g.MaskedFraction(); f != 0 {
		t.Errorf("fully valid grid masked fraction = %v, want 0", f)
	}
	for i := 0; i < 8; i++ {
		g.Valid[i] = false
	}
	if f := g.MaskedFraction(); f != 0.5 {
		t.Errorf("half masked fraction = %v, want 0.5", f)
	}
}

func TestMotionFieldScaleAndClone(t *testing.T) {
	m := NewZeroMotion(2, 2)
	m.U[0] = 4
	m.V[0] = -2
	m.Valid[0] = true

	c := m.clone()
	c.scale(0.5)
	if c.U[0] != 2 || c.V[0] != -1 {
		t.Errorf("scaled clone = (%v,%v), want (2,-1)", c.U[0], c.V[0])
	}
	if m.U[0] != 4 || m.V[0] != -2 {
		t.Error("scaling a clone must not touch the original")
	}
	if m.IsZero() {
		t.Error("field with non-zero components should not report zero")
	}
	if !NewZeroMotion(3, 3).IsZero() {
		t.Error("fresh zero field should report zero")
	}
}
