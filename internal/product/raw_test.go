package product

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSpec() RawSpec {
	return RawSpec{
		Width:          4,
		Height:         2,
		CellSizeMeters: 500,
		Projection:     "dmi-composite",
		NoData:         255,
		Threshold:      70,
		Gain:           1,
		Offset:         0,
	}
}

func TestDecodeRaw(t *testing.T) {
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	raw := []byte{0, 69, 70, 120, 255, 200, 10, 255}
	grid, err := DecodeRaw(bytes.NewReader(raw), testSpec(), ts)
	if err != nil {
		t.Fatalf("DecodeRaw: %v", err)
	}
	if !grid.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", grid.Timestamp, ts)
	}
	wantData := []float32{0, 0, 70, 120, 0, 200, 0, 0}
	wantValid := []bool{true, true, true, true, false, true, true, false}
	for i := range wantData {
		if grid.Data[i] != wantData[i] {
			t.Errorf("Data[%d] = %v, want %v", i, grid.Data[i], wantData[i])
		}
		if grid.Valid[i] != wantValid[i] {
			t.Errorf("Valid[%d] = %v, want %v", i, grid.Valid[i], wantValid[i])
		}
	}
}

func TestDecodeRawAppliesScaling(t *testing.T) {
	spec := testSpec()
	spec.Gain = 0.5
	spec.Offset = -32
	raw := []byte{100, 70, 0, 0, 0, 0, 0, 0}
	grid, err := DecodeRaw(bytes.NewReader(raw), spec, time.Now())
	if err != nil {
		t.Fatalf("DecodeRaw: %v", err)
	}
	if grid.Data[0] != 18 {
		t.Errorf("Data[0] = %v, want 18", grid.Data[0])
	}
	if grid.Data[1] != 3 {
		t.Errorf("Data[1] = %v, want 3", grid.Data[1])
	}
}

func TestDecodeRawSizeMismatch(t *testing.T) {
	if _, err := DecodeRaw(bytes.NewReader(make([]byte, 7)), testSpec(), time.Now()); err == nil {
		t.Error("expected error for truncated product")
	}
	if _, err := DecodeRaw(bytes.NewReader(make([]byte, 9)), testSpec(), time.Now()); err == nil {
		t.Error("expected error for oversized product")
	}
}

func TestDecodeRawFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "composite.dat")
	if err := os.WriteFile(path, make([]byte, 8), 0o644); err != nil {
		t.Fatal(err)
	}
	grid, err := DecodeRawFile(path, testSpec(), time.Now())
	if err != nil {
		t.Fatalf("DecodeRawFile: %v", err)
	}
	if grid.Width != 4 || grid.Height != 2 {
		t.Errorf("grid is %dx%d, want 4x2", grid.Width, grid.Height)
	}
	if _, err := DecodeRawFile(filepath.Join(t.TempDir(), "missing.dat"), testSpec(), time.Now()); err == nil {
		t.Error("expected error for missing file")
	}
}
