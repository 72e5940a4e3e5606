// Package product decodes radar composite products into field grids
// and persists grids as compressed snapshots in a spool directory.
package product

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/regn-data/nowcast.report/internal/nowcast"
)

// RawSpec describes the layout of a flat 8-bit composite product.
// Values equal to NoData are masked, values below Threshold are
// treated as clear air and zeroed, and the rest are scaled by
// Gain and Offset into the physical unit of the grid.
type RawSpec struct {
	Width          int
	Height         int
	CellSizeMeters float64
	Projection     string
	NoData         byte
	Threshold      byte
	Gain           float32
	Offset         float32
}

// DefaultRawSpec returns the layout of the national 500 m composite.
func DefaultRawSpec() RawSpec {
	return RawSpec{
		Width:          500,
		Height:         600,
		CellSizeMeters: 500,
		Projection:     "dmi-composite",
		NoData:         255,
		Threshold:      70,
		Gain:           1,
		Offset:         0,
	}
}

func (s RawSpec) validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid raw spec dimensions %dx%d", s.Width, s.Height)
	}
	if s.CellSizeMeters <= 0 {
		return fmt.Errorf("invalid raw spec cell size %v", s.CellSizeMeters)
	}
	return nil
}

// DecodeRaw reads a flat row-major 8-bit composite from r and converts
// it into a FieldGrid stamped with ts.
func DecodeRaw(r io.Reader, spec RawSpec, ts time.Time) (*nowcast.FieldGrid, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	n := spec.Width * spec.Height
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read %d composite cells: %w", n, err)
	}
	// Any trailing bytes mean the declared dimensions do not match the product.
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m != 0 {
		return nil, fmt.Errorf("composite larger than %dx%d cells", spec.Width, spec.Height)
	}

	data := make([]float32, n)
	valid := make([]bool, n)
	for i, v := range raw {
		switch {
		case v == spec.NoData:
			// leave the cell masked
		case v < spec.Threshold:
			valid[i] = true
		default:
			data[i] = float32(v)*spec.Gain + spec.Offset
			valid[i] = true
		}
	}
	return nowcast.NewFieldGrid(spec.Width, spec.Height, data, valid, ts, spec.CellSizeMeters, spec.Projection)
}

// DecodeRawFile decodes the composite product stored at path.
func DecodeRawFile(path string, spec RawSpec, ts time.Time) (*nowcast.FieldGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open composite %s: %w", path, err)
	}
	defer f.Close()
	grid, err := DecodeRaw(f, spec, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to decode composite %s: %w", path, err)
	}
	return grid, nil
}
