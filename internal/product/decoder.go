package product

import (
	"time"

	"github.com/regn-data/nowcast.report/internal/nowcast"
)

// Decoder turns a downloaded product file into a field grid. The scan
// time comes from the product catalogue, not from the file itself.
type Decoder interface {
	Decode(path string, ts time.Time) (*nowcast.FieldGrid, error)
}

// RawDecoder decodes flat 8-bit composites. HDF5 products are expected
// to have been converted upstream before landing in the download dir.
type RawDecoder struct {
	Spec RawSpec
}

func (d RawDecoder) Decode(path string, ts time.Time) (*nowcast.FieldGrid, error) {
	return DecodeRawFile(path, d.Spec, ts)
}
