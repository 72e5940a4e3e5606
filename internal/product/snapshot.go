package product

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/regn-data/nowcast.report/internal/nowcast"
)

// SnapshotExt is the suffix of spooled grid snapshots.
const SnapshotExt = ".grid.gz"

// snapshotRecord is the gob wire form of a decoded grid. Field names are
// part of the spool format and must not change.
type snapshotRecord struct {
	Width          int
	Height         int
	TakenUnixNanos int64
	CellSizeMeters float64
	Projection     string
	Data           []float32
	Valid          []bool
}

// EncodeSnapshot compresses a grid using gob encoding and gzip compression.
func EncodeSnapshot(grid *nowcast.FieldGrid) ([]byte, error) {
	if grid == nil {
		return nil, fmt.Errorf("nil grid")
	}
	rec := snapshotRecord{
		Width:          grid.Width,
		Height:         grid.Height,
		TakenUnixNanos: grid.Timestamp.UnixNano(),
		CellSizeMeters: grid.CellSizeMeters,
		Projection:     grid.Projection,
		Data:           grid.Data,
		Valid:          grid.Valid,
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(rec); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot decompresses and decodes a grid from a gob+gzip blob.
func DecodeSnapshot(blob []byte) (*nowcast.FieldGrid, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty snapshot blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var rec snapshotRecord
	dec := gob.NewDecoder(gz)
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	ts := time.Unix(0, rec.TakenUnixNanos).UTC()
	grid, err := nowcast.NewFieldGrid(rec.Width, rec.Height, rec.Data, rec.Valid, ts, rec.CellSizeMeters, rec.Projection)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot record: %w", err)
	}
	return grid, nil
}

// SnapshotName returns the spool filename for a grid observed at ts.
// Names sort lexically in observation order.
func SnapshotName(ts time.Time) string {
	return ts.UTC().Format("20060102T150405Z") + SnapshotExt
}

// WriteSnapshot encodes grid and writes it atomically into dir.
func WriteSnapshot(dir string, grid *nowcast.FieldGrid) (string, error) {
	blob, err := EncodeSnapshot(grid)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}
	path := filepath.Join(dir, SnapshotName(grid.Timestamp))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return path, nil
}

// ReadSnapshot loads one spooled grid from path.
func ReadSnapshot(path string) (*nowcast.FieldGrid, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	grid, err := DecodeSnapshot(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	return grid, nil
}

// ListSnapshots returns spooled snapshot paths in observation order,
// oldest first.
func ListSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list spool dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".gz" {
			continue
		}
		if !hasSnapshotExt(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func hasSnapshotExt(name string) bool {
	return len(name) > len(SnapshotExt) && name[len(name)-len(SnapshotExt):] == SnapshotExt
}

// LoadHistory reads up to max of the most recent spooled grids and
// returns them oldest first, ready to feed a forecast request.
func LoadHistory(dir string, max int) ([]*nowcast.FieldGrid, error) {
	paths, err := ListSnapshots(dir)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(paths) > max {
		paths = paths[len(paths)-max:]
	}
	grids := make([]*nowcast.FieldGrid, 0, len(paths))
	for _, p := range paths {
		g, err := ReadSnapshot(p)
		if err != nil {
			return nil, err
		}
		grids = append(grids, g)
	}
	return grids, nil
}

// PruneSnapshots removes all but the newest keep snapshots from dir.
// It returns the number of files removed.
func PruneSnapshots(dir string, keep int) (int, error) {
	paths, err := ListSnapshots(dir)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(paths) <= keep {
		return 0, nil
	}
	removed := 0
	for _, p := range paths[:len(paths)-keep] {
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("failed to prune snapshot %s: %w", p, err)
		}
		removed++
	}
	return removed, nil
}
