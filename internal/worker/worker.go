// Package worker runs the download-forecast-upload cycle.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/regn-data/nowcast.report/internal/config"
	"github.com/regn-data/nowcast.report/internal/dmi"
	"github.com/regn-data/nowcast.report/internal/monitoring"
	"github.com/regn-data/nowcast.report/internal/nowcast"
	"github.com/regn-data/nowcast.report/internal/product"
	"github.com/regn-data/nowcast.report/internal/store"
)

// Upload index bases. Downstream viewers poll fixed object names:
// observations occupy 1..20, forecast frames 21 onward.
const (
	obsStartIndex      = 1
	forecastStartIndex = 21
)

// Fetcher mirrors the catalogue window into a local directory.
type Fetcher interface {
	Sync(ctx context.Context, dir string) (dmi.SyncResult, error)
}

// RunStore records completed forecast runs.
type RunStore interface {
	InsertRun(ctx context.Context, run *store.Run) error
	MarkUploaded(ctx context.Context, runID string) error
}

// Uploader pushes snapshot blobs to object storage.
type Uploader interface {
	PutSequence(ctx context.Context, blobs [][]byte, startIndex int, ext string) ([]string, error)
}

// Worker owns one pipeline cycle. Products land under
// <spool>/products, decoded frames under <spool>/frames.
type Worker struct {
	cfg      *config.Config
	engine   *nowcast.Engine
	fetcher  Fetcher
	decoder  product.Decoder
	runs     RunStore
	uploader Uploader // nil when uploading is disabled
	metrics  *monitoring.Metrics
	clock    clockwork.Clock
}

// New wires a worker. metrics and clock may be nil.
func New(cfg *config.Config, engine *nowcast.Engine, fetcher Fetcher, decoder product.Decoder, runs RunStore, uploader Uploader, metrics *monitoring.Metrics, clock clockwork.Clock) *Worker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		cfg:      cfg,
		engine:   engine,
		fetcher:  fetcher,
		decoder:  decoder,
		runs:     runs,
		uploader: uploader,
		metrics:  metrics,
		clock:    clock,
	}
}

func (w *Worker) productsDir() string { return filepath.Join(w.cfg.SpoolDir, "products") }
func (w *Worker) framesDir() string   { return filepath.Join(w.cfg.SpoolDir, "frames") }

// RunCycle executes one full cycle: sync products, decode new frames,
// forecast, record the run, and upload when configured. A cycle with
// too little history is not an error.
func (w *Worker) RunCycle(ctx context.Context) error {
	started := w.clock.Now()
	err := w.runCycle(ctx)
	elapsed := w.clock.Now().Sub(started)

	if w.metrics != nil {
		w.metrics.CycleDuration.Observe(elapsed.Seconds())
		switch {
		case err != nil:
			w.metrics.CyclesTotal.WithLabelValues("error").Inc()
		default:
			w.metrics.CyclesTotal.WithLabelValues("ok").Inc()
		}
	}
	if err != nil {
		monitoring.Logf("worker: cycle failed after %v: %v", elapsed, err)
		return err
	}
	monitoring.Logf("worker: cycle completed in %v", elapsed)
	return nil
}

func (w *Worker) runCycle(ctx context.Context) error {
	res, err := w.fetcher.Sync(ctx, w.productsDir())
	if err != nil {
		if w.metrics != nil {
			w.metrics.FetchErrors.Inc()
		}
		return fmt.Errorf("sync failed: %w", err)
	}
	if w.metrics != nil {
		w.metrics.ProductsFetched.Add(float64(res.Downloaded))
	}

	if err := w.decodeNewProducts(res.Paths); err != nil {
		return err
	}

	history, err := product.LoadHistory(w.framesDir(), w.cfg.HistoryFrames)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if len(history) < w.cfg.MinFrames {
		monitoring.Logf("worker: %d frames spooled, need %d; skipping forecast", len(history), w.cfg.MinFrames)
		if w.metrics != nil {
			w.metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		}
		return nil
	}

	result, err := w.forecast(ctx, history)
	if err != nil {
		return err
	}

	run := &store.Run{
		RunID:          result.Diagnostics.RunID,
		TakenAt:        history[len(history)-1].Timestamp,
		Strategy:       result.Diagnostics.Strategy,
		FrameCount:     len(result.Frames),
		LeadTimes:      w.cfg.LeadTimes,
		MeanFlowMps:    result.Diagnostics.MeanFlowMps,
		MaskedFraction: result.Diagnostics.MaskedFraction,
		LowConfidence:  result.Diagnostics.LowConfidence,
		Elapsed:        result.Diagnostics.Elapsed,
	}
	if err := w.runs.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}

	if w.uploader != nil {
		if err := w.upload(ctx, history, result); err != nil {
			if w.metrics != nil {
				w.metrics.UploadsTotal.WithLabelValues("error").Inc()
			}
			return err
		}
		if w.metrics != nil {
			w.metrics.UploadsTotal.WithLabelValues("ok").Inc()
		}
		if err := w.runs.MarkUploaded(ctx, run.RunID); err != nil {
			return fmt.Errorf("marking run uploaded: %w", err)
		}
	}
	return nil
}

// decodeNewProducts converts freshly synced products into frame
// snapshots and prunes frames beyond the history window. Products that
// fail to decode are logged and skipped; only spool I/O faults are
// errors.
func (w *Worker) decodeNewProducts(paths []string) error {
	for _, p := range paths {
		ts, err := scanTime(p)
		if err != nil {
			monitoring.Logf("worker: ignoring product with unparsable name %s: %v", p, err)
			continue
		}
		framePath := filepath.Join(w.framesDir(), product.SnapshotName(ts))
		if fileExists(framePath) {
			continue
		}
		grid, err := w.decoder.Decode(p, ts)
		if err != nil {
			// A broken product stays in the catalogue window until it
			// ages out; it must not block forecasting from the
			// healthy frames.
			monitoring.Logf("worker: skipping undecodable product %s: %v", p, err)
			if w.metrics != nil {
				w.metrics.DecodeErrors.Inc()
			}
			continue
		}
		if _, err := product.WriteSnapshot(w.framesDir(), grid); err != nil {
			return fmt.Errorf("spooling frame for %s: %w", p, err)
		}
	}
	if _, err := product.PruneSnapshots(w.framesDir(), w.cfg.HistoryFrames); err != nil {
		return fmt.Errorf("pruning frames: %w", err)
	}
	return nil
}

func (w *Worker) forecast(ctx context.Context, history []*nowcast.FieldGrid) (*nowcast.ForecastResult, error) {
	result, err := w.engine.Forecast(ctx, nowcast.ForecastRequest{
		History:   history,
		LeadTimes: w.cfg.LeadTimes,
	})
	if err != nil {
		return nil, fmt.Errorf("forecast failed: %w", err)
	}
	if w.metrics != nil {
		w.metrics.ForecastDuration.Observe(result.Diagnostics.Elapsed.Seconds())
		w.metrics.FramesProduced.Add(float64(len(result.Frames)))
		w.metrics.MaskedFraction.Set(result.Diagnostics.MaskedFraction)
		w.metrics.MeanFlowMps.Set(result.Diagnostics.MeanFlowMps)
		if result.Diagnostics.LowConfidence {
			w.metrics.LowConfidence.Inc()
		}
	}
	monitoring.Logf("worker: run %s produced %d frames (mean flow %.1f m/s, masked %.0f%%)",
		result.Diagnostics.RunID, len(result.Frames),
		result.Diagnostics.MeanFlowMps, result.Diagnostics.MaskedFraction*100)
	return result, nil
}

// upload pushes observation snapshots and forecast snapshots under
// their fixed index ranges, oldest first.
func (w *Worker) upload(ctx context.Context, history []*nowcast.FieldGrid, result *nowcast.ForecastResult) error {
	obs := make([][]byte, 0, len(history))
	for _, g := range history {
		blob, err := product.EncodeSnapshot(g)
		if err != nil {
			return fmt.Errorf("encoding observation snapshot: %w", err)
		}
		obs = append(obs, blob)
	}
	if _, err := w.uploader.PutSequence(ctx, obs, obsStartIndex, product.SnapshotExt); err != nil {
		return fmt.Errorf("uploading observations: %w", err)
	}

	frames := make([][]byte, 0, len(result.Frames))
	for _, f := range result.Frames {
		blob, err := product.EncodeSnapshot(f.Grid)
		if err != nil {
			return fmt.Errorf("encoding forecast snapshot: %w", err)
		}
		frames = append(frames, blob)
	}
	if _, err := w.uploader.PutSequence(ctx, frames, forecastStartIndex, product.SnapshotExt); err != nil {
		return fmt.Errorf("uploading forecast frames: %w", err)
	}
	return nil
}

// scanTime recovers the observation time from a product filename.
func scanTime(path string) (time.Time, error) {
	stem := strings.TrimSuffix(filepath.Base(path), dmi.ScanExt)
	ts, err := time.Parse("2006-01-02T15-04-05Z", stem)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
