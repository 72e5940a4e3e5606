// Package store keeps the forecast run log in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/regn-data/nowcast.report/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoRuns is returned when the run log is empty.
var ErrNoRuns = errors.New("no runs recorded")

// Run is one forecast cycle as recorded in the log.
type Run struct {
	RunID          string          `json:"run_id"`
	TakenAt        time.Time       `json:"taken_at"`
	Strategy       string          `json:"strategy"`
	FrameCount     int             `json:"frame_count"`
	LeadTimes      []time.Duration `json:"-"`
	MeanFlowMps    float64         `json:"mean_flow_mps"`
	MaskedFraction float64         `json:"masked_fraction"`
	LowConfidence  bool            `json:"low_confidence"`
	Elapsed        time.Duration   `json:"-"`
	Uploaded       bool            `json:"uploaded"`
}

// Store wraps the SQLite run log.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the run log at path and applies pending
// migrations. Use ":memory:" for an ephemeral log.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log %s: %w", path, err)
	}
	// modernc sqlite does not tolerate concurrent writers on one file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrateUp applies all pending embedded migrations.
func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Closing m would close the underlying DB connection, so we don't.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// InsertRun appends one run to the log.
func (s *Store) InsertRun(ctx context.Context, run *Run) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("run must have an id")
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, taken_unix_nanos, strategy, frame_count, lead_times,
			mean_flow_mps, masked_fraction, low_confidence, elapsed_ms, uploaded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.TakenAt.UnixNano(),
		run.Strategy,
		run.FrameCount,
		encodeLeadTimes(run.LeadTimes),
		run.MeanFlowMps,
		run.MaskedFraction,
		run.LowConfidence,
		run.Elapsed.Milliseconds(),
		run.Uploaded,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.RunID, err)
	}
	return nil
}

// MarkUploaded flags a run after its frames reached object storage.
func (s *Store) MarkUploaded(ctx context.Context, runID string) error {
	res, err := s.ExecContext(ctx, "UPDATE runs SET uploaded = 1 WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to mark run %s uploaded: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// LatestRun returns the most recent run, or ErrNoRuns.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	runs, err := s.RecentRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return &runs[0], nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.QueryContext(ctx, `
		SELECT run_id, taken_unix_nanos, strategy, frame_count, lead_times,
		       mean_flow_mps, masked_fraction, low_confidence, elapsed_ms, uploaded
		FROM runs
		ORDER BY taken_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var takenNanos, elapsedMs int64
		var leads string
		if err := rows.Scan(
			&r.RunID, &takenNanos, &r.Strategy, &r.FrameCount, &leads,
			&r.MeanFlowMps, &r.MaskedFraction, &r.LowConfidence, &elapsedMs, &r.Uploaded,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.TakenAt = time.Unix(0, takenNanos).UTC()
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		r.LeadTimes, err = decodeLeadTimes(leads)
		if err != nil {
			return nil, fmt.Errorf("failed to decode lead times for run %s: %w", r.RunID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func encodeLeadTimes(leads []time.Duration) string {
	parts := make([]string, len(leads))
	for i, d := range leads {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

func decodeLeadTimes(s string) ([]time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	leads := make([]time.Duration, len(parts))
	for i, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		leads[i] = d
	}
	return leads, nil
}
