package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

var storeT0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(taken time.Time) *Run {
	return &Run{
		RunID:          uuid.NewString(),
		TakenAt:        taken,
		Strategy:       "advanced",
		FrameCount:     6,
		LeadTimes:      []time.Duration{10 * time.Minute, 20 * time.Minute},
		MeanFlowMps:    4.2,
		MaskedFraction: 0.13,
		LowConfidence:  false,
		Elapsed:        830 * time.Millisecond,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	s.Close()
}

func TestInsertAndLatestRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestRun(ctx); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("empty log: got %v, want ErrNoRuns", err)
	}

	run := sampleRun(storeT0)
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := s.LatestRun(ctx)
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if got.RunID != run.RunID {
		t.Errorf("RunID = %q, want %q", got.RunID, run.RunID)
	}
	if !got.TakenAt.Equal(run.TakenAt) {
		t.Errorf("TakenAt = %v, want %v", got.TakenAt, run.TakenAt)
	}
	if got.Strategy != "advanced" || got.FrameCount != 6 {
		t.Errorf("strategy/frames = %q/%d", got.Strategy, got.FrameCount)
	}
	if len(got.LeadTimes) != 2 || got.LeadTimes[1] != 20*time.Minute {
		t.Errorf("LeadTimes = %v", got.LeadTimes)
	}
	if got.Elapsed != 830*time.Millisecond {
		t.Errorf("Elapsed = %v", got.Elapsed)
	}
	if got.Uploaded {
		t.Error("run should not start uploaded")
	}
}

func TestInsertRunRequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertRun(context.Background(), &Run{}); err == nil {
		t.Error("expected error for missing run id")
	}
	if err := s.InsertRun(context.Background(), nil); err == nil {
		t.Error("expected error for nil run")
	}
}

func TestRecentRunsOrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.InsertRun(ctx, sampleRun(storeT0.Add(time.Duration(i)*5*time.Minute))); err != nil {
			t.Fatalf("InsertRun: %v", err)
		}
	}

	runs, err := s.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].TakenAt.After(runs[i-1].TakenAt) {
			t.Errorf("runs not newest first: %v after %v", runs[i].TakenAt, runs[i-1].TakenAt)
		}
	}
	if want := storeT0.Add(20 * time.Minute); !runs[0].TakenAt.Equal(want) {
		t.Errorf("newest run at %v, want %v", runs[0].TakenAt, want)
	}
}

func TestMarkUploaded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := sampleRun(storeT0)
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	if err := s.MarkUploaded(ctx, run.RunID); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	got, err := s.LatestRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Uploaded {
		t.Error("run should be marked uploaded")
	}

	if err := s.MarkUploaded(ctx, "missing"); err == nil {
		t.Error("expected error for unknown run id")
	}
}

func TestLeadTimeEncoding(t *testing.T) {
	leads := []time.Duration{10 * time.Minute, 90 * time.Second}
	got, err := decodeLeadTimes(encodeLeadTimes(leads))
	if err != nil {
		t.Fatalf("decodeLeadTimes: %v", err)
	}
	if len(got) != 2 || got[0] != leads[0] || got[1] != leads[1] {
		t.Errorf("round trip = %v, want %v", got, leads)
	}

	empty, err := decodeLeadTimes("")
	if err != nil || empty != nil {
		t.Errorf("empty decode = %v, %v", empty, err)
	}
	if _, err := decodeLeadTimes("10m,soon"); err == nil {
		t.Error("expected error for malformed lead times")
	}
}
