// Package api serves run diagnostics and live tuning parameters over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/regn-data/nowcast.report/internal/monitoring"
	"github.com/regn-data/nowcast.report/internal/nowcast"
	"github.com/regn-data/nowcast.report/internal/store"
	"github.com/regn-data/nowcast.report/internal/version"
)

// RunsReader is the slice of the run log the API needs.
type RunsReader interface {
	LatestRun(ctx context.Context) (*store.Run, error)
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
}

type Server struct {
	runs    RunsReader
	engine  nowcast.Config
	started time.Time
}

func NewServer(runs RunsReader, engine nowcast.Config) *Server {
	return &Server{
		runs:    runs,
		engine:  engine,
		started: time.Now(),
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/nowcast/latest", s.handleLatest)
	mux.HandleFunc("/api/nowcast/runs", s.handleRuns)
	mux.HandleFunc("/api/nowcast/params", s.handleParams)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// LoggingMiddleware logs each request with its duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		monitoring.Logf("api: %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}

// RunResponse is the JSON form of one logged forecast run.
type RunResponse struct {
	RunID          string   `json:"run_id"`
	TakenAt        string   `json:"taken_at"`
	Strategy       string   `json:"strategy"`
	FrameCount     int      `json:"frame_count"`
	LeadTimes      []string `json:"lead_times"`
	MeanFlowMps    float64  `json:"mean_flow_mps"`
	MaskedFraction float64  `json:"masked_fraction"`
	LowConfidence  bool     `json:"low_confidence"`
	ElapsedMs      int64    `json:"elapsed_ms"`
	Uploaded       bool     `json:"uploaded"`
}

// RunsListResponse is the JSON response for listing runs.
type RunsListResponse struct {
	Runs      []RunResponse `json:"runs"`
	Count     int           `json:"count"`
	Timestamp string        `json:"timestamp"`
}

// ParamsResponse exposes the live engine tuning.
type ParamsResponse struct {
	Strategy         string  `json:"strategy"`
	PyramidLevels    int     `json:"pyramid_levels"`
	BlockRadius      int     `json:"block_radius"`
	SearchRadius     int     `json:"search_radius"`
	SmoothingPasses  int     `json:"smoothing_passes"`
	MinValidFraction float64 `json:"min_valid_fraction"`
	SignalThreshold  float32 `json:"signal_threshold"`
	BlendHalfLife    string  `json:"blend_half_life"`
	SubstepMaxCells  float64 `json:"substep_max_cells"`
	MotionDecay      float64 `json:"motion_decay"`
	MotionWindow     int     `json:"motion_window"`
}

func runResponse(r store.Run) RunResponse {
	leads := make([]string, len(r.LeadTimes))
	for i, d := range r.LeadTimes {
		leads[i] = d.String()
	}
	return RunResponse{
		RunID:          r.RunID,
		TakenAt:        r.TakenAt.UTC().Format(time.RFC3339),
		Strategy:       r.Strategy,
		FrameCount:     r.FrameCount,
		LeadTimes:      leads,
		MeanFlowMps:    r.MeanFlowMps,
		MaskedFraction: r.MaskedFraction,
		LowConfidence:  r.LowConfidence,
		ElapsedMs:      r.Elapsed.Milliseconds(),
		Uploaded:       r.Uploaded,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run, err := s.runs.LatestRun(r.Context())
	if errors.Is(err, store.ErrNoRuns) {
		s.writeJSONError(w, http.StatusNotFound, "no runs recorded yet")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get latest run: %v", err))
		return
	}
	s.writeJSON(w, runResponse(*run))
}

// maxRunsLimit bounds how many runs a single request may page through.
const maxRunsLimit = 500

// handleRuns handles GET /api/nowcast/runs
// Query params:
//   - limit (optional): max results (default 20, max 500)
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRunsLimit {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get runs: %v", err))
		return
	}
	resp := RunsListResponse{
		Runs:      make([]RunResponse, 0, len(runs)),
		Count:     len(runs),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runResponse(run))
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, ParamsResponse{
		Strategy:         string(s.engine.Strategy),
		PyramidLevels:    s.engine.PyramidLevels,
		BlockRadius:      s.engine.BlockRadius,
		SearchRadius:     s.engine.SearchRadius,
		SmoothingPasses:  s.engine.SmoothingPasses,
		MinValidFraction: s.engine.MinValidFraction,
		SignalThreshold:  s.engine.SignalThreshold,
		BlendHalfLife:    s.engine.BlendHalfLife.String(),
		SubstepMaxCells:  s.engine.SubstepMaxCells,
		MotionDecay:      s.engine.MotionDecay,
		MotionWindow:     s.engine.MotionWindow,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: failed to encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
