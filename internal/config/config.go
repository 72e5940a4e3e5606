package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/regn-data/nowcast.report/internal/monitoring"
	"github.com/regn-data/nowcast.report/internal/nowcast"
)

// Config holds all service settings, populated from environment
// variables (and an optional .env file) plus the optional JSON tuning
// file for the engine.
type Config struct {
	// DMI API settings.
	APIURL string
	APIKey string
	BBox   string
	Limit  int

	// Pipeline settings.
	SpoolDir      string
	CycleInterval time.Duration
	HistoryFrames int // max trailing frames fed to the engine
	MinFrames     int // minimum frames before forecasting
	LeadTimes     []time.Duration

	// ConvertCommand, when set, names an external converter that turns
	// a downloaded product into a flat composite on stdout. Empty means
	// products are already in raw form.
	ConvertCommand []string

	// S3-compatible upload settings.
	UploadEnabled bool
	Bucket        string
	Region        string
	EndpointURL   string
	Subfolder     string

	// HTTP server.
	HTTPAddr string

	// SQLite run-log path.
	DBPath string

	// Engine is the resolved forecast tuning.
	Engine nowcast.Config
}

// Load reads configuration from the environment, applying defaults
// where unset, and overlays the tuning file named by NOWCAST_TUNING
// when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		monitoring.Logf("config: no .env file loaded: %v", err)
	}

	cfg := &Config{
		APIURL:        getenvDefault("DMI_API_URL", "https://dmigw.govcloud.dk/v1/radardata/collections/composite/items"),
		APIKey:        os.Getenv("DMI_API_KEY"),
		BBox:          getenvDefault("DMI_BBOX", "7.0,54.0,16.0,58.0"),
		Limit:         getenvInt("DMI_LIMIT", 40),
		SpoolDir:      getenvDefault("SPOOL_DIR", "spool"),
		HistoryFrames: getenvInt("HISTORY_FRAMES", 10),
		MinFrames:     getenvInt("MIN_FRAMES", 3),
		UploadEnabled: getenvBool("UPLOAD_ENABLED", false),
		Bucket:        os.Getenv("AWS_BUCKET_NAME"),
		Region:        getenvDefault("AWS_REGION", "eu-west-1"),
		EndpointURL:   os.Getenv("AWS_ENDPOINT_URL"),
		Subfolder:     getenvDefault("UPLOAD_SUBFOLDER", "radar"),
		HTTPAddr:      getenvDefault("HTTP_ADDR", ":8080"),
		DBPath:        getenvDefault("DB_PATH", "nowcast.db"),
	}

	interval, err := time.ParseDuration(getenvDefault("CYCLE_INTERVAL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid CYCLE_INTERVAL: %w", err)
	}
	cfg.CycleInterval = interval

	leads, err := parseLeadTimes(getenvDefault("LEAD_TIMES", "10m,20m,30m,40m,50m,60m"))
	if err != nil {
		return nil, err
	}
	cfg.LeadTimes = leads
	cfg.ConvertCommand = strings.Fields(os.Getenv("CONVERT_COMMAND"))

	engine := nowcast.DefaultConfig()
	if path := os.Getenv("NOWCAST_TUNING"); path != "" {
		tuning, err := LoadTuningConfig(path)
		if err != nil {
			return nil, fmt.Errorf("loading tuning: %w", err)
		}
		engine, err = tuning.Apply(engine)
		if err != nil {
			return nil, fmt.Errorf("applying tuning: %w", err)
		}
	}
	cfg.Engine = engine

	if cfg.UploadEnabled && cfg.Bucket == "" {
		return nil, fmt.Errorf("UPLOAD_ENABLED requires AWS_BUCKET_NAME")
	}
	if cfg.MinFrames < 2 {
		return nil, fmt.Errorf("MIN_FRAMES must be at least 2, got %d", cfg.MinFrames)
	}
	if cfg.HistoryFrames < cfg.MinFrames {
		return nil, fmt.Errorf("HISTORY_FRAMES (%d) must be >= MIN_FRAMES (%d)", cfg.HistoryFrames, cfg.MinFrames)
	}
	return cfg, nil
}

// parseLeadTimes parses a comma-separated list of durations.
func parseLeadTimes(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	leads := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("invalid lead time %q: %w", p, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("lead time %q must be positive", p)
		}
		leads = append(leads, d)
	}
	if len(leads) == 0 {
		return nil, fmt.Errorf("LEAD_TIMES is empty")
	}
	return leads, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
