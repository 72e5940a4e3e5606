// Package dmi talks to the DMI STAC API that serves Danish radar
// composite products.
package dmi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/regn-data/nowcast.report/internal/monitoring"
	"github.com/regn-data/nowcast.report/internal/security"
)

// ScanExt is the extension downloaded products are stored under.
const ScanExt = ".h5"

var (
	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
	errUnexpected  = errors.New("unexpected status code")
	errCircuitOpen = errors.New("circuit breaker open")
)

// Backoff controls the retry schedule for API calls.
type Backoff struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Client lists and downloads composite scans. Scans taken on :x5
// minutes are skipped so frames arrive ten minutes apart.
type Client struct {
	apiURL  string
	apiKey  string
	bbox    string
	limit   int
	http    *http.Client
	backoff Backoff
	breaker *gobreaker.CircuitBreaker
	clock   clockwork.Clock
}

// New builds a client for the given catalogue endpoint. A nil
// httpClient or clock falls back to production defaults.
func New(apiURL, apiKey, bbox string, limit int, httpClient *http.Client, clock clockwork.Clock) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dmi",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		bbox:   bbox,
		limit:  limit,
		http:   httpClient,
		backoff: Backoff{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     8 * time.Second,
		},
		breaker: cb,
		clock:   clock,
	}
}

// Scan is one composite product in the catalogue window.
type Scan struct {
	Time time.Time
	URL  string
}

// FileName returns the spool name for the scan. Names match the
// catalogue datetime with colons replaced so they survive any
// filesystem, and they sort in scan order.
func (s Scan) FileName() string {
	return security.SanitizeFilename(s.Time.UTC().Format("2006-01-02T15-04-05Z")) + ScanExt
}

// stacItems mirrors the slice of the STAC response we consume. DMI
// serves the download link under the singular "asset" key; newer
// deployments use the standard plural.
type stacItems struct {
	Features []struct {
		Properties struct {
			Datetime string `json:"datetime"`
		} `json:"properties"`
		Asset  map[string]stacAsset `json:"asset"`
		Assets map[string]stacAsset `json:"assets"`
	} `json:"features"`
}

type stacAsset struct {
	Href string `json:"href"`
}

// ListScans fetches the catalogue window ending now and returns the
// usable scans oldest first.
func (c *Client) ListScans(ctx context.Context) ([]Scan, error) {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		values := url.Values{}
		values.Set("api-key", c.apiKey)
		values.Set("limit", fmt.Sprintf("%d", c.limit))
		values.Set("datetime", "../"+c.clock.Now().UTC().Format("2006-01-02T15:04:05Z"))
		values.Set("bbox", c.bbox)
		return http.NewRequest(http.MethodGet, c.apiURL+"?"+values.Encode(), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer resp.Body.Close()

	var items stacItems
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode catalogue response: %w", err)
	}

	scans := make([]Scan, 0, len(items.Features))
	for _, f := range items.Features {
		ts, err := time.Parse(time.RFC3339, f.Properties.Datetime)
		if err != nil {
			monitoring.Logf("dmi: skipping item with bad datetime %q: %v", f.Properties.Datetime, err)
			continue
		}
		ts = ts.UTC()
		if ts.Minute()%10 == 5 {
			continue
		}
		asset, ok := f.Asset["data"]
		if !ok {
			asset, ok = f.Assets["data"]
		}
		if !ok || asset.Href == "" {
			monitoring.Logf("dmi: skipping item at %s with no data asset", ts.Format(time.RFC3339))
			continue
		}
		scans = append(scans, Scan{Time: ts, URL: asset.Href})
	}
	sort.Slice(scans, func(i, j int) bool { return scans[i].Time.Before(scans[j].Time) })
	return scans, nil
}

// Download fetches one scan into dir unless it is already present.
// It returns the local path and whether a network fetch happened.
func (c *Client) Download(ctx context.Context, scan Scan, dir string) (string, bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create download dir: %w", err)
	}
	path := filepath.Join(dir, scan.FileName())
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return "", false, fmt.Errorf("refusing scan path: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, scan.URL, nil)
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to download scan %s: %w", scan.FileName(), err)
	}
	defer resp.Body.Close()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", false, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", false, fmt.Errorf("failed to write scan %s: %w", scan.FileName(), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", false, fmt.Errorf("failed to flush scan %s: %w", scan.FileName(), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", false, fmt.Errorf("failed to publish scan %s: %w", scan.FileName(), err)
	}
	monitoring.Logf("dmi: downloaded %s", scan.FileName())
	return path, true, nil
}

// SyncResult summarizes one catalogue pass.
type SyncResult struct {
	Paths      []string // local product paths, oldest first
	Downloaded int
	Pruned     int
}

// Sync mirrors the current catalogue window into dir: downloads
// missing scans and removes local products that left the window.
func (c *Client) Sync(ctx context.Context, dir string) (SyncResult, error) {
	var res SyncResult
	scans, err := c.ListScans(ctx)
	if err != nil {
		return res, err
	}

	current := make(map[string]bool, len(scans))
	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		path, fetched, err := c.Download(ctx, scan, dir)
		if err != nil {
			return res, err
		}
		current[scan.FileName()] = true
		res.Paths = append(res.Paths, path)
		if fetched {
			res.Downloaded++
		}
	}

	pruned, err := pruneStale(dir, current)
	if err != nil {
		return res, err
	}
	res.Pruned = pruned
	return res, nil
}

// pruneStale removes product files that are no longer in the
// catalogue window.
func pruneStale(dir string, current map[string]bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list download dir: %w", err)
	}
	pruned := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ScanExt || current[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			monitoring.Logf("dmi: failed to prune %s: %v", name, err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

// do executes an HTTP request with retries, exponential backoff and
// the circuit breaker. Responses outside 2xx count as failures.
func (c *Client) do(ctx context.Context, buildRequest func() (*http.Request, error)) (*http.Response, error) {
	var attempt int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, execErr := c.http.Do(req)
			if execErr != nil {
				return nil, execErr
			}
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				resp.Body.Close()
				return nil, errRateLimited
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return nil, errServerError
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
			}
			return resp, nil
		})
		if err == nil {
			return result.(*http.Response), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		// Client errors other than rate limiting will not get better
		// on retry.
		if errors.Is(err, errUnexpected) {
			return nil, err
		}
		if attempt >= c.backoff.MaxRetries {
			return nil, err
		}

		delay := c.backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if c.backoff.MaxInterval > 0 && delay > c.backoff.MaxInterval {
			delay = c.backoff.MaxInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(delay):
		}
		attempt++
	}
}
