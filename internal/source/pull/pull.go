// Package pull implements the periodic REST fetcher of the NWS API's
// currently-active-alerts feed, spec.md §4.3: the authoritative backstop
// the Store reconciles against after every poll cycle.
package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/alert"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/observability"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/parser"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/store"
)

const userAgent = "alertd/1.0 (severe weather alert ingestion; https://github.com/Zbattinwx/Alert-Dashboard-V2)"

const (
	zoneCacheMaxEntries = 500
	zoneCacheTTL        = 24 * time.Hour
)

// Source polls {NWSAPIBase}/alerts/active on a fixed interval, parses the
// resulting GeoJSON feature collection, and reconciles the result against
// the Store's active set.
type Source struct {
	baseURL      string
	pollInterval time.Duration
	client       *http.Client
	limiter      *rate.Limiter
	store        *store.Store
	parserOpts   parser.Options
	logger       *slog.Logger
	metrics      *observability.Metrics
	clock        clockwork.Clock
	zoneGeometry *geometryCache[[][2]float64]

	connected atomic.Bool
}

// Option configures a Source at construction.
type Option func(*Source)

// WithClock overrides the clock driving the poll ticker, for deterministic
// tests with clockwork.NewFakeClock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Source) { s.clock = c }
}

// WithHTTPClient overrides the underlying *http.Client, for tests pointed
// at an httptest.Server.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// New builds a Pull Source against baseURL (e.g. https://api.weather.gov),
// polling every pollInterval subject to the one-request-per-second floor.
func New(baseURL string, pollInterval time.Duration, parserOpts parser.Options, s *store.Store, m *observability.Metrics, logger *slog.Logger, opts ...Option) *Source {
	src := &Source{
		baseURL:      baseURL,
		pollInterval: pollInterval,
		client:       &http.Client{Timeout: 30 * time.Second},
		limiter:      rate.NewLimiter(rate.Every(time.Second), 1),
		store:        s,
		parserOpts:   parserOpts,
		logger:       logger,
		metrics:      m,
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(src)
	}
	src.zoneGeometry = newGeometryCache[[][2]float64](zoneCacheMaxEntries, zoneCacheTTL, src.clock)
	return src
}

// Connected reports whether the most recent poll cycle succeeded, for the
// /health sources.pull flag.
func (s *Source) Connected() bool {
	return s.connected.Load()
}

// Run polls on pollInterval until ctx is cancelled. A failed cycle leaves
// the Store's active set untouched and is retried on the next tick.
func (s *Source) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.poll(ctx)
		}
	}
}

func (s *Source) poll(ctx context.Context) {
	start := s.clock.Now()
	alerts, err := s.fetchActiveAlerts(ctx)
	if s.metrics != nil {
		s.metrics.PullDuration.Observe(s.clock.Now().Sub(start).Seconds())
	}
	if err != nil {
		s.connected.Store(false)
		if s.metrics != nil {
			s.metrics.PullRequests.WithLabelValues("failure").Inc()
		}
		s.logger.Warn("pull source poll failed", "error", err)
		return
	}

	s.connected.Store(true)
	if s.metrics != nil {
		s.metrics.PullRequests.WithLabelValues("success").Inc()
		s.metrics.PullActiveAlerts.Set(float64(len(alerts)))
	}

	current := make(map[string]struct{}, len(alerts))
	for _, a := range alerts {
		if len(a.Polygon) == 0 && len(a.AffectedAreas) > 0 {
			if poly, ok := s.zoneGeometryFor(ctx, a.AffectedAreas[0]); ok {
				a.Polygon = poly
			}
		}
		current[a.ProductID] = struct{}{}
		s.store.Upsert(a)
	}
	s.store.ReconcilePull(current)
}

// zoneGeometryFor resolves the polygon for a UGC code via the NWS zone
// geometry endpoint, caching the result since zone boundaries almost never
// change within a process lifetime (unlike the alert's own attributes).
// Grounded on zone_geometry_service.py's fetch-and-cache shape, generalized
// onto the teacher's Mapbox LRU cache (see cache.go).
func (s *Source) zoneGeometryFor(ctx context.Context, ugcCode string) ([][2]float64, bool) {
	if poly, ok := s.zoneGeometry.get(ugcCode); ok {
		return poly, true
	}

	kind := "forecast"
	if len(ugcCode) >= 3 && ugcCode[2] == 'C' {
		kind = "county"
	}
	url := fmt.Sprintf("%s/zones/%s/%s", s.baseURL, kind, ugcCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}

	var feature struct {
		Geometry *struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
	}
	if err := json.Unmarshal(body, &feature); err != nil || feature.Geometry == nil {
		return nil, false
	}
	poly := parser.DecodeGeometry(feature.Geometry.Type, feature.Geometry.Coordinates)
	if len(poly) == 0 {
		return nil, false
	}

	s.zoneGeometry.put(ugcCode, poly)
	return poly, true
}

// fetchActiveAlerts performs one rate-limited HTTP GET with up to 3
// attempts of exponential backoff on transient errors, per spec.md §4.3.
func (s *Source) fetchActiveAlerts(ctx context.Context) ([]*alert.Alert, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/alerts/active", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/geo+json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err // transient: connection error
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if s.metrics != nil {
				s.metrics.PullRequests.WithLabelValues("retry").Inc()
			}
			return fmt.Errorf("nws api: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("nws api: fatal status %d", resp.StatusCode))
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	bo := backoff.WithMaxRetries(eb, 2)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	return parser.ParseActiveAlerts(body, "pull", s.parserOpts)
}
