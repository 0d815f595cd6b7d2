package pull

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/observability"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/parser"
	"github.com/Zbattinwx/Alert-Dashboard-V2/internal/store"
)

const activeAlertsFixture = `{
  "features": [
    {
      "properties": {
        "@id": "https://api.weather.gov/alerts/urn:oid:1",
        "event": "Severe Thunderstorm Warning",
        "headline": "Severe Thunderstorm Warning issued",
        "description": "THE NATIONAL WEATHER SERVICE HAS ISSUED A SEVERE THUNDERSTORM WARNING.",
        "sent": "2025-12-20T18:15:00+00:00",
        "ends": "2025-12-20T19:00:00+00:00",
        "areaDesc": "Cuyahoga, OH",
        "geocode": {"UGC": ["OHC035"], "SAME": []},
        "parameters": {"VTEC": ["/O.NEW.KCLE.SV.W.0001.251220T1815Z-251220T1900Z/"]}
      },
      "geometry": null
    }
  ]
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSource_PollUpsertsParsedAlertsAndReconciles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		if r.URL.Path != "/alerts/active" {
			// Zone-geometry fallback fetch for the alert's no-polygon feature;
			// a 404 here just means the alert keeps an empty Polygon.
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(activeAlertsFixture))
	}))
	defer srv.Close()

	s := store.New(60*time.Second, discardLogger())
	m := observability.NewMetricsForTesting()
	src := New(srv.URL, time.Minute, parser.Options{}, s, m, discardLogger(),
		WithClock(clockwork.NewFakeClock()))

	src.poll(context.Background())

	require.True(t, src.Connected())
	a, ok := s.Get("SV.CLE.0001")
	require.True(t, ok)
	assert.Equal(t, []string{"OHC035"}, a.AffectedAreas)
}

func TestSource_PollFailureLeavesDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := store.New(60*time.Second, discardLogger())
	m := observability.NewMetricsForTesting()
	src := New(srv.URL, time.Minute, parser.Options{}, s, m, discardLogger())

	src.poll(context.Background())
	assert.False(t, src.Connected())
}

func TestSource_PollRetriesOn503ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(activeAlertsFixture))
	}))
	defer srv.Close()

	s := store.New(60*time.Second, discardLogger())
	m := observability.NewMetricsForTesting()
	src := New(srv.URL, time.Minute, parser.Options{}, s, m, discardLogger(),
		WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))

	src.poll(context.Background())
	assert.True(t, src.Connected())
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestSource_PollFillsPolygonFromZoneGeometryFallback(t *testing.T) {
	zoneRequests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/alerts/active" {
			_, _ = w.Write([]byte(activeAlertsFixture))
			return
		}
		zoneRequests++
		assert.Equal(t, "/zones/county/OHC035", r.URL.Path)
		_, _ = w.Write([]byte(`{"geometry":{"type":"Polygon","coordinates":[[[-81.5,41.4],[-81.4,41.4],[-81.4,41.5],[-81.5,41.5],[-81.5,41.4]]]}}`))
	}))
	defer srv.Close()

	s := store.New(60*time.Second, discardLogger())
	m := observability.NewMetricsForTesting()
	src := New(srv.URL, time.Minute, parser.Options{}, s, m, discardLogger())

	src.poll(context.Background())

	a, ok := s.Get("SV.CLE.0001")
	require.True(t, ok)
	require.NotEmpty(t, a.Polygon)
	assert.Equal(t, [2]float64{41.4, -81.5}, a.Polygon[0])
	assert.Equal(t, 1, zoneRequests)

	// Second poll should hit the cache, not issue a second zone request.
	s2 := store.New(60*time.Second, discardLogger())
	src.store = s2
	src.poll(context.Background())
	assert.Equal(t, 1, zoneRequests)
}
