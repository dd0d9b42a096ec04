package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chadmayfield/noaad/internal/collector"
	"github.com/chadmayfield/noaad/internal/localday"
	"github.com/chadmayfield/noaad/internal/rollup"
	"github.com/chadmayfield/noaad/internal/stats"
	"github.com/chadmayfield/noaad/internal/store"
	"github.com/chadmayfield/noaad/internal/summary"
	"github.com/chadmayfield/noaad/internal/weather"
)

var testLoc = func() *time.Location {
	loc, err := time.LoadLocation("America/Denver")
	if err != nil {
		panic(err)
	}
	return loc
}()

// mockSummaries implements Summaries for testing.
type mockSummaries struct {
	days  map[string]*summary.Record
	norms summary.Norms
	last  rollup.SyncReport
}

func (m *mockSummaries) Location() *time.Location { return testLoc }

func (m *mockSummaries) GetDay(_ context.Context, date time.Time) (*summary.Record, error) {
	rec, ok := m.days[localday.Format(date, testLoc)]
	if !ok {
		return nil, rollup.ErrNotFound
	}
	return rec, nil
}

func (m *mockSummaries) ComputeClimateNorms(context.Context) (summary.Norms, error) {
	return m.norms, nil
}

func (m *mockSummaries) SummaryRange(context.Context) (time.Time, time.Time, error) {
	var first, last time.Time
	for _, r := range m.days {
		if first.IsZero() || r.DayStart.Before(first) {
			first = r.DayStart
		}
		if r.DayStart.After(last) {
			last = r.DayStart
		}
	}
	return first, last, nil
}

func (m *mockSummaries) LastReport() rollup.SyncReport { return m.last }

// mockArchive implements Archive and collector.Sink for testing.
type mockArchive struct {
	mu           sync.Mutex
	observations []weather.Observation
	snapshot     *store.AggregateSnapshot
	gotInterval  time.Duration
	gotCount     int
}

func (m *mockArchive) SaveObservations(_ context.Context, obs []weather.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, obs...)
	return nil
}

func (m *mockArchive) DataRange(context.Context) (time.Time, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest, newest time.Time
	for _, o := range m.observations {
		if oldest.IsZero() || o.Timestamp.Before(oldest) {
			oldest = o.Timestamp
		}
		if o.Timestamp.After(newest) {
			newest = o.Timestamp
		}
	}
	return oldest, newest, nil
}

func (m *mockArchive) ObservationCount(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observations), nil
}

func (m *mockArchive) WindowedAverages(_ context.Context, interval time.Duration, _ time.Time, count int) (*store.AggregateSnapshot, error) {
	m.gotInterval, m.gotCount = interval, count
	return m.snapshot, nil
}

func (m *mockArchive) Driver() string { return "sqlite" }

func (m *mockArchive) Size(context.Context) (int64, error) { return 4096, nil }

type testEnv struct {
	srv       *httptest.Server
	sums      *mockSummaries
	archive   *mockArchive
	collector *collector.Collector
	notified  int
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sums:    &mockSummaries{days: make(map[string]*summary.Record)},
		archive: &mockArchive{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr, err := stats.NewTracker(testLoc, stats.DefaultBucketWidth)
	if err != nil {
		t.Fatal(err)
	}
	env.collector = collector.NewCollector(env.archive, tr, logger)

	s := NewServer(env.sums, env.archive, env.collector, func() { env.notified++ }, logger)
	s.SetVersion("test")
	env.srv = httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(env.srv.Close)
	return env
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return body
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func TestHandlers_Health(t *testing.T) {
	env := setupTestServer(t)
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	_ = env.archive.SaveObservations(context.Background(), []weather.Observation{
		weather.NewObservation(ts, 5),
		weather.NewObservation(ts.Add(5*time.Minute), 5),
	})
	env.sums.days["2024-06-14"] = summary.NewRecord(time.Date(2024, 6, 14, 0, 0, 0, 0, testLoc))
	env.sums.last = rollup.SyncReport{DaysScanned: 3, RowsWritten: 2}

	body := getJSON(t, env.srv.URL+"/api/v1/health", http.StatusOK)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want 'healthy'", body["status"])
	}
	if body["version"] != "test" || body["location"] != "America/Denver" {
		t.Errorf("version/location = %v/%v", body["version"], body["location"])
	}

	archive, _ := body["archive"].(map[string]any)
	if archive["observations"] != float64(2) {
		t.Errorf("archive observations = %v, want 2", archive["observations"])
	}
	sums, _ := body["summaries"].(map[string]any)
	if sums["first"] != "2024-06-14" {
		t.Errorf("summaries first = %v, want 2024-06-14", sums["first"])
	}
	lastSync, _ := sums["last_sync"].(map[string]any)
	if lastSync["rows_written"] != float64(2) {
		t.Errorf("last_sync = %v", lastSync)
	}
	db, _ := body["database"].(map[string]any)
	if db["driver"] != "sqlite" || db["size_bytes"] != float64(4096) {
		t.Errorf("database = %v", db)
	}
}

func TestHandlers_GetSummary(t *testing.T) {
	env := setupTestServer(t)
	day := time.Date(2024, 6, 15, 0, 0, 0, 0, testLoc)
	rec := summary.NewRecord(day)
	rec.Values[summary.ColumnIndex("records")] = sql.NullFloat64{Float64: 288, Valid: true}
	rec.Values[summary.ColumnIndex("high_temp")] = sql.NullFloat64{Float64: 91.4, Valid: true}
	rec.Values[summary.ColumnIndex("high_temp_time")] = sql.NullFloat64{Float64: float64(day.Add(15*time.Hour + 20*time.Minute).Unix()), Valid: true}
	env.sums.days["2024-06-15"] = rec

	t.Run("found", func(t *testing.T) {
		body := getJSON(t, env.srv.URL+"/api/v1/summaries/2024-06-15", http.StatusOK)
		if body["date"] != "2024-06-15" {
			t.Errorf("date = %v", body["date"])
		}
		if body["high_temp"] != 91.4 || body["records"] != float64(288) {
			t.Errorf("high_temp = %v records = %v", body["high_temp"], body["records"])
		}
		if body["high_temp_time_local"] != "15:20" {
			t.Errorf("high_temp_time_local = %v, want 15:20", body["high_temp_time_local"])
		}
		if v, ok := body["low_temp"]; !ok || v != nil {
			t.Errorf("low_temp = %v, want null", v)
		}
	})

	t.Run("not found", func(t *testing.T) {
		getJSON(t, env.srv.URL+"/api/v1/summaries/2024-06-16", http.StatusNotFound)
	})

	t.Run("invalid date", func(t *testing.T) {
		getJSON(t, env.srv.URL+"/api/v1/summaries/june-15", http.StatusBadRequest)
	})
}

func TestHandlers_GetNorms(t *testing.T) {
	env := setupTestServer(t)
	env.sums.norms.MonthlyMeans[6] = 72.5
	env.sums.norms.AnnualRain = 16.2

	body := getJSON(t, env.srv.URL+"/api/v1/norms", http.StatusOK)
	means, ok := body["monthly_means"].([]any)
	if !ok || len(means) != 12 {
		t.Fatalf("monthly_means = %v", body["monthly_means"])
	}
	if means[6] != 72.5 || body["annual_rain"] != 16.2 {
		t.Errorf("norms = %v", body)
	}
}

func TestHandlers_PostArchiveAndCurrent(t *testing.T) {
	env := setupTestServer(t)

	payload := `[
		{"timestamp": "2024-06-15T18:00:00Z", "interval": 5, "values": {"out_temp": 70, "out_humidity": 40, "wind_dir": 90, "rain": 0.02}},
		{"timestamp": "2024-06-15T18:05:00Z", "interval": 5, "values": {"out_temp": 74, "out_humidity": null, "wind_dir": 95, "rain": 0.03}}
	]`
	resp := postJSON(t, env.srv.URL+"/api/v1/archive", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if len(env.archive.observations) != 2 {
		t.Fatalf("archived %d observations, want 2", len(env.archive.observations))
	}
	if env.notified != 1 {
		t.Errorf("notified = %d, want 1", env.notified)
	}

	body := getJSON(t, env.srv.URL+"/api/v1/current?frame=all", http.StatusOK)
	if body["frame"] != "all" || body["records"] != float64(2) {
		t.Errorf("frame = %v records = %v", body["frame"], body["records"])
	}
	sensors, _ := body["sensors"].(map[string]any)
	temp, _ := sensors["out_temp"].(map[string]any)
	if temp["mean"] != float64(72) || temp["high"] != float64(74) {
		t.Errorf("out_temp = %v", temp)
	}
	rain, _ := sensors["rain"].(map[string]any)
	if _, hasMean := rain["mean"]; hasMean {
		t.Error("rain should report a sum, not a mean")
	}
	wind, _ := body["wind"].(map[string]any)
	if wind["dominant_dir"] != float64(90) {
		t.Errorf("dominant_dir = %v, want 90", wind["dominant_dir"])
	}
}

func TestHandlers_PostArchiveRejects(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"object not array", `{"timestamp": "2024-06-15T18:00:00Z"}`},
		{"empty array", `[]`},
		{"missing timestamp", `[{"interval": 5, "values": {"out_temp": 70}}]`},
		{"zero interval", `[{"timestamp": "2024-06-15T18:00:00Z", "interval": 0, "values": {"out_temp": 70}}]`},
		{"missing values", `[{"timestamp": "2024-06-15T18:00:00Z", "interval": 5}]`},
		{"unknown quantity", `[{"timestamp": "2024-06-15T18:00:00Z", "interval": 5, "values": {"lightning": 3}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, env.srv.URL+"/api/v1/archive", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
		})
	}
	if len(env.archive.observations) != 0 {
		t.Error("rejected observations were archived")
	}
}

func TestHandlers_GetCurrentInvalidFrame(t *testing.T) {
	env := setupTestServer(t)
	getJSON(t, env.srv.URL+"/api/v1/current?frame=decade", http.StatusBadRequest)

	body := getJSON(t, env.srv.URL+"/api/v1/current", http.StatusOK)
	if body["frame"] != "day" || body["records"] != float64(0) {
		t.Errorf("default frame = %v records = %v", body["frame"], body["records"])
	}
}

func TestHandlers_GetAverages(t *testing.T) {
	env := setupTestServer(t)
	start := time.Date(2024, 6, 15, 6, 0, 0, 0, time.UTC)
	w0 := weather.NewObservation(start, 60)
	w0.Set(weather.OutTemp, 61.5)
	w1 := weather.NewObservation(start.Add(time.Hour), 60)
	env.archive.snapshot = &store.AggregateSnapshot{
		Start:    start,
		Interval: time.Hour,
		Buckets:  []weather.Observation{w0, w1},
	}

	t.Run("valid", func(t *testing.T) {
		body := getJSON(t, env.srv.URL+"/api/v1/archive/averages?interval=1h&start=2024-06-15T06:00:00Z&count=2", http.StatusOK)
		windows, ok := body["windows"].([]any)
		if !ok || len(windows) != 2 {
			t.Fatalf("windows = %v", body["windows"])
		}
		first, _ := windows[0].(map[string]any)
		if first["out_temp"] != 61.5 {
			t.Errorf("out_temp = %v, want 61.5", first["out_temp"])
		}
		second, _ := windows[1].(map[string]any)
		if _, ok := second["out_temp"]; ok {
			t.Error("empty window should omit out_temp")
		}
		if env.archive.gotInterval != time.Hour || env.archive.gotCount != 2 {
			t.Errorf("store called with %v/%d", env.archive.gotInterval, env.archive.gotCount)
		}
	})

	t.Run("default count", func(t *testing.T) {
		getJSON(t, env.srv.URL+"/api/v1/archive/averages?interval=30m&start=2024-06-15", http.StatusOK)
		if env.archive.gotCount != 24 {
			t.Errorf("count = %d, want 24", env.archive.gotCount)
		}
	})

	bad := []struct {
		name  string
		query string
	}{
		{"missing interval", "start=2024-06-15"},
		{"negative interval", "interval=-1h&start=2024-06-15"},
		{"sub-second interval", "interval=100ms&start=2024-06-15T00:00:00.7Z"},
		{"missing start", "interval=1h"},
		{"zero count", "interval=1h&start=2024-06-15&count=0"},
		{"count too large", "interval=1h&start=2024-06-15&count=5000"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			getJSON(t, env.srv.URL+"/api/v1/archive/averages?"+tt.query, http.StatusBadRequest)
		})
	}

	t.Run("no rows", func(t *testing.T) {
		env.archive.snapshot = nil
		getJSON(t, env.srv.URL+"/api/v1/archive/averages?interval=1h&start=1718431200", http.StatusNotFound)
	})
}

func TestHandlers_PostSync(t *testing.T) {
	env := setupTestServer(t)
	resp := postJSON(t, env.srv.URL+"/api/v1/sync", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if env.notified != 1 {
		t.Errorf("notified = %d, want 1", env.notified)
	}
}

func TestMiddleware_Headers(t *testing.T) {
	env := setupTestServer(t)
	resp, err := http.Get(env.srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Minute, "5m"},
		{2*time.Hour + 3*time.Minute, "2h 3m"},
		{50 * time.Hour, "2d 2h 0m"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
