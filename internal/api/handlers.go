package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chadmayfield/noaad/internal/collector"
	"github.com/chadmayfield/noaad/internal/localday"
	"github.com/chadmayfield/noaad/internal/rollup"
	"github.com/chadmayfield/noaad/internal/stats"
	"github.com/chadmayfield/noaad/internal/store"
	"github.com/chadmayfield/noaad/internal/summary"
	"github.com/chadmayfield/noaad/internal/weather"
)

// maxIngestBatch bounds a single POST /archive body.
const (
	maxIngestBatch = 5000
	maxBodyBytes   = 8 << 20
)

// Summaries is the read side of the summary engine.
type Summaries interface {
	Location() *time.Location
	GetDay(ctx context.Context, date time.Time) (*summary.Record, error)
	ComputeClimateNorms(ctx context.Context) (summary.Norms, error)
	SummaryRange(ctx context.Context) (first, last time.Time, err error)
	LastReport() rollup.SyncReport
}

// Archive is the subset of the store the API reads directly.
type Archive interface {
	DataRange(ctx context.Context) (oldest, newest time.Time, err error)
	ObservationCount(ctx context.Context) (int, error)
	WindowedAverages(ctx context.Context, interval time.Duration, start time.Time, count int) (*store.AggregateSnapshot, error)
	Driver() string
	Size(ctx context.Context) (int64, error)
}

// Ingester accepts archive records and serves the live frames.
type Ingester interface {
	Ingest(ctx context.Context, obs []weather.Observation) error
	Snapshot(tf stats.TimeFrame) *stats.Frame
	Status() collector.Status
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Summaries Summaries
	Archive   Archive
	Collector Ingester
	Notify    func()
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
}

var validate = validator.New()

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: status})
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	// Try RFC3339 first, then YYYY-MM-DD in the station zone, then Unix epoch.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := localday.ParseDate(s, loc); err == nil {
		return t, nil
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format: %q (expected RFC3339, YYYY-MM-DD, or Unix epoch)", s)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// GetSummary handles GET /api/v1/summaries/{date}
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	loc := h.Summaries.Location()
	date, err := localday.ParseDate(r.PathValue("date"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date (YYYY-MM-DD)")
		return
	}

	rec, err := h.Summaries.GetDay(r.Context(), date)
	if errors.Is(err, rollup.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no summary for this date")
		return
	}
	if err != nil {
		h.logger().Error("failed to get summary", "day", r.PathValue("date"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get summary")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetNorms handles GET /api/v1/norms
func (h *Handlers) GetNorms(w http.ResponseWriter, r *http.Request) {
	norms, err := h.Summaries.ComputeClimateNorms(r.Context())
	if err != nil {
		h.logger().Error("failed to compute norms", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute norms")
		return
	}
	writeJSON(w, http.StatusOK, norms)
}

type sensorResponse struct {
	Count    int        `json:"count"`
	Mean     *float64   `json:"mean,omitempty"`
	Sum      *float64   `json:"sum,omitempty"`
	High     *float64   `json:"high,omitempty"`
	HighTime *time.Time `json:"high_time,omitempty"`
	Low      *float64   `json:"low,omitempty"`
	LowTime  *time.Time `json:"low_time,omitempty"`
}

type windResponse struct {
	BucketWidth float64  `json:"bucket_width"`
	Buckets     []int    `json:"buckets"`
	Dominant    *float64 `json:"dominant_dir,omitempty"`
}

type frameResponse struct {
	Frame   string                    `json:"frame"`
	Start   string                    `json:"start,omitempty"`
	Records int                       `json:"records"`
	Sensors map[string]sensorResponse `json:"sensors"`
	Wind    windResponse              `json:"wind"`
}

func frameToResponse(tf stats.TimeFrame, f *stats.Frame, loc *time.Location) frameResponse {
	resp := frameResponse{
		Frame:   tf.String(),
		Records: f.Records,
		Sensors: make(map[string]sensorResponse),
		Wind: windResponse{
			BucketWidth: f.Wind.Width(),
			Buckets:     make([]int, f.Wind.Buckets()),
		},
	}
	if !f.Start.IsZero() {
		resp.Start = f.Start.In(loc).Format(time.RFC3339)
	}

	for _, q := range weather.Quantities() {
		s := f.Sensors[q]
		if s.Count == 0 {
			continue
		}
		sr := sensorResponse{Count: s.Count}
		if q.IsFlow() {
			sum := s.Sum
			sr.Sum = &sum
		} else if avg, err := s.Average(); err == nil {
			sr.Mean = &avg
		}
		high, low := s.High, s.Low
		ht, lt := s.HighTime.In(loc), s.LowTime.In(loc)
		sr.High, sr.HighTime = &high, &ht
		sr.Low, sr.LowTime = &low, &lt
		resp.Sensors[q.Column()] = sr
	}

	for i := range resp.Wind.Buckets {
		resp.Wind.Buckets[i] = f.Wind.Count(i)
	}
	if dom, ok := f.Wind.DominantDegrees(); ok {
		resp.Wind.Dominant = &dom
	}
	return resp
}

// GetCurrent handles GET /api/v1/current
func (h *Handlers) GetCurrent(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("frame")
	if name == "" {
		name = stats.Day.String()
	}
	tf, err := stats.ParseTimeFrame(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'frame' parameter (hour, day, week, month, year, all)")
		return
	}

	writeJSON(w, http.StatusOK, frameToResponse(tf, h.Collector.Snapshot(tf), h.Summaries.Location()))
}

type averagesQuery struct {
	Interval time.Duration `validate:"gte=1s,lte=744h"`
	Start    time.Time     `validate:"required"`
	Count    int           `validate:"min=1,max=1000"`
}

// GetAverages handles GET /api/v1/archive/averages
func (h *Handlers) GetAverages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var req averagesQuery

	interval, err := time.ParseDuration(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'interval' parameter (e.g. 1h)")
		return
	}
	req.Interval = interval

	start, err := parseTime(q.Get("start"), h.Summaries.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'start' parameter (RFC3339, YYYY-MM-DD, or Unix epoch)")
		return
	}
	req.Start = start

	req.Count = 24
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'count' parameter")
			return
		}
		req.Count = n
	}

	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.Archive.WindowedAverages(r.Context(), req.Interval, req.Start, req.Count)
	if err != nil {
		h.logger().Error("failed to compute averages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute averages")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no archive records in range")
		return
	}

	type averagesResponse struct {
		Start    string           `json:"start"`
		Interval string           `json:"interval"`
		Windows  []map[string]any `json:"windows"`
	}
	resp := averagesResponse{
		Start:    snap.Start.Format(time.RFC3339),
		Interval: snap.Interval.String(),
		Windows:  make([]map[string]any, len(snap.Buckets)),
	}
	for i := range snap.Buckets {
		resp.Windows[i] = obsToMap(&snap.Buckets[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// observationRequest is one archive record in a POST /archive body. Values
// are keyed by column name; omitted or null values are not measured.
type observationRequest struct {
	Timestamp time.Time           `json:"timestamp" validate:"required"`
	Interval  int                 `json:"interval" validate:"min=1,max=1440"`
	Values    map[string]*float64 `json:"values" validate:"required"`
}

func (o *observationRequest) toObservation() (weather.Observation, error) {
	obs := weather.NewObservation(o.Timestamp, o.Interval)
	for name, v := range o.Values {
		q, ok := weather.QuantityByColumn(name)
		if !ok {
			return obs, fmt.Errorf("unknown quantity %q", name)
		}
		if v != nil {
			obs.Set(q, *v)
		}
	}
	return obs, nil
}

// PostArchive handles POST /api/v1/archive
func (h *Handlers) PostArchive(w http.ResponseWriter, r *http.Request) {
	var reqs []observationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body (expected an array of observations)")
		return
	}
	if len(reqs) == 0 || len(reqs) > maxIngestBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch must hold 1 to %d observations", maxIngestBatch))
		return
	}

	obs := make([]weather.Observation, 0, len(reqs))
	for i := range reqs {
		if err := validate.Struct(reqs[i]); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("observation %d: %v", i, err))
			return
		}
		o, err := reqs[i].toObservation()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("observation %d: %v", i, err))
			return
		}
		obs = append(obs, o)
	}

	if err := h.Collector.Ingest(r.Context(), obs); err != nil {
		if errors.Is(err, collector.ErrInvalidObservation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save observations")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int{"saved": len(obs)})
}

// PostSync handles POST /api/v1/sync
func (h *Handlers) PostSync(w http.ResponseWriter, _ *http.Request) {
	if h.Notify != nil {
		h.Notify()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type archiveHealth struct {
		Oldest       string `json:"oldest,omitempty"`
		Newest       string `json:"newest,omitempty"`
		Observations int    `json:"observations"`
	}
	type summaryHealth struct {
		First    string            `json:"first,omitempty"`
		Last     string            `json:"last,omitempty"`
		LastSync rollup.SyncReport `json:"last_sync"`
	}
	type dbHealth struct {
		Driver    string `json:"driver"`
		Status    string `json:"status"`
		SizeBytes int64  `json:"size_bytes,omitempty"`
	}
	type healthResponse struct {
		Status    string           `json:"status"`
		Version   string           `json:"version"`
		Uptime    string           `json:"uptime"`
		Location  string           `json:"location"`
		Archive   archiveHealth    `json:"archive"`
		Summaries summaryHealth    `json:"summaries"`
		Collector collector.Status `json:"collector"`
		Database  dbHealth         `json:"database"`
	}

	ctx := r.Context()
	loc := h.Summaries.Location()
	resp := healthResponse{
		Status:   "healthy",
		Version:  h.Version,
		Uptime:   formatUptime(time.Since(h.StartTime)),
		Location: loc.String(),
		Database: dbHealth{Driver: h.Archive.Driver(), Status: "ok"},
	}

	if oldest, newest, err := h.Archive.DataRange(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database.Status = "error"
	} else if !oldest.IsZero() {
		resp.Archive.Oldest = oldest.In(loc).Format(time.RFC3339)
		resp.Archive.Newest = newest.In(loc).Format(time.RFC3339)
		if count, err := h.Archive.ObservationCount(ctx); err == nil {
			resp.Archive.Observations = count
		}
	}

	if first, last, err := h.Summaries.SummaryRange(ctx); err == nil && !first.IsZero() {
		resp.Summaries.First = localday.Format(first, loc)
		resp.Summaries.Last = localday.Format(last, loc)
	}
	resp.Summaries.LastSync = h.Summaries.LastReport()

	if h.Collector != nil {
		resp.Collector = h.Collector.Status()
	}
	if size, err := h.Archive.Size(ctx); err == nil {
		resp.Database.SizeBytes = size
	}

	writeJSON(w, http.StatusOK, resp)
}

// obsToMap converts an Observation to a map keyed by column name. Null
// values are omitted.
func obsToMap(obs *weather.Observation) map[string]any {
	m := map[string]any{
		"timestamp": formatTime(obs.Timestamp),
		"interval":  obs.Interval,
	}
	for _, s := range obs.Samples() {
		m[s.Quantity.Column()] = s.Value
	}
	return m
}
