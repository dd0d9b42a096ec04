package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chadmayfield/noaad/internal/summary"
	"github.com/chadmayfield/noaad/internal/weather"
)

func makeObs(ts time.Time, temp, wind, dir float64) weather.Observation {
	o := weather.NewObservation(ts, 5)
	o.Set(weather.OutTemp, temp)
	o.Set(weather.WindSpeed, wind)
	o.Set(weather.WindGust, wind*1.5)
	o.Set(weather.WindDir, dir)
	o.Set(weather.Rain, 0.01)
	return o
}

func makeRecord(day time.Time, meanTemp float64) *summary.Record {
	rec := summary.NewRecord(day)
	rec.Values[summary.ColumnIndex("records")] = sql.NullFloat64{Float64: 288, Valid: true}
	rec.Values[summary.ColumnIndex("mean_temp")] = sql.NullFloat64{Float64: meanTemp, Valid: true}
	rec.Values[summary.ColumnIndex("high_temp_time")] = sql.NullFloat64{Float64: float64(day.Add(15 * time.Hour).Unix()), Valid: true}
	return rec
}

// storeTests exercises behavior every Store implementation must share.
var storeTests = []struct {
	name string
	fn   func(t *testing.T, s Store)
}{
	{"SaveAndNextRecord", testSaveAndNextRecord},
	{"UpsertObservation", testUpsertObservation},
	{"BatchAndRange", testBatchAndRange},
	{"ObservationsBetweenHalfOpen", testObservationsBetweenHalfOpen},
	{"WindowedAverages", testWindowedAverages},
	{"WindowedAveragesFractionalStart", testWindowedAveragesFractionalStart},
	{"SummarySchema", testSummarySchema},
	{"SummaryRoundTrip", testSummaryRoundTrip},
	{"WriterLock", testWriterLock},
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	for _, tt := range storeTests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testSaveAndNextRecord(t *testing.T, s Store) {
	ctx := context.Background()
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	obs := makeObs(ts, 72.5, 3.2, 180)

	if err := s.SaveObservation(ctx, &obs); err != nil {
		t.Fatalf("SaveObservation: %v", err)
	}

	got, err := s.NextRecordAfter(ctx, time.Time{})
	if err != nil {
		t.Fatalf("NextRecordAfter: %v", err)
	}
	if got == nil {
		t.Fatal("expected observation, got nil")
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if v, _ := got.Value(weather.OutTemp); v != 72.5 {
		t.Errorf("temp = %v, want 72.5", v)
	}
	if _, ok := got.Value(weather.UV); ok {
		t.Error("unset quantity came back measured")
	}

	none, err := s.NextRecordAfter(ctx, ts)
	if err != nil {
		t.Fatalf("NextRecordAfter(last): %v", err)
	}
	if none != nil {
		t.Errorf("expected nil after newest record, got %v", none.Timestamp)
	}
}

func testUpsertObservation(t *testing.T, s Store) {
	ctx := context.Background()
	ts := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	obs := makeObs(ts, 60, 1, 90)
	if err := s.SaveObservation(ctx, &obs); err != nil {
		t.Fatalf("first save: %v", err)
	}
	obs.Set(weather.OutTemp, 61)
	if err := s.SaveObservation(ctx, &obs); err != nil {
		t.Fatalf("second save: %v", err)
	}

	n, err := s.ObservationCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 after upsert", n)
	}
	got, _ := s.NextRecordAfter(ctx, time.Time{})
	if v, _ := got.Value(weather.OutTemp); v != 61 {
		t.Errorf("temp = %v, want 61", v)
	}
}

func testBatchAndRange(t *testing.T, s Store) {
	ctx := context.Background()

	oldest, newest, err := s.DataRange(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !oldest.IsZero() || !newest.IsZero() {
		t.Errorf("empty archive range = %v..%v, want zero", oldest, newest)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var batch []weather.Observation
	for i := 0; i < 250; i++ {
		batch = append(batch, makeObs(start.Add(time.Duration(i)*5*time.Minute), float64(i), 2, 0))
	}
	if err := s.SaveObservations(ctx, batch); err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}

	n, err := s.ObservationCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 250 {
		t.Errorf("count = %d, want 250", n)
	}

	oldest, newest, err = s.DataRange(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !oldest.Equal(start) || !newest.Equal(start.Add(249*5*time.Minute)) {
		t.Errorf("range = %v..%v", oldest, newest)
	}
	nt, err := s.NewestTimestamp(ctx)
	if err != nil || !nt.Equal(newest) {
		t.Errorf("NewestTimestamp = %v, %v", nt, err)
	}
}

func testObservationsBetweenHalfOpen(t *testing.T, s Store) {
	ctx := context.Background()
	day := time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{day.Add(-time.Second), day, day.Add(12 * time.Hour), day.Add(24*time.Hour - time.Second), day.Add(24 * time.Hour)} {
		o := makeObs(ts, 50, 1, 0)
		if err := s.SaveObservation(ctx, &o); err != nil {
			t.Fatal(err)
		}
	}

	var got []time.Time
	err := s.ObservationsBetween(ctx, day, day.Add(24*time.Hour), func(o *weather.Observation) error {
		got = append(got, o.Timestamp)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3: %v", len(got), got)
	}
	for i := 1; i < len(got); i++ {
		if !got[i].After(got[i-1]) {
			t.Errorf("records out of order: %v", got)
		}
	}

	stop := errors.New("stop")
	err = s.ObservationsBetween(ctx, day, day.Add(24*time.Hour), func(*weather.Observation) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("callback error not returned: %v", err)
	}
}

func testWindowedAverages(t *testing.T, s Store) {
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	snap, err := s.WindowedAverages(ctx, time.Hour, start, 3)
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Fatal("expected nil snapshot for empty archive")
	}

	for i, v := range []struct{ temp, wind, dir float64 }{
		{60, 2, 350}, {70, 4, 10}, // hour 0
		{80, 10, 90}, // hour 2
	} {
		ts := start.Add([]time.Duration{0, 30 * time.Minute, 2 * time.Hour}[i])
		o := makeObs(ts, v.temp, v.wind, v.dir)
		if err := s.SaveObservation(ctx, &o); err != nil {
			t.Fatal(err)
		}
	}

	snap, err = s.WindowedAverages(ctx, time.Hour, start, 3)
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || len(snap.Buckets) != 3 {
		t.Fatalf("snapshot = %+v, want 3 buckets", snap)
	}

	b0 := snap.Buckets[0]
	if v, _ := b0.Value(weather.OutTemp); v != 65 {
		t.Errorf("hour 0 temp = %v, want 65", v)
	}
	if v, _ := b0.Value(weather.Rain); math.Abs(v-0.02) > 1e-9 {
		t.Errorf("hour 0 rain = %v, want 0.02", v)
	}
	if v, _ := b0.Value(weather.WindGust); v != 6 {
		t.Errorf("hour 0 gust = %v, want max 6", v)
	}
	if v, _ := b0.Value(weather.WindDir); math.Min(v, 360-v) > 1e-6 {
		t.Errorf("hour 0 direction = %v, want ~0", v)
	}
	if _, ok := snap.Buckets[1].Value(weather.OutTemp); ok {
		t.Error("empty hour 1 has a temperature")
	}
	if !snap.Buckets[2].Timestamp.Equal(start.Add(2 * time.Hour)) {
		t.Errorf("bucket 2 start = %v", snap.Buckets[2].Timestamp)
	}
	if snap.Buckets[2].Interval != 60 {
		t.Errorf("bucket interval = %d, want 60", snap.Buckets[2].Interval)
	}

	if _, err := s.WindowedAverages(ctx, 0, start, 3); err == nil {
		t.Error("expected error for zero interval")
	}
}

func testWindowedAveragesFractionalStart(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, temp := range []float64{40, 50} {
		o := makeObs(base.Add(time.Duration(i)*time.Second), temp, 1, 90)
		if err := s.SaveObservation(ctx, &o); err != nil {
			t.Fatal(err)
		}
	}

	// The record at base is before the window and must not land in any bucket.
	snap, err := s.WindowedAverages(ctx, 100*time.Millisecond, base.Add(700*time.Millisecond), 10)
	if err != nil {
		t.Fatalf("WindowedAverages: %v", err)
	}
	if snap == nil {
		t.Fatal("expected the record at base+1s in the window")
	}
	// base+1s is 300ms after the window start.
	if v, ok := snap.Buckets[3].Value(weather.OutTemp); !ok || v != 50 {
		t.Errorf("bucket 3 temp = %v (%v), want 50", v, ok)
	}
	for i, b := range snap.Buckets {
		if v, ok := b.Value(weather.OutTemp); ok && v == 40 {
			t.Errorf("record before the window start landed in bucket %d", i)
		}
	}

	snap, err = s.WindowedAverages(ctx, 100*time.Millisecond, base.Add(200*time.Millisecond), 5)
	if err != nil {
		t.Fatalf("WindowedAverages: %v", err)
	}
	if snap != nil {
		t.Errorf("window [base+200ms, base+700ms) holds no records, got %+v", snap)
	}

	var n int
	err = s.ObservationsBetween(ctx, base.Add(500*time.Millisecond), base.Add(1500*time.Millisecond), func(*weather.Observation) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("ObservationsBetween with fractional bounds returned %d records, want 1", n)
	}
}

func testSummarySchema(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.EnsureSummarySchema(ctx)
	if err != nil {
		t.Fatalf("EnsureSummarySchema: %v", err)
	}
	if !created {
		t.Error("first call should create the table")
	}

	created, err = s.EnsureSummarySchema(ctx)
	if err != nil {
		t.Fatalf("second EnsureSummarySchema: %v", err)
	}
	if created {
		t.Error("second call should attach, not create")
	}
}

func testSummaryRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.EnsureSummarySchema(ctx); err != nil {
		t.Fatal(err)
	}

	minDay, err := s.MinDay(ctx)
	if err != nil || !minDay.IsZero() {
		t.Fatalf("MinDay on empty table = %v, %v", minDay, err)
	}

	d1 := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	d3 := d1.AddDate(0, 0, 2)
	for i, d := range []time.Time{d1, d2, d3} {
		if err := s.UpsertDay(ctx, makeRecord(d, float64(30+i))); err != nil {
			t.Fatalf("UpsertDay: %v", err)
		}
	}

	// Upsert twice: one row, latest values.
	if err := s.UpsertDay(ctx, makeRecord(d2, 99)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDay(ctx, d2)
	if err != nil {
		t.Fatalf("GetDay: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	want := makeRecord(d2, 99)
	if !got.Equal(want) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", got.Values, want.Values)
	}
	if v, ok := got.Get("rain"); ok {
		t.Errorf("NULL rain came back as %v", v)
	}

	missing, err := s.GetDay(ctx, d1.AddDate(0, 0, 10))
	if err != nil || missing != nil {
		t.Errorf("GetDay(missing) = %v, %v; want nil, nil", missing, err)
	}

	minDay, _ = s.MinDay(ctx)
	maxDay, _ := s.MaxDay(ctx)
	if !minDay.Equal(d1) || !maxDay.Equal(d3) {
		t.Errorf("day range = %v..%v, want %v..%v", minDay, maxDay, d1, d3)
	}

	recs, err := s.ListDays(ctx, d2, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || !recs[0].DayStart.Equal(d2) {
		t.Errorf("ListDays from d2 = %d records", len(recs))
	}
	all, _ := s.ListDays(ctx, time.Time{}, time.Time{})
	if len(all) != 3 {
		t.Errorf("ListDays(all) = %d, want 3", len(all))
	}

	if err := s.DeleteDay(ctx, d3); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertDay(ctx, makeRecord(d3, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertDay(ctx, makeRecord(d3, 2)); err == nil {
		t.Error("expected duplicate InsertDay to fail")
	}

	if err := s.SetDurability(ctx, Relaxed); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertDay(ctx, makeRecord(d3, 5)); err != nil {
		t.Fatalf("UpsertDay while relaxed: %v", err)
	}
	if err := s.SetDurability(ctx, Normal); err != nil {
		t.Fatal(err)
	}
}

func testWriterLock(t *testing.T, s Store) {
	ctx := context.Background()

	if err := s.AcquireWriterLock(ctx, "a", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := s.AcquireWriterLock(ctx, "a", time.Minute); err != nil {
		t.Errorf("refresh by owner: %v", err)
	}
	if err := s.AcquireWriterLock(ctx, "b", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second owner err = %v, want ErrLockHeld", err)
	}
	// A negative ttl makes any heartbeat stale.
	if err := s.AcquireWriterLock(ctx, "b", -time.Minute); err != nil {
		t.Errorf("takeover of stale lock: %v", err)
	}
	if err := s.ReleaseWriterLock(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.AcquireWriterLock(ctx, "a", time.Minute); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}
