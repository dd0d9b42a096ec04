package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chadmayfield/noaad/internal/stats"
	"github.com/chadmayfield/noaad/internal/summary"
	"github.com/chadmayfield/noaad/internal/weather"
)

const summaryTable = "daily_summary"

// sqlStore holds the queries shared by both dialects. Queries are written
// with ? placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	dialect string
	relaxed atomic.Bool
}

// DB returns the underlying database connection for migration commands.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) Driver() string {
	return s.dialect
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) rebind(q string) string {
	if s.dialect == "postgres" {
		return replacePlaceholders(q)
	}
	return q
}

func (s *sqlStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// --- Archive ---

var archiveColumns = func() string {
	cols := []string{"date_time", "interval_minutes"}
	for _, q := range weather.Quantities() {
		cols = append(cols, q.Column())
	}
	return strings.Join(cols, ", ")
}()

func (s *sqlStore) upsertObservationQuery() string {
	sets := []string{"interval_minutes=EXCLUDED.interval_minutes"}
	for _, q := range weather.Quantities() {
		sets = append(sets, fmt.Sprintf("%s=EXCLUDED.%s", q.Column(), q.Column()))
	}
	return s.rebind(fmt.Sprintf(`INSERT INTO archive (%s) VALUES (%s)
		ON CONFLICT(date_time) DO UPDATE SET %s`,
		archiveColumns, placeholders(int(weather.NumQuantities)+2), strings.Join(sets, ", ")))
}

func observationArgs(o *weather.Observation) []any {
	args := make([]any, 0, weather.NumQuantities+2)
	args = append(args, o.Timestamp.Unix(), o.Interval)
	for _, v := range o.Values {
		if weather.IsNull(v) {
			args = append(args, nil)
		} else {
			args = append(args, v)
		}
	}
	return args
}

func (s *sqlStore) SaveObservation(ctx context.Context, obs *weather.Observation) error {
	if _, err := s.db.ExecContext(ctx, s.upsertObservationQuery(), observationArgs(obs)...); err != nil {
		return fmt.Errorf("saving observation: %w", err)
	}
	return nil
}

func (s *sqlStore) SaveObservations(ctx context.Context, obs []weather.Observation) error {
	const batchSize = 100
	for i := 0; i < len(obs); i += batchSize {
		end := min(i+batchSize, len(obs))
		if err := s.saveBatch(ctx, obs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) saveBatch(ctx context.Context, obs []weather.Observation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.upsertObservationQuery())
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close() //nolint:errcheck

		for i := range obs {
			if _, err := stmt.ExecContext(ctx, observationArgs(&obs[i])...); err != nil {
				return fmt.Errorf("inserting observation: %w", err)
			}
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner) (*weather.Observation, error) {
	var (
		ts       int64
		interval int
		vals     [weather.NumQuantities]sql.NullFloat64
	)
	dest := make([]any, 0, weather.NumQuantities+2)
	dest = append(dest, &ts, &interval)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	o := weather.NewObservation(time.Unix(ts, 0).UTC(), interval)
	for i, v := range vals {
		if v.Valid {
			o.Values[i] = v.Float64
		}
	}
	return &o, nil
}

// ceilUnix returns the first whole Unix second not before t. Archive
// timestamps are whole seconds, so [ceilUnix(start), ceilUnix(end)) selects
// exactly the records in [start, end).
func ceilUnix(t time.Time) int64 {
	u := t.Unix()
	if t.Nanosecond() > 0 {
		u++
	}
	return u
}

func (s *sqlStore) ObservationsBetween(ctx context.Context, start, end time.Time, fn func(*weather.Observation) error) error {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+archiveColumns+`
		FROM archive
		WHERE date_time >= ? AND date_time < ?
		ORDER BY date_time`), ceilUnix(start), ceilUnix(end))
	if err != nil {
		return fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return fmt.Errorf("scanning observation: %w: %w", ErrFieldAccess, err)
		}
		if err := fn(o); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqlStore) NextRecordAfter(ctx context.Context, ts time.Time) (*weather.Observation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+archiveColumns+`
		FROM archive
		WHERE date_time > ?
		ORDER BY date_time
		LIMIT 1`), ts.Unix())

	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting next record: %w: %w", ErrFieldAccess, err)
	}
	return o, nil
}

func (s *sqlStore) NewestTimestamp(ctx context.Context) (time.Time, error) {
	_, newest, err := s.DataRange(ctx)
	return newest, err
}

func (s *sqlStore) DataRange(ctx context.Context) (oldest, newest time.Time, err error) {
	var minT, maxT sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MIN(date_time), MAX(date_time) FROM archive`).Scan(&minT, &maxT)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("querying data range: %w", err)
	}
	if !minT.Valid || !maxT.Valid {
		return time.Time{}, time.Time{}, nil
	}
	return time.Unix(minT.Int64, 0).UTC(), time.Unix(maxT.Int64, 0).UTC(), nil
}

func (s *sqlStore) ObservationCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting observations: %w", err)
	}
	return count, nil
}

// windowAgg accumulates one aggregate window.
type windowAgg struct {
	sum    [weather.NumQuantities]float64
	n      [weather.NumQuantities]int
	max    [weather.NumQuantities]float64
	angles [weather.NumQuantities][]float64
}

func (s *sqlStore) WindowedAverages(ctx context.Context, interval time.Duration, start time.Time, count int) (*AggregateSnapshot, error) {
	if interval <= 0 || count <= 0 {
		return nil, fmt.Errorf("invalid window: interval %v count %d", interval, count)
	}
	end := start.Add(interval * time.Duration(count))
	aggs := make([]windowAgg, count)
	seen := 0

	err := s.ObservationsBetween(ctx, start, end, func(o *weather.Observation) error {
		if o.Timestamp.Before(start) || !o.Timestamp.Before(end) {
			return nil
		}
		a := &aggs[int(o.Timestamp.Sub(start)/interval)]
		seen++
		for _, smp := range o.Samples() {
			q := smp.Quantity
			switch {
			case q.IsDirection():
				a.angles[q] = append(a.angles[q], smp.Value)
			case a.n[q] == 0 || smp.Value > a.max[q]:
				a.max[q] = smp.Value
			}
			a.sum[q] += smp.Value
			a.n[q]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aggregating windows: %w", err)
	}
	if seen == 0 {
		return nil, nil
	}

	snap := &AggregateSnapshot{Start: start, Interval: interval, Buckets: make([]weather.Observation, count)}
	minutes := int(interval / time.Minute)
	for i := range aggs {
		a := &aggs[i]
		b := weather.NewObservation(start.Add(time.Duration(i)*interval), minutes)
		for _, q := range weather.Quantities() {
			if a.n[q] == 0 {
				continue
			}
			switch {
			case q.IsDirection():
				if deg, ok := stats.CircularMean(a.angles[q]); ok {
					b.Set(q, deg)
				}
			case q.IsFlow():
				b.Set(q, a.sum[q])
			case q == weather.WindGust:
				b.Set(q, a.max[q])
			default:
				b.Set(q, a.sum[q]/float64(a.n[q]))
			}
		}
		snap.Buckets[i] = b
	}
	return snap, nil
}

// --- Summaries ---

func summarySelect() string {
	names := make([]string, 0, len(summary.Columns)+1)
	names = append(names, "day_start")
	for _, c := range summary.Columns {
		names = append(names, c.Name)
	}
	return "SELECT " + strings.Join(names, ", ") + " FROM " + summaryTable
}

func (s *sqlStore) createSummaryDDL() string {
	defs := []string{"day_start " + summary.Int.SQLType(s.dialect) + " PRIMARY KEY"}
	for _, c := range summary.Columns {
		defs = append(defs, c.Name+" "+c.Kind.SQLType(s.dialect))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", summaryTable, strings.Join(defs, ",\n\t"))
}

func (s *sqlStore) summaryColumnsInDB(ctx context.Context) (map[string]bool, error) {
	q := `SELECT name FROM pragma_table_info('` + summaryTable + `')`
	if s.dialect == "postgres" {
		q = `SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = '` + summaryTable + `'`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing summary columns: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning column name: %w", err)
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

func (s *sqlStore) EnsureSummarySchema(ctx context.Context) (bool, error) {
	existing, err := s.summaryColumnsInDB(ctx)
	if err != nil {
		return false, err
	}

	if len(existing) == 0 {
		if _, err := s.db.ExecContext(ctx, s.createSummaryDDL()); err != nil {
			return false, fmt.Errorf("creating summary table: %w", err)
		}
		return true, nil
	}

	if !existing["day_start"] {
		return false, fmt.Errorf("summary table has no day_start column: %w", ErrFieldAccess)
	}
	for _, c := range summary.Columns {
		if existing[c.Name] {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", summaryTable, c.Name, c.Kind.SQLType(s.dialect))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return false, fmt.Errorf("adding summary column %s: %w", c.Name, err)
		}
	}
	return false, nil
}

func scanRecord(row scanner) (*summary.Record, error) {
	var (
		rec summary.Record
		day int64
	)
	if err := row.Scan(rec.ScanDest(&day)...); err != nil {
		return nil, err
	}
	rec.DayStart = time.Unix(day, 0).UTC()
	return &rec, nil
}

func (s *sqlStore) GetDay(ctx context.Context, dayStart time.Time) (*summary.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(summarySelect()+` WHERE day_start = ?`), dayStart.Unix())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting day: %w: %w", ErrFieldAccess, err)
	}
	return rec, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) deleteDay(ctx context.Context, ex execer, dayStart time.Time) error {
	_, err := ex.ExecContext(ctx, s.rebind(`DELETE FROM `+summaryTable+` WHERE day_start = ?`), dayStart.Unix())
	if err != nil {
		return fmt.Errorf("deleting day: %w", err)
	}
	return nil
}

func (s *sqlStore) insertDay(ctx context.Context, ex execer, rec *summary.Record) error {
	names := make([]string, 0, len(summary.Columns)+1)
	names = append(names, "day_start")
	for _, c := range summary.Columns {
		names = append(names, c.Name)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		summaryTable, strings.Join(names, ", "), placeholders(len(names)))
	if _, err := ex.ExecContext(ctx, s.rebind(q), rec.Args()...); err != nil {
		return fmt.Errorf("inserting day: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteDay(ctx context.Context, dayStart time.Time) error {
	return s.deleteDay(ctx, s.db, dayStart)
}

func (s *sqlStore) InsertDay(ctx context.Context, rec *summary.Record) error {
	return s.insertDay(ctx, s.db, rec)
}

func (s *sqlStore) UpsertDay(ctx context.Context, rec *summary.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if s.dialect == "postgres" && s.relaxed.Load() {
			if _, err := tx.ExecContext(ctx, `SET LOCAL synchronous_commit = off`); err != nil {
				return fmt.Errorf("relaxing commit: %w", err)
			}
		}
		if err := s.deleteDay(ctx, tx, rec.DayStart); err != nil {
			return err
		}
		return s.insertDay(ctx, tx, rec)
	})
}

func (s *sqlStore) dayBound(ctx context.Context, agg string) (time.Time, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT `+agg+`(day_start) FROM `+summaryTable).Scan(&v)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying %s day: %w", strings.ToLower(agg), err)
	}
	if !v.Valid {
		return time.Time{}, nil
	}
	return time.Unix(v.Int64, 0).UTC(), nil
}

func (s *sqlStore) MinDay(ctx context.Context) (time.Time, error) {
	return s.dayBound(ctx, "MIN")
}

func (s *sqlStore) MaxDay(ctx context.Context) (time.Time, error) {
	return s.dayBound(ctx, "MAX")
}

func (s *sqlStore) ListDays(ctx context.Context, from, to time.Time) ([]*summary.Record, error) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.Unix()
	}
	if !to.IsZero() {
		hi = to.Unix()
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(summarySelect()+`
		WHERE day_start >= ? AND day_start < ?
		ORDER BY day_start`), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("listing days: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var recs []*summary.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning day: %w: %w", ErrFieldAccess, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Writer lock ---

func (s *sqlStore) AcquireWriterLock(ctx context.Context, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO writer_lock (name, owner, heartbeat) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner=EXCLUDED.owner, heartbeat=EXCLUDED.heartbeat
		WHERE writer_lock.owner = EXCLUDED.owner OR writer_lock.heartbeat < ?`),
		summaryTable, owner, now.Unix(), now.Add(-ttl).Unix())
	if err != nil {
		return fmt.Errorf("acquiring writer lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquiring writer lock: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

func (s *sqlStore) ReleaseWriterLock(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM writer_lock WHERE name = ? AND owner = ?`), summaryTable, owner)
	if err != nil {
		return fmt.Errorf("releasing writer lock: %w", err)
	}
	return nil
}

// --- Shared helpers ---

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// replacePlaceholders converts ? to $1, $2, $3 etc for postgres.
func replacePlaceholders(query string) string {
	result := make([]byte, 0, len(query))
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, fmt.Sprintf("$%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
