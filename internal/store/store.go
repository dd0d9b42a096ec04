package store

import (
	"context"
	"errors"
	"time"

	"github.com/chadmayfield/noaad/internal/summary"
	"github.com/chadmayfield/noaad/internal/weather"
)

var (
	// ErrFieldAccess is returned when a stored row or table does not match the
	// expected columns.
	ErrFieldAccess = errors.New("field access error")

	// ErrLockHeld is returned by AcquireWriterLock when another live owner holds the lock.
	ErrLockHeld = errors.New("writer lock held by another owner")
)

// Durability selects how hard the store works to make writes crash-safe.
type Durability int

const (
	Normal Durability = iota
	// Relaxed trades crash safety for throughput during bulk backfill.
	Relaxed
)

func (d Durability) String() string {
	if d == Relaxed {
		return "relaxed"
	}
	return "normal"
}

// Archive is the append-mostly store of archive records.
type Archive interface {
	// SaveObservation stores a single record. Upserts on timestamp.
	SaveObservation(ctx context.Context, obs *weather.Observation) error

	// SaveObservations stores records in batched transactions.
	SaveObservations(ctx context.Context, obs []weather.Observation) error

	// ObservationsBetween calls fn for every record in [start, end) in
	// timestamp order. An error from fn stops the scan and is returned.
	ObservationsBetween(ctx context.Context, start, end time.Time, fn func(*weather.Observation) error) error

	// NextRecordAfter returns the first record strictly after ts, or nil.
	NextRecordAfter(ctx context.Context, ts time.Time) (*weather.Observation, error)

	// NewestTimestamp returns the newest record's timestamp, or the zero time.
	NewestTimestamp(ctx context.Context) (time.Time, error)

	// DataRange returns the oldest and newest record timestamps.
	DataRange(ctx context.Context) (oldest, newest time.Time, err error)

	// ObservationCount returns the number of archive records.
	ObservationCount(ctx context.Context) (int, error)

	// WindowedAverages aggregates count consecutive windows of the given
	// interval starting at start. Returns nil when no records fall in range.
	WindowedAverages(ctx context.Context, interval time.Duration, start time.Time, count int) (*AggregateSnapshot, error)
}

// Summaries persists one daily record per local day, keyed by day start.
type Summaries interface {
	// EnsureSummarySchema creates the summary table, or adds columns missing
	// from an existing one. created reports whether the table was new.
	EnsureSummarySchema(ctx context.Context) (created bool, err error)

	// GetDay returns the record for dayStart, or nil when there is none.
	GetDay(ctx context.Context, dayStart time.Time) (*summary.Record, error)

	DeleteDay(ctx context.Context, dayStart time.Time) error
	InsertDay(ctx context.Context, rec *summary.Record) error

	// UpsertDay replaces the record for rec.DayStart in one transaction.
	UpsertDay(ctx context.Context, rec *summary.Record) error

	// MinDay and MaxDay return the first and last stored day, or the zero time.
	MinDay(ctx context.Context) (time.Time, error)
	MaxDay(ctx context.Context) (time.Time, error)

	// ListDays returns records with from <= day_start < to in day order. A
	// zero bound is open.
	ListDays(ctx context.Context, from, to time.Time) ([]*summary.Record, error)

	SetDurability(ctx context.Context, d Durability) error

	// AcquireWriterLock takes or refreshes the single-writer lock. A lock
	// whose heartbeat is older than ttl is taken over.
	AcquireWriterLock(ctx context.Context, owner string, ttl time.Duration) error
	ReleaseWriterLock(ctx context.Context, owner string) error
}

// Store is a complete storage backend. Both SQLite and PostgreSQL
// implementations satisfy it.
type Store interface {
	Archive
	Summaries

	// Driver returns "sqlite" or "postgres".
	Driver() string

	// Size returns the database size in bytes.
	Size(ctx context.Context) (int64, error)

	Close() error
}

// AggregateSnapshot holds windowed aggregates. Each bucket's Timestamp is
// its window start; quantities with no samples in a window are null.
type AggregateSnapshot struct {
	Start    time.Time
	Interval time.Duration
	Buckets  []weather.Observation
}
