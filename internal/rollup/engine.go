// Package rollup keeps the daily summary table caught up with the archive.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chadmayfield/noaad/internal/localday"
	"github.com/chadmayfield/noaad/internal/stats"
	"github.com/chadmayfield/noaad/internal/store"
	"github.com/chadmayfield/noaad/internal/summary"
	"github.com/chadmayfield/noaad/internal/weather"
)

// Store is the storage the engine reads archive records from and writes
// summaries to.
type Store interface {
	summary.Archive
	store.Summaries
	NextRecordAfter(ctx context.Context, ts time.Time) (*weather.Observation, error)
}

// SyncReport describes one sync run.
type SyncReport struct {
	From             time.Time     `json:"from"`
	To               time.Time     `json:"to"`
	DaysScanned      int           `json:"days_scanned"`
	DaysEmpty        int           `json:"days_empty"`
	DaysFailed       int           `json:"days_failed"`
	RecordsProcessed int           `json:"records_processed"`
	RowsWritten      int           `json:"rows_written"`
	Duration         time.Duration `json:"duration"`
	Finished         time.Time     `json:"finished"`
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Location       *time.Location
	BucketWidth    float64
	Workers        int
	LockTTL        time.Duration
	BackfillOnInit bool
	Logger         *slog.Logger
	Now            func() time.Time
}

const defaultLockTTL = 10 * time.Minute

// Engine materializes one summary row per local day and serves them.
type Engine struct {
	store    Store
	builder  *summary.Builder
	loc      *time.Location
	workers  int
	lockTTL  time.Duration
	backfill bool
	owner    string
	logger   *slog.Logger
	now      func() time.Time

	syncMu sync.Mutex

	mu   sync.RWMutex
	last SyncReport
}

// New returns an engine over s.
func New(s Store, opts Options) (*Engine, error) {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.BucketWidth == 0 {
		opts.BucketWidth = stats.DefaultBucketWidth
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b, err := summary.NewBuilder(s, opts.Location, opts.BucketWidth)
	if err != nil {
		return nil, fmt.Errorf("creating builder: %w", err)
	}

	return &Engine{
		store:    s,
		builder:  b,
		loc:      opts.Location,
		workers:  opts.Workers,
		lockTTL:  opts.LockTTL,
		backfill: opts.BackfillOnInit,
		owner:    uuid.NewString(),
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

// Location returns the time zone days are resolved in.
func (e *Engine) Location() *time.Location { return e.loc }

// Owner returns the writer lock owner ID of this engine.
func (e *Engine) Owner() string { return e.owner }

func (e *Engine) lock(ctx context.Context) error {
	err := e.store.AcquireWriterLock(ctx, e.owner, e.lockTTL)
	switch {
	case errors.Is(err, store.ErrLockHeld):
		return ErrLocked
	case err != nil:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// lease keeps the writer lock heartbeat fresh while a locked operation runs.
// If the lock cannot be refreshed, ctx is cancelled with an ErrLocked cause so
// no further rows are written.
type lease struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   chan struct{}
	done   chan struct{}
}

// hold takes the writer lock and starts refreshing it every third of the TTL.
func (e *Engine) hold(ctx context.Context) (*lease, error) {
	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancelCause(ctx)
	l := &lease{ctx: lctx, cancel: cancel, stop: make(chan struct{}), done: make(chan struct{})}
	go e.heartbeat(l)
	return l, nil
}

func (e *Engine) heartbeat(l *lease) {
	defer close(l.done)
	t := time.NewTicker(max(e.lockTTL/3, time.Millisecond))
	defer t.Stop()

	last := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
		}

		err := e.lock(l.ctx)
		switch {
		case err == nil:
			last = time.Now()
		case l.ctx.Err() != nil:
			return
		case errors.Is(err, ErrLocked):
			e.logger.Error("writer lock taken over, stopping sync", "owner", e.owner)
			l.cancel(err)
			return
		case time.Since(last) >= e.lockTTL/2:
			// Another instance may take over before the next refresh lands.
			e.logger.Error("cannot refresh writer lock, stopping sync", "error", err)
			l.cancel(fmt.Errorf("%w: %w", ErrLocked, err))
			return
		default:
			e.logger.Warn("failed to refresh writer lock", "error", err)
		}
	}
}

// release stops the heartbeat. A failure caused by losing the lock is
// reported as ErrLocked.
func (l *lease) release(err error) error {
	close(l.stop)
	<-l.done
	if cause := context.Cause(l.ctx); err != nil && errors.Is(cause, ErrLocked) {
		err = cause
	}
	l.cancel(nil)
	return err
}

// Init takes the writer lock and attaches to the summary table, creating it
// when missing. A new table is backfilled from the whole archive with relaxed
// durability. Calling Init again is harmless. If Init fails after taking the
// lock, the lock is released so another instance need not wait out the TTL.
func (e *Engine) Init(ctx context.Context) (err error) {
	l, err := e.hold(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = l.release(err)
		if err == nil || errors.Is(err, ErrLocked) {
			return
		}
		if rerr := e.store.ReleaseWriterLock(context.WithoutCancel(ctx), e.owner); rerr != nil {
			e.logger.Error("failed to release writer lock", "error", rerr)
		}
	}()
	ctx = l.ctx

	created, err := e.store.EnsureSummarySchema(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaCreate, err)
	}
	if !created {
		e.logger.Info("attached to summary table")
		return nil
	}
	e.logger.Info("created summary table")
	if !e.backfill {
		return nil
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	_, err = e.bulkBackfill(ctx)
	return err
}

func (e *Engine) bulkBackfill(ctx context.Context) (rep SyncReport, err error) {
	first, err := e.store.NextRecordAfter(ctx, time.Time{})
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if first == nil {
		e.logger.Info("archive is empty, starting with new station")
		return rep, nil
	}

	if err := e.store.SetDurability(ctx, store.Relaxed); err != nil {
		return rep, fmt.Errorf("relaxing durability: %w", err)
	}
	defer func() {
		if rerr := e.store.SetDurability(context.WithoutCancel(ctx), store.Normal); rerr != nil {
			e.logger.Error("failed to restore durability", "error", rerr)
			err = errors.Join(err, fmt.Errorf("restoring durability: %w", rerr))
		}
	}()

	e.logger.Info("backfilling summaries", "first_record", first.Timestamp.In(e.loc).Format(time.RFC3339))
	rep, err = e.update(ctx)
	e.setLast(rep)
	return rep, err
}

// Update summarizes every complete day after the newest stored day, or after
// the first archive day when the table is empty. Today is never summarized.
// Days without archive records are skipped; a day that fails is logged and
// counted and the run continues. On cancellation the partial report is
// returned with ctx.Err().
func (e *Engine) Update(ctx context.Context) (SyncReport, error) {
	if !e.syncMu.TryLock() {
		return SyncReport{}, ErrSyncInProgress
	}
	defer e.syncMu.Unlock()

	l, err := e.hold(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	rep, err := e.update(l.ctx)
	err = l.release(err)
	e.setLast(rep)
	return rep, err
}

func (e *Engine) update(ctx context.Context) (SyncReport, error) {
	today := localday.Midnight(e.now(), e.loc)

	last, err := e.store.MaxDay(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if last.IsZero() {
		first, err := e.store.NextRecordAfter(ctx, time.Time{})
		if err != nil {
			return SyncReport{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if first == nil {
			e.logger.Info("no archive records to summarize")
			return SyncReport{}, nil
		}
		last = localday.Prev(first.Timestamp, e.loc)
	} else {
		last = localday.Midnight(last, e.loc)
	}

	if localday.AddDays(last, e.loc, 2).After(today) {
		e.logger.Debug("summaries up to date, nothing to do", "last_day", localday.Format(last, e.loc))
		return SyncReport{}, nil
	}
	return e.syncRange(ctx, localday.Next(last, e.loc), today)
}

// Rebuild re-summarizes every day from from through to inclusive,
// replacing existing rows.
func (e *Engine) Rebuild(ctx context.Context, from, to time.Time) (SyncReport, error) {
	from = localday.Midnight(from, e.loc)
	end := localday.Next(to, e.loc)
	if !from.Before(end) {
		return SyncReport{}, fmt.Errorf("invalid range %s to %s", localday.Format(from, e.loc), localday.Format(to, e.loc))
	}

	if !e.syncMu.TryLock() {
		return SyncReport{}, ErrSyncInProgress
	}
	defer e.syncMu.Unlock()

	l, err := e.hold(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	rep, err := e.syncRange(l.ctx, from, end)
	err = l.release(err)
	e.setLast(rep)
	return rep, err
}

type buildResult struct {
	rec *summary.Record
	err error
}

// syncRange summarizes the days in [from, to). Builds run in windows of
// e.workers days; rows are written in day order.
func (e *Engine) syncRange(ctx context.Context, from, to time.Time) (SyncReport, error) {
	started := e.now()
	rep := SyncReport{From: from, To: to}
	finish := func() SyncReport {
		rep.Duration = e.now().Sub(started)
		rep.Finished = e.now()
		return rep
	}

	var days []time.Time
	for d := from; d.Before(to); d = localday.Next(d, e.loc) {
		days = append(days, d)
	}

	e.logger.Info("summarizing days",
		"from", localday.Format(from, e.loc),
		"to", localday.Format(to, e.loc),
		"days", len(days),
		"workers", e.workers,
	)

	for i := 0; i < len(days); i += e.workers {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("summary sync cancelled", "days_scanned", rep.DaysScanned)
			return finish(), err
		}

		batch := days[i:min(i+e.workers, len(days))]
		results := e.buildBatch(ctx, batch)

		for j, r := range results {
			day := localday.Format(batch[j], e.loc)
			switch {
			case errors.Is(r.err, summary.ErrNoArchiveData):
				rep.DaysScanned++
				rep.DaysEmpty++
				e.logger.Debug("no archive data for day", "day", day)
			case r.err != nil:
				if err := ctx.Err(); err != nil {
					return finish(), err
				}
				rep.DaysScanned++
				rep.DaysFailed++
				e.logger.Error("failed to summarize day", "day", day, "error", r.err)
			default:
				// Never write once the lock may have been lost.
				if cause := context.Cause(ctx); errors.Is(cause, ErrLocked) {
					return finish(), cause
				}
				rep.DaysScanned++
				rep.RecordsProcessed += r.rec.Records()
				if err := e.store.UpsertDay(ctx, r.rec); err != nil {
					rep.DaysFailed++
					e.logger.Error("failed to write day", "day", day, "error", fmt.Errorf("%w: %w", ErrWrite, err))
					continue
				}
				rep.RowsWritten++
				e.logger.Debug("summarized day", "day", day, "records", r.rec.Records())
			}
		}
	}

	rep = finish()
	e.logger.Info("summary sync complete",
		"days_scanned", rep.DaysScanned,
		"days_empty", rep.DaysEmpty,
		"days_failed", rep.DaysFailed,
		"records", rep.RecordsProcessed,
		"rows_written", rep.RowsWritten,
		"duration", rep.Duration,
	)
	return rep, nil
}

func (e *Engine) buildBatch(ctx context.Context, days []time.Time) []buildResult {
	results := make([]buildResult, len(days))
	if len(days) == 1 {
		rec, err := e.builder.Build(ctx, days[0])
		results[0] = buildResult{rec, err}
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, d := range days {
		g.Go(func() error {
			rec, err := e.builder.Build(ctx, d)
			results[i] = buildResult{rec, err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// GetDay returns the stored record for the local day containing date.
func (e *Engine) GetDay(ctx context.Context, date time.Time) (*summary.Record, error) {
	day := localday.Midnight(date, e.loc)
	rec, err := e.store.GetDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("getting day %s: %w", localday.Format(day, e.loc), err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	rec.DayStart = rec.DayStart.In(e.loc)
	return rec, nil
}

// ComputeClimateNorms computes monthly and annual norms from every stored day.
func (e *Engine) ComputeClimateNorms(ctx context.Context) (summary.Norms, error) {
	recs, err := e.store.ListDays(ctx, time.Time{}, time.Time{})
	if err != nil {
		return summary.Norms{}, fmt.Errorf("listing days: %w", err)
	}
	return summary.ComputeNorms(recs, e.loc), nil
}

// SummaryRange returns the first and last stored days.
func (e *Engine) SummaryRange(ctx context.Context) (first, last time.Time, err error) {
	if first, err = e.store.MinDay(ctx); err != nil {
		return
	}
	if last, err = e.store.MaxDay(ctx); err != nil {
		return
	}
	return first.In(e.loc), last.In(e.loc), nil
}

// LastReport returns the report of the most recent sync.
func (e *Engine) LastReport() SyncReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

func (e *Engine) setLast(rep SyncReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = rep
}

// Close releases the writer lock.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.store.ReleaseWriterLock(ctx, e.owner); err != nil {
		return fmt.Errorf("releasing writer lock: %w", err)
	}
	return nil
}
