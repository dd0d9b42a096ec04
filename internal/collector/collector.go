// Package collector ingests archive records: it persists them, feeds the live
// time-frame statistics, and signals the summary runner.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chadmayfield/noaad/internal/stats"
	"github.com/chadmayfield/noaad/internal/weather"
)

// Sink persists archive records.
type Sink interface {
	SaveObservations(ctx context.Context, obs []weather.Observation) error
}

// Status tracks ingest health.
type Status struct {
	LastObsAt             time.Time `json:"last_obs_at,omitempty"`
	ObservationAgeSeconds float64   `json:"observation_age_seconds,omitempty"`
	Received              int       `json:"received"`
	ErrorCount            int       `json:"error_count"`
	LastError             string    `json:"last_error,omitempty"`
}

// ErrInvalidObservation is returned for records that cannot be archived.
var ErrInvalidObservation = errors.New("invalid observation")

const saveTimeout = 10 * time.Second

// Collector accepts archive records from the station side.
type Collector struct {
	sink    Sink
	tracker *stats.Tracker
	logger  *slog.Logger

	mu     sync.RWMutex
	status Status
	notify func()
}

// NewCollector creates a new collector.
func NewCollector(sink Sink, tracker *stats.Tracker, logger *slog.Logger) *Collector {
	return &Collector{
		sink:    sink,
		tracker: tracker,
		logger:  logger,
	}
}

// SetNotifier registers fn to be called after every successful ingest.
func (c *Collector) SetNotifier(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

func validate(o *weather.Observation) error {
	switch {
	case o.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidObservation)
	case o.Interval <= 0:
		return fmt.Errorf("%w: interval %d at %s", ErrInvalidObservation, o.Interval, o.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Ingest archives obs in timestamp order, then feeds each record to the live
// tracker. Derived quantities that were not measured are computed first.
func (c *Collector) Ingest(ctx context.Context, obs []weather.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	for i := range obs {
		if err := validate(&obs[i]); err != nil {
			c.recordError(err)
			return err
		}
		obs[i].FillDerived()
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].Timestamp.Before(obs[j].Timestamp) })

	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	if err := c.sink.SaveObservations(ctx, obs); err != nil {
		c.logger.Error("failed to save observations", "count", len(obs), "error", err)
		c.recordError(err)
		return fmt.Errorf("saving observations: %w", err)
	}

	for i := range obs {
		c.tracker.Observe(&obs[i])
	}

	newest := obs[len(obs)-1].Timestamp
	c.mu.Lock()
	c.status.Received += len(obs)
	if newest.After(c.status.LastObsAt) {
		c.status.LastObsAt = newest
	}
	notify := c.notify
	c.mu.Unlock()

	c.logger.Info("saved observations",
		"count", len(obs),
		"newest", newest.Format(time.RFC3339),
	)

	if notify != nil {
		notify()
	}
	return nil
}

// Source streams archived records in timestamp order.
type Source interface {
	ObservationsBetween(ctx context.Context, start, end time.Time, fn func(*weather.Observation) error) error
}

// Warm replays archived records in [since, until) into the live tracker so
// frames are populated after a restart. It does not touch the ingest status.
func (c *Collector) Warm(ctx context.Context, src Source, since, until time.Time) (int, error) {
	n := 0
	err := src.ObservationsBetween(ctx, since, until, func(o *weather.Observation) error {
		c.tracker.Observe(o)
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("warming live frames: %w", err)
	}
	c.logger.Info("live frames warmed", "records", n, "since", since.Format(time.RFC3339))
	return n, nil
}

// Snapshot returns the live statistics for tf.
func (c *Collector) Snapshot(tf stats.TimeFrame) *stats.Frame {
	return c.tracker.Snapshot(tf)
}

// Status returns a snapshot of the ingest status.
func (c *Collector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := c.status
	if !status.LastObsAt.IsZero() {
		status.ObservationAgeSeconds = time.Since(status.LastObsAt).Seconds()
	}
	return status
}

func (c *Collector) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.ErrorCount++
	c.status.LastError = err.Error()
}
