package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chadmayfield/noaad/internal/localday"
	"github.com/chadmayfield/noaad/internal/stats"
	"github.com/chadmayfield/noaad/internal/weather"
)

// ErrNoArchiveData is returned by Build when the day has no archive records.
var ErrNoArchiveData = errors.New("no archive data for day")

// Archive streams archive records in [start, end) in timestamp order.
type Archive interface {
	ObservationsBetween(ctx context.Context, start, end time.Time, fn func(*weather.Observation) error) error
}

// Builder derives daily records from the archive.
type Builder struct {
	archive     Archive
	loc         *time.Location
	bucketWidth float64
}

// NewBuilder returns a builder resolving days in loc.
func NewBuilder(archive Archive, loc *time.Location, bucketWidth float64) (*Builder, error) {
	if err := stats.ValidateBucketWidth(bucketWidth); err != nil {
		return nil, err
	}
	return &Builder{archive: archive, loc: loc, bucketWidth: bucketWidth}, nil
}

// Location returns the builder's time zone.
func (b *Builder) Location() *time.Location { return b.loc }

// Build summarizes the local day containing day. The window runs from local
// midnight to the next local midnight, so DST days span 23 or 25 hours.
func (b *Builder) Build(ctx context.Context, day time.Time) (*Record, error) {
	start, end := localday.Bounds(day, b.loc)

	f, err := stats.NewFrame(b.bucketWidth)
	if err != nil {
		return nil, err
	}
	f.Start = start

	err = b.archive.ObservationsBetween(ctx, start, end, func(o *weather.Observation) error {
		f.Add(o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading archive for %s: %w", start.Format(time.DateOnly), err)
	}
	if f.Records == 0 {
		return nil, ErrNoArchiveData
	}
	return Derive(start, f), nil
}
