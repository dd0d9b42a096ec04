package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/chadmayfield/noaad/internal/localday"
	"github.com/chadmayfield/noaad/internal/weather"
)

// TimeFrame is a rolling statistics window.
type TimeFrame int

const (
	Hour TimeFrame = iota
	Day
	Week
	Month
	Year
	AllTime

	NumTimeFrames
)

var timeFrameNames = [NumTimeFrames]string{
	Hour:    "hour",
	Day:     "day",
	Week:    "week",
	Month:   "month",
	Year:    "year",
	AllTime: "all",
}

func (tf TimeFrame) String() string {
	if tf < 0 || tf >= NumTimeFrames {
		return fmt.Sprintf("TimeFrame(%d)", int(tf))
	}
	return timeFrameNames[tf]
}

// ParseTimeFrame parses a frame name as produced by String.
func ParseTimeFrame(s string) (TimeFrame, error) {
	for i, n := range timeFrameNames {
		if n == s {
			return TimeFrame(i), nil
		}
	}
	return 0, fmt.Errorf("unknown time frame %q", s)
}

// Start returns the start of the frame containing t. AllTime has no boundary
// and returns the zero time.
func (tf TimeFrame) Start(t time.Time, loc *time.Location) time.Time {
	switch tf {
	case Hour:
		return localday.HourStart(t, loc)
	case Day:
		return localday.Midnight(t, loc)
	case Week:
		return localday.WeekStart(t, loc)
	case Month:
		return localday.MonthStart(t, loc)
	case Year:
		return localday.YearStart(t, loc)
	default:
		return time.Time{}
	}
}

// Frame holds the accumulators for one time frame.
type Frame struct {
	Start   time.Time
	Sensors [weather.NumQuantities]SensorStat
	Wind    *WindVector
	Records int
}

// NewFrame returns an empty frame whose wind histogram uses bucketWidth.
func NewFrame(bucketWidth float64) (*Frame, error) {
	w, err := NewWindVector(bucketWidth)
	if err != nil {
		return nil, err
	}
	return &Frame{Wind: w}, nil
}

// Add streams every measured value of o into the frame's accumulators.
func (f *Frame) Add(o *weather.Observation) {
	f.Records++
	for _, s := range o.Samples() {
		switch s.Quantity {
		case weather.WindGust:
			f.Sensors[s.Quantity].UpdateWith(s.Value, s.Timestamp, o.Values[weather.WindGustDir])
		case weather.WindDir:
			f.Sensors[s.Quantity].Update(s.Value, s.Timestamp)
			f.Wind.Update(s.Value)
		default:
			f.Sensors[s.Quantity].Update(s.Value, s.Timestamp)
		}
	}
}

// Reset clears the frame and sets its start.
func (f *Frame) Reset(start time.Time) {
	for i := range f.Sensors {
		f.Sensors[i].Reset()
	}
	f.Wind.Reset()
	f.Records = 0
	f.Start = start
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	c := *f
	w := *f.Wind
	w.counts = append([]int(nil), f.Wind.counts...)
	c.Wind = &w
	return &c
}

// Tracker maintains a Frame for every TimeFrame and resets each one when an
// observation crosses its local boundary. It is safe for concurrent use.
type Tracker struct {
	loc *time.Location

	mu     sync.RWMutex
	frames [NumTimeFrames]*Frame
}

// NewTracker returns a tracker resolving boundaries in loc.
func NewTracker(loc *time.Location, bucketWidth float64) (*Tracker, error) {
	t := &Tracker{loc: loc}
	for i := range t.frames {
		f, err := NewFrame(bucketWidth)
		if err != nil {
			return nil, err
		}
		t.frames[i] = f
	}
	return t, nil
}

// Observe adds o to every frame. A frame whose boundary o has crossed is reset
// first; an observation older than a frame's start is not added to that frame.
func (t *Tracker) Observe(o *weather.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, f := range t.frames {
		tf := TimeFrame(i)
		if tf == AllTime {
			if f.Records == 0 {
				f.Start = o.Timestamp
			}
			f.Add(o)
			continue
		}
		start := tf.Start(o.Timestamp, t.loc)
		switch {
		case f.Records == 0 || start.After(f.Start):
			f.Reset(start)
		case start.Before(f.Start):
			continue
		}
		f.Add(o)
	}
}

// Snapshot returns a copy of the frame for tf.
func (t *Tracker) Snapshot(tf TimeFrame) *Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frames[tf].Clone()
}
