// Package stats holds the running statistics kept per quantity and time frame:
// sensor high/low/average accumulators, wind direction histograms, and the
// tracker that resets each frame at its local calendar boundary.
package stats

import (
	"errors"
	"time"

	"github.com/chadmayfield/noaad/internal/weather"
)

// ErrNoData is returned by derived values of an accumulator with no samples.
var ErrNoData = errors.New("no data")

// DegreeDayBase is the °F midpoint used for heating and cooling degree-days.
const DegreeDayBase = 65.0

// SensorStat is a running sum/count/high/low for one quantity. The zero value
// is an empty accumulator.
type SensorStat struct {
	Sum      float64
	Count    int
	High     float64
	HighTime time.Time
	HighAttr float64 // attribute observed with the high, e.g. gust direction
	Low      float64
	LowTime  time.Time
}

// Update adds one sample. Null samples are ignored.
func (s *SensorStat) Update(value float64, ts time.Time) {
	s.UpdateWith(value, ts, weather.NullValue)
}

// UpdateWith adds one sample and records attr whenever value becomes the new high.
func (s *SensorStat) UpdateWith(value float64, ts time.Time, attr float64) {
	if weather.IsNull(value) {
		return
	}
	s.Count++
	s.Sum += value
	if s.Count == 1 || value > s.High {
		s.High = value
		s.HighTime = ts
		s.HighAttr = attr
	}
	if s.Count == 1 || value < s.Low {
		s.Low = value
		s.LowTime = ts
	}
}

// Average returns Sum/Count.
func (s *SensorStat) Average() (float64, error) {
	if s.Count == 0 {
		return 0, ErrNoData
	}
	return s.Sum / float64(s.Count), nil
}

// HeatingDegreeDays returns the heating degree-days for the accumulated high/low.
func (s *SensorStat) HeatingDegreeDays() (float64, error) {
	if s.Count == 0 {
		return 0, ErrNoData
	}
	return HeatingDegreeDays(s.High, s.Low), nil
}

// CoolingDegreeDays returns the cooling degree-days for the accumulated high/low.
func (s *SensorStat) CoolingDegreeDays() (float64, error) {
	if s.Count == 0 {
		return 0, ErrNoData
	}
	return CoolingDegreeDays(s.High, s.Low), nil
}

// Reset zeroes the accumulator.
func (s *SensorStat) Reset() {
	*s = SensorStat{}
}

// HeatingDegreeDays returns max(0, base - (high+low)/2).
func HeatingDegreeDays(high, low float64) float64 {
	mid := (high + low) / 2
	if mid < DegreeDayBase {
		return DegreeDayBase - mid
	}
	return 0
}

// CoolingDegreeDays returns max(0, (high+low)/2 - base).
func CoolingDegreeDays(high, low float64) float64 {
	mid := (high + low) / 2
	if mid > DegreeDayBase {
		return mid - DegreeDayBase
	}
	return 0
}
