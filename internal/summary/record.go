// Package summary derives one persisted record per local calendar day from the
// archive, and the climate norms computed over those records.
package summary

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chadmayfield/noaad/internal/stats"
	"github.com/chadmayfield/noaad/internal/weather"
)

// Kind is the storage class of a summary column.
type Kind int

const (
	Real Kind = iota
	Time      // unix seconds
	Int
)

// SQLType returns the column type for the given SQL dialect ("sqlite" or "postgres").
func (k Kind) SQLType(dialect string) string {
	switch {
	case k == Real && dialect == "postgres":
		return "DOUBLE PRECISION"
	case k == Real:
		return "REAL"
	case dialect == "postgres":
		return "BIGINT"
	default:
		return "INTEGER"
	}
}

// Column describes one value of a daily record. The same table drives
// derivation, the SQL schema, reads, writes and JSON.
type Column struct {
	Name     string
	Kind     Kind
	Quantity weather.Quantity
	Derive   func(f *stats.Frame) (float64, bool)
}

func mean(q weather.Quantity) func(*stats.Frame) (float64, bool) {
	return func(f *stats.Frame) (float64, bool) {
		v, err := f.Sensors[q].Average()
		return v, err == nil
	}
}

func high(q weather.Quantity) func(*stats.Frame) (float64, bool) {
	return func(f *stats.Frame) (float64, bool) {
		s := &f.Sensors[q]
		return s.High, s.Count > 0
	}
}

func highTime(q weather.Quantity) func(*stats.Frame) (float64, bool) {
	return func(f *stats.Frame) (float64, bool) {
		s := &f.Sensors[q]
		return float64(s.HighTime.Unix()), s.Count > 0
	}
}

func low(q weather.Quantity) func(*stats.Frame) (float64, bool) {
	return func(f *stats.Frame) (float64, bool) {
		s := &f.Sensors[q]
		return s.Low, s.Count > 0
	}
}

func lowTime(q weather.Quantity) func(*stats.Frame) (float64, bool) {
	return func(f *stats.Frame) (float64, bool) {
		s := &f.Sensors[q]
		return float64(s.LowTime.Unix()), s.Count > 0
	}
}

func sum(q weather.Quantity) func(*stats.Frame) (float64, bool) {
	return func(f *stats.Frame) (float64, bool) {
		s := &f.Sensors[q]
		return s.Sum, s.Count > 0
	}
}

// Columns lists every value of a daily record in storage order.
var Columns = buildColumns()

func buildColumns() []Column {
	cols := []Column{
		{Name: "records", Kind: Int, Derive: func(f *stats.Frame) (float64, bool) {
			return float64(f.Records), true
		}},
		{Name: "mean_temp", Quantity: weather.OutTemp, Derive: mean(weather.OutTemp)},
		{Name: "high_temp", Quantity: weather.OutTemp, Derive: high(weather.OutTemp)},
		{Name: "high_temp_time", Kind: Time, Quantity: weather.OutTemp, Derive: highTime(weather.OutTemp)},
		{Name: "low_temp", Quantity: weather.OutTemp, Derive: low(weather.OutTemp)},
		{Name: "low_temp_time", Kind: Time, Quantity: weather.OutTemp, Derive: lowTime(weather.OutTemp)},
		{Name: "heat_deg_days", Quantity: weather.OutTemp, Derive: func(f *stats.Frame) (float64, bool) {
			v, err := f.Sensors[weather.OutTemp].HeatingDegreeDays()
			return v, err == nil
		}},
		{Name: "cool_deg_days", Quantity: weather.OutTemp, Derive: func(f *stats.Frame) (float64, bool) {
			v, err := f.Sensors[weather.OutTemp].CoolingDegreeDays()
			return v, err == nil
		}},
		{Name: "rain", Quantity: weather.Rain, Derive: sum(weather.Rain)},
		{Name: "high_rain_rate", Quantity: weather.RainRate, Derive: high(weather.RainRate)},
		{Name: "avg_wind", Quantity: weather.WindSpeed, Derive: mean(weather.WindSpeed)},
		{Name: "high_wind", Quantity: weather.WindGust, Derive: high(weather.WindGust)},
		{Name: "high_wind_time", Kind: Time, Quantity: weather.WindGust, Derive: highTime(weather.WindGust)},
		{Name: "high_wind_dir", Quantity: weather.WindGust, Derive: func(f *stats.Frame) (float64, bool) {
			s := &f.Sensors[weather.WindGust]
			return s.HighAttr, s.Count > 0 && !weather.IsNull(s.HighAttr)
		}},
		{Name: "dom_wind_dir", Quantity: weather.WindDir, Derive: func(f *stats.Frame) (float64, bool) {
			return f.Wind.DominantDegrees()
		}},
	}

	for _, q := range []weather.Quantity{
		weather.OutHumidity, weather.Barometer, weather.DewPoint, weather.WindChill,
		weather.HeatIndex, weather.UV, weather.SolarRad, weather.ExtraTemp1,
		weather.ExtraTemp2, weather.SoilTemp1, weather.SoilMoist1, weather.LeafWet1,
	} {
		c := q.Column()
		cols = append(cols,
			Column{Name: "mean_" + c, Quantity: q, Derive: mean(q)},
			Column{Name: "high_" + c, Quantity: q, Derive: high(q)},
			Column{Name: "low_" + c, Quantity: q, Derive: low(q)},
		)
	}

	return append(cols, Column{Name: "et", Quantity: weather.ET, Derive: sum(weather.ET)})
}

// ColumnIndex returns the position of the named column in Columns, or -1.
func ColumnIndex(name string) int {
	for i, c := range Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Record is the summary of one local calendar day. Values is parallel to
// Columns; an invalid entry means the day had no samples for that column.
type Record struct {
	DayStart time.Time
	Values   []sql.NullFloat64
}

// NewRecord returns a record with every value NULL.
func NewRecord(dayStart time.Time) *Record {
	return &Record{DayStart: dayStart, Values: make([]sql.NullFloat64, len(Columns))}
}

// Derive builds the record for the day starting at dayStart from a frame that
// holds exactly that day's samples.
func Derive(dayStart time.Time, f *stats.Frame) *Record {
	r := NewRecord(dayStart)
	for i, c := range Columns {
		if v, ok := c.Derive(f); ok {
			r.Values[i] = sql.NullFloat64{Float64: v, Valid: true}
		}
	}
	return r
}

// Get returns the named value and whether it is non-NULL.
func (r *Record) Get(name string) (float64, bool) {
	i := ColumnIndex(name)
	if i < 0 || !r.Values[i].Valid {
		return 0, false
	}
	return r.Values[i].Float64, true
}

// Time returns the named time column in the record's location.
func (r *Record) Time(name string) (time.Time, bool) {
	v, ok := r.Get(name)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(v), 0).In(r.DayStart.Location()), true
}

// Records returns the number of archive records the day was built from.
func (r *Record) Records() int {
	v, _ := r.Get("records")
	return int(v)
}

// Args returns the values as SQL arguments, day_start first. Time and Int
// columns are bound as integers.
func (r *Record) Args() []any {
	args := make([]any, 0, len(Columns)+1)
	args = append(args, r.DayStart.Unix())
	for i, c := range Columns {
		v := r.Values[i]
		switch {
		case !v.Valid:
			args = append(args, nil)
		case c.Kind == Real:
			args = append(args, v.Float64)
		default:
			args = append(args, int64(v.Float64))
		}
	}
	return args
}

// ScanDest returns scan targets matching Args, writing day_start into *day.
func (r *Record) ScanDest(day *int64) []any {
	if len(r.Values) != len(Columns) {
		r.Values = make([]sql.NullFloat64, len(Columns))
	}
	dest := make([]any, 0, len(Columns)+1)
	dest = append(dest, day)
	for i := range r.Values {
		dest = append(dest, &r.Values[i])
	}
	return dest
}

// Equal reports whether both records hold the same day and values.
func (r *Record) Equal(o *Record) bool {
	if !r.DayStart.Equal(o.DayStart) || len(r.Values) != len(o.Values) {
		return false
	}
	for i := range r.Values {
		if r.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// MarshalJSON renders the record keyed by column name. NULL values are null,
// and each time column gets a companion "<name>_local" as HH:MM in the
// record's location.
func (r *Record) MarshalJSON() ([]byte, error) {
	loc := r.DayStart.Location()
	m := make(map[string]any, len(Columns)+2)
	m["date"] = r.DayStart.Format(time.DateOnly)
	m["day_start"] = r.DayStart.Format(time.RFC3339)
	for i, c := range Columns {
		v := r.Values[i]
		if !v.Valid {
			m[c.Name] = nil
			if c.Kind == Time {
				m[c.Name+"_local"] = nil
			}
			continue
		}
		switch c.Kind {
		case Time:
			t := time.Unix(int64(v.Float64), 0).In(loc)
			m[c.Name] = t.Format(time.RFC3339)
			m[c.Name+"_local"] = t.Format("15:04")
		case Int:
			m[c.Name] = int64(v.Float64)
		default:
			m[c.Name] = v.Float64
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", r.DayStart.Format(time.DateOnly), err)
	}
	return b, nil
}
