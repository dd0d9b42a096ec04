// Package weather defines the measured quantities and archive records shared by
// the accumulators, the rollup builder and the stores.
package weather

import (
	"math"
	"time"
)

// NullValue is the archive sentinel for "not measured".
const NullValue = -100000.0

// IsNull reports whether v carries no measurement.
func IsNull(v float64) bool {
	return v == NullValue || math.IsNaN(v)
}

// Quantity identifies one measured quantity in an archive record.
type Quantity int

const (
	OutTemp Quantity = iota
	OutHumidity
	Barometer
	DewPoint
	WindChill
	HeatIndex
	WindSpeed
	WindDir
	WindGust
	WindGustDir
	Rain
	RainRate
	ET
	UV
	SolarRad
	ExtraTemp1
	ExtraTemp2
	SoilTemp1
	SoilMoist1
	LeafWet1

	NumQuantities
)

var quantityColumns = [NumQuantities]string{
	OutTemp:     "out_temp",
	OutHumidity: "out_humidity",
	Barometer:   "barometer",
	DewPoint:    "dew_point",
	WindChill:   "wind_chill",
	HeatIndex:   "heat_index",
	WindSpeed:   "wind_speed",
	WindDir:     "wind_dir",
	WindGust:    "wind_gust",
	WindGustDir: "wind_gust_dir",
	Rain:        "rain",
	RainRate:    "rain_rate",
	ET:          "et",
	UV:          "uv",
	SolarRad:    "solar_rad",
	ExtraTemp1:  "extra_temp1",
	ExtraTemp2:  "extra_temp2",
	SoilTemp1:   "soil_temp1",
	SoilMoist1:  "soil_moist1",
	LeafWet1:    "leaf_wet1",
}

// Column returns the archive column name for q.
func (q Quantity) Column() string {
	if q < 0 || q >= NumQuantities {
		return ""
	}
	return quantityColumns[q]
}

func (q Quantity) String() string { return q.Column() }

// IsFlow reports whether q is an interval total (summed) rather than a point sample.
func (q Quantity) IsFlow() bool {
	return q == Rain || q == ET
}

// IsDirection reports whether q is a compass angle in degrees.
func (q Quantity) IsDirection() bool {
	return q == WindDir || q == WindGustDir
}

// Quantities returns all quantities in column order.
func Quantities() []Quantity {
	qs := make([]Quantity, NumQuantities)
	for i := range qs {
		qs[i] = Quantity(i)
	}
	return qs
}

// QuantityByColumn looks up a quantity by its archive column name.
func QuantityByColumn(name string) (Quantity, bool) {
	for i, c := range quantityColumns {
		if c == name {
			return Quantity(i), true
		}
	}
	return 0, false
}

// Sample is a single measured value.
type Sample struct {
	Quantity  Quantity
	Value     float64
	Timestamp time.Time
}

// Observation is one archive record: the values measured over one archive interval.
type Observation struct {
	Timestamp time.Time
	Interval  int // minutes
	Values    [NumQuantities]float64
}

// NewObservation returns an observation with every quantity set to NullValue.
func NewObservation(ts time.Time, interval int) Observation {
	o := Observation{Timestamp: ts, Interval: interval}
	for i := range o.Values {
		o.Values[i] = NullValue
	}
	return o
}

// Value returns the value of q and whether it was measured.
func (o *Observation) Value(q Quantity) (float64, bool) {
	v := o.Values[q]
	if IsNull(v) {
		return 0, false
	}
	return v, true
}

// Set stores v for q.
func (o *Observation) Set(q Quantity, v float64) {
	o.Values[q] = v
}

// Samples returns the measured values of o.
func (o *Observation) Samples() []Sample {
	out := make([]Sample, 0, NumQuantities)
	for i, v := range o.Values {
		if IsNull(v) {
			continue
		}
		out = append(out, Sample{Quantity: Quantity(i), Value: v, Timestamp: o.Timestamp})
	}
	return out
}
