package weather

import "math"

// ComputeDewPoint returns the dew point in °F for a temperature in °F and relative
// humidity in percent (Magnus formula).
func ComputeDewPoint(tempF, humidity float64) float64 {
	if humidity <= 0 {
		return NullValue
	}
	const b, c = 17.62, 243.12
	tc := (tempF - 32) * 5 / 9
	g := math.Log(humidity/100) + b*tc/(c+tc)
	return (c*g/(b-g))*9/5 + 32
}

// ComputeWindChill returns the NWS wind chill in °F. Outside the defined range
// (above 50°F or below 3 mph) the air temperature is returned.
func ComputeWindChill(tempF, windMPH float64) float64 {
	if tempF > 50 || windMPH < 3 {
		return tempF
	}
	v := math.Pow(windMPH, 0.16)
	return 35.74 + 0.6215*tempF - 35.75*v + 0.4275*tempF*v
}

// ComputeHeatIndex returns the NWS heat index in °F. Below 80°F the simple Steadman
// approximation is used, otherwise the Rothfusz regression.
func ComputeHeatIndex(tempF, humidity float64) float64 {
	simple := 0.5 * (tempF + 61 + (tempF-68)*1.2 + humidity*0.094)
	if (simple+tempF)/2 < 80 {
		return simple
	}
	t, r := tempF, humidity
	return -42.379 + 2.04901523*t + 10.14333127*r - 0.22475541*t*r -
		0.00683783*t*t - 0.05481717*r*r + 0.00122874*t*t*r +
		0.00085282*t*r*r - 0.00000199*t*t*r*r
}

// FillDerived computes dew point, wind chill and heat index for o where they
// were not measured but their inputs were.
func (o *Observation) FillDerived() {
	temp, okT := o.Value(OutTemp)
	if !okT {
		return
	}
	hum, okH := o.Value(OutHumidity)
	if _, ok := o.Value(DewPoint); !ok && okH {
		o.Set(DewPoint, ComputeDewPoint(temp, hum))
	}
	if _, ok := o.Value(HeatIndex); !ok && okH {
		o.Set(HeatIndex, ComputeHeatIndex(temp, hum))
	}
	if wind, ok := o.Value(WindSpeed); ok {
		if _, have := o.Value(WindChill); !have {
			o.Set(WindChill, ComputeWindChill(temp, wind))
		}
	}
}
