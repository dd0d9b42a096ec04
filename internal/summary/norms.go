package summary

import "time"

// Norms are long-term monthly and annual climate figures.
type Norms struct {
	MonthlyMeans [12]float64 `json:"monthly_means"`
	MonthlyRain  [12]float64 `json:"monthly_rain"`
	AnnualMean   float64     `json:"annual_mean"`
	AnnualRain   float64     `json:"annual_rain"`
	Days         int         `json:"days"`
}

// ComputeNorms groups records by local calendar month across all years.
//
// A monthly mean is the mean of the days' non-NULL mean temperatures. Monthly
// rain is the month's total rain divided by the number of distinct (year,
// month) instances with at least one record. Months without data are 0. The
// annual mean is the sum of monthly means over 12; annual rain is the sum of
// monthly rain.
func ComputeNorms(records []*Record, loc *time.Location) Norms {
	type ym struct {
		year  int
		month time.Month
	}
	var (
		tempSum   [12]float64
		tempDays  [12]int
		rainSum   [12]float64
		instances [12]map[ym]struct{}
		n         Norms
	)

	for _, r := range records {
		d := r.DayStart.In(loc)
		m := d.Month() - 1
		if instances[m] == nil {
			instances[m] = make(map[ym]struct{})
		}
		instances[m][ym{d.Year(), d.Month()}] = struct{}{}
		n.Days++

		if v, ok := r.Get("mean_temp"); ok {
			tempSum[m] += v
			tempDays[m]++
		}
		if v, ok := r.Get("rain"); ok {
			rainSum[m] += v
		}
	}

	var meanSum float64
	for m := 0; m < 12; m++ {
		if tempDays[m] > 0 {
			n.MonthlyMeans[m] = tempSum[m] / float64(tempDays[m])
		}
		if k := len(instances[m]); k > 0 {
			n.MonthlyRain[m] = rainSum[m] / float64(k)
		}
		meanSum += n.MonthlyMeans[m]
		n.AnnualRain += n.MonthlyRain[m]
	}
	n.AnnualMean = meanSum / 12
	return n
}
