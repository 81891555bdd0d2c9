package openmeteo

import (
	"math"
	"time"

	talib "github.com/markcheno/go-talib"
)

const (
	gddBaseC           = 10.0
	heatwaveThresholdC = 35.0
	frostThresholdC    = 0.0

	// Window for smoothing the daily max series when measuring sustained
	// heat, as opposed to single hot afternoons.
	smoothingWindow = 7
)

// growingSeason returns the daily range to request for a vintage year.
// Southern-hemisphere seasons span the calendar boundary and end in the
// vintage year itself.
func growingSeason(year int, latitude float64) (time.Time, time.Time) {
	if latitude < 0 {
		return time.Date(year-1, time.October, 1, 0, 0, 0, 0, time.UTC),
			time.Date(year, time.April, 30, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, time.April, 1, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.October, 31, 0, 0, 0, 0, time.UTC)
}

// processDaily reduces a raw daily series into a vintage Analysis.
func processDaily(region string, year int, alias string, raw *archiveResponse, expectedDays int) *Analysis {
	d := raw.Daily
	n := len(d.Time)
	if n == 0 {
		return nil
	}

	a := &Analysis{
		Region:        region,
		Year:          year,
		VineyardAlias: alias,
		SampleDays:    n,
	}

	maxT := math.Inf(-1)
	minT := math.Inf(1)
	var sumMean, sumRange float64

	for i := 0; i < n; i++ {
		var hi, lo float64
		if i < len(d.TemperatureMax) {
			hi = d.TemperatureMax[i]
		}
		if i < len(d.TemperatureMin) {
			lo = d.TemperatureMin[i]
		}

		mean := (hi + lo) / 2
		if i < len(d.TemperatureMean) {
			mean = d.TemperatureMean[i]
		}
		sumMean += mean
		sumRange += hi - lo

		if hi > maxT {
			maxT = hi
		}
		if lo < minT {
			minT = lo
		}
		if lo <= frostThresholdC {
			a.FrostDays++
		}
		if gdd := (hi+lo)/2 - gddBaseC; gdd > 0 {
			a.GDD += gdd
		}
		if i < len(d.PrecipitationSum) {
			a.TotalRainfallMM += d.PrecipitationSum[i]
		}
		if i < len(d.SunshineDuration) {
			a.SunshineHours += d.SunshineDuration[i] / 3600
		}
	}

	a.MeanTempC = round1(sumMean / float64(n))
	a.MaxTempC = maxT
	a.MinTempC = minT
	a.DiurnalRangeC = round1(sumRange / float64(n))
	a.GDD = round1(a.GDD)
	a.TotalRainfallMM = round1(a.TotalRainfallMM)
	a.SunshineHours = round1(a.SunshineHours)
	a.HeatwaveDays = countHeatwaveDays(d.TemperatureMax)
	a.SustainedHeatDays = countSustainedHeatDays(d.TemperatureMax)

	a.RipenessScore = round2(clamp((a.GDD-700)/1200*5, 0, 5))
	a.AcidityScore = round2(clamp((a.DiurnalRangeC-5)/10*2.5+(20-a.MeanTempC)/10*2.5, 0, 5))
	a.DiseaseScore = round2(clamp(5-(a.TotalRainfallMM-150)/130, 0, 5))

	composite := (0.45*a.RipenessScore + 0.30*a.AcidityScore + 0.25*a.DiseaseScore) / 5 * 100
	composite -= math.Min(10, float64(a.HeatwaveDays)*0.8)
	composite -= math.Min(10, float64(a.FrostDays)*1.5)
	a.OverallScore = round1(clamp(composite, 0, 100))

	completeness := float64(n) / float64(expectedDays)
	switch {
	case completeness >= 0.95:
		a.Confidence = ConfidenceHigh
	case completeness >= 0.70:
		a.Confidence = ConfidenceMedium
	default:
		a.Confidence = ConfidenceLow
	}

	return a
}

// countHeatwaveDays counts days where the raw daily max reaches the
// heatwave threshold.
func countHeatwaveDays(maxSeries []float64) int {
	days := 0
	for _, v := range maxSeries {
		if v >= heatwaveThresholdC {
			days++
		}
	}
	return days
}

// countSustainedHeatDays counts days where the smoothed daily max stays
// at or above the heatwave threshold, so single hot afternoons do not
// register.
func countSustainedHeatDays(maxSeries []float64) int {
	if len(maxSeries) < smoothingWindow {
		return 0
	}
	days := 0
	for _, v := range talib.Sma(maxSeries, smoothingWindow) {
		if v >= heatwaveThresholdC {
			days++
		}
	}
	return days
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
