// Package forecast projects future daily sales from historical data.
// It fits a least-squares trend line to the per-day totals and widens
// it into a 95% band from the residual spread.
package forecast

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/bizpilot/bizpilot/internal/dataset"
)

const (
	// DefaultHorizon is used when the caller does not pick one.
	DefaultHorizon = 30
	// MaxHorizon caps how far out a projection may run.
	MaxHorizon = 365

	minRows = 10
	minDays = 3

	// zBand widens the trend line into a 95% interval.
	zBand = 1.96
	// stableBelowPercent is the trend change treated as flat.
	stableBelowPercent = 1.0
	// currentWindowDays is how much recent history anchors the trend
	// comparison.
	currentWindowDays = 30
)

// Entry is one projected day.
type Entry struct {
	Date           string  `json:"date"`
	PredictedSales float64 `json:"predicted_sales"`
	LowerBound     float64 `json:"lower_bound"`
	UpperBound     float64 `json:"upper_bound"`
}

// Summary condenses the projection into the numbers the assistant
// quotes back to the user.
type Summary struct {
	Trend           string  `json:"trend"`
	TrendPercent    float64 `json:"trend_percent"`
	CurrentAvg      float64 `json:"current_avg"`
	ForecastAvg     float64 `json:"forecast_avg"`
	DataPointsUsed  int     `json:"data_points_used"`
	ForecastPeriods int     `json:"forecast_periods"`
}

// Report is the full forecast result.
type Report struct {
	Forecast []Entry  `json:"forecast"`
	Insights []string `json:"insights"`
	Summary  Summary  `json:"summary"`
}

type point struct {
	date  time.Time
	total float64
}

// ClampHorizon normalizes a requested horizon into [1, MaxHorizon].
// Zero or negative requests fall back to DefaultHorizon. Out-of-range
// values are clamped rather than rejected so a caller asking for too
// much still gets the longest supported forecast.
func ClampHorizon(periods int) int {
	if periods <= 0 {
		return DefaultHorizon
	}
	if periods > MaxHorizon {
		return MaxHorizon
	}
	return periods
}

// Demand forecasts daily sales for the next periods days. The horizon
// is clamped to [1, MaxHorizon], defaulting to DefaultHorizon when
// unset. Rows whose date or amount will not parse are dropped; at
// least 10 usable rows spanning 3 distinct days are required.
func Demand(t *dataset.Table, periods int) (*Report, error) {
	periods = ClampHorizon(periods)

	cols := dataset.DetectColumns(t.Headers)
	if cols.Date < 0 || cols.Sales < 0 {
		return nil, fmt.Errorf("could not detect date and sales columns")
	}

	rows := 0
	totals := make(map[time.Time]float64)
	for i := range t.Rows {
		d, ok := dataset.Date(t.Cell(i, cols.Date))
		if !ok {
			continue
		}
		v, ok := dataset.Float(t.Cell(i, cols.Sales))
		if !ok {
			continue
		}
		rows++
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		totals[day] += v
	}

	if rows < minRows {
		return nil, fmt.Errorf("not enough data points for forecasting: have %d, need at least %d", rows, minRows)
	}
	if len(totals) < minDays {
		return nil, fmt.Errorf("not enough distinct days to fit a trend: have %d, need at least %d", len(totals), minDays)
	}

	points := make([]point, 0, len(totals))
	for d, v := range totals {
		points = append(points, point{date: d, total: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].date.Before(points[j].date) })

	first := points[0].date
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.date.Sub(first).Hours() / 24
		ys[i] = p.total
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	band := zBand * residualStdErr(xs, ys, alpha, beta)

	last := points[len(points)-1].date
	entries := make([]Entry, 0, periods)
	forecastSum := 0.0
	for k := 1; k <= periods; k++ {
		day := last.AddDate(0, 0, k)
		x := day.Sub(first).Hours() / 24
		yhat := alpha + beta*x

		predicted := math.Max(0, yhat)
		forecastSum += predicted
		entries = append(entries, Entry{
			Date:           day.Format("2006-01-02"),
			PredictedSales: round2(predicted),
			LowerBound:     round2(math.Max(0, yhat-band)),
			UpperBound:     round2(math.Max(0, yhat+band)),
		})
	}

	recent := ys
	if len(recent) > currentWindowDays {
		recent = recent[len(recent)-currentWindowDays:]
	}
	currentAvg := stat.Mean(recent, nil)
	forecastAvg := forecastSum / float64(periods)

	trendPercent := 0.0
	if currentAvg != 0 {
		trendPercent = (forecastAvg - currentAvg) / currentAvg * 100
	}
	trend := "stable"
	switch {
	case trendPercent >= stableBelowPercent:
		trend = "increasing"
	case trendPercent <= -stableBelowPercent:
		trend = "decreasing"
	}

	return &Report{
		Forecast: entries,
		Insights: []string{
			fmt.Sprintf("Forecast shows %s trend over next %d days (%.1f%%)", trend, periods, trendPercent),
			fmt.Sprintf("Expected average daily sales: $%.2f", forecastAvg),
			fmt.Sprintf("Current average: $%.2f", currentAvg),
		},
		Summary: Summary{
			Trend:           trend,
			TrendPercent:    round2(trendPercent),
			CurrentAvg:      round2(currentAvg),
			ForecastAvg:     round2(forecastAvg),
			DataPointsUsed:  len(points),
			ForecastPeriods: periods,
		},
	}, nil
}

// residualStdErr is the standard error of the fit, the usual
// sum-of-squares estimate with n-2 degrees of freedom.
func residualStdErr(xs, ys []float64, alpha, beta float64) float64 {
	if len(xs) <= 2 {
		return 0
	}
	sum := 0.0
	for i := range xs {
		r := ys[i] - (alpha + beta*xs[i])
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(xs)-2))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
