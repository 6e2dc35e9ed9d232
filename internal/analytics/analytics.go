// Package analytics turns a parsed sales table into the summary
// report the assistant hands to users: headline statistics, product
// and segment rankings, and daily/weekly/monthly time series. Every
// section is optional; it appears only when the columns it needs were
// detected.
package analytics

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/bizpilot/bizpilot/internal/dataset"
)

const (
	topProductCount    = 10
	bottomProductCount = 5
)

// Report is the full analysis of one dataset. Sections for columns
// that were not detected are omitted from the JSON form.
type Report struct {
	TotalRows       int                    `json:"total_rows"`
	Columns         []string               `json:"columns"`
	DetectedColumns DetectedColumns        `json:"detected_columns"`
	SalesStats      *SalesStats            `json:"sales_statistics,omitempty"`
	QuantityStats   *QuantityStats         `json:"quantity_statistics,omitempty"`
	TopProducts     []ProductSales         `json:"top_products,omitempty"`
	BottomProducts  []ProductSales         `json:"bottom_products,omitempty"`
	SalesByCategory []CategorySales        `json:"sales_by_category,omitempty"`
	SalesByRegion   []RegionSales          `json:"sales_by_region,omitempty"`
	DailySales      []DatedSales           `json:"daily_sales,omitempty"`
	MonthlySales    []MonthSales           `json:"monthly_sales,omitempty"`
	WeeklySales     []WeekSales            `json:"weekly_sales,omitempty"`
	TimeRange       *TimeRange             `json:"time_range,omitempty"`
	ProductCategory []ProductCategorySales `json:"product_category_breakdown,omitempty"`
}

// DetectedColumns reports which header filled each role, nil when the
// role went unmatched.
type DetectedColumns struct {
	Date     *string `json:"date"`
	Product  *string `json:"product"`
	Sales    *string `json:"sales"`
	Quantity *string `json:"quantity"`
	Category *string `json:"category"`
	Region   *string `json:"region"`
}

type SalesStats struct {
	TotalSales   float64 `json:"total_sales"`
	AverageSales float64 `json:"average_sales"`
	MaxSales     float64 `json:"max_sales"`
	MinSales     float64 `json:"min_sales"`
	MedianSales  float64 `json:"median_sales"`
	StdDev       float64 `json:"std_dev"`
}

type QuantityStats struct {
	TotalQuantity   float64 `json:"total_quantity"`
	AverageQuantity float64 `json:"average_quantity"`
}

type ProductSales struct {
	Name  string  `json:"name"`
	Sales float64 `json:"sales"`
}

type CategorySales struct {
	Category string  `json:"category"`
	Sales    float64 `json:"sales"`
}

type RegionSales struct {
	Region string  `json:"region"`
	Sales  float64 `json:"sales"`
}

type DatedSales struct {
	Date  string  `json:"date"`
	Sales float64 `json:"sales"`
}

type MonthSales struct {
	Month string  `json:"month"`
	Sales float64 `json:"sales"`
}

// WeekSales labels a week as "start/end" with the week running Monday
// through Sunday.
type WeekSales struct {
	Week  string  `json:"week"`
	Sales float64 `json:"sales"`
}

type TimeRange struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	TotalDays int    `json:"total_days"`
}

type ProductCategorySales struct {
	Product  string  `json:"product"`
	Category string  `json:"category"`
	Sales    float64 `json:"sales"`
}

// Summarize analyzes the table and builds the report. It never fails:
// cells that will not coerce to a number or date are skipped, and a
// table with no recognizable columns yields a report with only the
// metadata sections.
func Summarize(t *dataset.Table) *Report {
	cols := dataset.DetectColumns(t.Headers)

	r := &Report{
		TotalRows: len(t.Rows),
		Columns:   t.Headers,
		DetectedColumns: DetectedColumns{
			Date:     columnName(t.Headers, cols.Date),
			Product:  columnName(t.Headers, cols.Product),
			Sales:    columnName(t.Headers, cols.Sales),
			Quantity: columnName(t.Headers, cols.Quantity),
			Category: columnName(t.Headers, cols.Category),
			Region:   columnName(t.Headers, cols.Region),
		},
	}

	if cols.Sales >= 0 {
		if vals := numericColumn(t, cols.Sales); len(vals) > 0 {
			r.SalesStats = salesStats(vals)
		}
	}
	if cols.Quantity >= 0 {
		if vals := numericColumn(t, cols.Quantity); len(vals) > 0 {
			r.QuantityStats = &QuantityStats{
				TotalQuantity:   floats.Sum(vals),
				AverageQuantity: stat.Mean(vals, nil),
			}
		}
	}

	if cols.Product >= 0 && cols.Sales >= 0 {
		byProduct := groupSum(t, cols.Product, cols.Sales)
		top := rankDescending(byProduct)
		if len(top) > topProductCount {
			top = top[:topProductCount]
		}
		bottom := rankAscending(byProduct)
		if len(bottom) > bottomProductCount {
			bottom = bottom[:bottomProductCount]
		}
		for _, e := range top {
			r.TopProducts = append(r.TopProducts, ProductSales{Name: e.key, Sales: e.sum})
		}
		for _, e := range bottom {
			r.BottomProducts = append(r.BottomProducts, ProductSales{Name: e.key, Sales: e.sum})
		}
	}

	if cols.Category >= 0 && cols.Sales >= 0 {
		for _, e := range rankDescending(groupSum(t, cols.Category, cols.Sales)) {
			r.SalesByCategory = append(r.SalesByCategory, CategorySales{Category: e.key, Sales: e.sum})
		}
	}
	if cols.Region >= 0 && cols.Sales >= 0 {
		for _, e := range rankDescending(groupSum(t, cols.Region, cols.Sales)) {
			r.SalesByRegion = append(r.SalesByRegion, RegionSales{Region: e.key, Sales: e.sum})
		}
	}

	if cols.Date >= 0 && cols.Sales >= 0 {
		r.addTimeSeries(t, cols)
	}

	if cols.Product >= 0 && cols.Category >= 0 && cols.Sales >= 0 {
		r.ProductCategory = productCategoryBreakdown(t, cols)
	}

	return r
}

func salesStats(vals []float64) *SalesStats {
	s := &SalesStats{
		TotalSales:   floats.Sum(vals),
		AverageSales: stat.Mean(vals, nil),
		MaxSales:     floats.Max(vals),
		MinSales:     floats.Min(vals),
		MedianSales:  median(vals),
	}
	if len(vals) > 1 {
		s.StdDev = stat.StdDev(vals, nil)
	}
	return s
}

// median interpolates between the two middle values for even counts.
func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func columnName(headers []string, idx int) *string {
	if idx < 0 {
		return nil
	}
	name := headers[idx]
	return &name
}

// numericColumn collects the coercible values of one column.
func numericColumn(t *dataset.Table, col int) []float64 {
	var vals []float64
	for i := range t.Rows {
		if v, ok := dataset.Float(t.Cell(i, col)); ok {
			vals = append(vals, v)
		}
	}
	return vals
}

type groupEntry struct {
	key string
	sum float64
}

// groupSum totals the value column per distinct key. Rows with an
// empty key or a non-numeric value are skipped.
func groupSum(t *dataset.Table, keyCol, valCol int) map[string]float64 {
	sums := make(map[string]float64)
	for i := range t.Rows {
		key := t.Cell(i, keyCol)
		if key == "" {
			continue
		}
		v, ok := dataset.Float(t.Cell(i, valCol))
		if !ok {
			continue
		}
		sums[key] += v
	}
	return sums
}

func rankDescending(sums map[string]float64) []groupEntry {
	entries := toEntries(sums)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].sum != entries[j].sum {
			return entries[i].sum > entries[j].sum
		}
		return entries[i].key < entries[j].key
	})
	return entries
}

func rankAscending(sums map[string]float64) []groupEntry {
	entries := toEntries(sums)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].sum != entries[j].sum {
			return entries[i].sum < entries[j].sum
		}
		return entries[i].key < entries[j].key
	})
	return entries
}

func toEntries(sums map[string]float64) []groupEntry {
	entries := make([]groupEntry, 0, len(sums))
	for k, v := range sums {
		entries = append(entries, groupEntry{key: k, sum: v})
	}
	return entries
}

func (r *Report) addTimeSeries(t *dataset.Table, cols dataset.Columns) {
	daily := make(map[string]float64)
	monthly := make(map[string]float64)
	weekly := make(map[string]float64)
	var minDate, maxDate time.Time

	for i := range t.Rows {
		d, ok := dataset.Date(t.Cell(i, cols.Date))
		if !ok {
			continue
		}
		v, ok := dataset.Float(t.Cell(i, cols.Sales))
		if !ok {
			continue
		}

		day := d.Format("2006-01-02")
		daily[day] += v
		monthly[d.Format("2006-01")] += v
		weekly[weekLabel(d)] += v

		if minDate.IsZero() || d.Before(minDate) {
			minDate = d
		}
		if maxDate.IsZero() || d.After(maxDate) {
			maxDate = d
		}
	}

	if len(daily) == 0 {
		return
	}

	for _, k := range sortedKeys(daily) {
		r.DailySales = append(r.DailySales, DatedSales{Date: k, Sales: daily[k]})
	}
	for _, k := range sortedKeys(monthly) {
		r.MonthlySales = append(r.MonthlySales, MonthSales{Month: k, Sales: monthly[k]})
	}
	for _, k := range sortedKeys(weekly) {
		r.WeeklySales = append(r.WeeklySales, WeekSales{Week: k, Sales: weekly[k]})
	}
	r.TimeRange = &TimeRange{
		Start:     minDate.Format("2006-01-02"),
		End:       maxDate.Format("2006-01-02"),
		TotalDays: len(daily),
	}
}

// weekLabel formats the Monday-through-Sunday week containing d.
func weekLabel(d time.Time) string {
	daysSinceMonday := (int(d.Weekday()) + 6) % 7
	start := d.AddDate(0, 0, -daysSinceMonday)
	end := start.AddDate(0, 0, 6)
	return fmt.Sprintf("%s/%s", start.Format("2006-01-02"), end.Format("2006-01-02"))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func productCategoryBreakdown(t *dataset.Table, cols dataset.Columns) []ProductCategorySales {
	type pair struct{ product, category string }
	sums := make(map[pair]float64)
	for i := range t.Rows {
		p := pair{product: t.Cell(i, cols.Product), category: t.Cell(i, cols.Category)}
		if p.product == "" || p.category == "" {
			continue
		}
		v, ok := dataset.Float(t.Cell(i, cols.Sales))
		if !ok {
			continue
		}
		sums[p] += v
	}

	out := make([]ProductCategorySales, 0, len(sums))
	for p, v := range sums {
		out = append(out, ProductCategorySales{Product: p.product, Category: p.category, Sales: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Product != out[j].Product {
			return out[i].Product < out[j].Product
		}
		return out[i].Category < out[j].Category
	})
	return out
}
