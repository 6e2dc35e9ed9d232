package dataset

import (
	"strconv"
	"strings"
	"time"
)

// Columns holds the indices of the semantically interesting columns of
// a table, or -1 where no header matched. Detection is first match
// wins, scanning headers left to right.
type Columns struct {
	Date     int
	Product  int
	Sales    int
	Quantity int
	Category int
	Region   int
}

// Layouts tried when coercing a cell to a date, most common first.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"02-Jan-2006",
}

// DetectColumns scans the headers for the column roles the analytics
// pipeline understands. Matching is case-insensitive substring.
func DetectColumns(headers []string) Columns {
	c := Columns{Date: -1, Product: -1, Sales: -1, Quantity: -1, Category: -1, Region: -1}

	for i, h := range headers {
		l := strings.ToLower(h)
		switch {
		case c.Date < 0 && strings.Contains(l, "date"):
			c.Date = i
		case c.Product < 0 && (strings.Contains(l, "product") || strings.Contains(l, "item")):
			c.Product = i
		case c.Sales < 0 && (strings.Contains(l, "sales") || strings.Contains(l, "amount") || strings.Contains(l, "revenue")):
			c.Sales = i
		case c.Quantity < 0 && (strings.Contains(l, "quantity") || strings.Contains(l, "qty")):
			c.Quantity = i
		case c.Category < 0 && strings.Contains(l, "category"):
			c.Category = i
		case c.Region < 0 && (strings.Contains(l, "region") || strings.Contains(l, "location")):
			c.Region = i
		}
	}

	return c
}

// Name returns the header at idx, or "" when the column is absent.
func Name(headers []string, idx int) string {
	if idx < 0 || idx >= len(headers) {
		return ""
	}
	return headers[idx]
}

// Float coerces a cell to a number, tolerating currency symbols,
// thousands separators, and surrounding whitespace.
func Float(cell string) (float64, bool) {
	s := strings.TrimSpace(cell)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Date coerces a cell to a timestamp. Unparseable cells report false
// and are dropped from time series rather than failing the file.
func Date(cell string) (time.Time, bool) {
	s := strings.TrimSpace(cell)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
