package types

import (
	"fmt"
	"time"
)

// TimestampField is the reserved field every ingested record must carry.
// TimestampAlias is accepted in its place for callers that abbreviate.
const (
	TimestampField = "timestamp"
	TimestampAlias = "ts"
)

// Row is a single record with values already coerced to the table schema's
// Go representations: int64, float64, bool, string, and epoch-millisecond
// int64 for timestamps. Missing fields are absent from the map and surface
// as NULL on read.
type Row struct {
	// Ts is the record's designated timestamp in UTC epoch milliseconds.
	Ts int64

	// Values maps field name to coerced value.
	Values map[string]interface{}
}

// Day returns the UTC calendar day the row belongs to.
func (r Row) Day() Date {
	return DateOf(time.UnixMilli(r.Ts).UTC())
}

// Date is a calendar day (UTC, no time component).
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Next returns the following day.
func (d Date) Next() Date {
	return DateOf(d.Time().AddDate(0, 0, 1))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

// DateRange is an inclusive day range used for partition pruning.
type DateRange struct {
	Start Date
	End   Date
}

// Contains reports whether day falls within the range.
func (r DateRange) Contains(day Date) bool {
	return !day.Before(r.Start) && !day.After(r.End)
}

// Valid reports whether Start <= End.
func (r DateRange) Valid() bool {
	return !r.End.Before(r.Start)
}

// Days enumerates every day in the range in order.
func (r DateRange) Days() []Date {
	var days []Date
	for d := r.Start; !d.After(r.End); d = d.Next() {
		days = append(days, d)
	}
	return days
}
