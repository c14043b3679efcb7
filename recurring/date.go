package recurring

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granularity point in time
// =============================================================================
// All gap and threshold math in this engine is day-based. Evaluations take
// an explicit as-of Date so tests can simulate arbitrary dates; nothing in
// the domain packages reads the wall clock.

type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a time.Time to day granularity in UTC.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a 2006-01-02 date string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }
func (d Date) IsZero() bool                  { return d.t.IsZero() }

// Arithmetic
func (d Date) AddDays(n int) Date   { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) AddMonths(n int) Date { return Date{t: d.t.AddDate(0, n, 0)} }
func (d Date) AddYears(n int) Date  { return Date{t: d.t.AddDate(n, 0, 0)} }

// Properties
func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }
func (d Date) Time() time.Time   { return d.t }

func (d Date) String() string { return d.t.Format("2006-01-02") }

// DaysBetween returns the whole days from one date to another.
// Negative when to precedes from.
func DaysBetween(from, to Date) int {
	return int(to.t.Sub(from.t).Hours() / 24)
}

// =============================================================================
// PERIOD - One calendar month, the grain of the savings ledger
// =============================================================================

// Period is a calendar month in YYYY-MM form.
type Period string

func PeriodOf(d Date) Period {
	return Period(d.t.Format("2006-01"))
}

// Start returns the first day of the period.
func (p Period) Start() Date {
	t, err := time.Parse("2006-01", string(p))
	if err != nil {
		return Date{}
	}
	return DateOf(t)
}

// End returns the last day of the period.
func (p Period) End() Date {
	return p.Start().AddMonths(1).AddDays(-1)
}

// Next returns the following calendar month.
func (p Period) Next() Period {
	return PeriodOf(p.Start().AddMonths(1))
}

// Contains reports whether the date falls inside the period.
func (p Period) Contains(d Date) bool {
	return PeriodOf(d) == p
}

// ClosedBy reports whether the period has fully elapsed as of the given
// date. Verified savings are only attributed to closed periods.
func (p Period) ClosedBy(asOf Date) bool {
	return p.End().Before(asOf)
}
