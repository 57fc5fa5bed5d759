package model

import "time"

// StartOfMonth returns midnight on the first day of t's month, in t's location.
func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// MonthIndex returns the number of calendar months between base and t.
// Months before base yield negative indices.
func MonthIndex(base, t time.Time) int {
	return (t.Year()-base.Year())*12 + int(t.Month()) - int(base.Month())
}

// MonthStart returns the first day of the month idx months after base.
func MonthStart(base time.Time, idx int) time.Time {
	return StartOfMonth(base).AddDate(0, idx, 0)
}

// DaysInMonth returns the number of days of t's month.
func DaysInMonth(t time.Time) int {
	return StartOfMonth(t).AddDate(0, 1, -1).Day()
}

// HoursInMonth returns the production hours of the month idx months after base.
func HoursInMonth(base time.Time, idx int) float64 {
	return float64(DaysInMonth(MonthStart(base, idx)) * 24)
}

// DaysBetween returns the fractional number of days from a to b.
func DaysBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours() / 24
}

// AddDays adds a fractional number of days to t.
func AddDays(t time.Time, days float64) time.Time {
	return t.Add(time.Duration(days * 24 * float64(time.Hour)))
}
