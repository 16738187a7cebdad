package models

import "time"

// DateLayout is the canonical calendar date format used in storage and JSON.
const DateLayout = "2006-01-02"

// Date is a calendar date without a time of day. The zero value means unset.
// Dates in DateLayout order lexicographically, so string comparison is date
// comparison.
type Date string

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// ParseDate validates s as a DateLayout date.
func ParseDate(s string) (Date, error) {
	if s == "" {
		return "", nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", ErrInvalidDate
	}
	return DateOf(t), nil
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d == ""
}

// Time returns midnight UTC of the date. Unset dates return the zero time.
func (d Date) Time() time.Time {
	if d == "" {
		return time.Time{}
	}
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays returns the date n calendar days later.
func (d Date) AddDays(n int) Date {
	if d == "" {
		return ""
	}
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d < other
}

// OnOrAfter reports whether d is the same day as, or later than, other.
func (d Date) OnOrAfter(other Date) bool {
	return d >= other
}

// String implements fmt.Stringer.
func (d Date) String() string {
	return string(d)
}
