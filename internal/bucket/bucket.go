// Package bucket maps instants to the canonical calendar-day keys that index
// snapshots, ledger legs, and dirty-range comparisons.
package bucket

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDate is returned when a string is not a valid YYYY-MM-DD day key.
var ErrInvalidDate = errors.New("bucket: invalid date")

// Layout is the wire and storage format of a bucket date.
const Layout = "2006-01-02"

// Date is a canonical daily bucket key in YYYY-MM-DD form. The zero value ""
// means "no date" (e.g. a cleared dirty floor). Lexicographic comparison of
// non-zero Dates matches chronological order.
type Date string

// FromTime returns the bucket date of t in the given location. A nil location
// buckets in UTC.
func FromTime(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return Date(t.In(loc).Format(Layout))
}

// Today returns the current bucket date in the given location.
func Today(loc *time.Location) Date {
	return FromTime(time.Now(), loc)
}

// Parse validates a YYYY-MM-DD string and returns it as a Date.
func Parse(s string) (Date, error) {
	t, err := time.Parse(Layout, s)
	if err != nil || t.Format(Layout) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date(s), nil
}

// Time returns the midnight instant of d in UTC.
func (d Date) Time() time.Time {
	t, _ := time.Parse(Layout, string(d))
	return t
}

// IsZero reports whether d is the empty "no date" value.
func (d Date) IsZero() bool { return d == "" }

// Next returns the following calendar day.
func (d Date) Next() Date {
	return Date(d.Time().AddDate(0, 0, 1).Format(Layout))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool { return d < other }

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool { return d > other }

// Min returns the earlier of d and other, ignoring zero values.
func (d Date) Min(other Date) Date {
	if d.IsZero() {
		return other
	}
	if other.IsZero() || d.Before(other) {
		return d
	}
	return other
}

// DaysUntil returns the number of calendar days from d to other (negative if
// other is earlier).
func (d Date) DaysUntil(other Date) int {
	return int(other.Time().Sub(d.Time()).Hours() / 24)
}

func (d Date) String() string { return string(d) }
