package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Calendar month used as the ledger period
// =============================================================================

type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month t falls in, read in loc.
func MonthOf(t time.Time, loc *time.Location) Month {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return Month{Year: lt.Year(), Month: lt.Month()}
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (use YYYY-MM): %w", s, err)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

func (m Month) Valid() bool { return m.Year > 0 && m.Month >= time.January && m.Month <= time.December }

// Compare returns -1, 0 or +1.
func (m Month) Compare(o Month) int {
	switch {
	case m.Year < o.Year:
		return -1
	case m.Year > o.Year:
		return 1
	case m.Month < o.Month:
		return -1
	case m.Month > o.Month:
		return 1
	}
	return 0
}

func (m Month) Before(o Month) bool { return m.Compare(o) < 0 }
func (m Month) After(o Month) bool  { return m.Compare(o) > 0 }

func (m Month) Next() Month {
	if m.Month == time.December {
		return Month{Year: m.Year + 1, Month: time.January}
	}
	return Month{Year: m.Year, Month: m.Month + 1}
}

func (m Month) Prev() Month {
	if m.Month == time.January {
		return Month{Year: m.Year - 1, Month: time.December}
	}
	return Month{Year: m.Year, Month: m.Month - 1}
}

func (m Month) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, loc)
}

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// =============================================================================
// EXPIRY THRESHOLD
// =============================================================================

// ExpiryThreshold returns the instant stock with the given expiry date
// becomes expired: the following day at 00:01 in loc. Stock is still
// sellable on its expiry date.
func ExpiryThreshold(expireDate time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	d := expireDate.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day()+1, 0, 1, 0, 0, loc)
}
