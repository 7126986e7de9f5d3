package types

import (
	"fmt"
	"time"
)

// Period is a calendar month, the unit of synchronization.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses "YYYY-MM" or "YYYYMM".
func ParsePeriod(s string) (Period, error) {
	for _, layout := range []string{"2006-01", "200601"} {
		if t, err := time.Parse(layout, s); err == nil {
			return PeriodOf(t), nil
		}
	}
	return Period{}, fmt.Errorf("%w: invalid period %q", ErrInvalidInput, s)
}

// String formats the period as YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Compact formats the period as YYYYMM, the portal's tax-period format.
func (p Period) Compact() string {
	return fmt.Sprintf("%04d%02d", p.Year, int(p.Month))
}

// Start returns midnight UTC of the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns midnight UTC of the first day of the next period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// AddMonths shifts the period by n months (n may be negative).
func (p Period) AddMonths(n int) Period {
	return PeriodOf(p.Start().AddDate(0, n, 0))
}

// Before reports whether p is earlier than o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	v, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
