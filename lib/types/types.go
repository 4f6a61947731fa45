// Package types contains types used in the configuration surface of
// influxback, mostly handling the "is this set or not" cases.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Day is the fixed width of the "d" duration suffix. The planner chunks
// ranges in whole days, so the calendar-aware variants are intentionally
// fixed-width as well: a week is 7 days, a month 30, a year 365.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

var unitMap = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': Day,
	'w': Week,
	'M': Month,
	'y': Year,
}

// ParseRelativeDuration parses a relative duration like "30s", "12h", "7d",
// "2w", "1M" or "1y", including compound forms such as "1d12h". Unlike
// time.ParseDuration the values must be whole numbers and the supported
// units are s, m, h, d, w, M and y.
func ParseRelativeDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}

	var total time.Duration
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i == len(rest) {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		unit, ok := unitMap[rest[i]]
		if !ok {
			return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, string(rest[i]))
		}
		total += time.Duration(n) * unit
		rest = rest[i+1:]
	}

	return total, nil
}

// NullDuration is a nullable relative duration, for the config fields where
// "not set" and "zero" mean different things.
type NullDuration struct {
	Duration time.Duration
	Valid    bool
}

// NewNullDuration returns a NullDuration with the given value and validity.
func NewNullDuration(d time.Duration, valid bool) NullDuration {
	return NullDuration{Duration: d, Valid: valid}
}

// NullDurationFrom returns a valid NullDuration with the given value.
func NullDurationFrom(d time.Duration) NullDuration {
	return NullDuration{Duration: d, Valid: true}
}

// UnmarshalYAML parses the duration from its YAML string form.
func (d *NullDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = NullDuration{}
		return nil
	}
	dur, err := ParseRelativeDuration(s)
	if err != nil {
		return err
	}
	*d = NullDurationFrom(dur)
	return nil
}

// String implements fmt.Stringer.
func (d NullDuration) String() string {
	if !d.Valid {
		return ""
	}
	return d.Duration.String()
}

// ValidGroupBy reports whether s can be used inside an InfluxQL
// GROUP BY time(...) clause. Only the units InfluxQL accepts are allowed
// here, which is a narrower set than ParseRelativeDuration's.
func ValidGroupBy(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return false
	}
	switch s[i:] {
	case "u", "µ", "ms", "s", "m", "h", "d", "w":
		return true
	}
	return false
}
