package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config durations are Go duration strings ("15m", "72h") or whole days
// ("3d"), which the campaign windows read best as. Empty means unset.

// ParseDuration reads the duration at path. Empty is 0; negatives are rejected.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		if n, err = strconv.Atoi(days); err == nil {
			d = time.Duration(n) * 24 * time.Hour
		}
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (use 90s, 15m, 72h or 3d)", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DurationOr is ParseDuration for resolved accessors: unset, zero or invalid
// values fall back to def. Validate reports invalid values on load.
func DurationOr(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDuration(path, raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
