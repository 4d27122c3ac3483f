package scan

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized form of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a parsed scan.interval value.
//
// Supported forms:
//   - Cron: "0 9 * * *", "@daily", "@every 30m"
//   - Interval duration: "1h", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "06:00" (six hours)
//
// "cron:" forces cron parsing; "interval:" or "every:" force an interval.
type Spec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

func (s Spec) String() string {
	if s.Kind == SpecCron {
		return s.Cron
	}
	return "every " + s.Every.String()
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parser accepts standard five-field cron with optional seconds.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cronSpec(expr)
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	if reHHMM.MatchString(s) {
		return intervalSpec(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}
	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 9 * * *', HH:MM like '06:00', or duration like '1h')",
		raw,
	)
}

func cronSpec(expr string) (Spec, error) {
	if _, err := Parser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

// schedule builds the cron schedule. Intervals get a random first-run offset
// of up to maxStartupSpread so restarted replicas do not scan in lockstep.
func (s Spec) schedule(now time.Time) (cron.Schedule, time.Duration, error) {
	if s.Kind == SpecCron {
		sched, err := Parser.Parse(s.Cron)
		return sched, 0, err
	}
	base := cron.Every(s.Every)
	spread := s.Every
	if spread > maxStartupSpread {
		spread = maxStartupSpread
	}
	if spread <= 0 {
		return base, 0, nil
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.String()))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	// cron.Every works in whole seconds; keep the first run on that grid.
	jitter := time.Duration(rng.Int63n(int64(spread))).Truncate(time.Second)
	first := now.Add(s.Every + jitter).Truncate(time.Second)
	return &spreadSchedule{base: base, first: first}, jitter, nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule overrides the first activation of base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}
