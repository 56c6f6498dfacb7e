package scheduler

import (
	"fmt"
	"math/bits"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Expression kinds
const (
	KindInterval = "interval"
	KindDaily    = "daily"
	KindCron     = "cron"
)

// MinInterval is the shortest accepted "every" interval
const MinInterval = time.Minute

// Expression is a parsed schedule expression:
//
//	every 30m | every 2 hours | daily at 03:15 | 0 */6 * * *
type Expression struct {
	Kind     string
	Interval time.Duration
	Hour     int
	Minute   int
	Cron     *Cron
	source   string
}

// String returns the normalised source text
func (e *Expression) String() string { return e.source }

// Cron is a five-field cron expression. Each field is a bit set of the
// allowed values.
type Cron struct {
	minute, hour, dom, month, dow uint64
	// domStar and dowStar record unrestricted day fields; when both day
	// fields are restricted a day matches if either does
	domStar, dowStar bool
}

var (
	intervalRegex = regexp.MustCompile(`^every\s+(\d+)\s*(s|m|h|d|w|secs?|seconds?|mins?|minutes?|hours?|days?|weeks?)$`)
	dailyRegex    = regexp.MustCompile(`^daily\s+at\s+(\d{1,2}):(\d{2})$`)
)

// ParseExpression parses a schedule expression
func ParseExpression(expr string) (*Expression, error) {
	expr = strings.Join(strings.Fields(strings.ToLower(expr)), " ")

	if m := intervalRegex.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", m[1], err)
		}
		d := time.Duration(n) * unitOf(m[2])
		if d < MinInterval {
			return nil, fmt.Errorf("interval %s is below the minimum of %s", d, MinInterval)
		}
		return &Expression{Kind: KindInterval, Interval: d, source: expr}, nil
	}

	if m := dailyRegex.FindStringSubmatch(expr); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return nil, fmt.Errorf("invalid time of day %s:%s", m[1], m[2])
		}
		return &Expression{Kind: KindDaily, Hour: hour, Minute: minute, source: expr}, nil
	}

	if fields := strings.Fields(expr); len(fields) == 5 {
		cron, err := parseCron(fields)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return &Expression{Kind: KindCron, Cron: cron, source: expr}, nil
	}

	return nil, fmt.Errorf("unrecognized schedule expression: %q", expr)
}

func unitOf(u string) time.Duration {
	switch u[0] {
	case 's':
		return time.Second
	case 'm':
		return time.Minute
	case 'h':
		return time.Hour
	case 'd':
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// NextRunTime parses expr and returns its first run strictly after from
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	e, err := ParseExpression(expr)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(from), nil
}

// Next returns the first run strictly after from
func (e *Expression) Next(from time.Time) time.Time {
	switch e.Kind {
	case KindInterval:
		return from.Add(e.Interval)
	case KindDaily:
		next := time.Date(from.Year(), from.Month(), from.Day(), e.Hour, e.Minute, 0, 0, from.Location())
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return e.Cron.Next(from)
	}
}

func parseCron(fields []string) (*Cron, error) {
	type field struct {
		name     string
		min, max int
		dst      *uint64
	}
	c := &Cron{}
	layout := []field{
		{"minute", 0, 59, &c.minute},
		{"hour", 0, 23, &c.hour},
		{"day-of-month", 1, 31, &c.dom},
		{"month", 1, 12, &c.month},
		{"day-of-week", 0, 7, &c.dow},
	}
	for i, s := range layout {
		set, err := parseField(fields[i], s.min, s.max)
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", s.name, err)
		}
		*s.dst = set
	}
	// 7 is Sunday too
	if c.dow&(1<<7) != 0 {
		c.dow = c.dow&^(1<<7) | 1
	}
	c.domStar = fields[2] == "*"
	c.dowStar = fields[4] == "*"
	return c, nil
}

// parseField parses "*", "*/n", "a", "a-b", "a-b/n" and comma lists of those
func parseField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		rng, stepText, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepText)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", stepText)
			}
			step = n
		}

		lo, hi := min, max
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("invalid range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("invalid range end %q", b)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", rng)
			}
			lo = v
			hi = v
			if hasStep {
				hi = max
			}
		}
		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("%d-%d out of range [%d-%d]", lo, hi, min, max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	if bits.OnesCount64(set) == 0 {
		return 0, fmt.Errorf("no values in %q", field)
	}
	return set, nil
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

func (c *Cron) dayMatches(t time.Time) bool {
	dom := has(c.dom, t.Day())
	dow := has(c.dow, int(t.Weekday()))
	switch {
	case c.domStar && c.dowStar:
		return true
	case c.domStar:
		return dow
	case c.dowStar:
		return dom
	default:
		return dom || dow
	}
}

// Next returns the first matching minute strictly after from, searching at
// most four years ahead (leap days). The zero time means no match.
func (c *Cron) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 1)

	for t.Before(limit) {
		switch {
		case !has(c.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
		case !c.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
		case !has(c.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
		case !has(c.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

// ParseAge parses a retention age such as "90d", "2w", "36h" or any
// time.ParseDuration string. Empty means no limit.
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s[:len(s)-1]); err == nil && n >= 0 {
		switch s[len(s)-1] {
		case 'd':
			return time.Duration(n) * 24 * time.Hour, nil
		case 'w':
			return time.Duration(n) * 7 * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative age %q", s)
	}
	return d, nil
}
