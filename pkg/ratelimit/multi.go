package ratelimit

import (
	"time"
)

// Granularity names one of the three key-scoped windows.
type Granularity string

const (
	GranMinute Granularity = "minute"
	GranHour   Granularity = "hour"
	GranDay    Granularity = "day"
)

func (g Granularity) Window() time.Duration {
	switch g {
	case GranHour:
		return time.Hour
	case GranDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Limits carries the per-window caps for a single key.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// MultiDecision reports the combined verdict across all granularities. When
// limited, Tightest identifies the tripped window whose reset lies furthest
// out, so Retry-After never promises capacity before every window has
// recovered. On a pass, Limit/ResetAt describe the shortest enabled window
// for the X-RateLimit response headers.
type MultiDecision struct {
	Limited    bool
	Tightest   Granularity
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// CheckAll runs the minute, hour and day windows for one key; all three must
// pass. A zero cap disables that granularity. The reported Remaining is the
// minimum across enabled windows.
func CheckAll(l Limiter, key string, limits Limits) MultiDecision {
	type windowCheck struct {
		gran  Granularity
		limit int
	}
	checks := []windowCheck{
		{GranMinute, limits.PerMinute},
		{GranHour, limits.PerHour},
		{GranDay, limits.PerDay},
	}
	out := MultiDecision{Remaining: -1}
	var first Decision
	haveFirst := false
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		d := l.Check(key+":"+string(c.gran), c.gran.Window(), c.limit)
		if !haveFirst {
			first = d
			haveFirst = true
		}
		if out.Remaining < 0 || d.Remaining < out.Remaining {
			out.Remaining = d.Remaining
		}
		if d.Limited && (!out.Limited || d.ResetAt.After(out.ResetAt)) {
			out.Limited = true
			out.Tightest = c.gran
			out.Limit = d.Limit
			out.ResetAt = d.ResetAt
		}
	}
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	if out.Limited {
		out.RetryAfter = time.Until(out.ResetAt)
		if out.RetryAfter < 0 {
			out.RetryAfter = 0
		}
	} else if haveFirst {
		out.Limit = first.Limit
		out.ResetAt = first.ResetAt
	}
	return out
}
