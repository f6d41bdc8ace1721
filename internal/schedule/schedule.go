// Package schedule provides the structured schedule value attached to every
// loop. Expressions are parsed once at registration, never per tick.
package schedule

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is an immutable firing cadence. Exactly one of Every or cron is
// set: interval schedules fire Every from Anchor, cron schedules follow the
// parsed expression in Location.
type Schedule struct {
	Every    time.Duration
	Anchor   time.Time
	Location *time.Location
	Expr     string

	cron cronlib.Schedule
}

// Parse accepts either a Go duration ("5m", "1h30m") or a 5-field cron
// expression ("*/5 * * * *"). The anchor defaults to now for interval
// schedules.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("empty schedule expression")
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("schedule interval must be positive, got %s", d)
		}
		return Schedule{
			Every:    d,
			Anchor:   time.Now(),
			Location: time.Local,
			Expr:     expr,
		}, nil
	}

	cs, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return Schedule{
		Location: time.Local,
		Expr:     expr,
		cron:     cs,
	}, nil
}

// EveryAt returns an interval schedule anchored at the given time.
func EveryAt(d time.Duration, anchor time.Time) Schedule {
	return Schedule{Every: d, Anchor: anchor, Location: anchor.Location(), Expr: d.String()}
}

// IsInterval reports whether the schedule is a plain interval.
func (s Schedule) IsInterval() bool { return s.Every > 0 }

// Next returns the next firing time strictly after the given time.
// For interval schedules the result is aligned to the anchor so that
// repeated calls walk a fixed grid rather than drifting.
func (s Schedule) Next(after time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(after.In(s.Location))
	}
	if s.Every <= 0 {
		return time.Time{}
	}
	if !after.After(s.Anchor) {
		return s.Anchor.Add(s.Every)
	}
	elapsed := after.Sub(s.Anchor)
	steps := elapsed/s.Every + 1
	return s.Anchor.Add(steps * s.Every)
}

// Interval returns the effective gap between firings, used by the scheduler
// to scale cadence by the adaptive multiplier. Cron schedules report the gap
// between the next two firings.
func (s Schedule) Interval(now time.Time) time.Duration {
	if s.Every > 0 {
		return s.Every
	}
	first := s.Next(now)
	second := s.Next(first)
	return second.Sub(first)
}

func (s Schedule) String() string { return s.Expr }
