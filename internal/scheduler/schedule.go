// Package scheduler triggers ingestion runs on a cron or interval schedule
// and guarantees that runs never overlap.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// Timetable tells the Runner when to fire next.
type Timetable interface {
	// Next returns the next fire time. prev is when the previous run
	// finished, or zero before the first run.
	Next(now, prev time.Time) time.Time

	// IsAbsolute is true when fire times do not depend on when runs finish.
	IsAbsolute() bool
}

// Schedule is a parsed schedule expression.
//
// Supported forms:
//   - "* * * * *": cron expression (5, 6 or 7 fields) evaluated in local
//     time. A tick that fires while a run is in flight is skipped.
//   - "with 30s interval": waits 30s after a run finishes before starting the
//     next one. The first run starts immediately.
type Schedule struct {
	asString string
	cronExpr *cronexpr.Expression
	interval time.Duration
}

// Parse converts a schedule expression into a Schedule.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	var (
		s   *Schedule
		err error
	)
	if strings.HasPrefix(expr, "with ") {
		s, err = parseWithSchedule(expr)
	} else {
		s, err = parseCronSchedule(expr)
	}
	if err != nil {
		return nil, err
	}
	s.asString = expr
	return s, nil
}

func parseWithSchedule(expr string) (*Schedule, error) {
	tokens := strings.Fields(expr)
	if len(tokens) != 3 || tokens[0] != "with" || tokens[2] != "interval" {
		return nil, errors.New(`expecting format "with <duration> interval"`)
	}
	interval, err := time.ParseDuration(tokens[1])
	if err != nil {
		return nil, fmt.Errorf("bad duration %q: %w", tokens[1], err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("bad interval %q: it must be positive", tokens[1])
	}
	return &Schedule{interval: interval}, nil
}

func parseCronSchedule(expr string) (*Schedule, error) {
	exp, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("bad cron expression %q: %w", expr, err)
	}
	if exp.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("cron expression %q never fires", expr)
	}
	return &Schedule{cronExpr: exp}, nil
}

// Next implements Timetable.
func (s *Schedule) Next(now, prev time.Time) time.Time {
	if s.cronExpr != nil {
		return s.cronExpr.Next(now)
	}
	if prev.IsZero() {
		return now
	}
	next := prev.Add(s.interval)
	if next.Before(now) {
		return now
	}
	return next
}

// IsAbsolute implements Timetable.
func (s *Schedule) IsAbsolute() bool {
	return s.cronExpr != nil
}

// String returns the expression the schedule was parsed from.
func (s *Schedule) String() string {
	return s.asString
}
