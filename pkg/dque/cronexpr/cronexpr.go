// Package cronexpr evaluates standard 5-field cron patterns.
package cronexpr

import (
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned when a pattern cannot be parsed.
var ErrInvalidCron = errors.New("dque: invalid cron pattern")

// parser accepts the standard 5-field layout (minute hour dom month dow) plus
// the @hourly/@daily/... descriptors.
var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// Schedule wraps a parsed cron pattern.
type Schedule struct {
	expr string
	sch  cronlib.Schedule
}

// Parse parses a 5-field cron pattern. Returns ErrInvalidCron (wrapped) on failure.
func Parse(pattern string) (*Schedule, error) {
	sch, err := parser.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCron, pattern, err)
	}
	return &Schedule{expr: pattern, sch: sch}, nil
}

// Next returns the smallest instant strictly greater than from that satisfies
// the pattern.
func (s *Schedule) Next(from time.Time) time.Time {
	return s.sch.Next(from)
}

// String returns the original pattern text.
func (s *Schedule) String() string {
	return s.expr
}

// Next is a convenience one-shot form of Parse+Next.
func Next(pattern string, from time.Time) (time.Time, error) {
	sch, err := Parse(pattern)
	if err != nil {
		return time.Time{}, err
	}
	return sch.Next(from), nil
}
