package cronexpr

import (
	"errors"
	"testing"
	"time"
)

func TestNextEveryFiveMinutes(t *testing.T) {
	ref := time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)
	next, err := Next("*/5 * * * *", ref)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextStrictlyAfter(t *testing.T) {
	sch, err := Parse("0 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ref := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next := sch.Next(ref)
	if !next.After(ref) {
		t.Errorf("Next(%v) = %v, want strictly after", ref, next)
	}
}

func TestInvalidPattern(t *testing.T) {
	_, err := Parse("not a cron pattern")
	if !errors.Is(err, ErrInvalidCron) {
		t.Errorf("expected ErrInvalidCron, got %v", err)
	}
}
