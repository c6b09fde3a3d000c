package daemon

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Schedule fires once a day at a fixed local time, delayed by a uniformly
// random amount inside a flexible window.
type Schedule struct {
	hour, minute int
	loc          *time.Location
	window       time.Duration
	jitter       func(time.Duration) time.Duration
}

// NewSchedule parses at as "15:04" in loc. A nil loc means UTC.
func NewSchedule(at string, loc *time.Location, window time.Duration) (*Schedule, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return nil, fmt.Errorf("parse schedule time %q: %w", at, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Schedule{
		hour:   t.Hour(),
		minute: t.Minute(),
		loc:    loc,
		window: window,
		jitter: randomJitter,
	}, nil
}

func randomJitter(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return rand.N(window)
}

// Nominal returns the first scheduled time strictly after t.
func (s *Schedule) Nominal(t time.Time) time.Time {
	local := t.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
	}
	return next
}

// Next returns the next scheduled time after t and the jittered time the
// trigger should actually fire.
func (s *Schedule) Next(t time.Time) (nominal, fire time.Time) {
	nominal = s.Nominal(t)
	return nominal, nominal.Add(s.jitter(s.window))
}
