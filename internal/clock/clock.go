// Package clock provides the single source of wall-clock time used by every
// background loop in the collector (L1 in SPEC_FULL.md). Generalizing the
// teacher's go/testing.Clock — there a vector clock abstracting Etcd
// revisions and journal offsets, here a plain wall clock — lets rotator,
// backup, snapshot-poller and control-watcher tests run against a Mock
// instead of real time.
package clock

import (
	"context"
	"time"
)

// Clock is the only source of "now" any component is allowed to read.
type Clock interface {
	Now() time.Time
}

// WallClock is the production Clock, backed by time.Now.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }

// SleepUntil blocks until deadline, the clock reports a time at or past it,
// or ctx is canceled. It returns ctx.Err() on cancellation, nil otherwise.
//
// Every rotation, backup and control-plane loop in the collector sleeps via
// this helper rather than computing a raw time.Sleep duration inline, so
// that cancellation is always honored promptly.
func SleepUntil(ctx context.Context, c Clock, deadline time.Time) error {
	for {
		var remaining = deadline.Sub(c.Now())
		if remaining <= 0 {
			return nil
		}
		// Cap each sleep so a Mock clock's Now() is re-read periodically
		// instead of committing to one long real-time sleep computed from
		// a clock that might not actually advance in tests.
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}
		var timer = time.NewTimer(remaining)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Floor truncates t down to the start of the given interval's bucket,
// matching the semantics collection-name codec parsing must invert exactly
// (see internal/collectionname).
func Floor(t time.Time, interval Interval) time.Time {
	t = t.UTC()
	switch interval {
	case Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Add advances t by one unit of interval, the cadence at which rotators
// advance boundary_time (spec.md §4.2 step 5).
func Add(t time.Time, interval Interval) time.Time {
	switch interval {
	case Minute:
		return t.Add(time.Minute)
	case Hour:
		return t.Add(time.Hour)
	case Day:
		return t.AddDate(0, 0, 1)
	case Month:
		return t.AddDate(0, 1, 0)
	case Year:
		return t.AddDate(1, 0, 0)
	default:
		return t
	}
}

// Interval is one of the five supported bucket/update cadences.
type Interval string

const (
	Minute Interval = "every_minute"
	Hour   Interval = "every_hour"
	Day    Interval = "every_day"
	Month  Interval = "every_month"
	Year   Interval = "every_year"
)

// Valid reports whether i is one of the five recognized cadences.
func (i Interval) Valid() bool {
	switch i {
	case Minute, Hour, Day, Month, Year:
		return true
	}
	return false
}
