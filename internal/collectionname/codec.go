// Package collectionname implements the bidirectional mapping between
// (prefix, interval, time) and a canonical bucket name (L3 in SPEC_FULL.md),
// grounded on convert_timestamp2name / collection_name2time in the original
// collector's src/common/util.py.
package collectionname

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/marketfeed/collector/internal/clock"
)

// suffix returns the canonical suffix letter for an interval, e.g.
// "min" for every_minute, "h" for every_hour.
func suffix(interval clock.Interval) (string, error) {
	switch interval {
	case clock.Minute:
		return "min", nil
	case clock.Hour:
		return "h", nil
	case clock.Day:
		return "d", nil
	case clock.Month:
		return "m", nil
	case clock.Year:
		return "y", nil
	default:
		return "", fmt.Errorf("collectionname: unrecognized interval %q", interval)
	}
}

// Name builds the canonical bucket name for prefix at the given interval and
// time, zeroing every field finer than the interval's granularity.
func Name(interval clock.Interval, prefix string, t time.Time) (string, error) {
	var s, err = suffix(interval)
	if err != nil {
		return "", err
	}
	t = clock.Floor(t, interval)

	var year, month, day, hour, minute = t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute()
	switch interval {
	case clock.Hour:
		minute = 0
	case clock.Day:
		hour, minute = 0, 0
	case clock.Month:
		day, hour, minute = 0, 0, 0
	case clock.Year:
		month, day, hour, minute = 0, 0, 0, 0
	}

	return fmt.Sprintf("%s_%d_%d_%d_%d_%d_%s", prefix, year, month, day, hour, minute, s), nil
}

// namePattern extracts the five numeric fields embedded in a canonical name,
// tolerating any prefix and any of the five suffixes.
var namePattern = regexp.MustCompile(`_(\d+)_(\d+)_(\d+)_(\d+)_(\d+)_(min|h|d|m|y)$`)

// Parse recovers the floored time.Time embedded in a canonical bucket name.
// Parse(Name(interval, prefix, t)) == clock.Floor(t, interval) for every
// supported interval and every t (the name round-trip invariant).
func Parse(name string) (time.Time, error) {
	var m = namePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, fmt.Errorf("collectionname: %q is not a canonical bucket name", name)
	}

	var fields [5]int
	for i := 0; i < 5; i++ {
		var v, err = strconv.Atoi(m[i+1])
		if err != nil {
			return time.Time{}, fmt.Errorf("collectionname: parsing %q: %w", name, err)
		}
		fields[i] = v
	}
	var year, month, day, hour, minute = fields[0], fields[1], fields[2], fields[3], fields[4]

	// month/day default to 1 when zeroed by a coarser interval, since
	// time.Date requires a valid calendar day.
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}

	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), nil
}

// IntervalFromSuffix recovers the Interval encoded by a canonical name's
// trailing suffix.
func IntervalFromSuffix(name string) (clock.Interval, error) {
	var m = namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("collectionname: %q is not a canonical bucket name", name)
	}
	switch m[6] {
	case "min":
		return clock.Minute, nil
	case "h":
		return clock.Hour, nil
	case "d":
		return clock.Day, nil
	case "m":
		return clock.Month, nil
	case "y":
		return clock.Year, nil
	default:
		return "", fmt.Errorf("collectionname: unrecognized suffix %q", m[6])
	}
}
