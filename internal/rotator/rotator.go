// Package rotator implements the time-bucketed collection rotator (L5 in
// SPEC_FULL.md): deterministic creation of the next bucket on a fixed
// cadence, the dual-write overlap window, and the in-band swap, grounded on
// DatabaseCollection in the original's src/data_collector/database_collection.py.
package rotator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/collectionname"
	"github.com/marketfeed/collector/internal/ops"
	"github.com/marketfeed/collector/internal/storage"
)

// Config parameterizes a single Rotator instance.
type Config struct {
	Prefix       string
	Interval     clock.Interval
	SafeMargin   time.Duration
	IsStartTime  bool
	StartTime    time.Time
	BackupSignal chan<- struct{} // non-blocking notify, fired once per rotation when non-nil
}

// Rotator owns the "current" and "next" buckets for one stream and performs
// the dual-write overlap swap described in spec.md §4.2.
type Rotator struct {
	db  storage.Database
	cfg Config
	clk clock.Clock
	log *logrus.Entry

	mu            sync.Mutex
	current       storage.Bucket
	nextCandidate storage.Bucket
	boundaryTime  time.Time
	fillEnd       time.Time
	isOverlap     bool

	isStartTime  bool
	startTime    time.Time
	stopRequested bool
	stopTime     time.Time
	stopped      bool
}

// New opens the Rotator's initial current bucket at clk.Now()'s floor and
// returns it without starting the background rotation loop; call Run in a
// goroutine to drive rotation.
func New(ctx context.Context, db storage.Database, cfg Config, clk clock.Clock) (*Rotator, error) {
	if !cfg.Interval.Valid() {
		return nil, fmt.Errorf("rotator: invalid interval %q", cfg.Interval)
	}

	var now = clk.Now()
	var name, err = collectionname.Name(cfg.Interval, cfg.Prefix, now)
	if err != nil {
		return nil, err
	}
	var current storage.Bucket
	current, err = db.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("rotator: opening initial bucket %s: %w", name, err)
	}

	var boundary = clock.Add(clock.Floor(now, cfg.Interval), cfg.Interval)

	return &Rotator{
		db:           db,
		cfg:          cfg,
		clk:          clk,
		log:          ops.For("rotator").WithField("prefix", cfg.Prefix),
		current:      current,
		boundaryTime: boundary,
		isStartTime:  cfg.IsStartTime,
		startTime:    cfg.StartTime,
	}, nil
}

// Run drives the rotation loop until ctx is canceled: sleeps to
// fill_start, opens next_candidate, waits out the overlap, advances
// boundary_time, and repeats (spec.md §4.2, Rotation loop).
func (r *Rotator) Run(ctx context.Context) error {
	for {
		r.mu.Lock()
		var fillStart = r.boundaryTime.Add(-r.cfg.SafeMargin)
		r.mu.Unlock()

		if err := clock.SleepUntil(ctx, r.clk, fillStart); err != nil {
			return err
		}

		r.mu.Lock()
		var boundary = r.boundaryTime
		r.mu.Unlock()

		var name, err = collectionname.Name(r.cfg.Interval, r.cfg.Prefix, boundary)
		if err != nil {
			return err
		}
		var next storage.Bucket
		next, err = r.db.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("rotator: opening next bucket %s: %w", name, err)
		}

		r.mu.Lock()
		r.nextCandidate = next
		r.fillEnd = boundary.Add(r.cfg.SafeMargin)
		r.isOverlap = true
		r.mu.Unlock()

		r.log.WithFields(map[string]any{"next_bucket": name, "boundary_time": boundary}).Info("opened next bucket")

		// Sleep at least 30s, then poll at 5s until the writer clears
		// is_overlap on a data event strictly past fill_end (spec.md
		// §4.2 step 4).
		if err := clock.SleepUntil(ctx, r.clk, r.clk.Now().Add(30*time.Second)); err != nil {
			return err
		}
		for {
			r.mu.Lock()
			var overlap = r.isOverlap
			r.mu.Unlock()
			if !overlap {
				break
			}
			if err := clock.SleepUntil(ctx, r.clk, r.clk.Now().Add(5*time.Second)); err != nil {
				return err
			}
		}

		r.mu.Lock()
		r.boundaryTime = clock.Add(boundary, r.cfg.Interval)
		r.mu.Unlock()

		if r.cfg.BackupSignal != nil {
			select {
			case r.cfg.BackupSignal <- struct{}{}:
			default:
			}
		}
	}
}

// Insert implements the writer side of spec.md §4.2: start-time gating,
// stop-time gating, overlap dual-write, and the swap driven by a data
// event strictly past fill_end.
func (r *Rotator) Insert(ctx context.Context, eventTime time.Time, record any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isStartTime {
		if eventTime.Before(r.startTime) {
			return nil
		}
		r.isStartTime = false
		return r.current.Insert(ctx, record)
	}

	if r.stopRequested {
		if eventTime.Before(r.stopTime) {
			return r.current.Insert(ctx, record)
		}
		if eventTime.After(r.stopTime) {
			r.stopped = true
			return nil
		}
		// eventTime == stopTime: spec.md §4.2 only names strictly-before
		// (accept) and strictly-after (stop); an exact match is accepted,
		// the last event the rotator takes before stopping.
		return r.current.Insert(ctx, record)
	}

	if r.nextCandidate != nil {
		if eventTime.Before(r.boundaryTime) {
			return r.current.Insert(ctx, record)
		}
		if err := r.nextCandidate.Insert(ctx, record); err != nil {
			return err
		}
		if eventTime.After(r.fillEnd) {
			r.current = r.nextCandidate
			r.nextCandidate = nil
			r.isOverlap = false
		}
		return nil
	}

	return r.current.Insert(ctx, record)
}

// RequestStop arms the stop-time writer branch (spec.md §4.2, §4.6 step 4).
func (r *Rotator) RequestStop(stopTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRequested = true
	r.stopTime = stopTime
}

// Stopped reports whether the rotator has observed an event strictly after
// its stop_time.
func (r *Rotator) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// CurrentName returns the name of the bucket currently accepting writes
// under normal (non-overlap) operation, for diagnostics and tests.
func (r *Rotator) CurrentName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Name()
}
