// Package control implements the configuration-watcher (L9 in
// SPEC_FULL.md): subscription deltas and the drained-shutdown sequence,
// grounded on check_configuration_changes / stop_program handling in the
// original's src/data_collector/config_update_checker.py.
package control

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/exchange"
	"github.com/marketfeed/collector/internal/metrics"
	"github.com/marketfeed/collector/internal/ops"
	"github.com/marketfeed/collector/internal/rotator"
	"github.com/marketfeed/collector/internal/tracker"
)

// Snapshot is one reload of the recognized configuration surface relevant
// to the watcher (spec.md §6).
type Snapshot struct {
	ProductIDs  []string
	StopProgram int
}

// Source reloads configuration on demand, standing in for the file-backed
// ConfigurationsManager (spec.md §6).
type Source interface {
	Reload() (Snapshot, error)
}

// BackupIdleChecker reports whether a backup pipeline currently holds no
// in-flight shipment.
type BackupIdleChecker interface {
	IsIdle() bool
}

// Watcher drives the control-plane loop described in spec.md §4.6.
type Watcher struct {
	source        Source
	trk           *tracker.Tracker
	streamClient  exchange.StreamClient
	rotators      []*rotator.Rotator
	backups       []BackupIdleChecker
	updateInterval clock.Interval
	clk           clock.Clock
	log           *logrus.Entry

	prevProductIDs map[string]bool

	// Stop is closed once the drain sequence has fully completed, signaling
	// the supervisor to exit the process (spec.md §4.6 step 4).
	Stop chan struct{}
}

// Config collects Watcher's dependencies.
type Config struct {
	Source         Source
	Tracker        *tracker.Tracker
	StreamClient   exchange.StreamClient
	Rotators       []*rotator.Rotator
	Backups        []BackupIdleChecker
	UpdateInterval clock.Interval
}

// New builds a Watcher, seeding prevProductIDs from initial (the product
// ids the stream client subscribes to at connect time) so the first tick
// computes a correct delta against them.
func New(cfg Config, clk clock.Clock, initial []string) *Watcher {
	var prev = make(map[string]bool, len(initial))
	for _, id := range initial {
		prev[id] = true
	}
	return &Watcher{
		source:         cfg.Source,
		trk:            cfg.Tracker,
		streamClient:   cfg.StreamClient,
		rotators:       cfg.Rotators,
		backups:        cfg.Backups,
		updateInterval: cfg.UpdateInterval,
		clk:            clk,
		log:            ops.For("control"),
		prevProductIDs: prev,
		Stop:           make(chan struct{}),
	}
}

// Run drives the tick loop until ctx is canceled or a stop command is
// processed (spec.md §4.6).
func (w *Watcher) Run(ctx context.Context) error {
	for {
		var nextTick = clock.Add(clock.Floor(w.clk.Now(), w.updateInterval), w.updateInterval)

		if err := clock.SleepUntil(ctx, w.clk, nextTick.Add(-15*time.Second)); err != nil {
			return err
		}

		var cfg, err = w.source.Reload()
		if err != nil {
			w.log.WithError(err).Error("reloading configuration failed, skipping this tick")
			continue
		}

		var current = make(map[string]bool, len(cfg.ProductIDs))
		for _, id := range cfg.ProductIDs {
			current[id] = true
		}

		var newIDs = diff(current, w.prevProductIDs)
		var oldIDs = diff(w.prevProductIDs, current)
		var stop = cfg.StopProgram > 0

		switch {
		case stop:
			if err := w.drain(ctx, nextTick); err != nil {
				return err
			}
			close(w.Stop)
			return nil
		case len(newIDs) > 0:
			for _, id := range newIDs {
				w.trk.Add(id)
			}
			if err := clock.SleepUntil(ctx, w.clk, nextTick); err != nil {
				return err
			}
			if err := w.streamClient.Send(exchange.NewSubscribe(newIDs)); err != nil {
				w.log.WithError(err).Error("sending subscribe frame failed")
			}
		case len(oldIDs) > 0:
			for _, id := range oldIDs {
				w.trk.Remove(id)
			}
			if err := clock.SleepUntil(ctx, w.clk, nextTick); err != nil {
				return err
			}
			if err := w.streamClient.Send(exchange.NewUnsubscribe(oldIDs)); err != nil {
				w.log.WithError(err).Error("sending unsubscribe frame failed")
			}
		}

		// Always reassign, per the resolved Open Question in DESIGN.md: an
		// id added then removed across two ticks is treated as two
		// independent deltas rather than netting out to a no-op.
		w.prevProductIDs = current
	}
}

// drain implements spec.md §4.6 step 4's shutdown sequence.
func (w *Watcher) drain(ctx context.Context, stopTime time.Time) error {
	if err := w.waitBackupIdle(ctx); err != nil {
		return err
	}

	for _, r := range w.rotators {
		r.RequestStop(stopTime)
	}

	for {
		var allStopped = true
		var stoppedCount = 0
		for _, r := range w.rotators {
			if r.Stopped() {
				stoppedCount++
			} else {
				allStopped = false
			}
		}
		metrics.RotatorsStopped.Set(float64(stoppedCount))
		if allStopped {
			break
		}
		if err := clock.SleepUntil(ctx, w.clk, w.clk.Now().Add(10*time.Second)); err != nil {
			return err
		}
	}

	if err := clock.SleepUntil(ctx, w.clk, w.clk.Now().Add(5*time.Second)); err != nil {
		return err
	}

	if err := w.waitBackupIdle(ctx); err != nil {
		return err
	}

	w.log.Info("drain sequence complete")
	return nil
}

func (w *Watcher) waitBackupIdle(ctx context.Context) error {
	for {
		var idle = true
		for _, b := range w.backups {
			if !b.IsIdle() {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		if err := clock.SleepUntil(ctx, w.clk, w.clk.Now().Add(30*time.Second)); err != nil {
			return err
		}
	}
}

// diff returns the keys present in a but not in b.
func diff(a, b map[string]bool) []string {
	var out []string
	for id := range a {
		if !b[id] {
			out = append(out, id)
		}
	}
	return out
}
