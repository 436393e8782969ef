// Package supervisor owns the connection loop, exponential back-off and
// crash-state persistence (L10 in SPEC_FULL.md; OS signals are trapped by
// cmd/collector, which cancels the supervisor's context),
// grounded on the main-loop retry handling in the original's
// trade_data_collector.py and replacing the source's global mutable state
// (g_collection_manager, g_stream_client, ...) with a single Runtime
// struct owned here, per spec.md §9's redesign flag.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketfeed/collector/internal/backupstate"
	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/exchange"
	"github.com/marketfeed/collector/internal/ops"
	"github.com/marketfeed/collector/internal/tracker"
)

// crashStateFreshness is how young a persisted crash-state record must be
// to be trusted at startup (spec.md §4.7).
const crashStateFreshness = 5 * time.Minute

// State names the supervisor's state machine position (spec.md §4.7).
type State int

const (
	StateInit State = iota
	StateRunning
	StateBackoff
	StateDraining
	StateStopped
)

// Runtime bundles every handle the supervisor's background threads need,
// replacing the original's package-level globals with explicit
// constructor-time wiring (spec.md §9).
type Runtime struct {
	StreamClient exchange.StreamClient
	Tracker      *tracker.Tracker
	CrashStore   *backupstate.Store
	Clock        clock.Clock

	// StopSignal, when closed, ends the connection loop cleanly (e.g. the
	// control-plane watcher completed its drain sequence).
	StopSignal <-chan struct{}
}

// Supervisor drives Runtime.StreamClient.Run with capped exponential
// back-off on restart-worthy errors.
type Supervisor struct {
	rt    Runtime
	log   *logrus.Entry
	state State
}

// New builds a Supervisor. SeedFromCrashState should be called once, after
// New and before Run, if a fresh-enough crash-state record exists.
func New(rt Runtime) *Supervisor {
	return &Supervisor{rt: rt, log: ops.For("supervisor"), state: StateInit}
}

// SeedFromCrashState loads the persisted crash-state record and, if it is
// younger than five minutes, seeds the tracker with its sequence and
// last_match_trade_id maps (spec.md §4.7).
func (s *Supervisor) SeedFromCrashState(ctx context.Context) error {
	var cs, ok, err = s.rt.CrashStore.LoadCrashState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if s.rt.Clock.Now().Sub(cs.Time) > crashStateFreshness {
		s.log.WithField("crash_state_time", cs.Time).Info("crash-state record too old, starting cold")
		return nil
	}
	s.rt.Tracker.Seed(cs.Sequence, cs.LastMatchTradeID)
	s.log.Info("seeded tracker from crash-state record")
	return nil
}

// Run drives the connection loop until ctx is canceled or StopSignal
// fires, applying spec.md §4.7's back-off policy: a restart-websocket
// error resets the delay to 1s if the prior attempt was at least 10s ago,
// else doubles it (capped at 60s).
func (s *Supervisor) Run(ctx context.Context) error {
	s.state = StateRunning
	var delay = time.Second
	var lastAttempt time.Time

	for {
		select {
		case <-s.rt.StopSignal:
			s.state = StateDraining
			return s.persistCrashState(context.Background())
		default:
		}

		var attemptStart = s.rt.Clock.Now()
		var err = s.rt.StreamClient.Run(ctx)

		// A canceled ctx means shutdown, whatever error the stream client
		// surfaced after its connection was closed.
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			s.state = StateDraining
			return s.persistCrashState(context.Background())
		}

		if !errors.Is(err, exchange.ErrRestartStream) {
			s.state = StateStopped
			return err
		}

		s.state = StateBackoff
		if s.rt.Clock.Now().Sub(lastAttempt) >= 10*time.Second {
			delay = time.Second
		} else {
			delay *= 2
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}
		}
		lastAttempt = attemptStart
		s.log.WithError(err).WithField("delay", delay).Warn("stream restart requested, backing off")

		if err := clock.SleepUntil(ctx, s.rt.Clock, s.rt.Clock.Now().Add(delay)); err != nil {
			return err
		}
		s.state = StateRunning
	}
}

// persistCrashState snapshots the tracker and writes a fresh crash-state
// record on shutdown (spec.md §4.7, "On shutdown via signal").
func (s *Supervisor) persistCrashState(ctx context.Context) error {
	var sequence, lastMatchTradeID = s.rt.Tracker.Snapshot()
	var err = s.rt.CrashStore.SaveCrashState(ctx, backupstate.CrashState{
		Time:             s.rt.Clock.Now(),
		Sequence:         sequence,
		LastMatchTradeID: lastMatchTradeID,
	})
	s.state = StateStopped
	return err
}

// State returns the supervisor's current state-machine position.
func (s *Supervisor) State() State { return s.state }
