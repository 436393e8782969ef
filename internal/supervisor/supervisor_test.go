package supervisor_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketfeed/collector/internal/backupstate"
	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/exchange"
	"github.com/marketfeed/collector/internal/supervisor"
	"github.com/marketfeed/collector/internal/tracker"
)

type scriptedStreamClient struct {
	calls   int
	results []error
}

func (c *scriptedStreamClient) Run(ctx context.Context) error {
	var err = c.results[c.calls]
	c.calls++
	return err
}
func (c *scriptedStreamClient) Send(msg exchange.SubscribeMessage) error { return nil }
func (c *scriptedStreamClient) Stop() error                              { return nil }

func TestRunPersistsCrashStateOnCleanExit(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	trk.SetSequence("BTC-USD", 42)

	store, err := backupstate.Open(filepath.Join(t.TempDir(), "crash.db"), false)
	require.NoError(t, err)
	defer store.Close()

	var stopSignal = make(chan struct{})
	close(stopSignal)

	var sup = supervisor.New(supervisor.Runtime{
		StreamClient: &scriptedStreamClient{results: []error{nil}},
		Tracker:      trk,
		CrashStore:   store,
		Clock:        mock,
		StopSignal:   stopSignal,
	})

	require.NoError(t, sup.Run(ctx))
	require.Equal(t, supervisor.StateStopped, sup.State())

	cs, ok, err := store.LoadCrashState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), *cs.Sequence["BTC-USD"])
}

func TestRunBacksOffOnRestartError(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()

	store, err := backupstate.Open(filepath.Join(t.TempDir(), "crash.db"), false)
	require.NoError(t, err)
	defer store.Close()

	var stopSignal = make(chan struct{})
	var client = &scriptedStreamClient{results: []error{exchange.ErrRestartStream, exchange.ErrRestartStream, nil}}

	var sup = supervisor.New(supervisor.Runtime{
		StreamClient: client,
		Tracker:      trk,
		CrashStore:   store,
		Clock:        mock,
		StopSignal:   stopSignal,
	})

	var done = make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// First restart: backs off 1s (no prior attempt within 10s window).
	time.Sleep(20 * time.Millisecond)
	mock.Advance(2 * time.Second)
	// Second restart happens quickly after the first (<10s), so delay
	// doubles to 2s.
	time.Sleep(20 * time.Millisecond)
	mock.Advance(3 * time.Second)
	time.Sleep(20 * time.Millisecond)

	close(stopSignal)
	mock.Advance(time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not exit after stop signal")
	}
	require.Equal(t, 3, client.calls)
}

func TestRunPropagatesNonRestartError(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	store, err := backupstate.Open(filepath.Join(t.TempDir(), "crash.db"), false)
	require.NoError(t, err)
	defer store.Close()

	var fatalErr = errors.New("disk full")
	var sup = supervisor.New(supervisor.Runtime{
		StreamClient: &scriptedStreamClient{results: []error{fatalErr}},
		Tracker:      trk,
		CrashStore:   store,
		Clock:        mock,
		StopSignal:   make(chan struct{}),
	})

	var err2 = sup.Run(ctx)
	require.ErrorIs(t, err2, fatalErr)
	require.Equal(t, supervisor.StateStopped, sup.State())
}
