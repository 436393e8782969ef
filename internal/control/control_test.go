package control_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/control"
	"github.com/marketfeed/collector/internal/exchange"
	"github.com/marketfeed/collector/internal/rotator"
	"github.com/marketfeed/collector/internal/storage"
	"github.com/marketfeed/collector/internal/tracker"
)

type fakeSource struct {
	mu   sync.Mutex
	next control.Snapshot
}

func (f *fakeSource) Reload() (control.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, nil
}

func (f *fakeSource) set(s control.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = s
}

type fakeStreamClient struct {
	mu   sync.Mutex
	sent []exchange.SubscribeMessage
}

func (c *fakeStreamClient) Run(ctx context.Context) error { return nil }
func (c *fakeStreamClient) Send(msg exchange.SubscribeMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}
func (c *fakeStreamClient) Stop() error { return nil }

func (c *fakeStreamClient) messages() []exchange.SubscribeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out = make([]exchange.SubscribeMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func TestWatcherEmitsSubscribeOnNewIDs(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 4, 40, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	var source = &fakeSource{next: control.Snapshot{ProductIDs: []string{"BTC-USD", "ETH-USD"}}}
	var client = &fakeStreamClient{}

	var w = control.New(control.Config{
		Source:         source,
		Tracker:        trk,
		StreamClient:   client,
		UpdateInterval: clock.Minute,
	}, mock, []string{"BTC-USD"})

	var done = make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	mock.Set(time.Date(2024, 3, 17, 12, 4, 45, 0, time.UTC)) // next_tick - 15s
	time.Sleep(20 * time.Millisecond)
	_, tracked := trk.Get("ETH-USD")
	require.True(t, tracked, "tracker should gain ETH-USD before the subscribe frame goes out")

	mock.Set(time.Date(2024, 3, 17, 12, 5, 0, 0, time.UTC)) // next_tick
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	var sent = client.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "subscribe", sent[0].Type)
	require.Equal(t, []string{"ETH-USD"}, sent[0].ProductIDs)
}

func TestWatcherRemovesTrackerBeforeSendingUnsubscribe(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 4, 40, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	trk.Add("ETH-USD")
	var source = &fakeSource{next: control.Snapshot{ProductIDs: []string{"BTC-USD"}}}
	var client = &fakeStreamClient{}

	var w = control.New(control.Config{
		Source:         source,
		Tracker:        trk,
		StreamClient:   client,
		UpdateInterval: clock.Minute,
	}, mock, []string{"BTC-USD", "ETH-USD"})

	var done = make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	mock.Set(time.Date(2024, 3, 17, 12, 4, 45, 0, time.UTC)) // next_tick - 15s
	time.Sleep(20 * time.Millisecond)

	// Tracker entries for a removed product_id are dropped before the
	// outbound unsubscribe frame is sent, not after, so that events for
	// that pair arriving in the interim are treated as "unknown product"
	// rather than advancing an about-to-be-unsubscribed pair's sequence.
	_, tracked := trk.Get("ETH-USD")
	require.False(t, tracked, "tracker should lose ETH-USD before the unsubscribe frame goes out")
	require.Empty(t, client.messages(), "unsubscribe frame should not be sent before next_tick")

	mock.Set(time.Date(2024, 3, 17, 12, 5, 0, 0, time.UTC)) // next_tick
	time.Sleep(20 * time.Millisecond)

	cancel()
	<-done

	var sent = client.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "unsubscribe", sent[0].Type)
	require.Equal(t, []string{"ETH-USD"}, sent[0].ProductIDs)
}

func TestWatcherDrainsOnStopProgram(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 40, 0, time.UTC))
	var trk = tracker.New()
	var source = &fakeSource{next: control.Snapshot{ProductIDs: []string{"BTC-USD"}, StopProgram: 1}}
	var client = &fakeStreamClient{}

	db, err := storage.NewFilesystemDatabase(t.TempDir(), "test")
	require.NoError(t, err)
	rot, err := rotator.New(ctx, db, rotator.Config{Prefix: "full", Interval: clock.Minute, SafeMargin: 10 * time.Second}, mock)
	require.NoError(t, err)

	// Pre-stop the rotator so the watcher's "wait until both rotators
	// report stopped" poll (spec.md §4.6 step 4) resolves on its first
	// check rather than requiring a real 10s poll interval: Stopped() is
	// sticky once a past-stop_time event has been observed, and the
	// watcher's own RequestStop call only overwrites stop_time.
	rot.RequestStop(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	require.NoError(t, rot.Insert(ctx, time.Date(2024, 3, 17, 12, 0, 1, 0, time.UTC), map[string]any{"a": 1}))
	require.True(t, rot.Stopped())

	var w = control.New(control.Config{
		Source:         source,
		Tracker:        trk,
		StreamClient:   client,
		Rotators:       []*rotator.Rotator{rot},
		UpdateInterval: clock.Minute,
	}, mock, []string{"BTC-USD"})

	var done = make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	mock.Set(time.Date(2024, 3, 17, 12, 0, 45, 0, time.UTC)) // next_tick - 15s
	// Give drain's instant steps (backup-idle check with no backups
	// configured, already-stopped rotator check) time to run, then clear
	// the final unconditional 5s sleep by advancing the mock clock past
	// whatever deadline it computed from the current mock time.
	time.Sleep(30 * time.Millisecond)
	mock.Set(time.Date(2024, 3, 17, 12, 1, 0, 0, time.UTC))

	select {
	case <-w.Stop:
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not complete drain sequence in time")
	}
}
