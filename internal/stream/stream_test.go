package stream_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/exchange"
	"github.com/marketfeed/collector/internal/rotator"
	"github.com/marketfeed/collector/internal/storage"
	"github.com/marketfeed/collector/internal/stream"
	"github.com/marketfeed/collector/internal/tracker"
)

type fakeREST struct {
	orderBookSeq uint64
	trades       []exchange.Trade
	orderBookErr error
	calls        int
}

func (f *fakeREST) OrderBook(ctx context.Context, productID string) (exchange.OrderBookSnapshot, error) {
	f.calls++
	if f.orderBookErr != nil {
		return exchange.OrderBookSnapshot{}, f.orderBookErr
	}
	return exchange.OrderBookSnapshot{Sequence: f.orderBookSeq, Raw: json.RawMessage(`{"bids":[]}`)}, nil
}

func (f *fakeREST) Trades(ctx context.Context, productID string, limit int) ([]exchange.Trade, error) {
	return f.trades, nil
}

func newTestRotator(t *testing.T, clk clock.Clock) *rotator.Rotator {
	t.Helper()
	db, err := storage.NewFilesystemDatabase(t.TempDir(), "test")
	require.NoError(t, err)
	r, err := rotator.New(context.Background(), db, rotator.Config{
		Prefix:     "full",
		Interval:   clock.Minute,
		SafeMargin: 10 * time.Second,
	}, clk)
	require.NoError(t, err)
	return r
}

func TestHandleEventUnknownProductIgnored(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	var rest = &fakeREST{}
	h, err := stream.New(trk, newTestRotator(t, mock), func() (exchange.RESTClient, error) { return rest, nil }, mock)
	require.NoError(t, err)

	require.NoError(t, h.HandleEvent(ctx, exchange.Event{ProductID: "BTC-USD", Sequence: 5}))
	require.Equal(t, 0, rest.calls)
}

func TestHandleEventFirstEventTriggersResetBook(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	var rest = &fakeREST{orderBookSeq: 100}
	h, err := stream.New(trk, newTestRotator(t, mock), func() (exchange.RESTClient, error) { return rest, nil }, mock)
	require.NoError(t, err)

	require.NoError(t, h.HandleEvent(ctx, exchange.Event{ProductID: "BTC-USD", Sequence: 101}))
	require.Equal(t, 1, rest.calls)

	state, ok := trk.Get("BTC-USD")
	require.True(t, ok)
	require.NotNil(t, state.LastSequence)
	require.Equal(t, uint64(100), *state.LastSequence)
}

func TestHandleEventSequentialAdvancesTracker(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	trk.SetSequence("BTC-USD", 10)
	var rest = &fakeREST{}
	h, err := stream.New(trk, newTestRotator(t, mock), func() (exchange.RESTClient, error) { return rest, nil }, mock)
	require.NoError(t, err)

	require.NoError(t, h.HandleEvent(ctx, exchange.Event{ProductID: "BTC-USD", Sequence: 11, Time: mock.Now(), Raw: json.RawMessage(`{}`)}))
	require.Equal(t, 0, rest.calls)

	state, ok := trk.Get("BTC-USD")
	require.True(t, ok)
	require.Equal(t, uint64(11), *state.LastSequence)
}

func TestHandleEventDuplicateDropped(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	trk.SetSequence("BTC-USD", 10)
	var rest = &fakeREST{}
	h, err := stream.New(trk, newTestRotator(t, mock), func() (exchange.RESTClient, error) { return rest, nil }, mock)
	require.NoError(t, err)

	require.NoError(t, h.HandleEvent(ctx, exchange.Event{ProductID: "BTC-USD", Sequence: 9, Time: mock.Now(), Raw: json.RawMessage(`{}`)}))

	state, ok := trk.Get("BTC-USD")
	require.True(t, ok)
	require.Equal(t, uint64(10), *state.LastSequence)
}

func TestHandleEventGapTriggersResetAndBackfill(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	trk.SetSequence("BTC-USD", 10)
	trk.SetLastMatchTradeID("BTC-USD", 500)

	var rest = &fakeREST{
		orderBookSeq: 20,
		trades: []exchange.Trade{
			{TradeID: 503, Raw: json.RawMessage(`{"trade_id":503}`)},
			{TradeID: 502, Raw: json.RawMessage(`{"trade_id":502}`)},
			{TradeID: 501, Raw: json.RawMessage(`{"trade_id":501}`)},
			{TradeID: 500, Raw: json.RawMessage(`{"trade_id":500}`)},
		},
	}
	h, err := stream.New(trk, newTestRotator(t, mock), func() (exchange.RESTClient, error) { return rest, nil }, mock)
	require.NoError(t, err)

	require.NoError(t, h.HandleEvent(ctx, exchange.Event{ProductID: "BTC-USD", Sequence: 15, Time: mock.Now()}))

	state, ok := trk.Get("BTC-USD")
	require.True(t, ok)
	require.True(t, state.IsGapRecovering)
	require.Equal(t, uint64(20), *state.LastSequence)
	require.Equal(t, uint64(503), *state.LastMatchTradeID)
}

func TestHandleEventTracksLastMatchTradeIDDuringNormalOperation(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	trk.SetSequence("BTC-USD", 10)
	var rest = &fakeREST{}
	h, err := stream.New(trk, newTestRotator(t, mock), func() (exchange.RESTClient, error) { return rest, nil }, mock)
	require.NoError(t, err)

	var tradeID = uint64(42)
	require.NoError(t, h.HandleEvent(ctx, exchange.Event{
		ProductID: "BTC-USD", Sequence: 11, Type: exchange.EventTypeMatch, TradeID: &tradeID,
		Time: mock.Now(), Raw: json.RawMessage(`{}`),
	}))

	state, ok := trk.Get("BTC-USD")
	require.True(t, ok)
	require.False(t, state.IsGapRecovering)
	require.NotNil(t, state.LastMatchTradeID)
	require.Equal(t, uint64(42), *state.LastMatchTradeID)
}

func TestHandleEventGapRecoveryUsesTradeIDTrackedDuringNormalOperation(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	trk.SetSequence("BTC-USD", 9)
	var rest = &fakeREST{}
	h, err := stream.New(trk, newTestRotator(t, mock), func() (exchange.RESTClient, error) { return rest, nil }, mock)
	require.NoError(t, err)

	// Normal operation: no gap, last_match_trade_id is built up purely from
	// observing match events, matching scenario 2's premise that it was
	// already 42 before the gap opened.
	var tradeID = uint64(42)
	require.NoError(t, h.HandleEvent(ctx, exchange.Event{
		ProductID: "BTC-USD", Sequence: 10, Type: exchange.EventTypeMatch, TradeID: &tradeID,
		Time: mock.Now(), Raw: json.RawMessage(`{}`),
	}))

	rest.orderBookSeq = 20
	rest.trades = []exchange.Trade{
		{TradeID: 45, Raw: json.RawMessage(`{"trade_id":45}`)},
		{TradeID: 43, Raw: json.RawMessage(`{"trade_id":43}`)},
		{TradeID: 41, Raw: json.RawMessage(`{"trade_id":41}`)},
	}
	require.NoError(t, h.HandleEvent(ctx, exchange.Event{ProductID: "BTC-USD", Sequence: 15, Time: mock.Now()}))

	state, ok := trk.Get("BTC-USD")
	require.True(t, ok)
	require.True(t, state.IsGapRecovering)
	require.Equal(t, uint64(20), *state.LastSequence)
	require.NotNil(t, state.LastMatchTradeID)
	require.Equal(t, uint64(45), *state.LastMatchTradeID)
}

func TestHandleEventClearsGapRecoveringOnFreshMatch(t *testing.T) {
	var ctx = context.Background()
	var mock = clock.NewMock(time.Date(2024, 3, 17, 12, 0, 0, 0, time.UTC))
	var trk = tracker.New()
	trk.Add("BTC-USD")
	trk.SetSequence("BTC-USD", 20)
	trk.SetLastMatchTradeID("BTC-USD", 503)
	trk.SetGapRecovering("BTC-USD", true)
	var rest = &fakeREST{}
	h, err := stream.New(trk, newTestRotator(t, mock), func() (exchange.RESTClient, error) { return rest, nil }, mock)
	require.NoError(t, err)

	var tradeID = uint64(504)
	require.NoError(t, h.HandleEvent(ctx, exchange.Event{
		ProductID: "BTC-USD", Sequence: 21, Type: exchange.EventTypeMatch, TradeID: &tradeID,
		Time: mock.Now(), Raw: json.RawMessage(`{}`),
	}))

	state, ok := trk.Get("BTC-USD")
	require.True(t, ok)
	require.False(t, state.IsGapRecovering)
	require.Equal(t, uint64(504), *state.LastMatchTradeID)
}
