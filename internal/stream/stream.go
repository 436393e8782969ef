// Package stream implements the event handler (L7 in SPEC_FULL.md): the
// per-event sequence check, gap recovery via REST order-book reset and
// trade back-fill, and the REST-client freshness policy, grounded on
// Tmain's callback chain in the original's src/data_collector/main.py
// (on_response / reset_book / on_gap / fetch_missing_trades).
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/exchange"
	"github.com/marketfeed/collector/internal/metrics"
	"github.com/marketfeed/collector/internal/ops"
	"github.com/marketfeed/collector/internal/rotator"
	"github.com/marketfeed/collector/internal/tracker"
)

// restFreshness is the maximum idle time before the REST client is
// considered stale and replaced (spec.md §4.4, REST-client freshness).
const restFreshness = 30 * time.Second

// restRetries is the number of attempts reset_book and fetch_missing_trades
// make, each against a freshly-built client, before propagating (spec.md
// §4.4: "Retries: three attempts with fresh REST client on each failure").
const restRetries = 3

// tradesLimit is the page size requested from the trades endpoint during
// back-fill (spec.md §4.4, fetch_missing_trades).
const tradesLimit = 100

// Handler processes decoded exchange events for a fixed set of product ids,
// writing accepted events into a Rotator and repairing sequence gaps via
// REST calls.
type Handler struct {
	trk        *tracker.Tracker
	rot        *rotator.Rotator
	newClient  exchange.RESTClientFactory
	clk        clock.Clock
	log        *logrus.Entry

	mu          sync.Mutex
	restClient  exchange.RESTClient
	lastRESTUse time.Time
}

// New builds a Handler backed by trk and rot, obtaining its first REST
// client from newClient immediately so the first reset_book call never
// pays the construction latency inline.
func New(trk *tracker.Tracker, rot *rotator.Rotator, newClient exchange.RESTClientFactory, clk clock.Clock) (*Handler, error) {
	var client, err = newClient()
	if err != nil {
		return nil, fmt.Errorf("stream: building initial REST client: %w", err)
	}
	return &Handler{
		trk:         trk,
		rot:         rot,
		newClient:   newClient,
		clk:         clk,
		log:         ops.For("stream"),
		restClient:  client,
		lastRESTUse: clk.Now(),
	}, nil
}

// HandleEvent implements spec.md §4.4 steps 1-6 for a single decoded event.
func (h *Handler) HandleEvent(ctx context.Context, e exchange.Event) error {
	metrics.IngressEvents.Inc()

	var state, tracked = h.trk.Get(e.ProductID)
	if !tracked {
		return nil
	}

	if state.LastSequence == nil {
		return h.resetBook(ctx, e.ProductID)
	}
	var last = *state.LastSequence
	if e.Sequence < last {
		return nil
	}
	if e.Sequence > last+1 {
		if err := h.onGap(ctx, e.ProductID, last, e.Sequence); err != nil {
			return err
		}
		h.trk.SetGapRecovering(e.ProductID, true)
		return nil
	}

	if e.Type == exchange.EventTypeMatch {
		if state.IsGapRecovering {
			var lastTrade = state.LastMatchTradeID
			if lastTrade != nil && e.TradeID != nil && *e.TradeID <= *lastTrade {
				return nil
			}
			h.trk.SetGapRecovering(e.ProductID, false)
		}
		// last_match_trade_id tracks every match event, not just the ones
		// seen while recovering from a gap, so fetchMissingTrades always
		// has a baseline the next time a gap opens (custom_websocket_events.py's
		// on_message assigns this unconditionally inside the match branch).
		if e.TradeID != nil {
			h.trk.SetLastMatchTradeID(e.ProductID, *e.TradeID)
		}
	}

	if err := h.rot.Insert(ctx, e.Time, e); err != nil {
		return fmt.Errorf("stream: inserting event for %s: %w", e.ProductID, err)
	}
	h.trk.SetSequence(e.ProductID, e.Sequence)
	return nil
}

// resetBook implements spec.md §4.4's reset_book.
func (h *Handler) resetBook(ctx context.Context, productID string) error {
	var snapshot, err = callWithRetry(h, ctx, func(client exchange.RESTClient) (exchange.OrderBookSnapshot, error) {
		return client.OrderBook(ctx, productID)
	})
	if err != nil {
		return fmt.Errorf("stream: reset_book(%s): %w", productID, err)
	}
	snapshot.Time = h.clk.Now()
	snapshot.ProductID = productID

	if err := h.rot.Insert(ctx, snapshot.Time, snapshot); err != nil {
		return fmt.Errorf("stream: inserting snapshot for %s: %w", productID, err)
	}
	h.trk.SetSequence(productID, snapshot.Sequence)
	return nil
}

// onGap implements spec.md §4.4's on_gap.
func (h *Handler) onGap(ctx context.Context, productID string, gapStart, gapEnd uint64) error {
	if err := h.resetBook(ctx, productID); err != nil {
		return err
	}
	if err := h.fetchMissingTrades(ctx, productID); err != nil {
		return err
	}
	h.log.WithFields(map[string]any{
		"product_id": productID,
		"gap_start":  gapStart,
		"gap_end":    gapEnd,
	}).Warn("sequence gap recovered")
	metrics.PacketRate.WithLabelValues(productID).Set(0)
	return nil
}

// tradesBackfill is the shape forwarded to the rotator for back-filled
// trades (spec.md §4.4, fetch_missing_trades).
type tradesBackfill struct {
	ProductID string            `json:"product_id"`
	Trades    []exchange.Trade  `json:"trades"`
}

// fetchMissingTrades implements spec.md §4.4's fetch_missing_trades.
func (h *Handler) fetchMissingTrades(ctx context.Context, productID string) error {
	var state, tracked = h.trk.Get(productID)
	if !tracked || state.LastMatchTradeID == nil {
		return nil
	}
	var lastTradeID = *state.LastMatchTradeID

	var trades, err = callWithRetry(h, ctx, func(client exchange.RESTClient) ([]exchange.Trade, error) {
		return client.Trades(ctx, productID, tradesLimit)
	})
	if err != nil {
		return fmt.Errorf("stream: fetch_missing_trades(%s): %w", productID, err)
	}

	var kept []exchange.Trade
	for _, t := range trades {
		if t.TradeID > lastTradeID {
			kept = append(kept, t)
		} else {
			break
		}
	}
	if len(kept) == 0 {
		return nil
	}

	var now = h.clk.Now()
	if err := h.rot.Insert(ctx, now, tradesBackfill{ProductID: productID, Trades: kept}); err != nil {
		return fmt.Errorf("stream: inserting back-filled trades for %s: %w", productID, err)
	}
	h.trk.SetLastMatchTradeID(productID, kept[0].TradeID)
	return nil
}

// callWithRetry applies the shared reset_book/fetch_missing_trades retry
// policy: up to restRetries attempts, a fresh REST client on each failure,
// propagating the final error (spec.md §4.4).
func callWithRetry[T any](h *Handler, ctx context.Context, call func(exchange.RESTClient) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < restRetries; attempt++ {
		var client, err = h.freshRESTClient(attempt > 0)
		if err != nil {
			lastErr = err
			continue
		}
		var result T
		result, err = call(client)
		h.markRESTUsed()
		if err == nil {
			return result, nil
		}
		lastErr = err
		h.log.WithError(err).Warn("REST call failed, retrying")
	}
	return zero, lastErr
}

// freshRESTClient returns the current REST client, replacing it first if it
// has been idle longer than restFreshness or if forceNew is set (used by
// callWithRetry between retries, since the original constructs a new
// client on every retry attempt).
func (h *Handler) freshRESTClient(forceNew bool) (exchange.RESTClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var stale = h.clk.Now().Sub(h.lastRESTUse) > restFreshness
	if forceNew || stale || h.restClient == nil {
		var client, err = h.newClient()
		if err != nil {
			return nil, err
		}
		h.restClient = client
	}
	return h.restClient, nil
}

func (h *Handler) markRESTUsed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRESTUse = h.clk.Now()
}
