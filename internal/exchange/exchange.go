// Package exchange names the external collaborators spec.md §6 treats as
// out-of-scope: the REST client, the websocket transport, and the wire
// message shapes the collector reads three-to-five fields from. Nothing in
// this package decodes an order book; it only carries the envelope fields
// the rest of the collector needs (spec.md §1, Non-goals).
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRestartStream is returned by StreamClient.Run to request a supervised
// reconnect, modeling spec.md §9's "distinguished error value of kind
// restart" in place of exceptions-for-control-flow.
var ErrRestartStream = errors.New("exchange: stream requires restart")

// Event is the opaque inbound record described in spec.md §3: any JSON
// object carrying at least product_id, sequence, type, time and, for match
// events, trade_id. Unknown fields are preserved verbatim via Raw.
type Event struct {
	ProductID string          `json:"product_id"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Time      time.Time       `json:"time"`
	TradeID   *uint64         `json:"trade_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// EventTypeMatch is the only event type the handler inspects by name
// (spec.md §4.4 step 4).
const EventTypeMatch = "match"

// DecodeEvent parses a raw inbound frame into an Event, preserving the
// original bytes in Raw so the stored record is the exchange's own
// encoding rather than a re-serialization of only the fields we read.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}
	e.Time = e.Time.UTC()
	e.Raw = raw
	return e, nil
}

// MarshalJSON emits the original wire bytes when available, so a stored
// event is byte-identical to what the exchange sent rather than a
// re-encoding of only the fields the collector understands.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	type alias Event
	return json.Marshal(alias(e))
}

// OrderBookSnapshot is the decoded response of the level-3 REST order-book
// call, decorated by the caller with Time and ProductID before being
// forwarded to storage (spec.md §3, Snapshot; §4.4 reset_book).
type OrderBookSnapshot struct {
	Sequence  uint64          `json:"sequence"`
	ProductID string          `json:"product_id"`
	Time      time.Time       `json:"time"`
	Raw       json.RawMessage `json:"-"`
}

func (s OrderBookSnapshot) MarshalJSON() ([]byte, error) {
	var m map[string]json.RawMessage
	if len(s.Raw) > 0 {
		if err := json.Unmarshal(s.Raw, &m); err != nil {
			return nil, err
		}
	} else {
		m = make(map[string]json.RawMessage)
	}
	var timeBytes, err = json.Marshal(s.Time)
	if err != nil {
		return nil, err
	}
	m["time"] = timeBytes
	var productBytes []byte
	productBytes, err = json.Marshal(s.ProductID)
	if err != nil {
		return nil, err
	}
	m["product_id"] = productBytes
	return json.Marshal(m)
}

// Trade is a single entry from the trades REST endpoint, ordered
// newest-first with a monotone TradeID per product (spec.md §6).
type Trade struct {
	TradeID uint64          `json:"trade_id"`
	Raw     json.RawMessage `json:"-"`
}

func (t Trade) MarshalJSON() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	type alias Trade
	return json.Marshal(alias(t))
}

// RESTClient is the subset of the exchange's authenticated REST surface the
// handler calls (spec.md §6). Implementations must treat each call as
// potentially failing transiently; the caller applies the retry policy.
type RESTClient interface {
	OrderBook(ctx context.Context, productID string) (OrderBookSnapshot, error)
	Trades(ctx context.Context, productID string, limit int) ([]Trade, error)
}

// RESTClientFactory builds a fresh authenticated RESTClient, standing in for
// get_live_rest_client — called whenever the current client might have gone
// stale (spec.md §4.4, REST-client freshness).
type RESTClientFactory func() (RESTClient, error)

// SubscribeMessage is the outbound subscribe/unsubscribe control frame
// (spec.md §6).
type SubscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// NewSubscribe builds the initial or incremental subscribe frame for the
// "full" channel.
func NewSubscribe(productIDs []string) SubscribeMessage {
	return SubscribeMessage{Type: "subscribe", ProductIDs: productIDs, Channels: []string{"full"}}
}

// NewUnsubscribe builds an unsubscribe frame for the "full" channel.
func NewUnsubscribe(productIDs []string) SubscribeMessage {
	return SubscribeMessage{Type: "unsubscribe", ProductIDs: productIDs, Channels: []string{"full"}}
}

// StreamClient is the websocket transport collaborator (spec.md §6). Run
// blocks, delivering decoded Events to the handler until the connection
// ends, returning ErrRestartStream for a reconnect-worthy failure or any
// other error for a fatal one.
type StreamClient interface {
	Run(ctx context.Context) error
	// Send transmits an outbound control frame (subscribe/unsubscribe).
	Send(msg SubscribeMessage) error
	// Stop closes the underlying connection.
	Stop() error
}
