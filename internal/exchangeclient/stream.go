package exchangeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketfeed/collector/internal/exchange"
)

// StreamConfig parameterizes the websocket feed connection.
type StreamConfig struct {
	URL               string
	ProductIDs        []string
	HandshakeTimeout  time.Duration
}

// Stream implements exchange.StreamClient over gorilla/websocket. Run
// dials once, emits the initial subscribe frame, then hands every decoded
// frame to onEvent until the connection drops or ctx is canceled.
type Stream struct {
	cfg     StreamConfig
	onEvent func(context.Context, exchange.Event) error

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewStream builds a Stream; onEvent is invoked synchronously for every
// decoded inbound event (spec.md §4.4).
func NewStream(cfg StreamConfig, onEvent func(context.Context, exchange.Event) error) *Stream {
	return &Stream{cfg: cfg, onEvent: onEvent}
}

// Run dials the feed and blocks, delivering events to onEvent, until the
// connection ends. A read/dial failure is surfaced as
// exchange.ErrRestartStream so the supervisor reconnects with back-off
// (spec.md §9's distinguished restart error).
func (s *Stream) Run(ctx context.Context) error {
	var dialer = websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	var conn, _, err = dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", exchange.ErrRestartStream, s.cfg.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	if err := s.Send(exchange.NewSubscribe(s.cfg.ProductIDs)); err != nil {
		return fmt.Errorf("%w: sending initial subscribe: %v", exchange.ErrRestartStream, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var _, payload, err = conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: reading frame: %v", exchange.ErrRestartStream, err)
		}

		var event, decodeErr = exchange.DecodeEvent(json.RawMessage(payload))
		if decodeErr != nil {
			continue
		}
		if err := s.onEvent(ctx, event); err != nil {
			return err
		}
	}
}

// Send transmits an outbound subscribe/unsubscribe control frame.
func (s *Stream) Send(msg exchange.SubscribeMessage) error {
	s.mu.Lock()
	var conn = s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("exchangeclient: stream not connected")
	}
	return conn.WriteJSON(msg)
}

// Stop closes the underlying connection, unblocking Run's read loop.
func (s *Stream) Stop() error {
	s.mu.Lock()
	var conn = s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
