package exchangeclient

import (
	"encoding/json"
	"fmt"

	"github.com/marketfeed/collector/internal/exchange"
)

// unmarshalSequence extracts only the "sequence" field from an order-book
// response; the rest of the body is preserved verbatim as Raw by the
// caller (spec.md §1, Non-goals: "reading three fields").
func unmarshalSequence(body []byte, out *uint64) error {
	var envelope struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("exchangeclient: decoding order book sequence: %w", err)
	}
	*out = envelope.Sequence
	return nil
}

// decodeTrades parses a trades-endpoint response (a JSON array ordered
// newest-first) into exchange.Trade, preserving each element's raw bytes.
func decodeTrades(body []byte) ([]exchange.Trade, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("exchangeclient: decoding trades response: %w", err)
	}

	var trades = make([]exchange.Trade, 0, len(raw))
	for _, r := range raw {
		var envelope struct {
			TradeID uint64 `json:"trade_id"`
		}
		if err := json.Unmarshal(r, &envelope); err != nil {
			return nil, fmt.Errorf("exchangeclient: decoding trade entry: %w", err)
		}
		trades = append(trades, exchange.Trade{TradeID: envelope.TradeID, Raw: r})
	}
	return trades, nil
}
