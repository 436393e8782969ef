// Package exchangeclient provides the concrete REST and websocket
// collaborators named only through their interfaces in spec.md §6: the
// exchange's authenticated REST client and websocket feed. Grounded on the
// go-resty/resty and gorilla/websocket pairing common across the crypto
// exchange clients in the example pack's manifests (e.g.
// 0xtitan6-polymarket-mm, match-007-okxgo).
package exchangeclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/marketfeed/collector/internal/exchange"
)

// RESTConfig parameterizes a REST client build (spec.md §6, Exchange REST).
type RESTConfig struct {
	BaseURL    string
	Key        string
	Secret     string
	Passphrase string
	Timeout    time.Duration
}

// rest implements exchange.RESTClient over resty.
type rest struct {
	client *resty.Client
}

// NewRESTClientFactory returns a RESTClientFactory that builds a fresh
// client on each call, matching get_live_rest_client's "construct anew
// whenever the session might have gone stale" behavior (spec.md §4.4,
// REST-client freshness). The client sends the key and passphrase headers
// only: requests are not signed, and cfg.Secret is not used.
func NewRESTClientFactory(cfg RESTConfig) exchange.RESTClientFactory {
	return func() (exchange.RESTClient, error) {
		var c = resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("CB-ACCESS-KEY", cfg.Key).
			SetHeader("CB-ACCESS-PASSPHRASE", cfg.Passphrase)
		return &rest{client: c}, nil
	}
}

func (r *rest) OrderBook(ctx context.Context, productID string) (exchange.OrderBookSnapshot, error) {
	var resp, err = r.client.R().
		SetContext(ctx).
		SetQueryParam("level", "3").
		Get(fmt.Sprintf("/products/%s/book", productID))
	if err != nil {
		return exchange.OrderBookSnapshot{}, fmt.Errorf("exchangeclient: order book request for %s: %w", productID, err)
	}
	if resp.IsError() {
		return exchange.OrderBookSnapshot{}, fmt.Errorf("exchangeclient: order book for %s: HTTP %d", productID, resp.StatusCode())
	}

	var snap exchange.OrderBookSnapshot
	if err := unmarshalSequence(resp.Body(), &snap.Sequence); err != nil {
		return exchange.OrderBookSnapshot{}, err
	}
	snap.Raw = resp.Body()
	return snap, nil
}

func (r *rest) Trades(ctx context.Context, productID string, limit int) ([]exchange.Trade, error) {
	var resp, err = r.client.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		Get(fmt.Sprintf("/products/%s/trades", productID))
	if err != nil {
		return nil, fmt.Errorf("exchangeclient: trades request for %s: %w", productID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exchangeclient: trades for %s: HTTP %d", productID, resp.StatusCode())
	}

	return decodeTrades(resp.Body())
}
