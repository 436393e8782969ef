// Package snapshot implements the order-book snapshot poller (L8 in
// SPEC_FULL.md): wall-clock-grid-aligned REST polling forwarded into an
// independent rotator instance, grounded on the snapshot thread in the
// original's src/data_collector/main.py.
package snapshot

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/exchange"
	"github.com/marketfeed/collector/internal/ops"
	"github.com/marketfeed/collector/internal/rotator"
)

// Poller issues one REST order-book call per configured product on a fixed
// wall-clock grid and forwards decorated snapshots to its own rotator
// (spec.md §4.5).
type Poller struct {
	productIDs []string
	grid       time.Duration
	newClient  exchange.RESTClientFactory
	rot        *rotator.Rotator
	clk        clock.Clock
	log        *logrus.Entry
}

// New builds a Poller. grid is snapshot_interval_minutes in production or
// snapshot_interval_seconds in development, already converted to a
// time.Duration by the caller.
func New(productIDs []string, grid time.Duration, newClient exchange.RESTClientFactory, rot *rotator.Rotator, clk clock.Clock) *Poller {
	return &Poller{
		productIDs: productIDs,
		grid:       grid,
		newClient:  newClient,
		rot:        rot,
		clk:        clk,
		log:        ops.For("snapshot"),
	}
}

// Run polls forever, aligned to the wall-clock grid, until ctx is
// canceled. Recomputing next from the current clock on every iteration
// means any grid tick missed while the previous poll was in flight is
// skipped rather than run late (spec.md §4.5).
func (p *Poller) Run(ctx context.Context) error {
	for {
		var next = p.clk.Now().UTC().Truncate(p.grid).Add(p.grid)

		if err := clock.SleepUntil(ctx, p.clk, next); err != nil {
			return err
		}

		p.pollAll(ctx, next)
	}
}

// pollAll issues one order-book call per product, each decorated with the
// scheduled instant rather than the receive instant.
func (p *Poller) pollAll(ctx context.Context, scheduled time.Time) {
	var client, err = p.newClient()
	if err != nil {
		p.log.WithError(err).Error("building REST client for snapshot poll")
		return
	}

	for _, productID := range p.productIDs {
		var snap, err = client.OrderBook(ctx, productID)
		if err != nil {
			p.log.WithError(err).WithField("product_id", productID).Error("snapshot order-book call failed")
			continue
		}
		snap.Time = scheduled
		snap.ProductID = productID

		if err := p.rot.Insert(ctx, scheduled, snap); err != nil {
			p.log.WithError(err).WithField("product_id", productID).Error("inserting snapshot failed")
		}
	}
}

