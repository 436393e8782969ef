// Package metrics exposes the collector's Prometheus instruments,
// grounded on the client_golang counter/gauge-vec usage pattern common
// across the example pack's services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IngressEvents counts every inbound stream event before sequence
// filtering, the "ingress counter" of spec.md §4.4 step 1.
var IngressEvents = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "collector",
	Subsystem: "stream",
	Name:      "ingress_events_total",
	Help:      "Total inbound exchange stream events observed, before sequence filtering.",
})

// PacketRate is the per-product packet-rate gauge, reset to zero on every
// gap recovery (spec.md §4.4, on_gap). Nothing in the collector sets it to
// a non-zero rate; the ingress rate is available from IngressEvents.
var PacketRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "collector",
	Subsystem: "stream",
	Name:      "packet_rate",
	Help:      "Per-product_id packet-rate gauge, set to 0 on gap recovery.",
}, []string{"product_id"})

// BackupIdle mirrors whether the backup pipeline currently holds no
// in-progress shipment. The control-plane watcher's drain sequence polls
// Pipeline.IsIdle directly, not this gauge.
var BackupIdle = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "collector",
	Subsystem: "backup",
	Name:      "idle",
	Help:      "1 when the backup pipeline is idle, 0 while a shipment is in progress.",
})

func init() {
	// No cycle runs before the first rotation, so the pipeline starts idle.
	BackupIdle.Set(1)
}

// RotatorsStopped counts rotators that have observed their stop_time and
// transitioned to stopped (spec.md §4.6 step 4).
var RotatorsStopped = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "collector",
	Subsystem: "rotator",
	Name:      "stopped_count",
	Help:      "Number of rotators that have reported stopped during a drain sequence.",
})
