// Package metrics provides the Prometheus metrics surface for the
// network core, following the same promauto-registered, package-level
// singleton pattern used elsewhere in this corpus for subsystem metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector this core registers.
type Metrics struct {
	MessagesDispatched *prometheus.CounterVec
	MatcherResolutions prometheus.Counter
	UnknownTypeSeen    *prometheus.CounterVec
	RTKSubscriberDrops *prometheus.CounterVec
	UAVDirectorySize   *prometheus.GaugeVec
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Get returns the process-wide Metrics instance, creating it on first
// use.
func Get() *Metrics {
	globalOnce.Do(func() {
		global = newMetrics()
	})
	return global
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavlink_core",
			Subsystem: "network",
			Name:      "messages_dispatched_total",
			Help:      "Total inbound messages passed to a type handler.",
		},
		[]string{"network", "message_type"},
	)

	m.MatcherResolutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mavlink_core",
			Subsystem: "matcher",
			Name:      "resolutions_total",
			Help:      "Total matcher slots fulfilled.",
		},
	)

	m.UnknownTypeSeen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavlink_core",
			Subsystem: "network",
			Name:      "unknown_message_type_total",
			Help:      "Distinct unknown message types encountered, by type.",
		},
		[]string{"network", "message_type"},
	)

	m.RTKSubscriberDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mavlink_core",
			Subsystem: "rtk",
			Name:      "subscriber_drops_total",
			Help:      "Total RTK fragment batches dropped per subscriber due to backpressure.",
		},
		[]string{"subscriber_id"},
	)

	m.UAVDirectorySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mavlink_core",
			Subsystem: "uav",
			Name:      "directory_size",
			Help:      "Number of UAV handlers currently known per network.",
		},
		[]string{"network"},
	)

	return m
}

// Handler returns the HTTP handler to mount at the configured metrics
// address (config.MetricsConfig.Addr).
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncDropped implements rtk.DropCounter by recording a drop against the
// given subscriber ID.
func (m *Metrics) IncDropped(subscriberID string) {
	m.RTKSubscriberDrops.WithLabelValues(subscriberID).Inc()
}
