// Package metrics exposes Prometheus instrumentation for the
// interception pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all interception metrics.
type Registry struct {
	// DNS
	DNSQueries *prometheus.CounterVec // result: observed, blocked

	// Proxy
	Transactions    *prometheus.CounterVec // result: allowed, blocked, relay
	TransactionTime prometheus.Histogram
	PinnedHosts     prometheus.Gauge

	// Alerts
	Alerts *prometheus.CounterVec // severity

	// Devices
	DevicesKnown     prometheus.Gauge
	DevicesMonitored prometheus.Gauge
	SpoofTargets     prometheus.Gauge

	// Store
	StoreRecords prometheus.Gauge
	StoreBytes   prometheus.Gauge
}

// Get returns the process-wide metrics registry.
func Get() *Registry {
	once.Do(func() {
		registry = &Registry{
			DNSQueries: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "warden",
				Subsystem: "dns",
				Name:      "queries_total",
				Help:      "DNS queries observed from monitored devices.",
			}, []string{"result"}),

			Transactions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "warden",
				Subsystem: "proxy",
				Name:      "transactions_total",
				Help:      "HTTP(S) transactions handled by the proxy.",
			}, []string{"result"}),
			TransactionTime: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: "warden",
				Subsystem: "proxy",
				Name:      "transaction_seconds",
				Help:      "End to end transaction latency.",
				Buckets:   prometheus.DefBuckets,
			}),
			PinnedHosts: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "warden",
				Subsystem: "proxy",
				Name:      "pinned_hosts",
				Help:      "Host pairs currently relayed without inspection.",
			}),

			Alerts: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "warden",
				Subsystem: "alert",
				Name:      "raised_total",
				Help:      "Keyword alerts raised.",
			}, []string{"severity"}),

			DevicesKnown: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "warden",
				Subsystem: "devices",
				Name:      "known",
				Help:      "Devices in the registry.",
			}),
			DevicesMonitored: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "warden",
				Subsystem: "devices",
				Name:      "monitored",
				Help:      "Devices currently monitored.",
			}),
			SpoofTargets: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "warden",
				Subsystem: "arp",
				Name:      "targets",
				Help:      "Devices with active gateway override.",
			}),

			StoreRecords: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "warden",
				Subsystem: "store",
				Name:      "records",
				Help:      "Total records in the traffic store.",
			}),
			StoreBytes: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "warden",
				Subsystem: "store",
				Name:      "size_bytes",
				Help:      "Traffic store size on disk.",
			}),
		}
	})
	return registry
}
