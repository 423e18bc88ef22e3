// Package metrics exposes the gateway's runtime counters/gauges to
// Prometheus, backing the same data GetDeviceHealth/GetServiceStats
// report through the engine API (§6.5's observability note).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this gateway exports, constructed once at
// startup via promauto (registers each metric with the default
// registerer as it's created, the same idiom the teacher's gateway
// package uses).
type Registry struct {
	ReadsTotal      *prometheus.CounterVec
	ReadErrorsTotal *prometheus.CounterVec
	ReadDuration    *prometheus.HistogramVec
	ChangeEvents    *prometheus.CounterVec
	DeviceStatus    *prometheus.GaugeVec
	ActiveConns     prometheus.Gauge
	QueueDepth      prometheus.Gauge
	DroppedEvents   prometheus.Counter
}

// New registers and returns the metric set. Calling it twice in the same
// process panics (promauto registers against the global default
// registry), so callers should construct exactly one Registry per
// process, same as the teacher's NewMetricsCollector.
func New() *Registry {
	return &Registry{
		ReadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modbus_gateway_reads_total",
				Help: "Total number of device read cycles attempted, by device and source.",
			},
			[]string{"device_id", "source"},
		),
		ReadErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modbus_gateway_read_errors_total",
				Help: "Total number of failed range reads, by device.",
			},
			[]string{"device_id"},
		),
		ReadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modbus_gateway_read_duration_seconds",
				Help:    "Duration of a device's full read cycle.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"device_id"},
		),
		ChangeEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modbus_gateway_change_events_total",
				Help: "Total number of change events dispatched, by device.",
			},
			[]string{"device_id"},
		),
		DeviceStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modbus_gateway_device_status",
				Help: "1 if the device's engine task reports online, 0 otherwise.",
			},
			[]string{"device_id"},
		),
		ActiveConns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "modbus_gateway_active_connections",
				Help: "Number of currently open transport connections.",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "modbus_gateway_dispatch_queue_depth",
				Help: "Approximate number of change events pending dispatch.",
			},
		),
		DroppedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "modbus_gateway_dropped_events_total",
				Help: "Total number of change events dropped because the dispatch queue stayed full past its timeout.",
			},
		),
	}
}

// Handler returns the HTTP handler a /metrics endpoint should mount.
func Handler() http.Handler {
	return promhttp.Handler()
}
