// Package gwmetrics is the shared Prometheus metrics surface every core
// component reports to, per spec.md §4.4/§6.3. One Registry is built in
// cmd/gatewayd and passed by reference into constructors — not a package
// global, correcting the original's once_cell-backed global registry
// into idiomatic Go dependency injection (spec.md §9 Design Note).
package gwmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric name from §6.3 on its own
// prometheus.Registry, grounded on escrow/metrics.go's promauto idiom.
type Registry struct {
	reg *prometheus.Registry

	EndpointAcquireLatencyUS *prometheus.HistogramVec
	EndpointPoolSize         *prometheus.GaugeVec
	EndpointReconnectTotal   *prometheus.CounterVec
	EndpointPauseTotal       *prometheus.CounterVec
	EndpointTimeoutTotal     *prometheus.CounterVec

	BusPublishTotal *prometheus.CounterVec
	BusDropTotal    *prometheus.CounterVec
	RingUsed        *prometheus.GaugeVec
	WALFlushLatencyMS *prometheus.HistogramVec
	WALBytes          *prometheus.GaugeVec

	DriverRestartTotal *prometheus.CounterVec

	MQTTPublishTotal    *prometheus.CounterVec
	MQTTCmdAckTotal     *prometheus.CounterVec
	MQTTCmdTimeoutTotal *prometheus.CounterVec
}

// New constructs a Registry on a fresh prometheus.Registry (not the
// global default registry), registering every metric named in §6.3.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		EndpointAcquireLatencyUS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "endpoint_acquire_latency_us",
			Help:    "EndpointKit pool Acquire latency in microseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 50000, 500000},
		}, []string{"url"}),

		EndpointPoolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "endpoint_pool_size",
			Help: "Current idle and open connection counts per pooled URL",
		}, []string{"url", "state"}), // state: idle, open

		EndpointReconnectTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_reconnect_total",
			Help: "Total connection (re)dial attempts per pooled URL",
		}, []string{"url"}),

		EndpointPauseTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_pause_total",
			Help: "Total Pause control signals observed per pooled URL",
		}, []string{"url"}),

		EndpointTimeoutTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_timeout_total",
			Help: "Total Acquire calls that failed with PoolExhausted",
		}, []string{"url"}),

		BusPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_publish_total",
			Help: "Total envelopes successfully published to the frame bus",
		}, []string{}),

		BusDropTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_drop_total",
			Help: "Total envelopes dropped (ring full or WAL append failure)",
		}, []string{}),

		RingUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ring_used",
			Help: "Current frame bus ring occupancy",
		}, []string{}),

		WALFlushLatencyMS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wal_flush_latency_ms",
			Help:    "WAL fsync latency in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 20, 50, 100, 500},
		}, []string{}),

		WALBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wal_bytes",
			Help: "Total bytes currently held across WAL segments",
		}, []string{}),

		DriverRestartTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "driver_restart_total",
			Help: "Total supervisor-initiated restarts per driver",
		}, []string{"driver"}),

		MQTTPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_publish_total",
			Help: "Total batch messages published to the north-bound MQTT broker",
		}, []string{}),

		MQTTCmdAckTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_cmd_ack_total",
			Help: "Total inflight MQTT commands resolved by a driver CmdAckFrame",
		}, []string{}),

		MQTTCmdTimeoutTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_cmd_timeout_total",
			Help: "Total inflight MQTT commands evicted after exceeding their timeout_ms window",
		}, []string{}),
	}
}

// Handler serves /metrics in the standard textual exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// --- narrow adapters satisfying the consumer-side interfaces in
// internal/framebus and internal/driver, keeping those packages free of
// a direct prometheus dependency. ---

// BusAdapter adapts Registry to framebus.Metrics.
type BusAdapter struct{ r *Registry }

// NewBusAdapter builds the framebus.Metrics implementation backed by r.
func NewBusAdapter(r *Registry) *BusAdapter { return &BusAdapter{r: r} }

func (a *BusAdapter) PublishTotal()  { a.r.BusPublishTotal.WithLabelValues().Inc() }
func (a *BusAdapter) DropTotal()     { a.r.BusDropTotal.WithLabelValues().Inc() }
func (a *BusAdapter) RingUsed(n int) { a.r.RingUsed.WithLabelValues().Set(float64(n)) }
func (a *BusAdapter) PauseTotal()    { a.r.EndpointPauseTotal.WithLabelValues("*").Inc() }
func (a *BusAdapter) WALFlushLatency(d time.Duration) {
	a.r.WALFlushLatencyMS.WithLabelValues().Observe(float64(d.Microseconds()) / 1000)
}
func (a *BusAdapter) WALBytes(n int64) { a.r.WALBytes.WithLabelValues().Set(float64(n)) }

// DriverAdapter adapts Registry to driver.RestartMetrics.
type DriverAdapter struct{ r *Registry }

// NewDriverAdapter builds the driver.RestartMetrics implementation
// backed by r.
func NewDriverAdapter(r *Registry) *DriverAdapter { return &DriverAdapter{r: r} }

func (a *DriverAdapter) DriverRestartTotal(name string) {
	a.r.DriverRestartTotal.WithLabelValues(name).Inc()
}

// EndpointAdapter adapts Registry to endpointkit.Metrics.
type EndpointAdapter struct{ r *Registry }

// NewEndpointAdapter builds the endpointkit.Metrics implementation
// backed by r.
func NewEndpointAdapter(r *Registry) *EndpointAdapter { return &EndpointAdapter{r: r} }

func (a *EndpointAdapter) AcquireLatency(url string, d time.Duration) {
	a.r.EndpointAcquireLatencyUS.WithLabelValues(url).Observe(float64(d.Microseconds()))
}

func (a *EndpointAdapter) PoolSize(url string, idle, open int) {
	a.r.EndpointPoolSize.WithLabelValues(url, "idle").Set(float64(idle))
	a.r.EndpointPoolSize.WithLabelValues(url, "open").Set(float64(open))
}

func (a *EndpointAdapter) ReconnectTotal(url string) {
	a.r.EndpointReconnectTotal.WithLabelValues(url).Inc()
}

func (a *EndpointAdapter) TimeoutTotal(url string) {
	a.r.EndpointTimeoutTotal.WithLabelValues(url).Inc()
}

// MQTTAdapter adapts Registry to mqttpub.Metrics.
type MQTTAdapter struct{ r *Registry }

// NewMQTTAdapter builds the mqttpub.Metrics implementation backed by r.
func NewMQTTAdapter(r *Registry) *MQTTAdapter { return &MQTTAdapter{r: r} }

func (a *MQTTAdapter) PublishTotal()    { a.r.MQTTPublishTotal.WithLabelValues().Inc() }
func (a *MQTTAdapter) CmdAckTotal()     { a.r.MQTTCmdAckTotal.WithLabelValues().Inc() }
func (a *MQTTAdapter) CmdTimeoutTotal() { a.r.MQTTCmdTimeoutTotal.WithLabelValues().Inc() }
