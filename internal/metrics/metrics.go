// ============================================================================
// printwatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose the reconciliation loop's observations for
//          Prometheus. Collector implements controller.Metrics.
//
// 指標分類:
//
//   1. Counter - 累計值:
//      - printwatch_ticks_total{result}
//      - printwatch_ingested_total{kind}            authorization | job
//      - printwatch_jobs_matched_total{mode}        live | retroactive
//      - printwatch_jobs_archived_total{status}
//      - printwatch_authorizations_expired_total
//      - printwatch_cancels_total{reason,result}
//      - printwatch_telemetry_received_total{device}
//      - printwatch_telemetry_dropped_total{device}
//
//   2. Histogram:
//      - printwatch_tick_duration_seconds
//
//   3. Gauge - 瞬時值:
//      - printwatch_pool_size{pool}
//      - printwatch_devices{status}
//
// Queries:
//
//   # tick error rate
//   rate(printwatch_ticks_total{result="error"}[5m])
//
//   # unauthorized runs stopped per hour
//   increase(printwatch_cancels_total{reason="unauthorized",result="ok"}[1h])
//
//   # matching backlog
//   printwatch_pool_size{pool="unmatched_jobs"}
//
// HTTP:
//   /metrics on the configured port (default 9090).
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

const namespace = "printwatch"

var deviceStatuses = []types.DeviceStatus{
	types.DeviceOffline,
	types.DeviceIdle,
	types.DeviceUnmatched,
	types.DeviceMatched,
}

// Collector Prometheus 指標收集器
type Collector struct {
	registry prometheus.Gatherer

	// loop
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram

	// matching
	ingested    *prometheus.CounterVec
	matched     *prometheus.CounterVec
	archived    *prometheus.CounterVec
	authExpired prometheus.Counter
	cancels     *prometheus.CounterVec

	// devices
	telemetryReceived *prometheus.CounterVec
	telemetryDropped  *prometheus.CounterVec
	devices           *prometheus.GaugeVec

	poolSize *prometheus.GaugeVec
}

// NewCollector creates the collector and registers every metric with reg.
// A nil reg uses a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Reconciliation ticks run, by result",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one reconciliation tick",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_total",
			Help:      "New records ingested, by kind",
		}, []string{"kind"}),
		matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_matched_total",
			Help:      "Jobs moved to the current pool, by matching mode",
		}, []string{"mode"}),
		archived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_archived_total",
			Help:      "Jobs archived, by terminal status",
		}, []string{"status"}),
		authExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_expired_total",
			Help:      "Authorizations archived without a job",
		}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Stop commands issued to devices, by reason and result",
		}, []string{"reason", "result"}),
		telemetryReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_received_total",
			Help:      "Telemetry snapshots recorded, by device",
		}, []string{"device"}),
		telemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Telemetry snapshots dropped on a full channel, by device",
		}, []string{"device"}),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices per reconciled status",
		}, []string{"status"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Records per store pool",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		c.ticks,
		c.tickDuration,
		c.ingested,
		c.matched,
		c.archived,
		c.authExpired,
		c.cancels,
		c.telemetryReceived,
		c.telemetryDropped,
		c.devices,
		c.poolSize,
	)
	return c
}

// TickCompleted 記錄一次 tick
func (c *Collector) TickCompleted(d time.Duration, err error) {
	c.ticks.WithLabelValues(result(err)).Inc()
	c.tickDuration.Observe(d.Seconds())
}

// Ingested 記錄新加入的紀錄數
func (c *Collector) Ingested(kind string, n int) {
	c.ingested.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) JobMatched(retroactive bool) {
	mode := "live"
	if retroactive {
		mode = "retroactive"
	}
	c.matched.WithLabelValues(mode).Inc()
}

func (c *Collector) JobArchived(status types.JobStatus) {
	c.archived.WithLabelValues(string(status)).Inc()
}

func (c *Collector) AuthorizationExpired() {
	c.authExpired.Inc()
}

func (c *Collector) CancelIssued(reason string, err error) {
	c.cancels.WithLabelValues(reason, result(err)).Inc()
}

func (c *Collector) TelemetryReceived(device string) {
	c.telemetryReceived.WithLabelValues(device).Inc()
}

// TelemetryDropped is wired as the device fleet's drop callback.
func (c *Collector) TelemetryDropped(device string) {
	c.telemetryDropped.WithLabelValues(device).Inc()
}

// PoolSizes 更新各 pool 的大小
func (c *Collector) PoolSizes(stats types.Stats) {
	c.poolSize.WithLabelValues("unmatched_jobs").Set(float64(stats.UnmatchedJobs))
	c.poolSize.WithLabelValues("current_jobs").Set(float64(stats.CurrentJobs))
	c.poolSize.WithLabelValues("archived_jobs").Set(float64(stats.ArchivedJobs))
	c.poolSize.WithLabelValues("unmatched_authorizations").Set(float64(stats.UnmatchedAuths))
	c.poolSize.WithLabelValues("archived_authorizations").Set(float64(stats.ArchivedAuths))
}

// DeviceStatuses sets the gauge for every known status, zero when absent.
func (c *Collector) DeviceStatuses(counts map[types.DeviceStatus]int) {
	for _, status := range deviceStatuses {
		c.devices.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// NewServer returns the /metrics HTTP server for port. The caller runs
// ListenAndServe and Shutdown.
func (c *Collector) NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
