// Package metrics provides Prometheus metrics for monitoring the session pool.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SlotsFree, SlotsBusy, SlotsError track slot state counts. They are set
	// each time Pool.Status takes a snapshot, not pushed on each transition.
	SlotsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_pool_slots_free",
			Help: "Number of slots currently free",
		},
	)

	SlotsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_pool_slots_busy",
			Help: "Number of slots currently busy",
		},
	)

	SlotsError = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_pool_slots_error",
			Help: "Number of slots currently in the error state",
		},
	)

	// QueueDepth tracks the number of clients waiting for a free slot.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_pool_queue_depth",
			Help: "Number of clients waiting in the acquire queue",
		},
	)

	// AcquiresTotal counts acquire() outcomes by result.
	AcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_pool_acquires_total",
			Help: "Total acquire() calls by outcome",
		},
		[]string{"result"}, // acquired | queued | rejected
	)

	// ReleasesTotal counts release() calls.
	ReleasesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_pool_releases_total",
			Help: "Total release() calls",
		},
	)

	// SendsTotal counts send() calls by outcome.
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_pool_sends_total",
			Help: "Total send() calls by outcome",
		},
		[]string{"result"}, // ok | send_timeout | response_stopped | response_empty | paste_verification_failed | driver_error
	)

	// SendDuration tracks send-and-extract latency.
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gemini_pool_send_duration_seconds",
			Help:    "Send-and-extract duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~1h
		},
	)

	// ResetsTotal counts pool-wide and per-slot resets.
	ResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_pool_resets_total",
			Help: "Total reset operations by scope",
		},
		[]string{"scope"}, // pool | slot
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_pool_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_pool_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemini_pool_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gemini_pool_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		SlotsFree,
		SlotsBusy,
		SlotsError,
		QueueDepth,
		AcquiresTotal,
		ReleasesTotal,
		SendsTotal,
		SendDuration,
		ResetsTotal,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordAcquire records an acquire() outcome.
func RecordAcquire(result string) {
	AcquiresTotal.WithLabelValues(result).Inc()
}

// RecordRelease records a release() call.
func RecordRelease() {
	ReleasesTotal.Inc()
}

// RecordSend records a send() outcome and its duration.
func RecordSend(result string, duration time.Duration) {
	SendsTotal.WithLabelValues(result).Inc()
	SendDuration.Observe(duration.Seconds())
}

// RecordReset records a pool-wide or per-slot reset.
func RecordReset(scope string) {
	ResetsTotal.WithLabelValues(scope).Inc()
}

// UpdateSlotCounts updates the slot-state gauges.
func UpdateSlotCounts(free, busy, errorCount int) {
	SlotsFree.Set(float64(free))
	SlotsBusy.Set(float64(busy))
	SlotsError.Set(float64(errorCount))
}

// UpdateQueueDepth updates the queue-depth gauge.
func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}
