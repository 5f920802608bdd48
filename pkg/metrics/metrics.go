package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry-level gauges. Collector refreshes MachinesTotal, NetworksTotal
	// and InstancesTotal; nothing in this module sets BridgesUpTotal.
	MachinesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmmd_machines_total",
			Help: "Total number of registered machines",
		},
	)

	NetworksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmmd_networks_total",
			Help: "Total number of registered networks",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmmd_instances_total",
			Help: "Total number of instances by lifecycle phase",
		},
		[]string{"phase"},
	)

	BridgesUpTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmmd_bridges_up_total",
			Help: "Total number of networks with an active bridge device",
		},
	)

	// Image cache metrics.
	ImageCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vmmd_image_cache_hits_total",
			Help: "Total number of root image resolutions served from cache",
		},
	)

	ImageDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmmd_image_downloads_total",
			Help: "Total number of image downloads by outcome",
		},
		[]string{"outcome"},
	)

	ImageDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmmd_image_download_duration_seconds",
			Help:    "Time taken to download and verify a root image in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	// Instance lifecycle operation metrics.
	InstanceStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmmd_instance_start_duration_seconds",
			Help:    "Time taken to start an instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmmd_instance_stop_duration_seconds",
			Help:    "Time taken to stop an instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstanceStartFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vmmd_instance_start_failures_total",
			Help: "Total number of instance start attempts that failed",
		},
	)

	InstanceBootSequenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vmmd_instance_boot_sequence_total",
			Help: "Total number of instance reads (boot_seq increments) across all instances",
		},
	)

	// Share dir / virtiofsd metrics.
	ShareDirsActiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmmd_share_dirs_active_total",
			Help: "Total number of virtiofsd daemons currently running",
		},
	)

	// API metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmmd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmmd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(MachinesTotal)
	prometheus.MustRegister(NetworksTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(BridgesUpTotal)

	prometheus.MustRegister(ImageCacheHitsTotal)
	prometheus.MustRegister(ImageDownloadsTotal)
	prometheus.MustRegister(ImageDownloadDuration)

	prometheus.MustRegister(InstanceStartDuration)
	prometheus.MustRegister(InstanceStopDuration)
	prometheus.MustRegister(InstanceStartFailuresTotal)
	prometheus.MustRegister(InstanceBootSequenceTotal)

	prometheus.MustRegister(ShareDirsActiveTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
