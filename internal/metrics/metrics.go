package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamdl",
		Name:      "download_transitions_total",
		Help:      "Total number of download status transitions by target status",
	}, []string{"status"})
	retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamdl",
		Name:      "download_retries_total",
		Help:      "Total number of automatic retries scheduled after transient failures",
	})
	evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamdl",
		Name:      "download_evictions_total",
		Help:      "Total number of completed downloads removed to free space",
	})
	storageHolds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamdl",
		Name:      "download_storage_holds_total",
		Help:      "Total number of admissions held for insufficient storage",
	})
	bytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamdl",
		Name:      "downloaded_bytes_total",
		Help:      "Total bytes of completed downloads",
	})

	activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamdl",
		Name:      "downloads_active",
		Help:      "Number of transfers currently running",
	})
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamdl",
		Name:      "downloads_pending",
		Help:      "Number of items waiting for admission",
	})
	storageUsedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamdl",
		Name:      "storage_used_bytes",
		Help:      "Used bytes on the downloads device",
	})
	storageDownloadsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamdl",
		Name:      "storage_downloads_bytes",
		Help:      "Bytes on disk attributable to downloads",
	})
)

// Register initializes metrics with the global Prometheus registry (idempotent)
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(transitions, retries, evictions, storageHolds, bytesDownloaded,
			activeGauge, pendingGauge, storageUsedGauge, storageDownloadsGauge)
	})
}

func IncTransition(status string) { transitions.WithLabelValues(status).Inc() }
func IncRetry()                   { retries.Inc() }
func IncEviction()                { evictions.Inc() }
func IncStorageHold()             { storageHolds.Inc() }
func AddBytes(n int64)            { bytesDownloaded.Add(float64(n)) }

// Gauges
func SetQueueDepth(active, pending int) {
	activeGauge.Set(float64(active))
	pendingGauge.Set(float64(pending))
}
func SetStorage(used, downloads int64) {
	storageUsedGauge.Set(float64(used))
	storageDownloadsGauge.Set(float64(downloads))
}
