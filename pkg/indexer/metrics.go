package indexer

import "github.com/prometheus/client_golang/prometheus"

const (
	syncStatusOK            = "ok"
	syncStatusError         = "error"
	syncStatusUpstreamError = "upstream_error"
)

var (
	syncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "archive_indexer_sync_total", Help: "Account sync attempts"},
		[]string{"status"},
	)
	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "archive_indexer_sync_duration_seconds", Help: "Account sync latency", Buckets: prometheus.DefBuckets},
		[]string{"mode"},
	)
	recordsInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "archive_indexer_records_inserted_total", Help: "New raw records stored"},
		[]string{"kind"},
	)
	sweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "archive_indexer_sweep_total", Help: "Scheduler sweeps"},
		[]string{"status"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "archive_indexer_sweep_duration_seconds", Help: "Sweep latency", Buckets: prometheus.DefBuckets},
	)
)

func init() {
	prometheus.MustRegister(syncTotal, syncDuration, recordsInserted, sweepTotal, sweepDuration)
}
