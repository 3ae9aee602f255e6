package indexes

import "github.com/prometheus/client_golang/prometheus"

var MaintenanceCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "indexedkv",
	Subsystem: "index_manager",
	Name:      "maintenance_ops",
}, []string{"collection", "model", "op"})

var MaintenanceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "indexedkv",
	Subsystem: "index_manager",
	Name:      "maintenance_duration_seconds",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"collection", "model", "op"})

var QueryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "indexedkv",
	Subsystem: "index_manager",
	Name:      "queries",
}, []string{"collection", "model", "kind"})

var RebuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "indexedkv",
	Subsystem: "index_manager",
	Name:      "rebuild",
}, []string{"collection", "model", "result"})

var RebuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "indexedkv",
	Subsystem: "index_manager",
	Name:      "rebuild_duration_seconds",
	Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
}, []string{"collection", "model"})

var EntriesStaged = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "indexedkv",
	Subsystem: "index_manager",
	Name:      "entries_staged",
}, []string{"collection", "model", "kind"})

// Collectors returns every metric of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		MaintenanceCount, MaintenanceDuration, QueryCount,
		RebuildCount, RebuildDuration, EntriesStaged,
	}
}
