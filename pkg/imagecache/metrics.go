package imagecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_cache_lookups_total",
		Help: "Total number of image lookups.",
	}, []string{"status" /* hit | miss | stale | inconsistent */})
	savesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_cache_saves_total",
		Help: "Total number of image saves.",
	}, []string{"status" /* stored | skipped | rejected | failed */})
	evictedEntriesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "image_cache_evicted_entries_total",
		Help: "Total number of entries evicted to make room for new images.",
	})
	evictedBytesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "image_cache_evicted_bytes_total",
		Help: "Total number of image bytes evicted to make room for new images.",
	})
	sizeMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "image_cache_size_bytes",
		Help: "Image bytes currently cached, as of the latest committed change.",
	})
)
