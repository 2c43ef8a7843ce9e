package world

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Метрики движка мира. Регистрируются в глобальном регистре Prometheus
// при инициализации пакета; /metrics отдаёт REST сервер.
var (
	metricCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "world",
		Name:      "chunk_cache_hits_total",
		Help:      "Число попаданий в кеш чанков.",
	})
	metricCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "world",
		Name:      "chunk_cache_misses_total",
		Help:      "Число промахов кеша чанков.",
	})
	metricCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "world",
		Name:      "chunk_cache_evictions_total",
		Help:      "Число вытесненных из кеша чанков.",
	})
	metricResidentChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "world",
		Name:      "chunks_resident",
		Help:      "Количество резидентных чанков в кеше.",
	})
	metricDirtyChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "world",
		Name:      "chunks_dirty",
		Help:      "Количество чанков с несохранёнными изменениями.",
	})
	metricGenerationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "world",
		Name:      "chunk_generation_seconds",
		Help:      "Длительность процедурной генерации чанка.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})
	metricStoreLoadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "world",
		Name:      "chunk_store_load_seconds",
		Help:      "Длительность чтения чанка из хранилища.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})
	metricStoreSaveSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "world",
		Name:      "chunk_store_save_seconds",
		Help:      "Длительность записи чанка в хранилище.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})
	metricSaveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "world",
		Name:      "chunk_save_failures_total",
		Help:      "Число неудачных попыток сохранения чанка.",
	})
	metricInflightJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "world",
		Name:      "chunk_jobs_inflight",
		Help:      "Количество выполняющихся задач загрузки/генерации.",
	})
)

func init() {
	prometheus.MustRegister(
		metricCacheHits,
		metricCacheMisses,
		metricCacheEvictions,
		metricResidentChunks,
		metricDirtyChunks,
		metricGenerationSeconds,
		metricStoreLoadSeconds,
		metricStoreSaveSeconds,
		metricSaveFailures,
		metricInflightJobs,
	)
}
