package replication

import "github.com/prometheus/client_golang/prometheus"

var (
	metricActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fmc_replication_sessions",
		Help: "Число живых сессий репликации",
	})

	metricFullsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmc_replication_fulls_sent_total",
		Help: "Отправленные полные передачи чанков",
	})

	metricDeltasSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmc_replication_deltas_sent_total",
		Help: "Отправленные дельты чанков",
	})

	metricDesyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmc_replication_desyncs_total",
		Help: "Рассинхронизации протокола (ack на неотправленную версию)",
	})

	metricSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmc_replication_send_errors_total",
		Help: "Ошибки доставки кадров клиентам",
	})

	metricPendingDeltas = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fmc_replication_pending_deltas",
		Help: "Дельты, буферизованные до подтверждения полных передач",
	})
)

func init() {
	prometheus.MustRegister(
		metricActiveSessions,
		metricFullsSent,
		metricDeltasSent,
		metricDesyncs,
		metricSendErrors,
		metricPendingDeltas,
	)
}
