package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	metricActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fmc_transport_connections",
		Help: "Число активных KCP-подключений",
	})

	metricBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmc_transport_bytes_sent_total",
		Help: "Исходящие байты (полезная нагрузка + заголовок кадра)",
	})

	metricBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmc_transport_bytes_received_total",
		Help: "Входящие байты (полезная нагрузка + заголовок кадра)",
	})

	metricFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmc_transport_frames_sent_total",
		Help: "Отправленные кадры",
	})

	metricFramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fmc_transport_frames_received_total",
		Help: "Принятые кадры",
	})
)

func init() {
	prometheus.MustRegister(
		metricActiveConnections,
		metricBytesSent,
		metricBytesReceived,
		metricFramesSent,
		metricFramesReceived,
	)
}
