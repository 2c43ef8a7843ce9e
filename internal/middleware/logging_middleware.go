package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/codingwatching/fmc/internal/logging"
)

// RequestLogger присваивает каждому HTTP-запросу trace-ID и пишет строки
// входа/выхода. Медленные запросы и ответы 5xx поднимаются до WARN.
type RequestLogger struct {
	slowThreshold time.Duration
}

// NewRequestLogger создаёт логгер запросов с порогом медленного запроса 500мс
func NewRequestLogger() *RequestLogger {
	return &RequestLogger{slowThreshold: 500 * time.Millisecond}
}

// Handler возвращает gin-мидлвару логирования
func (rl *RequestLogger) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// trace-id берём из активного спана OpenTelemetry; без него — свой
		traceID := uuid.NewString()
		if span := trace.SpanFromContext(c.Request.Context()); span.SpanContext().IsValid() {
			traceID = span.SpanContext().TraceID().String()
		}
		c.Set("trace_id", traceID)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		start := time.Now()
		logging.Debug("[HTTP] ▶ %s %s ip=%s trace=%s", c.Request.Method, path, c.ClientIP(), traceID)

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		switch {
		case status >= 500:
			logging.Warn("[HTTP] ◀ %s %s %d %s trace=%s", c.Request.Method, path, status, latency, traceID)
		case latency > rl.slowThreshold:
			logging.Warn("[HTTP] ◀ %s %s %d %s (медленный) trace=%s", c.Request.Method, path, status, latency, traceID)
		default:
			logging.Info("[HTTP] ◀ %s %s %d %s trace=%s", c.Request.Method, path, status, latency, traceID)
		}
	}
}
