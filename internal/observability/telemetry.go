package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/codingwatching/fmc/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// InitTelemetry настраивает трассировку: OTLP-HTTP экспортер (адрес из
// переменных OTEL_EXPORTER_OTLP_*, по умолчанию localhost:4318) и глобальный
// TracerProvider с батчингом. Возвращённый shutdown вызывается при остановке
// сервера и досылает накопленные спаны.
func InitTelemetry(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("создание OTLP экспортера: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceNamespace("fmc"),
		),
		resource.WithProcessPID(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("описание ресурса трассировки: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	logging.Info("📡 Трассировка включена: service=%s, экспорт OTLP/HTTP", serviceName)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

// Tracer возвращает именованный трейсер глобального провайдера
func Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}
