package eventbus

import (
	"context"

	"github.com/codingwatching/fmc/internal/logging"
)

// StartLoggingListener зеркалирует все события шины в лог на уровне DEBUG.
// Диагностический хвост: в проде включается уровнем логирования, а не кодом.
func StartLoggingListener(bus EventBus) error {
	logger := logging.GetComponentLogger("eventbus")
	_, err := bus.Subscribe(context.Background(), Filter{}, func(_ context.Context, ev *Envelope) {
		logger.Debug("событие %s type=%s src=%s prio=%d payload=%dB",
			ev.ID, ev.EventType, ev.Source, ev.Priority, len(ev.Payload))
	})
	if err != nil {
		return err
	}
	logger.Info("🪵 Зеркалирование событий в лог включено")
	return nil
}
