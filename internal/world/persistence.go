package world

import (
	"sync"
	"time"

	"github.com/codingwatching/fmc/internal/logging"
)

const (
	saveRetryBase = 100 * time.Millisecond
	saveRetryMax  = 3
)

// Scheduler периодически сбрасывает грязные чанки в хранилище. Снимок
// грязного множества берётся под коротким локом кеша; сами записи идут
// без локов, мутации во время сохранения не блокируются.
type Scheduler struct {
	manager  *ChunkManager
	interval time.Duration
	logger   *logging.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler создаёт шедулер автосохранения (по умолчанию раз в 5 минут)
func NewScheduler(manager *ChunkManager, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		manager:  manager,
		interval: interval,
		logger:   logging.GetStorageLogger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start запускает фоновый цикл автосохранения
func (s *Scheduler) Start() {
	go s.loop()
	s.logger.Info("💾 Автосохранение запущено: интервал %v", s.interval)
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			saved, failed := s.Flush()
			if saved > 0 || failed > 0 {
				s.logger.Info("💾 Автосохранение: записано %d чанков, ошибок %d", saved, failed)
			}
		case <-s.stop:
			return
		}
	}
}

// Flush сохраняет все грязные на момент вызова чанки. Мутации после снятия
// снимка попадут в следующий проход: MarkClean не сбросит dirty, если версия
// успела уйти вперёд.
func (s *Scheduler) Flush() (saved, failed int) {
	dirty := s.manager.DirtyChunks()
	for _, chunk := range dirty {
		if err := s.saveWithRetry(chunk); err != nil {
			failed++
			s.logger.Error("Сохранение чанка %v не удалось: %v", chunk.Coords, err)
			continue
		}
		saved++
	}
	return saved, failed
}

// saveWithRetry повторяет запись с экспоненциальной задержкой. Чанк,
// который так и не записался, остаётся грязным и будет повторён
// следующим проходом.
func (s *Scheduler) saveWithRetry(chunk *Chunk) error {
	var err error
	delay := saveRetryBase
	for attempt := 0; attempt <= saveRetryMax; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = s.manager.SaveChunk(chunk); err == nil {
			return nil
		}
	}
	return err
}

// Stop останавливает цикл, делает финальный полный проход и, если хранилище
// умеет, сбрасывает его WAL на диск. Возвращает число ошибок записи.
func (s *Scheduler) Stop() int {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done

	saved, failed := s.Flush()
	if flusher, ok := s.manager.store.(StoreFlusher); ok {
		if err := flusher.FlushAll(); err != nil {
			// Несинхронизированный WAL — та же потеря долговечности,
			// что и незаписанный чанк
			failed++
			s.logger.Error("Сброс WAL при остановке: %v", err)
		}
	}
	s.logger.Info("💾 Финальное сохранение: записано %d чанков, ошибок %d", saved, failed)
	return failed
}
