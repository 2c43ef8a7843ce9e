package world

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/codingwatching/fmc/internal/logging"
)

// ChangeSubscriber получает изменения блоков, накопленные за тик.
// Вызывается из горутины тика; долгие обработчики тормозят мир.
type ChangeSubscriber func(tick uint64, changes []BlockChange)

// Engine — верхний уровень мира: владеет менеджером чанков, шедулером
// сохранения и тик-циклом, раздающим журнал изменений подписчикам.
type Engine struct {
	manager   *ChunkManager
	scheduler *Scheduler
	tickRate  int
	logger    *logging.Logger

	subMu sync.RWMutex
	subs  []ChangeSubscriber

	tick atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// EngineConfig — параметры движка мира
type EngineConfig struct {
	Seed             int64
	Bounds           Bounds
	CacheCapacity    int
	Workers          int
	TickRate         int // тиков в секунду, по умолчанию 20
	AutosaveInterval time.Duration
}

// NewEngine собирает движок поверх готового хранилища чанков
func NewEngine(cfg EngineConfig, store ChunkStore) *Engine {
	tickRate := cfg.TickRate
	if tickRate <= 0 {
		tickRate = 20
	}

	manager := NewChunkManager(ManagerConfig{
		Seed:          cfg.Seed,
		Bounds:        cfg.Bounds,
		CacheCapacity: cfg.CacheCapacity,
		Workers:       cfg.Workers,
	}, store)

	return &Engine{
		manager:   manager,
		scheduler: NewScheduler(manager, cfg.AutosaveInterval),
		tickRate:  tickRate,
		logger:    logging.GetWorldLogger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Manager возвращает менеджер чанков
func (e *Engine) Manager() *ChunkManager { return e.manager }

// Tick возвращает номер последнего завершённого тика
func (e *Engine) Tick() uint64 { return e.tick.Load() }

// Flush принудительно сохраняет все грязные чанки. Возвращает число
// сохранённых и число не сохранившихся после всех повторов.
func (e *Engine) Flush() (saved, failed int) { return e.scheduler.Flush() }

// Subscribe регистрирует получателя изменений блоков. Каждый подписчик
// видит каждое изменение ровно один раз, в порядке применения.
func (e *Engine) Subscribe(sub ChangeSubscriber) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, sub)
}

// Start запускает тик-цикл и автосохранение
func (e *Engine) Start() {
	e.scheduler.Start()
	go e.tickLoop()
	e.logger.Info("🌍 Движок мира запущен: %d тик/с", e.tickRate)
}

func (e *Engine) tickLoop() {
	defer close(e.done)
	interval := time.Second / time.Duration(e.tickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runTick()
		case <-e.stop:
			return
		}
	}
}

// runTick продвигает счётчик и раздаёт накопленный журнал подписчикам
func (e *Engine) runTick() {
	tick := e.tick.Add(1)
	e.manager.AdvanceTick(tick)

	changes := e.manager.DrainChanges()
	if len(changes) == 0 {
		return
	}

	e.subMu.RLock()
	subs := make([]ChangeSubscriber, len(e.subs))
	copy(subs, e.subs)
	e.subMu.RUnlock()

	for _, sub := range subs {
		sub(tick, changes)
	}
}

// Shutdown останавливает мир: тик-цикл, приём задач, воркеры, затем
// финальный полный flush и сброс WAL хранилища. Порядок гарантирует, что
// в хранилище уходит последняя версия каждого грязного чанка.
func (e *Engine) Shutdown() error {
	var failed int
	e.stopOnce.Do(func() {
		close(e.stop)
		<-e.done

		e.manager.Shutdown()

		// Остаточный журнал раздаётся до финального сохранения
		e.runFinalDrain()

		failed = e.scheduler.Stop()
	})
	if failed > 0 {
		return &ShutdownError{FailedChunks: failed}
	}
	e.logger.Info("✅ Движок мира остановлен")
	return nil
}

func (e *Engine) runFinalDrain() {
	changes := e.manager.DrainChanges()
	if len(changes) == 0 {
		return
	}
	tick := e.tick.Load()
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, sub := range e.subs {
		sub(tick, changes)
	}
}

// ShutdownError сообщает о чанках, потерянных при финальном сохранении
type ShutdownError struct {
	FailedChunks int
}

func (e *ShutdownError) Error() string {
	return "не все чанки сохранены при остановке"
}
