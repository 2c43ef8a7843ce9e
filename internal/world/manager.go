package world

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codingwatching/fmc/internal/logging"
	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world/block"
)

// ErrOutOfBounds возвращается для координат вне сконфигурированных границ
// мира. Такие запросы никогда не доходят до генератора.
var ErrOutOfBounds = errors.New("координата вне границ мира")

// ErrShuttingDown возвращается для запросов после остановки приёма работ
var ErrShuttingDown = errors.New("менеджер чанков останавливается")

// ChunkStore — интерфейс долговременного хранилища, как его видит менеджер.
// Реализация живёт в internal/storage.
type ChunkStore interface {
	// Load возвращает (nil, false, nil) для отсутствующего или повреждённого чанка
	Load(coords vec.Vec3) (*Chunk, bool, error)
	Save(coords vec.Vec3, snap *ChunkSnapshot) error
}

// StoreFlusher — необязательное расширение хранилища: принудительный сброс
// WAL на диск. Шедулер вызывает его после финального прохода сохранения,
// чтобы долговечность не зависела от закрытия хранилища снаружи.
type StoreFlusher interface {
	FlushAll() error
}

// Bounds задаёт границы мира в координатах чанков
type Bounds struct {
	ChunkRadius int // |X|, |Z| <= ChunkRadius
	MinChunkY   int
	MaxChunkY   int
}

// Contains проверяет, лежит ли координата чанка в границах мира
func (b Bounds) Contains(coords vec.Vec3) bool {
	if coords.X < -b.ChunkRadius || coords.X > b.ChunkRadius {
		return false
	}
	if coords.Z < -b.ChunkRadius || coords.Z > b.ChunkRadius {
		return false
	}
	return coords.Y >= b.MinChunkY && coords.Y <= b.MaxChunkY
}

// ChunkHandle — хэндл ожидания резидентности чанка. Конкурентные запросы
// одной координаты разделяют один хэндл: ровно одна загрузка или генерация
// на координату независимо от числа ожидающих.
type ChunkHandle struct {
	coords vec.Vec3
	done   chan struct{}
	chunk  *Chunk
	err    error
}

// Done закрывается после завершения загрузки/генерации
func (h *ChunkHandle) Done() <-chan struct{} { return h.done }

// Chunk возвращает результат; валиден только после закрытия Done
func (h *ChunkHandle) Chunk() *Chunk { return h.chunk }

// Err возвращает ошибку резолва; валиден только после закрытия Done
func (h *ChunkHandle) Err() error { return h.err }

// Coords возвращает координаты запрошенного чанка
func (h *ChunkHandle) Coords() vec.Vec3 { return h.coords }

// Wait блокируется до завершения и возвращает результат
func (h *ChunkHandle) Wait() (*Chunk, error) {
	<-h.done
	return h.chunk, h.err
}

func resolvedHandle(chunk *Chunk) *ChunkHandle {
	h := &ChunkHandle{coords: chunk.Coords, done: make(chan struct{}), chunk: chunk}
	close(h.done)
	return h
}

// ChunkManager — единственный владелец кеша и единственный мутатор
// содержимого чанков. Промахи кеша разрешаются пулом воркеров в порядке
// хранилище → генератор; никакой лок не держится через вызовы I/O.
type ChunkManager struct {
	bounds    Bounds
	generator *Generator
	store     ChunkStore
	cache     *chunkCache
	journal   *changeJournal
	logger    *logging.Logger
	tracer    trace.Tracer

	inflightMu sync.Mutex
	inflight   map[vec.Vec3]*ChunkHandle
	closed     bool

	jobs    chan *ChunkHandle
	senders sync.WaitGroup
	wg      sync.WaitGroup

	currentTick atomic.Uint64
}

// ManagerConfig — параметры менеджера чанков
type ManagerConfig struct {
	Seed          int64
	Bounds        Bounds
	CacheCapacity int
	Workers       int // 0 = runtime.NumCPU()
}

// NewChunkManager создаёт менеджер и запускает воркеров загрузки/генерации
func NewChunkManager(cfg ManagerConfig, store ChunkStore) *ChunkManager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	cm := &ChunkManager{
		bounds:    cfg.Bounds,
		generator: NewGenerator(cfg.Seed),
		store:     store,
		journal:   newChangeJournal(),
		logger:    logging.GetWorldLogger(),
		tracer:    otel.Tracer("world"),
		inflight:  make(map[vec.Vec3]*ChunkHandle),
		jobs:      make(chan *ChunkHandle, workers*4),
	}
	cm.cache = newChunkCache(cfg.CacheCapacity, cm.saveChunk)

	for i := 0; i < workers; i++ {
		cm.wg.Add(1)
		go cm.worker()
	}

	cm.logger.Info("🚀 Менеджер чанков запущен: воркеров=%d, кеш=%d", workers, cfg.CacheCapacity)
	return cm
}

// Request возвращает хэндл резидентности чанка. Резидентный чанк резолвится
// немедленно; иначе привязывается к уже выполняющейся задаче той же
// координаты или ставит новую.
func (cm *ChunkManager) Request(coords vec.Vec3) *ChunkHandle {
	if !cm.bounds.Contains(coords) {
		h := &ChunkHandle{coords: coords, done: make(chan struct{}), err: fmt.Errorf("%w: чанк %v", ErrOutOfBounds, coords)}
		close(h.done)
		return h
	}

	if chunk, ok := cm.cache.Get(coords); ok {
		return resolvedHandle(chunk)
	}

	cm.inflightMu.Lock()
	// Повторная проверка кеша под локом: воркер мог успеть вставить чанк
	// между промахом выше и взятием лока.
	if chunk, ok := cm.cache.Get(coords); ok {
		cm.inflightMu.Unlock()
		return resolvedHandle(chunk)
	}
	if h, ok := cm.inflight[coords]; ok {
		cm.inflightMu.Unlock()
		return h
	}
	if cm.closed {
		cm.inflightMu.Unlock()
		h := &ChunkHandle{coords: coords, done: make(chan struct{}), err: ErrShuttingDown}
		close(h.done)
		return h
	}

	h := &ChunkHandle{coords: coords, done: make(chan struct{})}
	cm.inflight[coords] = h
	metricInflightJobs.Set(float64(len(cm.inflight)))
	// senders учитывается под локом: Shutdown сначала выставляет closed,
	// затем ждёт все начатые отправки и только потом закрывает канал.
	cm.senders.Add(1)
	cm.inflightMu.Unlock()

	cm.jobs <- h
	cm.senders.Done()
	return h
}

// worker разрешает задачи: хранилище, при отсутствии — генерация.
// Начатая задача никогда не отменяется; потерявшие интерес ожидающие
// просто не читают результат, а чанк остаётся в кеше впрок.
func (cm *ChunkManager) worker() {
	defer cm.wg.Done()
	for h := range cm.jobs {
		chunk, err := cm.resolve(h.coords)
		if err == nil {
			err = cm.cache.Insert(chunk)
			if err != nil {
				// Неудачный write-back жертвы не делает результат невалидным
				cm.logger.Warn("Вытеснение при вставке чанка %v: %v", h.coords, err)
				err = nil
			}
		}

		cm.inflightMu.Lock()
		delete(cm.inflight, h.coords)
		metricInflightJobs.Set(float64(len(cm.inflight)))
		cm.inflightMu.Unlock()

		h.chunk = chunk
		h.err = err
		close(h.done)
	}
}

// resolve загружает чанк из хранилища или генерирует его
func (cm *ChunkManager) resolve(coords vec.Vec3) (*Chunk, error) {
	ctx, span := cm.tracer.Start(context.Background(), "chunk.resolve",
		trace.WithAttributes(
			attribute.Int("chunk.x", coords.X),
			attribute.Int("chunk.y", coords.Y),
			attribute.Int("chunk.z", coords.Z),
		))
	defer span.End()
	_ = ctx

	start := time.Now()
	chunk, found, err := cm.store.Load(coords)
	metricStoreLoadSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		// Транзиентная ошибка чтения деградирует в регенерацию: мир не
		// останавливается из-за диска, свежие данные перезапишут стухшие.
		cm.logger.Warn("Чтение чанка %v из хранилища: %v — регенерация", coords, err)
	}
	if found {
		span.SetAttributes(attribute.String("chunk.source", "store"))
		return chunk, nil
	}

	start = time.Now()
	chunk = cm.generator.GenerateChunk(coords)
	metricGenerationSeconds.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("chunk.source", "generated"))

	// Свежесгенерированный чанк грязный: его ещё нет в хранилище
	chunk.dirty = true
	return chunk, nil
}

// GetBlock возвращает блок по мировым координатам. Для резидентного чанка
// завершается синхронно; иначе ждёт фоновую загрузку/генерацию.
func (cm *ChunkManager) GetBlock(pos vec.Vec3) (block.BlockID, error) {
	chunkPos, local := SplitWorldPos(pos)
	chunk, err := cm.Request(chunkPos).Wait()
	if err != nil {
		return block.AirBlockID, err
	}
	return chunk.GetBlock(local), nil
}

// SetBlock мутирует блок: бампит версию чанка, ставит dirty и записывает
// BlockChange в журнал текущего тика.
func (cm *ChunkManager) SetBlock(pos vec.Vec3, id block.BlockID) (BlockChange, error) {
	if !block.IsValidBlockID(id) {
		return BlockChange{}, fmt.Errorf("неизвестный ID блока: %d", id)
	}

	chunkPos, local := SplitWorldPos(pos)
	chunk, err := cm.Request(chunkPos).Wait()
	if err != nil {
		return BlockChange{}, err
	}

	old, version := chunk.SetBlock(local, id)
	change := BlockChange{
		Chunk:   chunkPos,
		Index:   BlockIndex(local),
		Old:     old,
		New:     id,
		Version: version,
		Tick:    cm.currentTick.Load(),
	}
	cm.journal.Record(change)
	return change, nil
}

// GetChunk возвращает чанк, дожидаясь резидентности
func (cm *ChunkManager) GetChunk(coords vec.Vec3) (*Chunk, error) {
	return cm.Request(coords).Wait()
}

// PeekChunk возвращает чанк только если он уже резидентен
func (cm *ChunkManager) PeekChunk(coords vec.Vec3) (*Chunk, bool) {
	return cm.cache.Peek(coords)
}

// Pin удерживает чанк от вытеснения (подписка клиента)
func (cm *ChunkManager) Pin(coords vec.Vec3) { cm.cache.Pin(coords) }

// Unpin снимает удержание
func (cm *ChunkManager) Unpin(coords vec.Vec3) { cm.cache.Unpin(coords) }

// PinCount возвращает число удержаний координаты
func (cm *ChunkManager) PinCount(coords vec.Vec3) int { return cm.cache.PinCount(coords) }

// AddEntity отражает появление сущности в резидентном чанке.
// Нерезидентный чанк пропускается: его набор сущностей восстановит
// менеджер сущностей при следующей индексации.
func (cm *ChunkManager) AddEntity(coords vec.Vec3, id uuid.UUID) {
	if chunk, ok := cm.cache.Peek(coords); ok {
		chunk.AddEntity(id)
	}
}

// RemoveEntity отражает уход сущности из резидентного чанка
func (cm *ChunkManager) RemoveEntity(coords vec.Vec3, id uuid.UUID) {
	if chunk, ok := cm.cache.Peek(coords); ok {
		chunk.RemoveEntity(id)
	}
}

// Bounds возвращает границы мира
func (cm *ChunkManager) Bounds() Bounds { return cm.bounds }

// ResidentChunks возвращает число резидентных чанков
func (cm *ChunkManager) ResidentChunks() int { return cm.cache.Len() }

// DirtyChunks возвращает срез грязных чанков (для шедулера сохранения)
func (cm *ChunkManager) DirtyChunks() []*Chunk { return cm.cache.DirtySnapshot() }

// DrainChanges забирает изменения, накопленные с прошлого тика
func (cm *ChunkManager) DrainChanges() []BlockChange { return cm.journal.Drain() }

// AdvanceTick устанавливает номер текущего тика для маркировки изменений
func (cm *ChunkManager) AdvanceTick(tick uint64) { cm.currentTick.Store(tick) }

// saveChunk сериализует чанк и пишет его в хранилище (write-back жертв
// вытеснения и путь шедулера сохранения)
func (cm *ChunkManager) saveChunk(chunk *Chunk) error {
	start := time.Now()
	err := cm.store.Save(chunk.Coords, chunk.Snapshot())
	metricStoreSaveSeconds.Observe(time.Since(start).Seconds())
	return err
}

// SaveChunk сохраняет один чанк и сбрасывает dirty при успехе
func (cm *ChunkManager) SaveChunk(chunk *Chunk) error {
	version := chunk.Version()
	if err := cm.saveChunk(chunk); err != nil {
		metricSaveFailures.Inc()
		return err
	}
	chunk.MarkClean(version)
	return nil
}

// Shutdown останавливает приём новых задач и дожидается воркеров.
// Очередь дорабатывается до конца: начатые генерации не отменяются.
func (cm *ChunkManager) Shutdown() {
	cm.inflightMu.Lock()
	if cm.closed {
		cm.inflightMu.Unlock()
		return
	}
	cm.closed = true
	cm.inflightMu.Unlock()

	cm.senders.Wait()
	close(cm.jobs)
	cm.wg.Wait()
	cm.logger.Info("✅ Менеджер чанков остановлен, очередь отработана")
}
