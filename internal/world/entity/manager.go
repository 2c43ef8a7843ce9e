package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/logging"
	"github.com/codingwatching/fmc/internal/vec"
)

// EventKind различает события жизненного цикла сущностей
type EventKind uint8

const (
	EventSpawn EventKind = iota
	EventMove
	EventDespawn
)

// Event — запись журнала сущностей за тик. Seq монотонно растёт на сущность:
// получатели применяют события в порядке Seq и отбрасывают устаревшие.
type Event struct {
	Kind     EventKind
	ID       uuid.UUID
	Type     Type
	Pos      vec.Vec3Float
	Velocity vec.Vec3Float
	Chunk    vec.Vec3
	Seq      uint64
}

// ChunkIndex отражает принадлежность сущностей в резидентные чанки.
// Реализуется менеджером чанков; нерезидентные чанки молча пропускаются.
type ChunkIndex interface {
	AddEntity(chunkPos vec.Vec3, id uuid.UUID)
	RemoveEntity(chunkPos vec.Vec3, id uuid.UUID)
}

// PositionSaver — минимальный контракт автосохранения позиций.
// Реализуется репозиториями позиций из internal/storage.
type PositionSaver interface {
	BatchSave(ctx context.Context, positions map[uuid.UUID]vec.Vec3Float) error
}

// Manager владеет всеми сущностями мира: реестр по ID, индекс по чанкам
// и журнал событий для репликации.
type Manager struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]*Entity
	byChunk  map[vec.Vec3]map[uuid.UUID]struct{}
	seq      map[uuid.UUID]uint64

	journalMu sync.Mutex
	journal   []Event

	chunks ChunkIndex
	logger *logging.Logger
}

// NewManager создаёт менеджер сущностей. chunks может быть nil:
// тогда членство в чанках не отражается.
func NewManager(chunks ChunkIndex) *Manager {
	return &Manager{
		entities: make(map[uuid.UUID]*Entity),
		byChunk:  make(map[vec.Vec3]map[uuid.UUID]struct{}),
		seq:      make(map[uuid.UUID]uint64),
		chunks:   chunks,
		logger:   logging.GetWorldLogger(),
	}
}

// Spawn создаёт сущность и публикует событие появления
func (m *Manager) Spawn(entityType Type, pos vec.Vec3Float) *Entity {
	e := New(entityType, pos)
	chunkPos := e.ChunkPos()

	m.mu.Lock()
	m.entities[e.ID] = e
	m.indexLocked(chunkPos, e.ID)
	seq := m.nextSeqLocked(e.ID)
	m.mu.Unlock()

	if m.chunks != nil {
		m.chunks.AddEntity(chunkPos, e.ID)
	}

	m.record(Event{Kind: EventSpawn, ID: e.ID, Type: e.Type, Pos: pos, Chunk: chunkPos, Seq: seq})
	m.logger.Debug("Сущность %s (%s) создана в чанке %v", e.ID, e.Type, chunkPos)
	return e
}

// Get возвращает сущность по ID
func (m *Manager) Get(id uuid.UUID) (*Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	return e, ok
}

// Move перемещает сущность, переиндексируя её при пересечении границы чанка
func (m *Manager) Move(id uuid.UUID, pos vec.Vec3Float, velocity vec.Vec3Float) error {
	m.mu.Lock()
	e, ok := m.entities[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("сущность %s не найдена", id)
	}

	oldChunk := e.ChunkPos()
	e.setPosition(pos)
	e.SetVelocity(velocity)
	newChunk := e.ChunkPos()

	crossed := !oldChunk.Equals(newChunk)
	if crossed {
		m.unindexLocked(oldChunk, id)
		m.indexLocked(newChunk, id)
	}
	seq := m.nextSeqLocked(id)
	m.mu.Unlock()

	if crossed && m.chunks != nil {
		m.chunks.RemoveEntity(oldChunk, id)
		m.chunks.AddEntity(newChunk, id)
	}

	m.record(Event{Kind: EventMove, ID: id, Type: e.Type, Pos: pos, Velocity: velocity, Chunk: newChunk, Seq: seq})
	return nil
}

// Despawn удаляет сущность и публикует событие исчезновения
func (m *Manager) Despawn(id uuid.UUID) bool {
	m.mu.Lock()
	e, ok := m.entities[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	chunkPos := e.ChunkPos()
	e.deactivate()
	delete(m.entities, id)
	m.unindexLocked(chunkPos, id)
	seq := m.nextSeqLocked(id)
	delete(m.seq, id)
	m.mu.Unlock()

	if m.chunks != nil {
		m.chunks.RemoveEntity(chunkPos, id)
	}

	m.record(Event{Kind: EventDespawn, ID: id, Type: e.Type, Pos: e.Position(), Chunk: chunkPos, Seq: seq})
	m.logger.Debug("Сущность %s удалена из чанка %v", id, chunkPos)
	return true
}

// InChunk возвращает ID сущностей, находящихся в указанном чанке
func (m *Manager) InChunk(chunkPos vec.Vec3) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byChunk[chunkPos]
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Count возвращает число живых сущностей
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// DrainEvents забирает накопленные события; каждый вызов видит событие
// не более одного раза
func (m *Manager) DrainEvents() []Event {
	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	if len(m.journal) == 0 {
		return nil
	}
	out := m.journal
	m.journal = nil
	return out
}

// SavePositions записывает позиции всех живых сущностей указанного типа
// в репозиторий (автосохранение игроков)
func (m *Manager) SavePositions(ctx context.Context, repo PositionSaver, entityType Type) error {
	m.mu.RLock()
	positions := make(map[uuid.UUID]vec.Vec3Float)
	for id, e := range m.entities {
		if e.Type == entityType {
			positions[id] = e.Position()
		}
	}
	m.mu.RUnlock()

	if len(positions) == 0 {
		return nil
	}
	if err := repo.BatchSave(ctx, positions); err != nil {
		return fmt.Errorf("автосохранение позиций: %w", err)
	}
	m.logger.Debug("💾 Сохранено %d позиций сущностей", len(positions))
	return nil
}

func (m *Manager) indexLocked(chunkPos vec.Vec3, id uuid.UUID) {
	set, ok := m.byChunk[chunkPos]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		m.byChunk[chunkPos] = set
	}
	set[id] = struct{}{}
}

func (m *Manager) unindexLocked(chunkPos vec.Vec3, id uuid.UUID) {
	set, ok := m.byChunk[chunkPos]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m.byChunk, chunkPos)
	}
}

func (m *Manager) nextSeqLocked(id uuid.UUID) uint64 {
	m.seq[id]++
	return m.seq[id]
}

func (m *Manager) record(ev Event) {
	m.journalMu.Lock()
	m.journal = append(m.journal, ev)
	m.journalMu.Unlock()
}
