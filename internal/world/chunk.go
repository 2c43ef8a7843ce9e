package world

import (
	"sync"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world/block"
)

// Chunk представляет кубический участок мира 16x16x16 блоков.
// Версия растёт на каждой мутации; dirty означает несохранённые изменения.
type Chunk struct {
	Coords vec.Vec3 // Координаты чанка в сетке чанков

	blocks     [ChunkVolume]block.BlockID // индекс x<<8|y<<4|z
	aux        [ChunkVolume]uint8         // ориентация (старший ниббл) и свет (младший)
	blockState map[int]uint16             // расширенное состояние отдельных блоков

	uniform   bool // все блоки одного типа, массив не материализован
	uniformID block.BlockID

	version uint64
	dirty   bool

	entities map[uuid.UUID]struct{} // сущности в границах чанка (индекс, не владение)

	mu sync.RWMutex
}

// NewChunk создаёт пустой чанк с указанными координатами
func NewChunk(coords vec.Vec3) *Chunk {
	return &Chunk{
		Coords:     coords,
		blockState: make(map[int]uint16),
		entities:   make(map[uuid.UUID]struct{}),
	}
}

// NewUniformChunk создаёт чанк, целиком заполненный одним блоком.
// Массив блоков не материализуется до первой точечной записи.
func NewUniformChunk(coords vec.Vec3, id block.BlockID) *Chunk {
	c := NewChunk(coords)
	c.uniform = true
	c.uniformID = id
	return c
}

// GetBlock возвращает ID блока по локальным координатам
func (c *Chunk) GetBlock(local vec.Vec3) block.BlockID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.uniform {
		return c.uniformID
	}
	return c.blocks[BlockIndex(local)]
}

// SetBlock устанавливает блок по локальным координатам.
// Возвращает прежний ID и новую версию чанка.
func (c *Chunk) SetBlock(local vec.Vec3, id block.BlockID) (block.BlockID, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.materializeLocked()

	idx := BlockIndex(local)
	old := c.blocks[idx]
	c.blocks[idx] = id
	c.version++
	c.dirty = true
	return old, c.version
}

// SetBlockState устанавливает расширенное состояние блока (0 удаляет запись)
func (c *Chunk) SetBlockState(local vec.Vec3, state uint16) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := BlockIndex(local)
	if state == 0 {
		delete(c.blockState, idx)
	} else {
		c.blockState[idx] = state
	}
	c.version++
	c.dirty = true
	return c.version
}

// GetBlockState возвращает расширенное состояние блока
func (c *Chunk) GetBlockState(local vec.Vec3) (uint16, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.blockState[BlockIndex(local)]
	return state, ok
}

// GetAux возвращает упакованные ориентацию и свет блока
func (c *Chunk) GetAux(local vec.Vec3) uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.uniform {
		return 0
	}
	return c.aux[BlockIndex(local)]
}

// SetAux устанавливает упакованные ориентацию и свет блока
func (c *Chunk) SetAux(local vec.Vec3, aux uint8) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.materializeLocked()

	c.aux[BlockIndex(local)] = aux
	c.version++
	c.dirty = true
	return c.version
}

// materializeLocked разворачивает uniform-чанк в полный массив.
// Вызывается только под write-lock.
func (c *Chunk) materializeLocked() {
	if !c.uniform {
		return
	}
	if c.uniformID != block.AirBlockID {
		for i := range c.blocks {
			c.blocks[i] = c.uniformID
		}
	}
	c.uniform = false
	c.uniformID = block.AirBlockID
}

// Version возвращает текущую версию чанка
func (c *Chunk) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Dirty возвращает true, если есть несохранённые изменения
func (c *Chunk) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// IsUniform сообщает, заполнен ли чанк одним блоком
func (c *Chunk) IsUniform() (block.BlockID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uniformID, c.uniform
}

// MarkClean сбрасывает dirty, если с момента снимка не было новых мутаций.
// savedVersion — версия, которая была успешно записана в хранилище.
func (c *Chunk) MarkClean(savedVersion uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version == savedVersion {
		c.dirty = false
	}
}

// AddEntity регистрирует сущность в индексе чанка
func (c *Chunk) AddEntity(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[id] = struct{}{}
}

// RemoveEntity убирает сущность из индекса чанка
func (c *Chunk) RemoveEntity(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities, id)
}

// EntityIDs возвращает копию множества сущностей чанка
func (c *Chunk) EntityIDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	return ids
}

// ChunkSnapshot — согласованная копия содержимого чанка для сериализации
// и полной передачи клиенту. Не содержит сущностей: они сохраняются отдельно.
type ChunkSnapshot struct {
	Coords     vec.Vec3
	Blocks     []block.BlockID // nil для uniform-чанка
	Aux        []uint8         // nil для uniform-чанка
	BlockState map[int]uint16
	Uniform    bool
	UniformID  block.BlockID
	Version    uint64
}

// Snapshot снимает согласованную копию чанка под read-lock
func (c *Chunk) Snapshot() *ChunkSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &ChunkSnapshot{
		Coords:    c.Coords,
		Uniform:   c.uniform,
		UniformID: c.uniformID,
		Version:   c.version,
	}

	if !c.uniform {
		snap.Blocks = make([]block.BlockID, ChunkVolume)
		copy(snap.Blocks, c.blocks[:])
		snap.Aux = make([]uint8, ChunkVolume)
		copy(snap.Aux, c.aux[:])
	}

	if len(c.blockState) > 0 {
		snap.BlockState = make(map[int]uint16, len(c.blockState))
		for k, v := range c.blockState {
			snap.BlockState[k] = v
		}
	}

	return snap
}

// RestoreChunk восстанавливает чанк из снимка (загрузка из хранилища)
func RestoreChunk(snap *ChunkSnapshot) *Chunk {
	var c *Chunk
	if snap.Uniform {
		c = NewUniformChunk(snap.Coords, snap.UniformID)
	} else {
		c = NewChunk(snap.Coords)
		copy(c.blocks[:], snap.Blocks)
		copy(c.aux[:], snap.Aux)
	}

	for k, v := range snap.BlockState {
		c.blockState[k] = v
	}
	c.version = snap.Version
	return c
}

// fillGenerated заполняет только что сгенерированный чанк без роста версии.
// Используется генератором до того, как чанк станет видим другим горутинам.
func (c *Chunk) fillGenerated(idx int, id block.BlockID, aux uint8) {
	c.blocks[idx] = id
	c.aux[idx] = aux
}
