package entity

import (
	"sync"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
)

// Type представляет тип сущности
type Type uint16

const (
	TypePlayer Type = iota
	TypeNPC
	TypeItem
	TypeAnimal
	TypeProjectile
)

// String возвращает имя типа для логов и отладки
func (t Type) String() string {
	switch t {
	case TypePlayer:
		return "player"
	case TypeNPC:
		return "npc"
	case TypeItem:
		return "item"
	case TypeAnimal:
		return "animal"
	case TypeProjectile:
		return "projectile"
	default:
		return "unknown"
	}
}

// Entity — сущность мира. Позиция хранится с субблоковой точностью;
// блочная позиция и чанк выводятся из неё.
type Entity struct {
	ID   uuid.UUID
	Type Type

	mu       sync.RWMutex
	pos      vec.Vec3Float
	velocity vec.Vec3Float
	active   bool
	payload  map[string]interface{}
}

// New создаёт сущность с новым UUID
func New(entityType Type, pos vec.Vec3Float) *Entity {
	return &Entity{
		ID:      uuid.New(),
		Type:    entityType,
		pos:     pos,
		active:  true,
		payload: make(map[string]interface{}),
	}
}

// Position возвращает точную позицию сущности
func (e *Entity) Position() vec.Vec3Float {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pos
}

// BlockPos возвращает позицию сущности в координатах блоков
func (e *Entity) BlockPos() vec.Vec3 {
	return e.Position().ToVec3()
}

// ChunkPos возвращает координаты чанка, в котором находится сущность
func (e *Entity) ChunkPos() vec.Vec3 {
	return e.BlockPos().ToChunkCoords()
}

// Velocity возвращает текущую скорость
func (e *Entity) Velocity() vec.Vec3Float {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.velocity
}

// SetVelocity обновляет скорость сущности
func (e *Entity) SetVelocity(v vec.Vec3Float) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.velocity = v
}

// Active сообщает, жива ли сущность
func (e *Entity) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// SetPayloadValue записывает произвольное данное сущности
func (e *Entity) SetPayloadValue(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payload[key] = value
}

// PayloadValue читает произвольное данное сущности
func (e *Entity) PayloadValue(key string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.payload[key]
	return v, ok
}

// setPosition вызывается только менеджером: смена чанка требует переиндексации
func (e *Entity) setPosition(pos vec.Vec3Float) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = pos
}

func (e *Entity) deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
}
