package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
)

// MemoryPositionRepo хранит позиции в памяти. Используется в тестах и как
// fallback, когда Redis/MariaDB не сконфигурированы.
type MemoryPositionRepo struct {
	mu        sync.RWMutex
	positions map[uuid.UUID]vec.Vec3Float
}

// NewMemoryPositionRepo создаёт репозиторий позиций в памяти
func NewMemoryPositionRepo() *MemoryPositionRepo {
	return &MemoryPositionRepo{
		positions: make(map[uuid.UUID]vec.Vec3Float),
	}
}

// Save сохраняет позицию сущности
func (r *MemoryPositionRepo) Save(_ context.Context, id uuid.UUID, pos vec.Vec3Float) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[id] = pos
	return nil
}

// Load возвращает сохранённую позицию
func (r *MemoryPositionRepo) Load(_ context.Context, id uuid.UUID) (vec.Vec3Float, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[id]
	return pos, ok, nil
}

// Delete удаляет позицию
func (r *MemoryPositionRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, id)
	return nil
}

// BatchSave сохраняет позиции пачкой
func (r *MemoryPositionRepo) BatchSave(_ context.Context, positions map[uuid.UUID]vec.Vec3Float) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pos := range positions {
		r.positions[id] = pos
	}
	return nil
}

// Close ничего не освобождает
func (r *MemoryPositionRepo) Close() error { return nil }
