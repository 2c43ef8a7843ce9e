package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
)

// PositionRepo хранит позиции сущностей между сессиями. Ключ — постоянный
// UUID сущности, не зависящий от жизни конкретного подключения.
type PositionRepo interface {
	// Save сохраняет позицию одной сущности
	Save(ctx context.Context, id uuid.UUID, pos vec.Vec3Float) error

	// Load возвращает (позиция, true) или (ноль, false) для первого входа
	Load(ctx context.Context, id uuid.UUID) (vec.Vec3Float, bool, error)

	// Delete удаляет сохранённую позицию
	Delete(ctx context.Context, id uuid.UUID) error

	// BatchSave сохраняет позиции пачкой (путь автосохранения)
	BatchSave(ctx context.Context, positions map[uuid.UUID]vec.Vec3Float) error

	// Close освобождает ресурсы репозитория
	Close() error
}
