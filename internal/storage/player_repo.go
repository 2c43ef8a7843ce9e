package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
)

// PlayerProfile — сохраняемый профиль игрока: позиция, направление камеры
// и точка возрождения. Загружается при входе, пишется при выходе и
// автосохранением.
type PlayerProfile struct {
	ID        uuid.UUID     `bson:"player_id" json:"player_id"`
	Name      string        `bson:"name" json:"name"`
	Position  vec.Vec3Float `bson:"position" json:"position"`
	Pitch     float64       `bson:"pitch" json:"pitch"`
	Yaw       float64       `bson:"yaw" json:"yaw"`
	Spawn     vec.Vec3      `bson:"spawn" json:"spawn"`
	UpdatedAt time.Time     `bson:"updated_at" json:"updated_at"`
}

// PlayerRepo хранит профили игроков между сессиями
type PlayerRepo interface {
	// SaveProfile записывает профиль (upsert по ID)
	SaveProfile(ctx context.Context, profile *PlayerProfile) error

	// LoadProfile возвращает (профиль, true) или (nil, false) для нового игрока
	LoadProfile(ctx context.Context, id uuid.UUID) (*PlayerProfile, bool, error)

	// DeleteProfile удаляет профиль
	DeleteProfile(ctx context.Context, id uuid.UUID) error

	// Close освобождает ресурсы
	Close() error
}

// MemoryPlayerRepo хранит профили в памяти: тесты и запуск без MongoDB
type MemoryPlayerRepo struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]PlayerProfile
}

// NewMemoryPlayerRepo создаёт репозиторий профилей в памяти
func NewMemoryPlayerRepo() *MemoryPlayerRepo {
	return &MemoryPlayerRepo{profiles: make(map[uuid.UUID]PlayerProfile)}
}

// SaveProfile записывает копию профиля
func (r *MemoryPlayerRepo) SaveProfile(_ context.Context, profile *PlayerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *profile
	stored.UpdatedAt = time.Now()
	r.profiles[profile.ID] = stored
	return nil
}

// LoadProfile возвращает копию сохранённого профиля
func (r *MemoryPlayerRepo) LoadProfile(_ context.Context, id uuid.UUID) (*PlayerProfile, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[id]
	if !ok {
		return nil, false, nil
	}
	out := profile
	return &out, true, nil
}

// DeleteProfile удаляет профиль
func (r *MemoryPlayerRepo) DeleteProfile(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, id)
	return nil
}

// Close ничего не освобождает
func (r *MemoryPlayerRepo) Close() error { return nil }
