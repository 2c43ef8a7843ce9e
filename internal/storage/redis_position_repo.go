package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/logging"
	"github.com/codingwatching/fmc/internal/vec"
)

// RedisPositionRepo — горячее хранилище позиций в Redis. Одиночные Save
// копятся в батч-буфере и пишутся пачкой по размеру или по таймеру;
// Load всегда читает напрямую, заглядывая сначала в буфер.
type RedisPositionRepo struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	batchSize int
	logger    *logging.Logger

	batchMu     sync.Mutex
	batchBuffer map[uuid.UUID]storedPosition

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type storedPosition struct {
	Pos       vec.Vec3Float `json:"pos"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RedisConfig — настройки подключения к Redis
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	TTL          time.Duration
	BatchSize    int
	BatchFlushMs int
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "fmc:pos:",
		TTL:          5 * time.Minute,
		BatchSize:    100,
		BatchFlushMs: 100,
	}
}

// NewRedisPositionRepo подключается к Redis и запускает батч-флашер
func NewRedisPositionRepo(cfg *RedisConfig) (*RedisPositionRepo, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("подключение к Redis: %w", err)
	}

	r := &RedisPositionRepo{
		client:      client,
		keyPrefix:   cfg.KeyPrefix,
		ttl:         cfg.TTL,
		batchSize:   cfg.BatchSize,
		logger:      logging.GetStorageLogger(),
		batchBuffer: make(map[uuid.UUID]storedPosition),
		shutdown:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.flushLoop(time.Duration(cfg.BatchFlushMs) * time.Millisecond)

	r.logger.Info("🚀 Redis-репозиторий позиций подключен: %s", cfg.Addr)
	return r, nil
}

func (r *RedisPositionRepo) key(id uuid.UUID) string {
	return r.keyPrefix + id.String()
}

// Save кладёт позицию в батч-буфер; на диск её донесёт флашер
func (r *RedisPositionRepo) Save(ctx context.Context, id uuid.UUID, pos vec.Vec3Float) error {
	r.batchMu.Lock()
	r.batchBuffer[id] = storedPosition{Pos: pos, UpdatedAt: time.Now()}
	full := len(r.batchBuffer) >= r.batchSize
	r.batchMu.Unlock()

	if full {
		return r.flush(ctx)
	}
	return nil
}

// Load читает позицию: сначала из несброшенного буфера, затем из Redis
func (r *RedisPositionRepo) Load(ctx context.Context, id uuid.UUID) (vec.Vec3Float, bool, error) {
	r.batchMu.Lock()
	if buffered, ok := r.batchBuffer[id]; ok {
		r.batchMu.Unlock()
		return buffered.Pos, true, nil
	}
	r.batchMu.Unlock()

	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return vec.Vec3Float{}, false, nil
	}
	if err != nil {
		return vec.Vec3Float{}, false, fmt.Errorf("чтение позиции %s: %w", id, err)
	}

	var stored storedPosition
	if err := json.Unmarshal(data, &stored); err != nil {
		return vec.Vec3Float{}, false, fmt.Errorf("разбор позиции %s: %w", id, err)
	}
	return stored.Pos, true, nil
}

// Delete удаляет позицию из буфера и из Redis
func (r *RedisPositionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.batchMu.Lock()
	delete(r.batchBuffer, id)
	r.batchMu.Unlock()

	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("удаление позиции %s: %w", id, err)
	}
	return nil
}

// BatchSave пишет позиции одним пайплайном, минуя буфер
func (r *RedisPositionRepo) BatchSave(ctx context.Context, positions map[uuid.UUID]vec.Vec3Float) error {
	if len(positions) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	now := time.Now()
	for id, pos := range positions {
		data, err := json.Marshal(storedPosition{Pos: pos, UpdatedAt: now})
		if err != nil {
			return fmt.Errorf("сериализация позиции %s: %w", id, err)
		}
		pipe.Set(ctx, r.key(id), data, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch-запись позиций: %w", err)
	}
	return nil
}

// flushLoop периодически сбрасывает батч-буфер
func (r *RedisPositionRepo) flushLoop(interval time.Duration) {
	defer r.wg.Done()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.flush(context.Background()); err != nil {
				r.logger.Warn("Сброс батча позиций: %v", err)
			}
		case <-r.shutdown:
			return
		}
	}
}

// flush забирает буфер и пишет его пайплайном; при ошибке возвращает
// записи в буфер, не затирая более свежие
func (r *RedisPositionRepo) flush(ctx context.Context) error {
	r.batchMu.Lock()
	if len(r.batchBuffer) == 0 {
		r.batchMu.Unlock()
		return nil
	}
	batch := r.batchBuffer
	r.batchBuffer = make(map[uuid.UUID]storedPosition)
	r.batchMu.Unlock()

	pipe := r.client.Pipeline()
	for id, stored := range batch {
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("сериализация позиции %s: %w", id, err)
		}
		pipe.Set(ctx, r.key(id), data, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.batchMu.Lock()
		for id, stored := range batch {
			if _, exists := r.batchBuffer[id]; !exists {
				r.batchBuffer[id] = stored
			}
		}
		r.batchMu.Unlock()
		return fmt.Errorf("batch-запись позиций: %w", err)
	}
	return nil
}

// Close останавливает флашер, досбрасывает буфер и закрывает клиент
func (r *RedisPositionRepo) Close() error {
	close(r.shutdown)
	r.wg.Wait()

	if err := r.flush(context.Background()); err != nil {
		r.logger.Error("Финальный сброс позиций: %v", err)
	}
	return r.client.Close()
}
