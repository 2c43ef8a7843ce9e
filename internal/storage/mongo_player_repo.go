package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/codingwatching/fmc/internal/logging"
)

// MongoConfig — настройки подключения к MongoDB
type MongoConfig struct {
	URI        string // например mongodb://localhost:27017
	Database   string
	Collection string
}

// MongoPlayerRepo реализует PlayerRepo поверх MongoDB
type MongoPlayerRepo struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
	logger     *logging.Logger
}

// NewMongoPlayerRepo подключается к MongoDB и готовит индексы
func NewMongoPlayerRepo(cfg MongoConfig) (*MongoPlayerRepo, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "fmc"
	}
	if cfg.Collection == "" {
		cfg.Collection = "players"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("подключение к MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("проверка соединения с MongoDB: %w", err)
	}

	repo := &MongoPlayerRepo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
		logger:     logging.GetStorageLogger(),
	}
	if err := repo.ensureIndexes(); err != nil {
		return nil, err
	}

	repo.logger.Info("🚀 Mongo-репозиторий игроков подключен: %s/%s", cfg.Database, cfg.Collection)
	return repo, nil
}

func (m *MongoPlayerRepo) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "player_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("playerid_unique"),
	}
	if _, err := m.collection.Indexes().CreateOne(ctx, idx); err != nil {
		return fmt.Errorf("создание индексов: %w", err)
	}
	return nil
}

// SaveProfile записывает профиль через upsert
func (m *MongoPlayerRepo) SaveProfile(ctx context.Context, profile *PlayerProfile) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	profile.UpdatedAt = time.Now()
	filter := bson.M{"player_id": profile.ID}
	update := bson.M{"$set": profile}
	opts := options.Update().SetUpsert(true)

	if _, err := m.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("сохранение профиля %s: %w", profile.ID, err)
	}
	return nil
}

// LoadProfile читает профиль; (nil, false, nil) для нового игрока
func (m *MongoPlayerRepo) LoadProfile(ctx context.Context, id uuid.UUID) (*PlayerProfile, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	var profile PlayerProfile
	err := m.collection.FindOne(ctx, bson.M{"player_id": id}).Decode(&profile)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("загрузка профиля %s: %w", id, err)
	}
	return &profile, true, nil
}

// DeleteProfile удаляет профиль
func (m *MongoPlayerRepo) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	if _, err := m.collection.DeleteOne(ctx, bson.M{"player_id": id}); err != nil {
		return fmt.Errorf("удаление профиля %s: %w", id, err)
	}
	return nil
}

// Close разрывает подключение к MongoDB
func (m *MongoPlayerRepo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
