package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/api"
	"github.com/codingwatching/fmc/internal/auth"
	"github.com/codingwatching/fmc/internal/config"
	"github.com/codingwatching/fmc/internal/eventbus"
	"github.com/codingwatching/fmc/internal/logging"
	"github.com/codingwatching/fmc/internal/observability"
	"github.com/codingwatching/fmc/internal/replication"
	"github.com/codingwatching/fmc/internal/storage"
	"github.com/codingwatching/fmc/internal/transport"
	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/entity"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации")
	flag.Parse()

	if err := logging.InitDefaultLogger(); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🎮 Запуск FMC World Server...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка чтения конфигурации: %v", err)
		log.Fatalf("❌ Ошибка чтения конфигурации: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	// === OBSERVABILITY ===
	otelShutdown, err := observability.InitTelemetry(context.Background(), "fmc-world-server")
	if err != nil {
		logging.Warn("⚠️ OpenTelemetry недоступен: %v", err)
		otelShutdown = func(context.Context) error { return nil }
	}

	if cfg.API.JWTSecret != "" {
		if err := auth.SetJWTSecret(cfg.API.JWTSecret); err != nil {
			log.Fatalf("❌ Недопустимый JWT секрет: %v", err)
		}
	}

	// === EVENT BUS ===
	var bus eventbus.EventBus
	switch cfg.EventBus.Mode {
	case "jetstream":
		retention := time.Duration(cfg.EventBus.Retention) * time.Hour
		if retention <= 0 {
			retention = 24 * time.Hour
		}
		jsBus, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, retention)
		if err != nil {
			logging.Warn("⚠️ JetStream недоступен, переключаемся на in-memory шину: %v", err)
			bus = eventbus.NewMemoryBus(1024)
		} else {
			bus = jsBus
		}
	default:
		bus = eventbus.NewMemoryBus(1024)
	}
	eventbus.Init(bus)
	if err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("⚠️ Не удалось запустить LoggingListener: %v", err)
	}
	busExporter := eventbus.NewMetricsExporter(bus)
	busExporter.StartHTTP(":2112")

	// === ХРАНИЛИЩЕ И ДВИЖОК МИРА ===
	seed := cfg.World.GetSeed()
	store, err := storage.Open(storage.StoreOptions{
		Path: cfg.Storage.GetPath(),
		Seed: seed,
	})
	if err != nil {
		logging.Error("❌ Ошибка открытия хранилища: %v", err)
		log.Fatalf("❌ Ошибка открытия хранилища: %v", err)
	}

	engine := world.NewEngine(world.EngineConfig{
		Seed: seed,
		Bounds: world.Bounds{
			ChunkRadius: cfg.World.GetChunkRadius(),
			MinChunkY:   cfg.World.MinChunkY,
			MaxChunkY:   cfg.World.MaxChunkY,
		},
		CacheCapacity:    cfg.Cache.GetCapacity(),
		Workers:          cfg.World.Workers,
		TickRate:         cfg.World.GetTickRate(),
		AutosaveInterval: time.Duration(cfg.Storage.GetAutosaveSeconds()) * time.Second,
	}, store)

	entityManager := entity.NewManager(engine.Manager())

	// === РЕПОЗИТОРИИ ПОЗИЦИЙ И ПРОФИЛЕЙ ===
	var posRepo storage.PositionRepo
	if cfg.Storage.RedisAddr != "" {
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Addr = cfg.Storage.RedisAddr
		posRepo, err = storage.NewRedisPositionRepo(redisCfg)
		if err != nil {
			logging.Warn("⚠️ Redis недоступен, позиции в памяти: %v", err)
			posRepo = storage.NewMemoryPositionRepo()
		}
	} else {
		posRepo = storage.NewMemoryPositionRepo()
	}
	defer posRepo.Close()

	var durablePos storage.PositionRepo
	if cfg.Storage.MariaDSN != "" {
		durablePos, err = storage.NewMariaPositionRepo(cfg.Storage.MariaDSN)
		if err != nil {
			logging.Warn("⚠️ MariaDB недоступна, долговременные позиции отключены: %v", err)
			durablePos = nil
		} else {
			defer durablePos.Close()
		}
	}

	var playerRepo storage.PlayerRepo
	if cfg.Storage.MongoURI != "" {
		mongoCfg := storage.MongoConfig{URI: cfg.Storage.MongoURI, Database: cfg.Storage.MongoDatabase}
		playerRepo, err = storage.NewMongoPlayerRepo(mongoCfg)
		if err != nil {
			logging.Warn("⚠️ MongoDB недоступна, профили в памяти: %v", err)
			playerRepo = storage.NewMemoryPlayerRepo()
		}
	} else {
		playerRepo = storage.NewMemoryPlayerRepo()
	}
	defer playerRepo.Close()

	// === РЕПЛИКАЦИЯ ===
	replService, err := replication.NewService(engine.Manager(), replication.ServiceConfig{
		ViewDistance: cfg.World.GetViewDistance(),
	})
	if err != nil {
		log.Fatalf("❌ Ошибка создания сервиса репликации: %v", err)
	}
	compressor, err := replication.NewZstdCompressor()
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации zstd: %v", err)
	}

	// Каждый тик: изменения блоков → репликация + шина, события сущностей → репликация
	engine.Subscribe(func(tick uint64, changes []world.BlockChange) {
		if len(changes) > 0 {
			replService.HandleBlockChanges(tick, changes)
			if payload, err := json.Marshal(changes); err == nil {
				_ = eventbus.Publish(context.Background(),
					eventbus.NewEnvelope("world", eventbus.EventTypeBlock, 3, payload))
			}
		}
		if events := entityManager.DrainEvents(); len(events) > 0 {
			replService.HandleEntityEvents(events)
			if payload, err := json.Marshal(events); err == nil {
				_ = eventbus.Publish(context.Background(),
					eventbus.NewEnvelope("entity", eventbus.EventTypeEntity, 3, payload))
			}
		}
	})

	engine.Start()

	hub := newClientHub(replService, entityManager, engine.Manager(), compressor, playerRepo)

	// Периодический сброс позиций игроков в репозитории
	posCtx, posCancel := context.WithCancel(context.Background())
	var posWg sync.WaitGroup
	posWg.Add(1)
	go func() {
		defer posWg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := entityManager.SavePositions(posCtx, posRepo, entity.TypePlayer); err != nil {
					logging.Warn("⚠️ Ошибка сохранения позиций: %v", err)
				}
				if durablePos != nil {
					if err := entityManager.SavePositions(posCtx, durablePos, entity.TypePlayer); err != nil {
						logging.Warn("⚠️ Ошибка долговременного сохранения позиций: %v", err)
					}
				}
				hub.saveProfiles(posCtx)
			case <-posCtx.Done():
				return
			}
		}
	}()

	// === KCP ТРАНСПОРТ ===
	kcpAddr := fmt.Sprintf(":%d", cfg.Network.GetKCPPort())
	kcpServer := transport.NewServer(kcpAddr)
	kcpServer.SetHandlers(hub.onConnect, hub.onDisconnect, hub.onFrame)
	if err := kcpServer.Start(); err != nil {
		logging.Error("❌ Ошибка запуска KCP сервера: %v", err)
		log.Fatalf("❌ Ошибка запуска KCP сервера: %v", err)
	}

	// === REST API ===
	userRepo, err := auth.NewMemoryUserRepo()
	if err != nil {
		log.Fatalf("❌ Ошибка создания репозитория пользователей: %v", err)
	}
	restPort := fmt.Sprintf(":%d", cfg.API.GetRESTPort())
	restServer := api.NewRestServer(api.Config{
		Port:          restPort,
		UserRepo:      userRepo,
		Engine:        engine,
		EntityManager: entityManager,
	})
	go func() {
		if err := restServer.Start(); err != nil {
			logging.Error("❌ Ошибка REST API: %v", err)
		}
	}()

	_ = eventbus.Publish(context.Background(),
		eventbus.NewEnvelope("server", eventbus.EventTypeSystem, 7, []byte(`{"event":"started"}`)))

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🎮 Игровой трафик: KCP %s", kcpAddr)
	logging.Info("   🌐 REST API: http://localhost%s", restPort)
	logging.Info("   📈 Метрики шины: http://localhost:2112/metrics")
	logging.Info("   ❤️  Health check: http://localhost%s/health", restPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logging.Info("📡 Получен сигнал %v, завершение работы...", sig)

	// === GRACEFUL SHUTDOWN ===
	if err := kcpServer.Stop(); err != nil {
		logging.Error("❌ Ошибка остановки KCP сервера: %v", err)
	}

	posCancel()
	posWg.Wait()

	// Финальный сброс позиций перед остановкой движка
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := entityManager.SavePositions(flushCtx, posRepo, entity.TypePlayer); err != nil {
		logging.Warn("⚠️ Ошибка финального сохранения позиций: %v", err)
	}
	flushCancel()

	if err := engine.Shutdown(); err != nil {
		logging.Error("❌ Ошибка остановки движка мира: %v", err)
	}

	if err := store.Close(); err != nil {
		logging.Error("❌ Ошибка закрытия хранилища: %v", err)
	}

	busExporter.Stop()
	if js, ok := bus.(*eventbus.JetStreamBus); ok {
		_ = js.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelShutdown(shutdownCtx); err != nil {
		logging.Warn("⚠️ Ошибка остановки OpenTelemetry: %v", err)
	}

	logging.Info("👋 Сервер успешно остановлен")
}

// clientHub связывает KCP каналы с сессиями репликации и сущностями игроков.
// Сущность игрока создаётся только после hello: до него входящие move и
// block_set игнорируются.
type clientHub struct {
	replication *replication.Service
	entities    *entity.Manager
	manager     *world.ChunkManager
	compressor  replication.PayloadCompressor
	profiles    storage.PlayerRepo

	mu      sync.Mutex
	clients map[transport.NetChannel]*clientBinding
}

type clientBinding struct {
	sessionID uuid.UUID
	entityID  uuid.UUID
	playerID  uuid.UUID
	name      string
}

func newClientHub(repl *replication.Service, entities *entity.Manager, manager *world.ChunkManager, compressor replication.PayloadCompressor, profiles storage.PlayerRepo) *clientHub {
	return &clientHub{
		replication: repl,
		entities:    entities,
		manager:     manager,
		compressor:  compressor,
		profiles:    profiles,
		clients:     make(map[transport.NetChannel]*clientBinding),
	}
}

func (h *clientHub) onConnect(ch transport.NetChannel) {
	sess := h.replication.Connect(ch)

	h.mu.Lock()
	h.clients[ch] = &clientBinding{sessionID: sess.ID}
	h.mu.Unlock()

	logging.Info("🎮 Клиент %s: сессия %s, ожидаем hello", ch.RemoteAddr(), sess.ID)
}

// handleHello загружает профиль игрока и создаёт сущность в сохранённой
// позиции. Повторный hello в рамках одного подключения игнорируется.
func (h *clientHub) handleHello(binding *clientBinding, hello replication.HelloMsg) {
	h.mu.Lock()
	if binding.entityID != uuid.Nil {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pos := vec.Vec3Float{}
	profile, found, err := h.profiles.LoadProfile(ctx, hello.PlayerID)
	if err != nil {
		logging.Warn("⚠️ Профиль %s недоступен: %v", hello.PlayerID, err)
	} else if found {
		pos = profile.Position
	}

	player := h.entities.Spawn(entity.TypePlayer, pos)

	h.mu.Lock()
	binding.entityID = player.ID
	binding.playerID = hello.PlayerID
	binding.name = hello.Name
	h.mu.Unlock()

	if err := h.replication.UpdatePosition(binding.sessionID, pos.ToVec3()); err != nil {
		logging.Warn("⚠️ Ошибка обновления зоны интереса: %v", err)
	}
	logging.Info("🎮 Игрок %s (%s) вошёл: сущность %s, позиция %v",
		hello.Name, hello.PlayerID, player.ID, pos)
}

func (h *clientHub) onDisconnect(ch transport.NetChannel, reason error) {
	h.mu.Lock()
	binding, ok := h.clients[ch]
	delete(h.clients, ch)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.replication.Disconnect(binding.sessionID)
	if binding.entityID == uuid.Nil {
		return
	}

	if player, ok := h.entities.Get(binding.entityID); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.profiles.SaveProfile(ctx, &storage.PlayerProfile{
			ID:       binding.playerID,
			Name:     binding.name,
			Position: player.Position(),
		}); err != nil {
			logging.Warn("⚠️ Ошибка сохранения профиля %s: %v", binding.playerID, err)
		}
		cancel()
	}
	h.entities.Despawn(binding.entityID)
}

// saveProfiles пишет профили всех вошедших игроков: автосохранение
func (h *clientHub) saveProfiles(ctx context.Context) {
	h.mu.Lock()
	bindings := make([]*clientBinding, 0, len(h.clients))
	for _, b := range h.clients {
		if b.entityID != uuid.Nil {
			bindings = append(bindings, b)
		}
	}
	h.mu.Unlock()

	for _, b := range bindings {
		player, ok := h.entities.Get(b.entityID)
		if !ok {
			continue
		}
		if err := h.profiles.SaveProfile(ctx, &storage.PlayerProfile{
			ID:       b.playerID,
			Name:     b.name,
			Position: player.Position(),
		}); err != nil {
			logging.Warn("⚠️ Ошибка автосохранения профиля %s: %v", b.playerID, err)
		}
	}
}

func (h *clientHub) onFrame(ch transport.NetChannel, frame []byte) {
	h.mu.Lock()
	binding, ok := h.clients[ch]
	h.mu.Unlock()
	if !ok {
		return
	}

	data, err := h.compressor.Decompress(frame)
	if err != nil {
		logging.Warn("⚠️ Повреждённый кадр от %s: %v", ch.RemoteAddr(), err)
		return
	}

	msg, err := replication.DecodeMessage(data)
	if err != nil {
		logging.Warn("⚠️ Нечитаемое сообщение от %s: %v", ch.RemoteAddr(), err)
		return
	}
	logging.LogMessage(ch.RemoteAddr(), "IN", msg.Type, data)

	switch msg.Type {
	case replication.MsgAck:
		var ack replication.AckMsg
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			return
		}
		if err := h.replication.HandleAck(binding.sessionID, ack); err != nil {
			logging.Warn("⚠️ Ошибка обработки ack: %v", err)
		}

	case replication.MsgHello:
		var hello replication.HelloMsg
		if err := json.Unmarshal(msg.Payload, &hello); err != nil {
			return
		}
		h.handleHello(binding, hello)

	case replication.MsgMove:
		var move replication.MoveMsg
		if err := json.Unmarshal(msg.Payload, &move); err != nil {
			return
		}
		if binding.entityID == uuid.Nil {
			return
		}
		if err := h.entities.Move(binding.entityID, move.Pos, vec.Vec3Float{}); err != nil {
			logging.Warn("⚠️ Ошибка перемещения игрока: %v", err)
			return
		}
		if err := h.replication.UpdatePosition(binding.sessionID, move.Pos.ToVec3()); err != nil {
			logging.Warn("⚠️ Ошибка обновления зоны интереса: %v", err)
		}

	case replication.MsgBlockSet:
		var set replication.BlockSetMsg
		if err := json.Unmarshal(msg.Payload, &set); err != nil {
			return
		}
		if binding.entityID == uuid.Nil {
			return
		}
		if _, err := h.manager.SetBlock(set.Pos, set.ID); err != nil {
			logging.Warn("⚠️ Отклонено изменение блока %v: %v", set.Pos, err)
		}

	default:
		logging.Debug("Неизвестный тип сообщения от клиента: %s", msg.Type)
	}
}
