package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервера мира.

type Config struct {
	World    WorldConfig    `yaml:"world"`
	Cache    CacheConfig    `yaml:"cache"`
	Storage  StorageConfig  `yaml:"storage"`
	Network  NetworkConfig  `yaml:"network"`
	API      APIConfig      `yaml:"api"`
	EventBus EventBusConfig `yaml:"eventbus"`
}

type WorldConfig struct {
	Seed         int64 `yaml:"seed"`
	ViewDistance int   `yaml:"view_distance"` // радиус интереса в чанках
	ChunkRadius  int   `yaml:"chunk_radius"`  // горизонтальная граница мира в чанках
	MinChunkY    int   `yaml:"min_chunk_y"`   // нижняя граница мира в чанках
	MaxChunkY    int   `yaml:"max_chunk_y"`   // верхняя граница мира в чанках
	TickRate     int   `yaml:"tick_rate"`     // тиков симуляции в секунду
	Workers      int   `yaml:"workers"`       // воркеры генерации/загрузки, 0 = NumCPU
}

type CacheConfig struct {
	Capacity int `yaml:"capacity"` // максимум резидентных чанков
}

type StorageConfig struct {
	Path            string `yaml:"path"`             // директория BadgerDB
	AutosaveSeconds int    `yaml:"autosave_seconds"` // интервал автосохранения
	SaveRetries     int    `yaml:"save_retries"`     // попыток записи чанка за цикл
	RedisAddr       string `yaml:"redis_addr"`       // пусто — репозиторий позиций отключен
	MariaDSN        string `yaml:"maria_dsn"`        // пусто — долговременные позиции отключены
	MongoURI        string `yaml:"mongo_uri"`        // пусто — сохранения игроков в памяти
	MongoDatabase   string `yaml:"mongo_database"`
}

type NetworkConfig struct {
	KCPPort    int `yaml:"kcp_port"`
	BufferSize int `yaml:"buffer_size"` // размер буферов каналов сообщений
}

type APIConfig struct {
	RESTPort  int    `yaml:"rest_port"`
	JWTSecret string `yaml:"jwt_secret"` // base64, пусто — случайный ключ
}

type EventBusConfig struct {
	Mode      string `yaml:"mode"` // memory | jetstream
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

// GetSeed возвращает seed мира с поддержкой fallback значений
func (w *WorldConfig) GetSeed() int64 {
	if w.Seed != 0 {
		return w.Seed
	}
	if envVal := os.Getenv("GAME_WORLD_SEED"); envVal != "" {
		if seed, err := strconv.ParseInt(envVal, 10, 64); err == nil {
			return seed
		}
	}
	return 1
}

// GetViewDistance возвращает радиус интереса в чанках
func (w *WorldConfig) GetViewDistance() int {
	return getIntWithEnvFallback(w.ViewDistance, "GAME_VIEW_DISTANCE", 4)
}

// GetTickRate возвращает частоту тиков симуляции
func (w *WorldConfig) GetTickRate() int {
	return getIntWithEnvFallback(w.TickRate, "GAME_TICK_RATE", 20)
}

// GetChunkRadius возвращает горизонтальную границу мира в чанках
func (w *WorldConfig) GetChunkRadius() int {
	return getIntWithEnvFallback(w.ChunkRadius, "GAME_CHUNK_RADIUS", 1<<20)
}

// GetCapacity возвращает вместимость кеша чанков
func (c *CacheConfig) GetCapacity() int {
	return getIntWithEnvFallback(c.Capacity, "GAME_CACHE_CAPACITY", 4096)
}

// GetPath возвращает директорию хранилища мира
func (s *StorageConfig) GetPath() string {
	if s.Path != "" {
		return s.Path
	}
	if envVal := os.Getenv("GAME_WORLD_PATH"); envVal != "" {
		return envVal
	}
	return "world_data"
}

// GetAutosaveSeconds возвращает интервал автосохранения
func (s *StorageConfig) GetAutosaveSeconds() int {
	return getIntWithEnvFallback(s.AutosaveSeconds, "GAME_AUTOSAVE_SECONDS", 300)
}

// GetKCPPort возвращает KCP порт с поддержкой fallback значений
func (n *NetworkConfig) GetKCPPort() int {
	return getPortWithEnvFallback(n.KCPPort, "GAME_KCP_PORT", 7777)
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (a *APIConfig) GetRESTPort() int {
	return getPortWithEnvFallback(a.RESTPort, "GAME_REST_PORT", 8088)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	// Используем дефолтное значение
	return defaultPort
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(configVal int, envVar string, defaultVal int) int {
	if configVal > 0 {
		return configVal
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}

	return defaultVal
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV GAME_CONFIG или возвращает nil, nil.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GAME_CONFIG")
		if path == "" {
			return nil, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
