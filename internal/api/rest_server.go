package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/codingwatching/fmc/internal/auth"
	"github.com/codingwatching/fmc/internal/middleware"
	"github.com/codingwatching/fmc/internal/vec"
	"github.com/codingwatching/fmc/internal/world"
	"github.com/codingwatching/fmc/internal/world/entity"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer представляет REST API сервер
type RestServer struct {
	router        *gin.Engine
	userRepo      auth.UserRepository
	engine        *world.Engine
	entityManager *entity.Manager
	port          string
	metrics       *ServerMetrics
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port          string              // порт для запуска сервера
	UserRepo      auth.UserRepository // репозиторий пользователей
	Engine        *world.Engine       // движок мира
	EntityManager *entity.Manager     // менеджер сущностей
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	loggerMw := middleware.NewRequestLogger()
	router.Use(loggerMw.Handler())

	router.Use(otelgin.Middleware("fmc_api"))

	promMw := middleware.NewPrometheusMiddleware("fmc_api")
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	server := &RestServer{
		router:        router,
		userRepo:      config.UserRepo,
		engine:        config.Engine,
		entityManager: config.EntityManager,
		port:          config.Port,
		metrics:       NewServerMetrics(),
	}

	server.setupRoutes()

	return server
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	// Middleware для CORS
	rs.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := rs.router.Group("/api")

	// Эндпоинт для аутентификации (без JWT защиты)
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", rs.handleLogin)
	}

	// Защищенные эндпоинты (требуют JWT)
	protected := api.Group("/")
	protected.Use(rs.jwtMiddleware())
	{
		protected.GET("/stats", rs.handleStats)
		protected.GET("/server", rs.handleServerInfo)
		protected.GET("/world", rs.handleWorldStats)
		protected.GET("/world/chunk/:x/:y/:z", rs.handleChunkInspect)

		// Административные эндпоинты (только для админов)
		admin := protected.Group("/admin")
		admin.Use(rs.adminMiddleware())
		{
			admin.POST("/register", rs.handleAdminRegister)
			admin.POST("/flush", rs.handleFlush)
		}
	}

	// Health check
	rs.router.GET("/health", rs.handleHealth)
}

// LoginRequest представляет запрос на вход
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse представляет ответ на вход
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
	UserID  uint64 `json:"user_id,omitempty"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

// RegisterRequest представляет запрос на регистрацию
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	IsAdmin  bool   `json:"is_admin"`
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// handleLogin обрабатывает запрос на вход
func (rs *RestServer) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Неверный формат запроса",
		})
		return
	}

	user, err := rs.userRepo.ValidateCredentials(req.Username, req.Password)
	if err == auth.ErrInvalidCredentials {
		c.JSON(http.StatusUnauthorized, LoginResponse{
			Success: false,
			Message: "Неверное имя пользователя или пароль",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{
			Success: false,
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	token, err := auth.GenerateJWT(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{
			Success: false,
			Message: "Ошибка генерации токена",
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Success: true,
		Token:   token,
		Message: "Успешная авторизация",
		UserID:  user.ID,
		IsAdmin: user.IsAdmin,
	})
}

// handleAdminRegister обрабатывает регистрацию нового пользователя (только для админов)
func (rs *RestServer) handleAdminRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса",
		})
		return
	}

	if len(req.Username) < 3 || len(req.Username) > 30 {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Имя пользователя должно быть от 3 до 30 символов",
		})
		return
	}

	if err := auth.ValidatePassword(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: fmt.Sprintf("Недопустимый пароль: %v", err),
		})
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{
			Success: false,
			Message: "Ошибка обработки пароля",
		})
		return
	}

	user, err := rs.userRepo.CreateUser(req.Username, passwordHash, req.IsAdmin)
	if err == auth.ErrUserExists {
		c.JSON(http.StatusConflict, GenericResponse{
			Success: false,
			Message: "Пользователь уже существует",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{
			Success: false,
			Message: "Ошибка создания пользователя",
		})
		return
	}

	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Пользователь успешно создан",
		Data: map[string]interface{}{
			"user_id":  user.ID,
			"username": user.Username,
			"is_admin": user.IsAdmin,
		},
	})
}

// handleStats возвращает агрегированную статистику сервера
func (rs *RestServer) handleStats(c *gin.Context) {
	stats := make(map[string]interface{})

	if rs.engine != nil {
		manager := rs.engine.Manager()
		stats["world"] = map[string]interface{}{
			"tick":            rs.engine.Tick(),
			"resident_chunks": manager.ResidentChunks(),
			"dirty_chunks":    len(manager.DirtyChunks()),
		}
	}

	if rs.entityManager != nil {
		stats["entities"] = map[string]interface{}{
			"count": rs.entityManager.Count(),
		}
	}

	memoryMB, _ := rs.metrics.GetMemoryUsage()
	cpuPercent, _ := rs.metrics.GetCPUUsage()
	systemCPU, _ := rs.metrics.GetSystemCPUUsage()

	stats["server"] = map[string]interface{}{
		"uptime":      rs.metrics.GetUptime(),
		"memory_mb":   fmt.Sprintf("%.2f", memoryMB),
		"cpu_percent": fmt.Sprintf("%.2f", cpuPercent),
		"system_cpu":  fmt.Sprintf("%.2f", systemCPU),
		"server_time": time.Now().Unix(),
	}

	stats["memory_details"] = rs.metrics.GetDetailedMemoryStats()

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data:    stats,
	})
}

// handleServerInfo возвращает информацию о сервере
func (rs *RestServer) handleServerInfo(c *gin.Context) {
	memoryMB, _ := rs.metrics.GetMemoryUsage()
	cpuPercent, _ := rs.metrics.GetCPUUsage()

	info := map[string]interface{}{
		"version":     "v0.1.0",
		"name":        "FMC World Server",
		"status":      "running",
		"uptime":      rs.metrics.GetUptime(),
		"memory_mb":   fmt.Sprintf("%.1f", memoryMB),
		"cpu_percent": fmt.Sprintf("%.1f", cpuPercent),
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Информация о сервере",
		Data:    info,
	})
}

// handleWorldStats возвращает статистику мира
func (rs *RestServer) handleWorldStats(c *gin.Context) {
	if rs.engine == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: "Движок мира не запущен",
		})
		return
	}

	manager := rs.engine.Manager()
	bounds := manager.Bounds()

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика мира",
		Data: map[string]interface{}{
			"tick":            rs.engine.Tick(),
			"resident_chunks": manager.ResidentChunks(),
			"dirty_chunks":    len(manager.DirtyChunks()),
			"bounds": map[string]interface{}{
				"chunk_radius": bounds.ChunkRadius,
				"min_chunk_y":  bounds.MinChunkY,
				"max_chunk_y":  bounds.MaxChunkY,
			},
		},
	})
}

// handleChunkInspect возвращает состояние одного чанка: версию, флаг
// грязности и число подписчиков. Чанк не загружается с диска — если его нет
// в кеше, возвращается 404.
func (rs *RestServer) handleChunkInspect(c *gin.Context) {
	if rs.engine == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: "Движок мира не запущен",
		})
		return
	}

	coords, err := parseChunkCoords(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверные координаты чанка",
		})
		return
	}

	manager := rs.engine.Manager()
	chunk, ok := manager.PeekChunk(coords)
	if !ok {
		c.JSON(http.StatusNotFound, GenericResponse{
			Success: false,
			Message: "Чанк не загружен",
		})
		return
	}

	uniformID, uniform := chunk.IsUniform()
	data := map[string]interface{}{
		"coords":    coords,
		"version":   chunk.Version(),
		"dirty":     chunk.Dirty(),
		"uniform":   uniform,
		"pin_count": manager.PinCount(coords),
		"entities":  len(chunk.EntityIDs()),
	}
	if uniform {
		data["uniform_id"] = uniformID
	}

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Состояние чанка",
		Data:    data,
	})
}

// handleFlush принудительно сохраняет все грязные чанки
func (rs *RestServer) handleFlush(c *gin.Context) {
	if rs.engine == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: "Движок мира не запущен",
		})
		return
	}

	saved, failed := rs.engine.Flush()
	c.JSON(http.StatusOK, GenericResponse{
		Success: failed == 0,
		Message: "Сохранение завершено",
		Data: map[string]interface{}{
			"saved":  saved,
			"failed": failed,
		},
	})
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

func parseChunkCoords(c *gin.Context) (vec.Vec3, error) {
	x, err := strconv.Atoi(c.Param("x"))
	if err != nil {
		return vec.Vec3{}, err
	}
	y, err := strconv.Atoi(c.Param("y"))
	if err != nil {
		return vec.Vec3{}, err
	}
	z, err := strconv.Atoi(c.Param("z"))
	if err != nil {
		return vec.Vec3{}, err
	}
	return vec.Vec3{X: x, Y: y, Z: z}, nil
}

// Start запускает REST сервер
func (rs *RestServer) Start() error {
	return rs.router.Run(rs.port)
}
