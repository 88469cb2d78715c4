package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/plantrack/internal/api/handlers"
	"github.com/your-org/plantrack/internal/api/ws"
	"github.com/your-org/plantrack/internal/auth"
	"github.com/your-org/plantrack/internal/queue"
	"github.com/your-org/plantrack/internal/storage"
	"github.com/your-org/plantrack/internal/vision"
)

type RouterConfig struct {
	APIKey   string
	DB       *storage.PostgresStore
	MinIO    *storage.MinIOStore
	Producer *queue.Producer
	Hub      *ws.Hub
	Registry *handlers.Registry
	Params   vision.Params
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Catalogs & targets
	catalogH := handlers.NewCatalogHandler(cfg.DB, cfg.MinIO, cfg.Registry)
	v1.POST("/catalogs", catalogH.Create)
	v1.GET("/catalogs", catalogH.List)
	v1.GET("/catalogs/:id", catalogH.Get)
	v1.DELETE("/catalogs/:id", catalogH.Delete)

	targetH := handlers.NewTargetHandler(cfg.DB, cfg.MinIO, cfg.Registry, cfg.Params)
	v1.POST("/catalogs/:id/targets", targetH.Create)
	v1.GET("/catalogs/:id/targets", targetH.List)
	v1.POST("/catalogs/:id/targets/search", targetH.Search)
	v1.GET("/catalogs/:id/targets/:targetId", targetH.Get)
	v1.DELETE("/catalogs/:id/targets/:targetId", targetH.Delete)

	// Tracking sessions
	sessionH := handlers.NewSessionHandler(cfg.DB, cfg.MinIO, cfg.Producer, cfg.Registry, cfg.Hub, cfg.Params)
	v1.POST("/sessions", sessionH.Create)
	v1.GET("/sessions", sessionH.List)
	v1.GET("/sessions/:id", sessionH.Get)
	v1.POST("/sessions/:id/stop", sessionH.Stop)
	v1.DELETE("/sessions/:id", sessionH.Delete)
	v1.POST("/sessions/:id/frames", sessionH.IngestFrame)
	v1.POST("/sessions/:id/frames/async", sessionH.IngestFrameAsync)
	v1.GET("/sessions/:id/events", sessionH.ListEvents)
	v1.GET("/sessions/:id/events/:eventId", sessionH.GetEvent)

	return r
}
