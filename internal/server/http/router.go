package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/internal/logging"
	"relay/internal/server/app"
)

// RouterConfig holds configuration for the HTTP surface.
type RouterConfig struct {
	Environment    string
	AllowedOrigins []string
	MaxBodyBytes   int64
	RateLimit      RateLimitConfig
	SSE            SSEConfig
}

// NewRouter creates the gin engine with all relay endpoints.
func NewRouter(coordinator *app.Coordinator, cfg RouterConfig) *gin.Engine {
	production := cfg.Environment == "production"
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := logging.NewComponentLogger("Router")

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogMiddleware(logger))
	engine.Use(RateLimitMiddleware(cfg.RateLimit))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.MaxAge = 12 * time.Hour
	engine.Use(cors.New(corsConfig))

	if cfg.MaxBodyBytes > 0 {
		engine.Use(func(c *gin.Context) {
			c.Request.Body = newLimitedBody(c, cfg.MaxBodyBytes)
			c.Next()
		})
	}

	apiHandler := NewAPIHandler(coordinator, production)
	sseHandler := NewSSEHandler(coordinator, cfg.SSE)

	api := engine.Group("/api")
	{
		api.POST("/tasks", apiHandler.HandleCreateTask)
		api.GET("/tasks/pull", apiHandler.HandlePullTasks)
		api.GET("/tasks/:id", apiHandler.HandleGetTask)
		api.POST("/tasks/:id/result", apiHandler.HandleSubmitResult)
		api.POST("/results", apiHandler.HandleSubmitResult)
		api.POST("/tasks/:id/log", apiHandler.HandleAppendLog)
		api.GET("/tasks/:id/watch", sseHandler.HandleWatch)
		api.GET("/tasks/:id/artifact", apiHandler.HandleFetchArtifact)
		api.GET("/tasks/:id/package.zip", apiHandler.HandlePackage)
		api.POST("/tasks/:id/share", apiHandler.HandleCreateShare)
		api.GET("/shared/:token", apiHandler.HandleResolveShare)

		api.GET("/artifacts", apiHandler.HandleListArtifacts)
		api.POST("/artifacts/bulk.zip", apiHandler.HandleBulkPackage)
		api.POST("/artifacts/compare", apiHandler.HandleCompare)
		api.GET("/artifacts/compare.html", apiHandler.HandleCompareHTML)
		api.GET("/artifacts/compare.zip", apiHandler.HandleCompareZip)

		api.GET("/health", apiHandler.HandleHealth)
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}
