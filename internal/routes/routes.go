// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"bricklet-service/internal/config"
	"bricklet-service/internal/database"
	"bricklet-service/internal/handler"
	"bricklet-service/internal/metrics"
	"bricklet-service/internal/middleware"
	"bricklet-service/internal/service"
	"bricklet-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config           *config.Config
	logger           *zap.Logger
	db               *database.DB
	registry         *prometheus.Registry
	deviceService    *service.DeviceService
	discoveryService *service.DiscoveryService
	journal          *service.Journal
	wsHandler        *handler.WebSocketHandler
}

// NewRouter creates a new router instance. db, registry and journal are optional.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	db *database.DB,
	registry *prometheus.Registry,
	deviceService *service.DeviceService,
	discoveryService *service.DiscoveryService,
	journal *service.Journal,
	wsHandler *handler.WebSocketHandler,
) *Router {
	return &Router{
		config:           config,
		logger:           utils.OrNop(logger),
		db:               db,
		registry:         registry,
		deviceService:    deviceService,
		discoveryService: discoveryService,
		journal:          journal,
		wsHandler:        wsHandler,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Debug("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	handler.NewHealthHandler(r.deviceService, r.db, r.config, r.logger).RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	handler.NewDeviceHandler(r.deviceService, r.journal, r.logger).RegisterRoutes(apiV1)
	handler.NewDiscoveryHandler(r.discoveryService, r.logger).RegisterRoutes(apiV1)

	if r.wsHandler != nil {
		r.wsHandler.RegisterRoutes(router.Group("/ws"))
	}

	if r.config.Metrics.Enabled && r.registry != nil {
		router.GET(r.config.Metrics.Path, gin.WrapH(metrics.Handler(r.registry)))
	}

	r.addDocumentationRoutes(router)

	r.logger.Info("All routes configured successfully")
}

// addDocumentationRoutes sets up documentation routes
func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
