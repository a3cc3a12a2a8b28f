package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpickup/backend/internal/config"
	"mailpickup/backend/internal/health"
	"mailpickup/backend/internal/middleware"
	"mailpickup/backend/internal/monitoring"
	"mailpickup/backend/internal/notify"
	"mailpickup/backend/internal/service"
	"mailpickup/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	pickup   *service.PickupService
	notifier *notify.Notifier
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	PickupService *service.PickupService
	Notifier      *notify.Notifier
	WebSocketHub  *websocket.Hub
	Metrics       *monitoring.Metrics
	Health        *health.HealthChecker
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(1 << 20)) // 1MB

	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	rateLimit := middleware.NewRateLimiter(deps.Config.API.RateLimitRPS, deps.Config.API.RateLimitBurst)
	apiKeyAuth := middleware.NewAPIKeyAuth(deps.Config.API.KeyHash)

	handler := &Handler{
		pickup:   deps.PickupService,
		notifier: deps.Notifier,
	}

	// 监控与健康检查
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(monitoring.Handler()))
	}
	if deps.Health != nil {
		healthHandler := gin.WrapH(deps.Health.Handler())
		router.GET("/live", healthHandler)
		router.GET("/ready", healthHandler)
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":     "ok",
			"goroutines": health.GoroutineCount(),
		})
	})

	// WebSocket 推送
	if deps.WebSocketHub != nil {
		router.GET("/v1/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	// V1 API
	v1 := router.Group("/v1")
	v1.Use(rateLimit.Limit())
	{
		// ========== Mailbox Routes ==========
		mailboxRoutes := v1.Group("/mailboxes")
		{
			mailboxRoutes.POST("", handler.registerMailbox)
			mailboxRoutes.GET("", handler.listMailboxes)
			mailboxRoutes.GET("/:id", handler.getMailbox)
			mailboxRoutes.DELETE("/:id", handler.deleteMailbox)
			mailboxRoutes.PATCH("/:id/config", handler.updateMailboxConfig)
			mailboxRoutes.POST("/:id/select", handler.selectMailbox)

			// 监听控制
			mailboxRoutes.POST("/:id/listen", handler.startListening)
			mailboxRoutes.DELETE("/:id/listen", handler.stopListening)

			// 邮件历史与提取结果
			mailboxRoutes.GET("/:id/messages", handler.listMessages)
		}

		// ========== Account Routes（管理面，API Key 保护） ==========
		accountRoutes := v1.Group("/accounts")
		accountRoutes.Use(apiKeyAuth.RequireAPIKey())
		{
			accountRoutes.POST("", handler.registerAccount)
			accountRoutes.POST("/:id/sync-config", handler.supplySyncConfig)
		}

		// ========== Webhook Routes（管理面，API Key 保护） ==========
		if deps.Notifier != nil {
			webhookRoutes := v1.Group("/webhooks")
			webhookRoutes.Use(apiKeyAuth.RequireAPIKey())
			{
				webhookRoutes.POST("", handler.createWebhook)
				webhookRoutes.GET("", handler.listWebhooks)
				webhookRoutes.DELETE("/:id", handler.deleteWebhook)
				webhookRoutes.GET("/deliveries", handler.listWebhookDeliveries)
			}
		}
	}

	return router
}
