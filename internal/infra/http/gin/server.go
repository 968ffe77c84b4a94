package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"estatechat/internal/infra/config"
	"estatechat/internal/infra/obs"
)

type Handlers struct {
	Chat     ChatHTTP
	Realtime RealtimeHTTP
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(cfg, obsMW, health, h),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter builds the gin engine without binding it to a listener.
func NewRouter(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(IdentityMiddleware())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	api := router.Group("/api/v1")
	if h.Chat != nil {
		conversations := api.Group("/conversations")
		conversations.GET("", h.Chat.ListConversations)
		conversations.POST("", h.Chat.CreateConversation)
		conversations.GET("/:id", h.Chat.GetConversation)
		conversations.POST("/:id/archive", h.Chat.Archive)
		conversations.POST("/:id/unarchive", h.Chat.Unarchive)
		conversations.GET("/:id/messages", h.Chat.ListMessages)
		conversations.POST("/:id/messages", h.Chat.SendMessage)
		conversations.POST("/:id/system-messages", h.Chat.SendSystemMessage)
		conversations.POST("/:id/read", h.Chat.MarkRead)
		conversations.POST("/:id/attachments", h.Chat.UploadAttachment)

		api.POST("/properties/:id/conversations", h.Chat.CreatePropertyConversation)

		me := api.Group("/me")
		me.GET("/unread", h.Chat.UnreadCount)
		me.POST("/unread/reset", h.Chat.ResetUnread)
	}
	if h.Realtime != nil {
		api.GET("/ws", h.Realtime.Chat)
		api.GET("/me/unread/stream", h.Realtime.UnreadStream)
	}
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", IdempotencyHeader, UserIDHeader, RolesHeader},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			obs.RequestIDHeader,
		},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug", "dev", "local":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
