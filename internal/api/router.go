package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/shopchat/livechat/internal/app"
	"github.com/shopchat/livechat/internal/auth"
	"github.com/shopchat/livechat/internal/chat"
	"github.com/shopchat/livechat/internal/handlers"
	"github.com/shopchat/livechat/internal/middleware"
	"github.com/shopchat/livechat/internal/services"
)

// Deps bundles the shared components the HTTP layer needs. Handlers receive
// what they use through here instead of reaching for package globals.
type Deps struct {
	Config      *app.Config
	DB          *gorm.DB
	Broker      *chat.Broker
	Transcripts *services.TranscriptService
	JWT         *auth.JWTService
}

// NewRouter wires middleware and routes into a gin engine.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(deps.Config.Server.AllowedOrigins))

	r.GET("/health", handlers.Health(deps.DB))

	if deps.Config.Monitoring.Prometheus.Enabled {
		endpoint := deps.Config.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	wsHandler := handlers.NewChatWSHandler(
		deps.Broker,
		deps.JWT,
		deps.Config.Chat.SendBuffer,
		deps.Config.Server.AllowedOrigins,
	)
	r.GET("/ws/chat", wsHandler.Serve)

	sessionHandler := handlers.NewChatSessionHandler(deps.Broker, deps.Transcripts, deps.Config.Chat.HistoryLimit)
	chatAPI := r.Group("/api/chat")
	{
		chatAPI.GET("/sessions", sessionHandler.ListSessions)
		chatAPI.GET("/sessions/:id", sessionHandler.GetSession)
		chatAPI.GET("/sessions/:id/messages", sessionHandler.ListMessages)
	}

	return r
}
