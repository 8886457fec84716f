package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/app"
	iauth "github.com/dcastella/matcha/internal/auth"
	"github.com/dcastella/matcha/internal/handlers"
	"github.com/dcastella/matcha/internal/middleware"
	"github.com/dcastella/matcha/internal/notifications"
	"github.com/dcastella/matcha/internal/presence"
	"github.com/dcastella/matcha/internal/services"
)

// Deps bundles the shared components the router mounts. Everything is wired
// in the server entry point so transports and REST share one pipeline.
type Deps struct {
	DB            *gorm.DB
	JWT           *iauth.JWTService
	Config        *app.Config
	Chat          *services.ChatService
	Notifications *services.NotificationService
	ChatGateway   *handlers.ChatGateway
	Hub           *notifications.Hub
	Registry      *presence.Registry
	LastSeen      presence.LastSeenStore
	RateStore     middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Chat == nil || deps.Notifications == nil {
		return nil, fmt.Errorf("chat and notification services must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	// Basic rate limiting: 300 requests/minute per IP+path
	r.Use(middleware.RateLimit(deps.RateStore, 300, time.Minute))

	// Health endpoint (public)
	if deps.Config.Monitoring.Health.Enabled {
		r.GET("/api/health", handlers.Health(deps.DB))
	}

	requireAuth := middleware.Auth(deps.JWT)

	api := r.Group("/api")
	api.Use(requireAuth)

	// Matches
	matchHandler, err := handlers.NewMatchHandler(deps.DB, deps.Notifications)
	if err != nil {
		return nil, err
	}
	matches := api.Group("/matches")
	{
		matches.POST("/act", matchHandler.Act)
		matches.GET("", matchHandler.List)
		matches.GET("/potentials", matchHandler.Potentials)
		matches.GET("/likes", matchHandler.Likes)
		matches.POST("/:id/read", matchHandler.MarkRead)
	}

	// Conversations
	conversationHandler, err := handlers.NewConversationHandler(deps.Chat)
	if err != nil {
		return nil, err
	}
	conversations := api.Group("/conversations")
	{
		conversations.POST("", conversationHandler.Create)
		conversations.GET("", conversationHandler.List)
		conversations.GET("/:id", conversationHandler.Get)
		conversations.DELETE("/:id", conversationHandler.Delete)
		conversations.GET("/:id/messages", conversationHandler.Messages)
		conversations.POST("/:id/messages", conversationHandler.Send)
		conversations.POST("/:id/read", conversationHandler.MarkRead)
	}

	// Notifications
	notificationHandler, err := handlers.NewNotificationHandler(deps.Notifications, deps.Hub)
	if err != nil {
		return nil, err
	}
	notificationRoutes := api.Group("/notifications")
	{
		notificationRoutes.GET("", notificationHandler.List)
		notificationRoutes.GET("/unread_count", notificationHandler.UnreadCount)
		notificationRoutes.POST("/:id/read", notificationHandler.MarkRead)
		notificationRoutes.POST("/:id/archive", notificationHandler.Archive)
		notificationRoutes.POST("/read_all", notificationHandler.MarkAllRead)
		notificationRoutes.GET("/stream", notificationHandler.Stream)
	}

	// Notification preferences
	preferenceHandler, err := handlers.NewPreferenceHandler(deps.DB)
	if err != nil {
		return nil, err
	}
	preferences := api.Group("/notification_preferences")
	{
		preferences.GET("", preferenceHandler.List)
		preferences.PATCH("/:type", preferenceHandler.Update)
		preferences.POST("/reset", preferenceHandler.Reset)
	}

	// Presence
	presenceHandler := handlers.NewPresenceHandler(deps.Registry, deps.LastSeen)
	api.GET("/presence/:id", presenceHandler.Get)

	// Chat websocket entry point; authenticates via token query parameter
	// inside the gateway, so it mounts outside the auth group.
	if deps.ChatGateway != nil {
		r.GET("/ws/chat", deps.ChatGateway.Stream)
	}

	// Metrics endpoint
	if deps.Config.Monitoring.Prometheus.Enabled {
		endpoint := deps.Config.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
