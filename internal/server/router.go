package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"whatsbox-server/internal/auth"
	"whatsbox-server/internal/bus"
	"whatsbox-server/internal/deliverylog"
	"whatsbox-server/internal/handler"
	"whatsbox-server/internal/middleware"
	"whatsbox-server/internal/phonestore"
	"whatsbox-server/internal/registry"
	"whatsbox-server/internal/socketio"

	"github.com/rs/zerolog"
)

type Deps struct {
	Log          zerolog.Logger
	Store        phonestore.Store
	Registry     *registry.Registry
	Bus          *bus.Bus
	Deliveries   *deliverylog.Log
	TokenConfig  auth.TokenConfig
	MasterSecret string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	authHandler := &handler.AuthHandler{MasterSecret: deps.MasterSecret, TokenConfig: deps.TokenConfig}
	r.POST("/v1/auth", authHandler.Auth)

	versionHandler := &handler.VersionHandler{}
	r.GET("/v1/version", versionHandler.Check)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	phoneHandler := &handler.PhoneHandler{
		Store:      deps.Store,
		Registry:   deps.Registry,
		Deliveries: deps.Deliveries,
	}
	connectLimiter := middleware.NewRateLimiter(10, time.Minute)
	protected.GET("/phones", phoneHandler.List)
	protected.POST("/phones", middleware.RateLimitMiddleware(connectLimiter), phoneHandler.Connect)
	protected.GET("/phones/:id", phoneHandler.Get)
	protected.DELETE("/phones/:id", phoneHandler.Delete)

	messageHandler := &handler.MessageHandler{Deliveries: deps.Deliveries}
	protected.GET("/phones/:id/messages", messageHandler.List)

	sio := socketio.NewServer(socketio.Deps{
		Log:         deps.Log,
		Registry:    deps.Registry,
		Bus:         deps.Bus,
		TokenConfig: deps.TokenConfig,
	})
	r.GET("/v1/updates/", gin.WrapH(sio))

	return r
}
