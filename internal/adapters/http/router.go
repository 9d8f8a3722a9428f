package http

import (
	"context"
	"net/http"

	"github.com/dkeye/callmesh/internal/adapters/signal"
	"github.com/dkeye/callmesh/internal/app/orch"
	"github.com/dkeye/callmesh/internal/config"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every browser with a long-lived cookie so relay
// logs can correlate reconnects of the same client.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Server.Secret))
	r.Use(sessions.Sessions("CallmeshSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.Server.StaticPath != "" {
		r.Static("/static", cfg.Server.StaticPath)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": len(o.Rooms.List())})
	})

	var limiter *signal.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = signal.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateInterval)
	}
	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.Server.ReadLimit,
		PingPeriod: cfg.Server.PingPeriod,
		SendBuffer: cfg.Server.SendBuffer,
		Limiter:    limiter,
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.Server.StaticPath).Msg("router setup")

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})
	api.GET("/rooms/:id", func(c *gin.Context) {
		info, snap, ok := o.RoomState(domain.RoomID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"room":         info,
			"participants": snap.Participants,
			"raisedHands":  snap.RaisedHands,
			"sharer":       snap.Sharer,
			"notes":        snap.Notes,
		})
	})
	api.DELETE("/rooms/:id", func(c *gin.Context) {
		if !o.EvictRoom(domain.RoomID(c.Param("id"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}
