// Package api serves the farm over HTTP and WebSocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"androidfarm/farm"
	"androidfarm/logging"
	"androidfarm/service"
	"androidfarm/store"
)

// EventLog serves the persisted tile history.
type EventLog interface {
	Events(ctx context.Context, deviceID string, limit int) ([]store.Event, error)
}

// Deps are the collaborators the routes call into. Events may be nil.
type Deps struct {
	Farm    *farm.Orchestrator
	Devices *service.DeviceManager
	Poller  *service.Poller
	Events  EventLog
	Hub     *WebSocketHub
}

// NewRouter returns a gin engine with every route installed.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	SetupRoutes(router, deps)
	return router
}

func SetupRoutes(router *gin.Engine, d Deps) {
	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", func(c *gin.Context) {
				GetDevices(c, d.Devices)
			})
			devices.POST("/scan", func(c *gin.Context) {
				ScanDevices(c, d.Poller, d.Devices)
			})
		}

		f := api.Group("/farm")
		{
			f.GET("/tiles", func(c *gin.Context) {
				GetTiles(c, d.Farm)
			})
			f.GET("/tiles/:device_id", func(c *gin.Context) {
				GetTile(c, d.Farm)
			})
			f.POST("/tiles/:device_id/connect", func(c *gin.Context) {
				ConnectTile(c, d.Farm)
			})
			f.POST("/tiles/:device_id/disconnect", func(c *gin.Context) {
				DisconnectTile(c, d.Farm)
			})
			f.POST("/connect-selected", func(c *gin.Context) {
				ConnectSelected(c, d.Farm)
			})
			f.GET("/layout", func(c *gin.Context) {
				GetLayout(c, d.Farm)
			})
			f.GET("/stats", func(c *gin.Context) {
				GetStats(c, d.Farm)
			})
			f.POST("/cleanup", func(c *gin.Context) {
				RunCleanup(c, d.Farm)
			})
			f.GET("/events", func(c *gin.Context) {
				GetEvents(c, d.Events)
			})
		}
	}

	if d.Hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			HandleWebSocket(d.Hub, c)
		})
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	log := logging.WithComponent("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// metrics scrapes and health probes would drown everything else
		if c.FullPath() == "/metrics" || c.FullPath() == "/health" {
			return
		}
		log.Debug().
			Str(logging.FieldEvent, "api.request").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request served")
	}
}
