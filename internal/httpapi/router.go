package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/mediation/internal/common"
	"github.com/suPer8Hu/mediation/internal/httpapi/handlers"
	"github.com/suPer8Hu/mediation/internal/httpapi/middleware"
)

// Metrics is where the router registers and serves its metrics. Zero value
// uses the prometheus default registry.
type Metrics struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func NewRouter(h *handlers.Handler, m Metrics, log zerolog.Logger) *gin.Engine {
	if m.Registerer == nil {
		m.Registerer = prometheus.DefaultRegisterer
	}
	if m.Gatherer == nil {
		m.Gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.NewMetrics(m.Registerer).Handler())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	if origins := h.Cfg.CORSOrigins; len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  origins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Authorization", "Content-Type", "Accept", middleware.RequestIDHeader},
			ExposeHeaders: []string{middleware.RequestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeValidation, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Gatherer, promhttp.HandlerOpts{})))

	// auth
	r.POST("/auth/login", h.Login)
	r.POST("/auth/refresh", h.Refresh)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))

	authGroup.POST("/sessions", h.CreateSession)
	authGroup.GET("/sessions/:id", h.SessionDetail)
	authGroup.GET("/sessions/:id/progress", h.Progress)
	authGroup.GET("/sessions/:id/timeline", h.Timeline)
	authGroup.POST("/sessions/:id/messages", h.SendMessage)
	authGroup.POST("/sessions/:id/messages/stream", h.StreamMessage)
	authGroup.POST("/sessions/:id/emotions", h.RecordEmotion)

	authGroup.POST("/realtime/token", h.RealtimeToken)
	authGroup.POST("/notifications/push-token", h.RegisterPushToken)
	return r
}
