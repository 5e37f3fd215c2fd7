package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/befree-health/scheduling-api/api/swagger"
	"github.com/befree-health/scheduling-api/internal/handler"
	"github.com/befree-health/scheduling-api/internal/middleware"
	"github.com/befree-health/scheduling-api/internal/models"
	"github.com/befree-health/scheduling-api/internal/service"
	"github.com/befree-health/scheduling-api/pkg/config"
	"github.com/befree-health/scheduling-api/pkg/logger"
	corsmiddleware "github.com/befree-health/scheduling-api/pkg/middleware/cors"
	reqidmiddleware "github.com/befree-health/scheduling-api/pkg/middleware/requestid"
)

type routeHandlers struct {
	schedules *handler.ScheduleHandler
	sessions  *handler.SessionHandler
	realtime  *handler.RealtimeHandler
	metrics   *handler.MetricsHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService, tokens middleware.TokenValidator, h routeHandlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Ready)
	r.GET("/metrics", h.metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	patient := middleware.RequireRoles(models.RolePatient)
	doctor := middleware.RequireRoles(models.RolePsychologist)
	participant := middleware.RequireRoles(models.RolePatient, models.RolePsychologist)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(tokens), middleware.WithResponseMeta())

	schedules := api.Group("/schedules")
	schedules.POST("", doctor, h.schedules.Upsert)
	schedules.GET("", participant, h.schedules.Get)
	schedules.GET("/available-times/:doctorId", h.schedules.AvailableTimes)

	sessions := api.Group("/sessions")
	sessions.POST("/:doctorId", patient, h.sessions.Create)
	sessions.GET("/doctor/all", doctor, h.sessions.ListForDoctor)
	sessions.GET("/doctor/upcoming", doctor, h.sessions.Upcoming)
	sessions.GET("/patient/all", patient, h.sessions.ListForPatient)
	sessions.PATCH("/patient/session/:sessionId", patient, h.sessions.Reschedule)
	sessions.GET("/:sessionId", participant, h.sessions.Get)
	sessions.GET("/:sessionId/completed", h.sessions.Completed)
	sessions.PATCH("/:sessionId/cancel", patient, h.sessions.Cancel)
	sessions.PATCH("/:sessionId/complete", participant, h.sessions.Complete)

	if h.realtime != nil {
		api.GET("/ws", h.realtime.Connect)
	}

	return r
}
