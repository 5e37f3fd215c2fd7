package main

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/internal/handler"
	"github.com/befree-health/scheduling-api/internal/realtime"
	"github.com/befree-health/scheduling-api/internal/repository"
	"github.com/befree-health/scheduling-api/internal/service"
	"github.com/befree-health/scheduling-api/pkg/cache"
	"github.com/befree-health/scheduling-api/pkg/config"
	"github.com/befree-health/scheduling-api/pkg/database"
	corsmiddleware "github.com/befree-health/scheduling-api/pkg/middleware/cors"
)

// app owns every long-lived dependency of the process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *sqlx.DB
	redis *redis.Client
	mongo *mongo.Client

	metrics      *service.MetricsService
	tokens       *service.TokenService
	availability *service.AvailabilityService
	chatRooms    *service.ChatRoomService
	booking      *service.BookingService
	reconciler   *service.ReconciliationService
	hub          *realtime.Hub
	realtime     *realtime.Server
}

func bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: service.NewMetricsService()}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.db = db

	var cacheRepo service.CacheRepository
	if cfg.Availability.CacheEnabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, available-times cache disabled", zap.Error(err))
		} else {
			a.redis = client
			cacheRepo = repository.NewCacheRepository(client)
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, a.metrics, cfg.Availability.CacheTTL, logger, cfg.Availability.CacheEnabled)

	validate := validator.New()

	switch cfg.Availability.Store {
	case config.StoreMongo:
		client, err := database.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			a.close()
			return nil, err
		}
		a.mongo = client
		schedules := repository.NewScheduleMongoRepository(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.ScheduleCollection))
		if err := schedules.EnsureIndexes(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("ensure schedule indexes: %w", err)
		}
		a.availability = service.NewAvailabilityService(schedules, cacheSvc, cfg.Availability.CacheTTL, validate, logger)
	default:
		a.availability = service.NewAvailabilityService(repository.NewScheduleRepository(db), cacheSvc, cfg.Availability.CacheTTL, validate, logger)
	}
	logger.Info("availability store selected", zap.String("store", cfg.Availability.Store))

	sessions := repository.NewSessionRepository(db)
	a.chatRooms = service.NewChatRoomService(repository.NewChatRoomRepository(db), nil, logger)
	a.reconciler = service.NewReconciliationService(a.availability, a.chatRooms, sessions, a.metrics, logger, service.ReconciliationConfig{
		Cron:       cfg.Reconciliation.Cron,
		Workers:    cfg.Reconciliation.Workers,
		MaxRetries: cfg.Reconciliation.MaxRetries,
		RetryDelay: cfg.Reconciliation.RetryDelay,
		BatchSize:  cfg.Reconciliation.BatchSize,
	})
	a.booking = service.NewBookingService(sessions, a.availability, a.chatRooms, a.reconciler, a.metrics, validate, logger)
	a.tokens = service.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer)

	if cfg.Realtime.Enabled {
		a.hub = realtime.NewHub(sessions, a.metrics, logger)
		a.chatRooms.SetNotifier(a.hub)
		origins := cfg.Realtime.AllowedOrigins
		if len(origins) == 0 {
			origins = cfg.CORS.AllowedOrigins
		}
		a.realtime = realtime.NewServer(a.hub, corsmiddleware.NewPolicy(origins).CheckOrigin, cfg.Realtime.WriteTimeout, logger)
	}

	return a, nil
}

func (a *app) handlers() routeHandlers {
	h := routeHandlers{
		schedules: handler.NewScheduleHandler(a.availability),
		sessions:  handler.NewSessionHandler(a.booking),
		metrics:   handler.NewMetricsHandler(a.metrics, a.readinessChecks()),
	}
	if a.realtime != nil {
		h.realtime = handler.NewRealtimeHandler(a.realtime)
	}
	return h
}

func (a *app) readinessChecks() map[string]handler.ReadinessCheck {
	checks := map[string]handler.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return a.db.PingContext(ctx) },
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.mongo != nil {
		checks["mongo"] = func(ctx context.Context) error { return a.mongo.Ping(ctx, readpref.Primary()) }
	}
	return checks
}

func (a *app) close() {
	if a.mongo != nil {
		if err := a.mongo.Disconnect(context.Background()); err != nil {
			a.logger.Warn("mongo disconnect failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
