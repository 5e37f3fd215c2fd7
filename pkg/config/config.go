package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Schedule store backends.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database       DatabaseConfig
	Redis          RedisConfig
	Mongo          MongoConfig
	JWT            JWTConfig
	CORS           CORSConfig
	Log            LogConfig
	Availability   AvailabilityConfig
	Reconciliation ReconciliationConfig
	Realtime       RealtimeConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// MongoConfig points at the document store used when SCHEDULE_STORE=mongo.
type MongoConfig struct {
	URI                string
	Database           string
	ScheduleCollection string
	ConnectTimeout     time.Duration
}

// JWTConfig holds the verification settings for tokens minted by the auth service.
type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AvailabilityConfig selects the schedule backend and tunes the available-times cache.
type AvailabilityConfig struct {
	Store        string
	CacheEnabled bool
	CacheTTL     time.Duration
}

// ReconciliationConfig drives compensation retries and the periodic consistency sweep.
type ReconciliationConfig struct {
	Enabled    bool
	Cron       string
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
	BatchSize  int
}

// RealtimeConfig gates the websocket endpoint.
type RealtimeConfig struct {
	Enabled        bool
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Mongo = MongoConfig{
		URI:                v.GetString("MONGO_URI"),
		Database:           v.GetString("MONGO_DATABASE"),
		ScheduleCollection: v.GetString("MONGO_SCHEDULE_COLLECTION"),
		ConnectTimeout:     parseDuration(v.GetString("MONGO_CONNECT_TIMEOUT"), 10*time.Second),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	store := strings.ToLower(strings.TrimSpace(v.GetString("SCHEDULE_STORE")))
	if store != StoreMongo {
		store = StorePostgres
	}
	cfg.Availability = AvailabilityConfig{
		Store:        store,
		CacheEnabled: v.GetBool("AVAILABILITY_CACHE_ENABLED"),
		CacheTTL:     parseDuration(v.GetString("AVAILABILITY_CACHE_TTL"), 30*time.Second),
	}

	cfg.Reconciliation = ReconciliationConfig{
		Enabled:    v.GetBool("ENABLE_RECONCILIATION"),
		Cron:       v.GetString("RECONCILE_CRON"),
		Workers:    v.GetInt("RECONCILE_WORKERS"),
		MaxRetries: v.GetInt("RECONCILE_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("RECONCILE_RETRY_DELAY"), 2*time.Second),
		BatchSize:  v.GetInt("RECONCILE_BATCH_SIZE"),
	}

	cfg.Realtime = RealtimeConfig{
		Enabled:        v.GetBool("ENABLE_REALTIME"),
		WriteTimeout:   parseDuration(v.GetString("REALTIME_WRITE_TIMEOUT"), 5*time.Second),
		AllowedOrigins: splitAndTrim(v.GetString("REALTIME_ALLOWED_ORIGINS")),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "befree_scheduling")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "befree")
	v.SetDefault("MONGO_SCHEDULE_COLLECTION", "schedules")
	v.SetDefault("MONGO_CONNECT_TIMEOUT", "10s")

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SCHEDULE_STORE", StorePostgres)
	v.SetDefault("AVAILABILITY_CACHE_ENABLED", true)
	v.SetDefault("AVAILABILITY_CACHE_TTL", "30s")

	v.SetDefault("ENABLE_RECONCILIATION", true)
	v.SetDefault("RECONCILE_CRON", "@every 5m")
	v.SetDefault("RECONCILE_WORKERS", 2)
	v.SetDefault("RECONCILE_MAX_RETRIES", 5)
	v.SetDefault("RECONCILE_RETRY_DELAY", "2s")
	v.SetDefault("RECONCILE_BATCH_SIZE", 200)

	v.SetDefault("ENABLE_REALTIME", true)
	v.SetDefault("REALTIME_WRITE_TIMEOUT", "5s")
	v.SetDefault("REALTIME_ALLOWED_ORIGINS", "")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
