package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tracker service
type Config struct {
	// Network selects the adapter the pipeline runs with.
	Network           string
	NetworkConfigPath string

	// Storage
	DatabasePath      string
	DatabaseURL       string // Postgres; when set it serves stop times instead of SQLite
	RetentionDuration time.Duration

	// Static data
	DataDir           string
	StaticRefreshDays int
	GTFSStaticURL     string // when set, a stale dataset is rebuilt from this feed at startup
	CacheDir          string

	// Real-time polling
	GTFSVehiclePositionsURL string
	GTFSTripUpdatesURL      string
	PollInterval            time.Duration
	FetchTimeout            time.Duration
	TickInterval            time.Duration

	// Rendering
	InitialZoom float64

	// HTTP
	HTTPAddr       string
	AllowedOrigins []string

	LogLevel slog.Level
}

// Load reads .env (then .env.local, which overrides) and builds the Config
// from the environment.
func Load() *Config {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")
	return FromEnv()
}

// FromEnv reads configuration from environment variables with sensible defaults
func FromEnv() *Config {
	return &Config{
		Network:           getEnv("NETWORK", "rodalies"),
		NetworkConfigPath: getEnv("TRACKER_NETWORK_CONFIG", ""),

		DatabasePath:      getEnv("SQLITE_DATABASE", "data/transit.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RetentionDuration: time.Duration(getEnvInt("RETENTION_HOURS", 24)) * time.Hour,

		DataDir:           getEnv("STATIC_DATA_DIR", "web_public/rodalies_data"),
		StaticRefreshDays: getEnvInt("STATIC_REFRESH_DAYS", 7),
		GTFSStaticURL:     getEnv("GTFS_STATIC_URL", ""),
		CacheDir:          getEnv("CACHE_DIR", "data/cache"),

		GTFSVehiclePositionsURL: getEnv("GTFS_VEHICLE_POSITIONS_URL", "https://gtfsrt.renfe.com/vehicle_positions.pb"),
		GTFSTripUpdatesURL:      getEnv("GTFS_TRIP_UPDATES_URL", "https://gtfsrt.renfe.com/trip_updates.pb"),
		PollInterval:            time.Duration(getEnvInt("POLL_INTERVAL", 30)) * time.Second,
		FetchTimeout:            getEnvDuration("FETCH_TIMEOUT", 15*time.Second),
		TickInterval:            getEnvDuration("TICK_INTERVAL", 100*time.Millisecond),

		InitialZoom: getEnvFloat("MAP_ZOOM", 14),

		HTTPAddr:       ":" + getEnv("PORT", "8081"),
		AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),

		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}
}

// StaticMaxAge is how old the static dataset may get before it is reported stale.
func (c *Config) StaticMaxAge() time.Duration {
	return time.Duration(c.StaticRefreshDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("250ms") or a bare number of milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
