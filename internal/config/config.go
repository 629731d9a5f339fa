package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Storage: "postgres" or "memory"
	StoreDriver   string
	DatabaseURL   string
	MigrationsDir string

	// Redis. Empty runs broadcast and jobs in-process.
	RedisURL string

	// JWT
	JWTSecret string

	// Frontend
	FrontendURL string

	// Presence
	HeartbeatInterval     time.Duration
	PresenceStaleAfter    time.Duration
	PresenceSweepInterval time.Duration

	// Live quiz
	QuizDefaultTimeLimit int
	QuizDefaultPoints    int
	LeaderboardLimit     int
	AnswerRateLimit      int

	// Session
	RecentEventsLimit  int
	StrictTransitions  bool
	PaceToleranceRatio float64

	WorkerCount int
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", "postgres"))
	databaseURL := os.Getenv("DATABASE_URL")
	if driver == "postgres" {
		databaseURL = mustGetEnv("DATABASE_URL")
	}

	cfg := &Config{
		Port:          getEnvOrDefault("PORT", "8080"),
		Env:           getEnvOrDefault("ENV", "development"),
		StoreDriver:   driver,
		DatabaseURL:   databaseURL,
		MigrationsDir: getEnvOrDefault("MIGRATIONS_DIR", "migrations"),
		RedisURL:      getEnvOrDefault("REDIS_URL", ""),
		JWTSecret:     mustGetEnv("JWT_SECRET"),
		FrontendURL:   getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),

		HeartbeatInterval:     getEnvAsDurationOrDefault("HEARTBEAT_INTERVAL", 30*time.Second),
		PresenceStaleAfter:    getEnvAsDurationOrDefault("PRESENCE_STALE_AFTER", 90*time.Second),
		PresenceSweepInterval: getEnvAsDurationOrDefault("PRESENCE_SWEEP_INTERVAL", 30*time.Second),

		QuizDefaultTimeLimit: getEnvAsIntOrDefault("QUIZ_DEFAULT_TIME_LIMIT", 30),
		QuizDefaultPoints:    getEnvAsIntOrDefault("QUIZ_DEFAULT_POINTS", 100),
		LeaderboardLimit:     getEnvAsIntOrDefault("LEADERBOARD_LIMIT", 10),
		AnswerRateLimit:      getEnvAsIntOrDefault("ANSWER_RATE_LIMIT", 60),

		RecentEventsLimit:  getEnvAsIntOrDefault("RECENT_EVENTS_LIMIT", 50),
		StrictTransitions:  getEnvAsBoolOrDefault("STRICT_TRANSITIONS", false),
		PaceToleranceRatio: getEnvAsFloatOrDefault("PACE_TOLERANCE_RATIO", 0.25),

		WorkerCount: getEnvAsIntOrDefault("WORKER_COUNT", 2),
	}

	return cfg
}

// MonitorConfig configures cmd/monitor.
type MonitorConfig struct {
	BaseURL    string
	Token      string
	SessionID  string
	ActivityID string
}

func LoadMonitor() *MonitorConfig {
	godotenv.Load()

	return &MonitorConfig{
		BaseURL:    getEnvOrDefault("MONITOR_BASE_URL", "http://localhost:8080"),
		Token:      mustGetEnv("MONITOR_TOKEN"),
		SessionID:  mustGetEnv("MONITOR_SESSION_ID"),
		ActivityID: getEnvOrDefault("MONITOR_ACTIVITY_ID", ""),
	}
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or bare seconds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
