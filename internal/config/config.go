package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"datadesk.io/query-orchestrator/internal/platform"
	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	GeminiModel  string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string

	ConnectionsFile string
	CORSOrigins     []string

	ClassifierMinScore  float64
	FetchItemCap        int
	FetchPageSize       int
	FetchTimeout        time.Duration
	PlatformTimeouts    map[platform.Platform]time.Duration
	PlatformPriority    []platform.Platform
	HistoryCap          int
	SummaryMaxDataChars int
}

var AppConfig Config

// LoadConfig reads .env (when present) and the environment into AppConfig.
// It reports whether a .env file was found so the caller can log it.
func LoadConfig() (bool, error) {
	dotenv := godotenv.Load() == nil

	cfg, err := FromEnv()
	if err != nil {
		return dotenv, err
	}
	AppConfig = cfg
	return dotenv, nil
}

// FromEnv builds a Config from environment variables alone.
func FromEnv() (Config, error) {
	cfg := Config{
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModel:         getEnv("GEMINI_MODEL", ""),
		DatabaseURL:         getEnv("DATABASE_URL", "query_orchestrator.db"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		ConnectionsFile:     getEnv("CONNECTIONS_FILE", "connections.yaml"),
		CORSOrigins:         splitList(getEnv("CORS_ORIGINS", "*")),
		ClassifierMinScore:  getEnvAsFloat("CLASSIFIER_MIN_SCORE", 1.0),
		FetchItemCap:        getEnvAsInt("FETCH_ITEM_CAP", 100),
		FetchPageSize:       getEnvAsInt("FETCH_PAGE_SIZE", 50),
		FetchTimeout:        getEnvAsDuration("FETCH_TIMEOUT", 10*time.Second),
		HistoryCap:          getEnvAsInt("HISTORY_CAP", 200),
		SummaryMaxDataChars: getEnvAsInt("SUMMARY_MAX_DATA_CHARS", 6000),
	}

	if cfg.JWTSecret == "" {
		return cfg, errors.New("JWT_SECRET environment variable is required")
	}

	var err error
	if cfg.PlatformTimeouts, err = parseTimeouts(getEnv("PLATFORM_TIMEOUTS", "")); err != nil {
		return cfg, fmt.Errorf("invalid PLATFORM_TIMEOUTS: %w", err)
	}
	if cfg.PlatformPriority, err = parsePriority(getEnv("PLATFORM_PRIORITY", "")); err != nil {
		return cfg, fmt.Errorf("invalid PLATFORM_PRIORITY: %w", err)
	}
	return cfg, nil
}

// parseTimeouts reads "stripe=5s,github=8s".
func parseTimeouts(s string) (map[platform.Platform]time.Duration, error) {
	out := map[platform.Platform]time.Duration{}
	for _, pair := range splitList(s) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected platform=duration, got %q", pair)
		}
		p, err := platform.Parse(name)
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("bad timeout for %s: %q", p, value)
		}
		out[p] = d
	}
	return out, nil
}

func parsePriority(s string) ([]platform.Platform, error) {
	var out []platform.Platform
	for _, name := range splitList(s) {
		p, err := platform.Parse(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
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

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
