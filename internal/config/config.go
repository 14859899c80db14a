// Package config resolves process configuration from the environment,
// optionally seeded from a dotenv file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DefaultEnvFile = ".env"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type Config struct {
	StateBackend     string
	SQLitePath       string
	Redis            RedisConfig
	QueuePrefix      string
	QueueGroup       string
	AttemptsPath     string
	PollTimeout      time.Duration
	PollInterval     time.Duration
	PassBackoff      time.Duration
	IterationCap     int
	MaxParallelNodes int
	Provider         string
	GeminiAPIKey     string
	OllamaBaseURL    string
	OllamaAPIKey     string
	Model            string
	LogLevel         string
	LogFormat        string
	MetricsAddr      string
}

// Load seeds the environment from envFile when it exists (existing variables
// win) and then reads the configuration.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		StateBackend: strings.ToLower(Getenv("AGENT_STATE_BACKEND", "sqlite")),
		SQLitePath:   Getenv("AGENT_SQLITE_PATH", "./.procedure-engine/state.db"),
		Redis: RedisConfig{
			Addr:     Getenv("AGENT_REDIS_ADDR", "127.0.0.1:6379"),
			Password: strings.TrimSpace(os.Getenv("AGENT_REDIS_PASSWORD")),
			DB:       ParseIntEnv("AGENT_REDIS_DB", 0),
			TTL:      ParseDurationEnv("AGENT_REDIS_TTL", 72*time.Hour),
		},
		QueuePrefix:      Getenv("AGENT_QUEUE_PREFIX", "proc:queue"),
		QueueGroup:       Getenv("AGENT_QUEUE_GROUP", "procedure-workers"),
		AttemptsPath:     Getenv("AGENT_ATTEMPTS_PATH", "./.procedure-engine/attempts.db"),
		PollTimeout:      ParseDurationEnv("AGENT_POLL_TIMEOUT", 60*time.Second),
		PollInterval:     ParseDurationEnv("AGENT_POLL_INTERVAL", time.Second),
		PassBackoff:      ParseDurationEnv("AGENT_PASS_BACKOFF", time.Second),
		IterationCap:     ParseIntEnv("AGENT_ITERATION_CAP", 10),
		MaxParallelNodes: ParseIntEnv("AGENT_MAX_PARALLEL_NODES", 4),
		Provider:         strings.ToLower(Getenv("AGENT_PROVIDER", "echo")),
		GeminiAPIKey:     strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		OllamaBaseURL:    Getenv("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
		OllamaAPIKey:     strings.TrimSpace(os.Getenv("OLLAMA_API_KEY")),
		Model:            strings.TrimSpace(os.Getenv("AGENT_MODEL")),
		LogLevel:         strings.ToLower(Getenv("AGENT_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(Getenv("AGENT_LOG_FORMAT", "text")),
		MetricsAddr:      strings.TrimSpace(os.Getenv("AGENT_METRICS_ADDR")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StateBackend {
	case "sqlite", "redis", "hybrid", "memory":
	default:
		return fmt.Errorf("unsupported AGENT_STATE_BACKEND %q (use sqlite, redis, hybrid, or memory)", c.StateBackend)
	}
	switch c.Provider {
	case "echo", "gemini", "ollama":
	default:
		return fmt.Errorf("unsupported AGENT_PROVIDER %q (use echo, gemini, or ollama)", c.Provider)
	}
	if c.Provider == "gemini" && c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
	}
	if c.PollTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("poll timeout and interval must be positive")
	}
	if c.IterationCap <= 0 {
		return fmt.Errorf("AGENT_ITERATION_CAP must be positive")
	}
	if c.MaxParallelNodes <= 0 {
		return fmt.Errorf("AGENT_MAX_PARALLEL_NODES must be positive")
	}
	return nil
}
