// Package config loads genqueued settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config holds all configuration values.
type Config struct {
	// Job store
	DBDriver string // "sqlite" or "pgx"
	DBDSN    string

	// asynq / Redis; empty RedisAddr runs workers in-process
	RedisAddr     string
	Queue         string
	Concurrency   int
	DrainMaxUnits int

	// HTTP
	HTTPAddr       string
	AllowedOrigins []string

	// Worker loop
	UnitDelay       time.Duration
	ExecutorTimeout time.Duration
	LeaseTTL        time.Duration

	// Observer polling hint and periodic re-check
	PollInterval  time.Duration
	PollJitter    time.Duration
	SweepSchedule string

	// LLM executor
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	LLMRequestsPM int

	// Logging
	LogFile      string
	LogLevel     slog.Level
	LogFileLevel slog.Level
}

// Load reads an optional .env file, then the environment.
// A missing env file is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := Config{
		DBDriver: getEnv("GENQUEUE_DB_DRIVER", "sqlite"),
		DBDSN:    getEnv("GENQUEUE_DB_DSN", "file:genqueue.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),

		RedisAddr: getEnv("GENQUEUE_REDIS_ADDR", ""),
		Queue:     getEnv("GENQUEUE_QUEUE", "generation"),

		HTTPAddr:       getEnv("GENQUEUE_HTTP_ADDR", ":8080"),
		AllowedOrigins: splitList(getEnv("GENQUEUE_ALLOWED_ORIGINS", "http://localhost:3000")),

		SweepSchedule: getEnv("GENQUEUE_SWEEP_SCHEDULE", "@every 30s"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		LogFile:  getEnv("GENQUEUE_LOG_FILE", "/tmp/genqueued.log"),
		LogLevel: parseLogLevel(getEnv("GENQUEUE_LOG_LEVEL", "INFO")),
	}
	cfg.LogFileLevel = parseLogLevel(getEnv("GENQUEUE_LOG_FILE_LEVEL", getEnv("GENQUEUE_LOG_LEVEL", "INFO")))

	var err error
	if cfg.Concurrency, err = getInt("GENQUEUE_CONCURRENCY", 10); err != nil {
		return Config{}, err
	}
	if cfg.DrainMaxUnits, err = getInt("GENQUEUE_DRAIN_MAX_UNITS", 20); err != nil {
		return Config{}, err
	}
	if cfg.LLMRequestsPM, err = getInt("GENQUEUE_LLM_RPM", 60); err != nil {
		return Config{}, err
	}
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"GENQUEUE_UNIT_DELAY", 1500 * time.Millisecond, &cfg.UnitDelay},
		{"GENQUEUE_EXECUTOR_TIMEOUT", 90 * time.Second, &cfg.ExecutorTimeout},
		{"GENQUEUE_LEASE_TTL", 5 * time.Minute, &cfg.LeaseTTL},
		{"GENQUEUE_POLL_INTERVAL", 3 * time.Second, &cfg.PollInterval},
		{"GENQUEUE_POLL_JITTER", time.Second, &cfg.PollJitter},
	}
	for _, d := range durations {
		if *d.dest, err = getDuration(d.key, d.def); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("GENQUEUE_DB_DRIVER must be sqlite or pgx, got %q", c.DBDriver)
	}
	if c.ExecutorTimeout > 0 && c.LeaseTTL <= c.ExecutorTimeout {
		return fmt.Errorf("GENQUEUE_LEASE_TTL (%s) must exceed GENQUEUE_EXECUTOR_TIMEOUT (%s)", c.LeaseTTL, c.ExecutorTimeout)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("GENQUEUE_CONCURRENCY must be positive")
	}
	if c.DrainMaxUnits < 1 {
		return fmt.Errorf("GENQUEUE_DRAIN_MAX_UNITS must be positive")
	}
	return nil
}

// DrainTimeout is the asynq deadline of one drain task: enough for DrainMaxUnits
// units at their worst case plus one lease of slack. Zero when executor calls are unbounded.
func (c Config) DrainTimeout() time.Duration {
	if c.ExecutorTimeout <= 0 {
		return 0
	}
	return time.Duration(c.DrainMaxUnits)*(c.ExecutorTimeout+c.UnitDelay) + c.LeaseTTL
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := cast.ToIntE(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := cast.ToDurationE(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
