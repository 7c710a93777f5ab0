package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "", cfg.RedisAddr)
	assert.Equal(t, 1500*time.Millisecond, cfg.UnitDelay)
	assert.Equal(t, 5*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, "@every 30s", cfg.SweepSchedule)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 10, cfg.Concurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GENQUEUE_DB_DRIVER", "pgx")
	t.Setenv("GENQUEUE_UNIT_DELAY", "250ms")
	t.Setenv("GENQUEUE_CONCURRENCY", "3")
	t.Setenv("GENQUEUE_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("GENQUEUE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.DBDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.UnitDelay)
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GENQUEUE_QUEUE=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("GENQUEUE_QUEUE") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Queue)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err, "missing env file is tolerated")
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"bad duration": {"GENQUEUE_UNIT_DELAY", "soon"},
		"bad int":      {"GENQUEUE_CONCURRENCY", "many"},
		"bad driver":   {"GENQUEUE_DB_DRIVER", "mongo"},
		"short lease":  {"GENQUEUE_LEASE_TTL", "10s"},
		"zero drain":   {"GENQUEUE_DRAIN_MAX_UNITS", "0"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestNewLogger_SplitsLevels(t *testing.T) {
	var console, file bytes.Buffer
	logger := NewLogger(&console, &file, LogOptions{Level: slog.LevelWarn, FileLevel: slog.LevelDebug})

	logger.Debug("unit finished", "item_id", "abc")
	logger.Warn("generation unit failed", "item_id", "abc")

	assert.NotContains(t, console.String(), "unit finished")
	assert.Contains(t, console.String(), "generation unit failed")
	assert.Contains(t, console.String(), "service=genqueued")

	lines := strings.Split(strings.TrimSpace(file.String()), "\n")
	require.Len(t, lines, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "unit finished", rec["msg"])
	assert.Equal(t, "abc", rec["item_id"])
	assert.Equal(t, "genqueued", rec["service"])
	assert.Contains(t, rec, "source")
}

func TestNewLogger_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger := NewLogger(&console, nil, LogOptions{Level: slog.LevelInfo})
	logger.Info("worker run drained", "owner", "alice")
	assert.Contains(t, console.String(), "owner=alice")
}

func TestSetupLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genqueued.log")
	logger, cleanup := SetupLogger(LogOptions{File: path, Level: slog.LevelError, FileLevel: slog.LevelInfo})
	logger.Info("generation batch enqueued", "items", 2)
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"generation batch enqueued"`)
}

func TestLoad_LogFileLevel(t *testing.T) {
	t.Setenv("GENQUEUE_LOG_LEVEL", "warn")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.LogOptions().FileLevel, "file level follows the console level by default")

	t.Setenv("GENQUEUE_LOG_FILE_LEVEL", "debug")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, cfg.LogOptions().FileLevel)
	assert.Equal(t, slog.LevelWarn, cfg.LogOptions().Level)
}

func TestConfig_DrainTimeout(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.DrainMaxUnits)
	assert.Equal(t, 20*(90*time.Second+1500*time.Millisecond)+5*time.Minute, cfg.DrainTimeout())

	cfg.ExecutorTimeout = 0
	assert.Zero(t, cfg.DrainTimeout())
}
