package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
GRPC_PORT: 6000
DB_DRIVER: sqlite
DB_PATH: ":memory:"
KAFKA_BROKERS: [a:9092, b:9092]
JWT_SECRET: from-file
RATE_LOOKUP_TIMEOUT: 750ms
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.GRPCPort)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "from-env", cfg.JWTSecret)

	db := initDatabase(cfg)
	assert.Equal(t, "sqlite", db.Driver)
	assert.Equal(t, ":memory:", db.Path)

	timeout, err := cfg.rateTimeout()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, timeout)

	cfg.RateLookupTimeout = "soon"
	_, err = cfg.rateTimeout()
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := loadConfig()
	assert.Error(t, err)
}
