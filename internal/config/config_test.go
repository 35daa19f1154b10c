package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 48*time.Hour, cfg.Core.CriticalMinimum())
	assert.Equal(t, 1_000_000, cfg.Core.IdempotencyCapacity)
	assert.Equal(t, 10*time.Millisecond, cfg.Persistence.FlushTimeout())
	assert.Equal(t, 60*time.Minute, cfg.Compliance.CacheTTL())
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settlecore.toml")
	body := `
[postgres]
dsn = "postgres://other:pw@db:5432/settle?sslmode=disable"

[core]
deployment_id = "settlecore-staging"
critical_minimum_hours = 72

[persistence]
batch_size = 200
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://other:pw@db:5432/settle?sslmode=disable", cfg.Postgres.DSN)
	assert.Equal(t, "settlecore-staging", cfg.Core.DeploymentID)
	assert.Equal(t, 72*time.Hour, cfg.Core.CriticalMinimum())
	assert.Equal(t, 200, cfg.Persistence.BatchSize)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 50, Default().Persistence.BatchSize)
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settlecore.toml")
	require.NoError(t, os.WriteFile(path, []byte("[nats]\nurl = \"nats://file:4222\"\n"), 0o644))

	t.Setenv("SETTLE_NATS_URL", "nats://env:4222")
	t.Setenv("SETTLE_PERSIST_BATCH_SIZE", "500")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 500, cfg.Persistence.BatchSize)
}

func TestEnvOverrideIgnoresBadInt(t *testing.T) {
	t.Setenv("SETTLE_PERSIST_BATCH_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Persistence.BatchSize)
}
