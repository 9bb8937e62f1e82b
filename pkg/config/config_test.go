package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemed-backend/pkg/constants"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8083, cfg.Server.Port)
	assert.Equal(t, "consult-service", cfg.Server.ServiceName)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 26257, cfg.Database.Port)
	assert.False(t, cfg.MinIO.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Redis.Timeout)
	assert.Equal(t, constants.AccessTokenExpiry, cfg.JWT.AccessTokenExpiry)
	assert.Equal(t, constants.WebSocketPingInterval, cfg.Signaling.PingInterval)
	assert.Equal(t, constants.WebSocketPongWait, cfg.Signaling.PongWait)
	assert.Equal(t, int64(constants.WebSocketReadLimit), cfg.Signaling.ReadLimit)
	assert.Equal(t, 2.0, cfg.Signaling.RefreshRate)
	assert.Equal(t, 4, cfg.Signaling.RefreshBurst)
}

func TestLoad_EnvOverrides(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "jwt_secret")
	require.NoError(t, os.WriteFile(secretFile, []byte("from-file-secret\n"), 0o600))

	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_ENABLED", "false")
	t.Setenv("SIGNALING_MAX_CONNECTIONS", "5")
	t.Setenv("SIGNALING_PING_INTERVAL", "10s")
	t.Setenv("JWT_SECRET_FILE", secretFile)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, 5, cfg.Signaling.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.Signaling.PingInterval)
	assert.Equal(t, "from-file-secret", cfg.JWT.Secret)
}

func TestLoad_ConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  port: 7000
minio:
  enabled: true
  bucket: archive
`), 0o600))
	t.Setenv("CONFIG_FILE", file)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.MinIO.Enabled)
	assert.Equal(t, "archive", cfg.MinIO.Bucket)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("SERVER_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "too-short")
	_, err = Load()
	assert.ErrorContains(t, err, "32 characters")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Signaling: SignalingConfig{
			MaxConnections: 10,
			PingInterval:   time.Second,
			PongWait:       2 * time.Second,
		}}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Signaling.PingInterval = 3 * time.Second
	assert.ErrorContains(t, cfg.Validate(), "ping interval")

	cfg = base()
	cfg.Signaling.MaxConnections = 0
	assert.ErrorContains(t, cfg.Validate(), "max connections")
}
