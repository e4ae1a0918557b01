package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayConfig_Defaults(t *testing.T) {
	cfg, err := LoadRelayConfig()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 1<<20, cfg.MaxDocumentSize)
	assert.Equal(t, 100, cfg.MaxRooms)
	assert.Equal(t, 2*time.Second, cfg.StoreDebounce)
	assert.Equal(t, "@every 5m", cfg.ArchiveSchedule)
	assert.Empty(t, cfg.DBHost)
	assert.Empty(t, cfg.EtcdEndpoints)
	assert.Equal(t, "collabmesh-relay", cfg.Log.Service)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRelayConfig_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("ETCD_ENDPOINTS", "etcd-1:2379,etcd-2:2379")
	t.Setenv("STORE_DEBOUNCE", "500ms")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_SERVICE", "relay-eu")

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, 500*time.Millisecond, cfg.StoreDebounce)
	assert.Equal(t, "host=db user=collabmesh password=secret dbname=collabmesh port=5432 sslmode=disable", cfg.DSN())
	assert.Equal(t, "cache:6379", cfg.RedisAddr())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "relay-eu", cfg.Log.Service)
}

func TestLoadRelayConfig_InvalidValue(t *testing.T) {
	t.Setenv("MAX_ROOMS", "many")

	_, err := LoadRelayConfig()
	assert.Error(t, err)
}

func TestLoadClientConfig(t *testing.T) {
	t.Setenv("COLLAB_ROOM", "standup")
	t.Setenv("COLLAB_SIGNALING_URLS", "ws://a/signal,ws://b/signal")
	t.Setenv("COLLAB_ENABLE_MESH", "false")

	cfg, err := LoadClientConfig()
	require.NoError(t, err)

	assert.Equal(t, "standup", cfg.Room)
	assert.Equal(t, "ws://localhost:3000/collab", cfg.ServerURL)
	assert.Equal(t, []string{"ws://a/signal", "ws://b/signal"}, cfg.SignalingURLs)
	assert.False(t, cfg.EnableMesh)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 8*time.Second, cfg.LeaderTimeout)
	assert.Equal(t, 5*time.Second, cfg.FallbackDelay)
	assert.Equal(t, "collabmesh-client", cfg.Log.Service)
}
