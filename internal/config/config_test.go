package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("AUTH_STATIC_TOKENS", "dev=u1:admin")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "technicians_geo", cfg.RedisGeoKey)
	assert.Equal(t, "matching-events", cfg.KafkaMatchingTopic)
	assert.Equal(t, 3.0, cfg.Matching.InitialRadiusKm)
	assert.Equal(t, 2.0, cfg.Matching.RadiusStepKm)
	assert.Equal(t, 10.0, cfg.Matching.DefaultMaxDistanceKm)
	assert.Equal(t, 5, cfg.Matching.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Matching.RequestTTL)
	assert.Equal(t, 3, cfg.Matching.TopK)
	assert.Equal(t, 1, cfg.Matching.FanOut)
	assert.Equal(t, time.Second, cfg.Matching.SweepInterval)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("AUTH_INTROSPECTION_URL", "http://auth/introspect")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("MATCH_REQUEST_TTL", "45s")
	t.Setenv("MATCH_FAN_OUT", "2")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REALTIME_RELAY", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 45*time.Second, cfg.Matching.RequestTTL)
	assert.Equal(t, 2, cfg.Matching.FanOut)
	assert.True(t, cfg.RealtimeRelay)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigErrors(t *testing.T) {
	t.Setenv("MATCH_TOP_K", "abc")
	t.Setenv("MATCH_FAN_OUT", "0")
	t.Setenv("REALTIME_RELAY", "true")

	_, err := LoadServerConfig()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid MATCH_TOP_K")
	assert.Contains(t, msg, "MATCH_FAN_OUT")
	assert.Contains(t, msg, "REALTIME_RELAY requires REDIS_ADDR")
	assert.Contains(t, msg, "AUTH_INTROSPECTION_URL")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DISPATCH_TEST_FROM_FILE=file\nDISPATCH_TEST_PRESET=file\n"), 0o600))
	t.Setenv("DISPATCH_TEST_PRESET", "env")
	t.Cleanup(func() { _ = os.Unsetenv("DISPATCH_TEST_FROM_FILE") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "file", os.Getenv("DISPATCH_TEST_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("DISPATCH_TEST_PRESET"), "existing variables win")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_LOCATION_TOPIC", "locs")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "locs", cfg.KafkaTopic)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "technicians_geo", cfg.RedisGeoKey)
}
