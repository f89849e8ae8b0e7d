package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELEASE_DATABASE_URL", "postgres://localhost/release?sslmode=disable")
	t.Setenv("RELEASE_AUTH_PUBLIC_KEYS_FILE", "/etc/release/keys.pem")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, defaultTickSchedule, cfg.TickSchedule)
	assert.Equal(t, defaultLeaseTimeout, cfg.LeaseTimeout)
	assert.Equal(t, defaultTickWorkers, cfg.TickWorkers)
	assert.False(t, cfg.StreamingEnabled())
	assert.Equal(t, Rollout{AndroidInitialRollout: defaultAndroidRollout, IOSPhasedRelease: true}, cfg.Rollout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/release")
	t.Setenv("RELEASE_ALLOW_DEBUG_TOKEN", "true")
	t.Setenv("RELEASE_DEBUG_TOKEN", "dev")
	t.Setenv("RELEASE_LEASE_TIMEOUT", "45s")
	t.Setenv("RELEASE_TICK_WORKERS", "8")
	t.Setenv("RELEASE_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("RELEASE_ACTIVITY_BUCKET", "audit-bucket")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, 8, cfg.TickWorkers)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.StreamingEnabled())
}

func TestLoadRejectsMissingDatabase(t *testing.T) {
	t.Setenv("RELEASE_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsDebugTokenInProduction(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/release")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("RELEASE_ALLOW_DEBUG_TOKEN", "true")
	t.Setenv("RELEASE_DEBUG_TOKEN", "dev")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvalidWorkers(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/release")
	t.Setenv("RELEASE_AUTH_PUBLIC_KEYS_FILE", "/keys.pem")
	t.Setenv("RELEASE_TICK_WORKERS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRollout(t *testing.T) {
	t.Setenv("RELEASE_ANDROID_INITIAL_ROLLOUT", "0")
	t.Setenv("RELEASE_IOS_PHASED_RELEASE", "false")
	r, err := LoadRollout()
	require.NoError(t, err)
	assert.Equal(t, Rollout{AndroidInitialRollout: 0, IOSPhasedRelease: false}, r)

	t.Setenv("RELEASE_ANDROID_INITIAL_ROLLOUT", "150")
	_, err = LoadRollout()
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://db/release")
	t.Setenv("RELEASE_AUTH_PUBLIC_KEYS_FILE", "/keys.pem")
	_, err = Load()
	assert.Error(t, err)
}
