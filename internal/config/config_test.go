package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 15*time.Minute, cfg.ReservationWindow)
	assert.Equal(t, "eur", cfg.Currency)
	assert.True(t, cfg.MigrateOnStart)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RESERVATION_WINDOW", "20m")
	t.Setenv("SWEEPER_IN_PROCESS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 20*time.Minute, cfg.ReservationWindow)
	assert.True(t, cfg.SweeperInProcess)
}

func TestLoadRejectsInvalidWindow(t *testing.T) {
	t.Setenv("RESERVATION_WINDOW", "0s")

	_, err := Load()
	assert.Error(t, err)
}
