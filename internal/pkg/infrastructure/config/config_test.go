package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setenv(t *testing.T, key, value string) {
	old, existed := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if existed {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestThatLoadUsesDefaults(t *testing.T) {
	for _, key := range []string{"SERVICE_PORT", "REQUEST_TIMEOUT", "INGEST_DB_SSLMODE", "MQTT_ADDRESS"} {
		setenv(t, key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load("telemetry-ingest")
	require.NoError(t, err)

	assert.Equal(t, "8880", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "require", cfg.Database.SSLMode)
	assert.Empty(t, cfg.MQTTAddress)
}

func TestThatLoadReadsDatabaseSettings(t *testing.T) {
	setenv(t, "INGEST_DB_HOST", "dbhost")
	setenv(t, "INGEST_DB_USER", "ingest")
	setenv(t, "INGEST_DB_NAME", "telemetry")
	setenv(t, "INGEST_DB_PASSWORD", "secret")
	setenv(t, "INGEST_DB_SSLMODE", "disable")

	cfg, err := Load("telemetry-ingest")
	require.NoError(t, err)

	assert.Equal(t, "host=dbhost user=ingest dbname=telemetry sslmode=disable password=secret", cfg.Database.DSN())
}

func TestThatLoadRejectsBadTimeout(t *testing.T) {
	setenv(t, "REQUEST_TIMEOUT", "soon")

	_, err := Load("telemetry-ingest")
	assert.Error(t, err)

	setenv(t, "REQUEST_TIMEOUT", "-1s")

	_, err = Load("telemetry-ingest")
	assert.Error(t, err)
}
