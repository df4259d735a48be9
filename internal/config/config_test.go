package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	viper.Set("database.url", "postgres://localhost:5432/replyflow")
	viper.Set("google.client_id", "client-id")
	viper.Set("google.client_secret", "client-secret")
	viper.Set("openai.api_key", "sk-test")
	viper.Set("pubsub.topic", "projects/p/topics/gmail")
	viper.Set("pubsub.service_account", "push@p.iam.gserviceaccount.com")
	t.Cleanup(viper.Reset)
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	SetDefaults()
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 5*time.Second, cfg.DrainPollInterval)
	assert.Equal(t, 60*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 2*time.Second, cfg.RunPollInterval)
	assert.Equal(t, 5*time.Minute, cfg.RunTimeout)
	assert.Equal(t, 24*time.Hour, cfg.WatchRenewalWindow)
}

func TestLoadMissingRequired(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("database.url", "postgres://localhost:5432/replyflow")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "google.client_id")
	assert.Contains(t, err.Error(), "openai.api_key")
	assert.Contains(t, err.Error(), "pubsub.service_account")
	assert.NotContains(t, err.Error(), "database.url")
}

func TestLoadUnauthenticatedPushNeedsOptIn(t *testing.T) {
	viper.Reset()
	SetDefaults()
	setRequired(t)
	viper.Set("pubsub.service_account", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pubsub.service_account")

	// The development escape hatch has to be explicit.
	viper.Set("pubsub.allow_unauthenticated", true)
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.PubSubAllowUnauthenticated)
	assert.Empty(t, cfg.PubSubServiceAccount)
}

func TestLoadOverrides(t *testing.T) {
	viper.Reset()
	SetDefaults()
	setRequired(t)
	viper.Set("reconcile.run_timeout", "10m")
	viper.Set("listen_addr", ":9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.RunTimeout)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}
