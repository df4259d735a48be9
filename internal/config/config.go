// Package config loads the typed application configuration from viper.
//
// Values come from flags bound in cmd, environment variables (AutomaticEnv
// with REPLYFLOW_ prefix) and an optional config.yaml. A local .env file is
// loaded by cmd before viper reads the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the service.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	LogLevel    string

	DatabaseURL string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	OpenAIAPIKey string

	// PubSubTopic is the fully qualified Pub/Sub topic Gmail publishes
	// mailbox changes to (projects/<p>/topics/<t>).
	PubSubTopic string
	// PubSubServiceAccount is the service account email expected in the OIDC
	// identity token carried by push requests. Required unless
	// PubSubAllowUnauthenticated is set.
	PubSubServiceAccount string
	// PubSubAudience is the audience claim the push subscription is
	// configured with, typically the webhook URL.
	PubSubAudience string
	// PubSubAllowUnauthenticated accepts push requests without an identity
	// token. Local development only: the webhook is open to anyone.
	PubSubAllowUnauthenticated bool

	// Drain budget: confirmation of cancellation for stale runs.
	DrainPollInterval time.Duration
	DrainTimeout      time.Duration

	// Run budget: completion of a freshly started run.
	RunPollInterval time.Duration
	RunTimeout      time.Duration

	// WatchRenewalWindow is how close to expiry a mailbox watch may get
	// before it is recreated.
	WatchRenewalWindow time.Duration

	// CredentialCacheTTL bounds how long OAuth credentials are served from
	// the in-memory cache before being re-read from the store.
	CredentialCacheTTL time.Duration
}

// SetDefaults registers defaults for every configuration key.
func SetDefaults() {
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("metrics_addr", ":9090")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("pubsub.allow_unauthenticated", false)
	viper.SetDefault("reconcile.drain_poll_interval", 5*time.Second)
	viper.SetDefault("reconcile.drain_timeout", 60*time.Second)
	viper.SetDefault("reconcile.run_poll_interval", 2*time.Second)
	viper.SetDefault("reconcile.run_timeout", 5*time.Minute)
	viper.SetDefault("gmail.watch_renewal_window", 24*time.Hour)
	viper.SetDefault("google.credential_cache_ttl", 5*time.Minute)
}

// Load reads the configuration from viper and validates required fields.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:                 viper.GetString("listen_addr"),
		MetricsAddr:                viper.GetString("metrics_addr"),
		LogLevel:                   viper.GetString("log_level"),
		DatabaseURL:                viper.GetString("database.url"),
		GoogleClientID:             viper.GetString("google.client_id"),
		GoogleClientSecret:         viper.GetString("google.client_secret"),
		GoogleRedirectURL:          viper.GetString("google.redirect_url"),
		OpenAIAPIKey:               viper.GetString("openai.api_key"),
		PubSubTopic:                viper.GetString("pubsub.topic"),
		PubSubServiceAccount:       viper.GetString("pubsub.service_account"),
		PubSubAudience:             viper.GetString("pubsub.audience"),
		PubSubAllowUnauthenticated: viper.GetBool("pubsub.allow_unauthenticated"),
		DrainPollInterval:          viper.GetDuration("reconcile.drain_poll_interval"),
		DrainTimeout:               viper.GetDuration("reconcile.drain_timeout"),
		RunPollInterval:            viper.GetDuration("reconcile.run_poll_interval"),
		RunTimeout:                 viper.GetDuration("reconcile.run_timeout"),
		WatchRenewalWindow:         viper.GetDuration("gmail.watch_renewal_window"),
		CredentialCacheTTL:         viper.GetDuration("google.credential_cache_ttl"),
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "database.url")
	}
	if cfg.GoogleClientID == "" {
		missing = append(missing, "google.client_id")
	}
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "google.client_secret")
	}
	if cfg.OpenAIAPIKey == "" {
		missing = append(missing, "openai.api_key")
	}
	if cfg.PubSubTopic == "" {
		missing = append(missing, "pubsub.topic")
	}
	if cfg.PubSubServiceAccount == "" && !cfg.PubSubAllowUnauthenticated {
		missing = append(missing, "pubsub.service_account")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}
