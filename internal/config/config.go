package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "ROOMSYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "roomsync.db"
	defaultLogLevel     = "info"
	defaultTokenIssuer  = "roomsync-auth"
	defaultTokenAud     = "roomsync-relay"

	defaultPresenceInterval = 30 * time.Second
	defaultPresenceTimeout  = 5 * time.Minute
	defaultBackoffBase      = time.Second
	defaultBackoffCap       = 30 * time.Second
	defaultReleaseGrace     = 5 * time.Second
	defaultSnapshotFlush    = 15 * time.Second
)

// AppConfig captures runtime configuration for the sync relay.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenIssuer      string
	TokenAudience    string
	PresenceInterval time.Duration
	PresenceTimeout  time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	ReleaseGrace     time.Duration
	SnapshotFlush    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAud)
	configViper.SetDefault("presence.interval", defaultPresenceInterval)
	configViper.SetDefault("presence.timeout", defaultPresenceTimeout)
	configViper.SetDefault("backoff.base", defaultBackoffBase)
	configViper.SetDefault("backoff.cap", defaultBackoffCap)
	configViper.SetDefault("registry.release_grace", defaultReleaseGrace)
	configViper.SetDefault("snapshot.flush_interval", defaultSnapshotFlush)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenIssuer:      configViper.GetString("auth.issuer"),
		TokenAudience:    configViper.GetString("auth.audience"),
		PresenceInterval: configViper.GetDuration("presence.interval"),
		PresenceTimeout:  configViper.GetDuration("presence.timeout"),
		BackoffBase:      configViper.GetDuration("backoff.base"),
		BackoffCap:       configViper.GetDuration("backoff.cap"),
		ReleaseGrace:     configViper.GetDuration("registry.release_grace"),
		SnapshotFlush:    configViper.GetDuration("snapshot.flush_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PresenceInterval <= 0 {
		return fmt.Errorf("presence.interval must be positive")
	}
	if c.PresenceTimeout <= c.PresenceInterval {
		return fmt.Errorf("presence.timeout must exceed presence.interval")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff.base must be positive and backoff.cap must not be below it")
	}
	if c.ReleaseGrace < 0 {
		return fmt.Errorf("registry.release_grace must not be negative")
	}
	if c.SnapshotFlush <= 0 {
		return fmt.Errorf("snapshot.flush_interval must be positive")
	}
	return nil
}
