package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "COLLAB"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "collab-sync.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "workspace_session"
	defaultIssuer       = "workspace-auth"

	defaultFlushIntervalSeconds = 5
	defaultActiveWindowSeconds  = 30
	defaultStaleWindowSeconds   = 60
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	InternalSecret    string
	FlushInterval     time.Duration
	PresenceActiveTTL time.Duration
	PresenceStaleTTL  time.Duration
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
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("room.flush_interval_s", defaultFlushIntervalSeconds)
	configViper.SetDefault("presence.active_window_s", defaultActiveWindowSeconds)
	configViper.SetDefault("presence.stale_window_s", defaultStaleWindowSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		InternalSecret:    configViper.GetString("internal.secret"),
		FlushInterval:     time.Duration(configViper.GetInt64("room.flush_interval_s")) * time.Second,
		PresenceActiveTTL: time.Duration(configViper.GetInt64("presence.active_window_s")) * time.Second,
		PresenceStaleTTL:  time.Duration(configViper.GetInt64("presence.stale_window_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("room.flush_interval_s must be positive")
	}
	if c.PresenceStaleTTL < c.PresenceActiveTTL {
		return fmt.Errorf("presence.stale_window_s must be at least presence.active_window_s")
	}
	return nil
}
