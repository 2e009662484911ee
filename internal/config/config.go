package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "SLATE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "slate.db"
	defaultBlobPath           = "slate-blobs.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "app_session"
	defaultPersistIntervalMS  = 2000
	defaultMaxRoomSessions    = 50
	defaultRateLimitPerMinute = 60
)

// AppConfig captures runtime configuration for the room server.
type AppConfig struct {
	HTTPAddress        string
	SigningSecret      string
	CookieName         string
	DatabasePath       string
	BlobPath           string
	LogLevel           string
	PersistInterval    time.Duration
	MaxRoomSessions    int
	RateLimitPerMinute int
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
	configViper.SetDefault("blob.path", defaultBlobPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("room.persist_interval_ms", defaultPersistIntervalMS)
	configViper.SetDefault("room.max_sessions", defaultMaxRoomSessions)
	configViper.SetDefault("ratelimit.per_minute", defaultRateLimitPerMinute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		DatabasePath:       configViper.GetString("database.path"),
		BlobPath:           configViper.GetString("blob.path"),
		LogLevel:           configViper.GetString("log.level"),
		PersistInterval:    time.Duration(configViper.GetInt("room.persist_interval_ms")) * time.Millisecond,
		MaxRoomSessions:    configViper.GetInt("room.max_sessions"),
		RateLimitPerMinute: configViper.GetInt("ratelimit.per_minute"),
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
	if strings.TrimSpace(c.BlobPath) == "" {
		return fmt.Errorf("blob.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.PersistInterval <= 0 {
		return fmt.Errorf("room.persist_interval_ms must be positive")
	}
	if c.MaxRoomSessions <= 0 {
		return fmt.Errorf("room.max_sessions must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("ratelimit.per_minute must be positive")
	}
	return nil
}
