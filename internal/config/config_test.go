package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.PersistInterval != 2*time.Second {
		t.Fatalf("unexpected persist interval: %s", cfg.PersistInterval)
	}
	if cfg.MaxRoomSessions != defaultMaxRoomSessions {
		t.Fatalf("unexpected max room sessions: %d", cfg.MaxRoomSessions)
	}
	if cfg.CookieName != defaultCookieName {
		t.Fatalf("unexpected cookie name: %s", cfg.CookieName)
	}
}

func TestLoadRejectsMissingSigningSecret(t *testing.T) {
	configViper := NewViper()

	_, err := Load(configViper)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "auth.signing_secret") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "empty-database-path", key: "database.path", value: ""},
		{name: "empty-blob-path", key: "blob.path", value: ""},
		{name: "zero-persist-interval", key: "room.persist_interval_ms", value: 0},
		{name: "zero-max-sessions", key: "room.max_sessions", value: 0},
		{name: "zero-rate-limit", key: "ratelimit.per_minute", value: 0},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "test-secret")
			configViper.Set(testCase.key, testCase.value)

			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error for %s", testCase.key)
			}
		})
	}
}
