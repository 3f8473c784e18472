package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		testContext.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "roomsync.db" {
		testContext.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.PresenceInterval != 30*time.Second {
		testContext.Fatalf("unexpected presence interval %v", cfg.PresenceInterval)
	}
	if cfg.PresenceTimeout != 5*time.Minute {
		testContext.Fatalf("unexpected presence timeout %v", cfg.PresenceTimeout)
	}
	if cfg.BackoffCap != 30*time.Second {
		testContext.Fatalf("unexpected backoff cap %v", cfg.BackoffCap)
	}
}

func TestLoadRequiresSigningSecret(testContext *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		testContext.Fatal("expected error for missing signing secret")
	}
}

func TestLoadRejectsInvertedPresenceWindows(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("presence.timeout", "10s")
	configViper.Set("presence.interval", "30s")

	if _, err := Load(configViper); err == nil {
		testContext.Fatal("expected error when timeout does not exceed interval")
	}
}

func TestLoadRejectsBackoffCapBelowBase(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("backoff.base", "10s")
	configViper.Set("backoff.cap", "1s")

	if _, err := Load(configViper); err == nil {
		testContext.Fatal("expected error when backoff cap is below base")
	}
}
