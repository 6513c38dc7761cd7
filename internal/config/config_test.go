package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ALLOWED_ORIGIN", "")
	t.Setenv("ALERT_TTL_SECONDS", "")
	t.Setenv("EXPIRY_ALERT_DAYS", "")
	t.Setenv("REDIS_DB", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("default port %q", cfg.Port)
	}
	if cfg.AllowedOrigin != "http://localhost:5173" {
		t.Fatalf("default origin %q", cfg.AllowedOrigin)
	}
	if cfg.AlertTTLSeconds != 60 || cfg.ExpiryAlertDays != 30 {
		t.Fatalf("default alert settings %d/%d", cfg.AlertTTLSeconds, cfg.ExpiryAlertDays)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("address %q", cfg.Address())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("EXPIRY_ALERT_DAYS", "14")
	t.Setenv("REDIS_DB", "3")

	cfg := Load()
	if cfg.Port != "9090" || cfg.Address() != ":9090" {
		t.Fatalf("port override failed: %q", cfg.Port)
	}
	if cfg.ExpiryAlertDays != 14 {
		t.Fatalf("expiry days override failed: %d", cfg.ExpiryAlertDays)
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("redis db override failed: %d", cfg.RedisDB)
	}
}

func TestGetEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("ALERT_TTL_SECONDS", "not-a-number")
	cfg := Load()
	if cfg.AlertTTLSeconds != 60 {
		t.Fatalf("garbage int should fall back, got %d", cfg.AlertTTLSeconds)
	}
}
