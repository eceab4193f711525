package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AppName != "shared-state-engine" {
		t.Fatalf("app name = %q", cfg.AppName)
	}
	if cfg.SiteID != "server" {
		t.Fatalf("site id = %q", cfg.SiteID)
	}
	if cfg.ObjectBucket != "shared-state" {
		t.Fatalf("bucket = %q", cfg.ObjectBucket)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SITE_ID", "edge-7")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("OBJECT_USE_SSL", "true")
	t.Setenv("SHUTDOWN_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SiteID != "edge-7" {
		t.Fatalf("site id = %q", cfg.SiteID)
	}
	if cfg.RedisDB != 3 || !cfg.ObjectUseSSL {
		t.Fatalf("redis db = %d, ssl = %v", cfg.RedisDB, cfg.ObjectUseSSL)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Fatalf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("HEALTHCHECK_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisDB != 0 {
		t.Fatalf("redis db = %d, want fallback 0", cfg.RedisDB)
	}
	if cfg.HealthcheckProbe != 30*time.Second {
		t.Fatalf("healthcheck interval = %v, want fallback", cfg.HealthcheckProbe)
	}
}
