package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "FOLIO_ACCESS_TTL_SECONDS", "FOLIO_WS_SEND_BUFFER", "S3_USE_SSL", "NATS_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("expected 15m access ttl, got %s", cfg.AccessTTL)
	}
	if cfg.WSSendBuffer != 256 {
		t.Fatalf("expected send buffer 256, got %d", cfg.WSSendBuffer)
	}
	if cfg.S3UseSSL {
		t.Fatal("expected S3 SSL off by default")
	}
	if cfg.NATSURL != "" {
		t.Fatalf("expected NATS disabled by default, got %q", cfg.NATSURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("FOLIO_ACCESS_TTL_SECONDS", "60")
	t.Setenv("FOLIO_BLOCK_CACHE_TTL_SECONDS", "5")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("FOLIO_NODE_ID", "node-a")

	cfg := Load()

	if cfg.Addr != ":9000" || cfg.NodeID != "node-a" {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.AccessTTL != time.Minute || cfg.BlockCacheTTL != 5*time.Second {
		t.Fatalf("unexpected ttls access=%s block=%s", cfg.AccessTTL, cfg.BlockCacheTTL)
	}
	if !cfg.S3UseSSL {
		t.Fatal("expected S3 SSL on")
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("FOLIO_WS_SEND_BUFFER", "lots")
	t.Setenv("S3_USE_SSL", "sometimes")

	cfg := Load()

	if cfg.WSSendBuffer != 256 {
		t.Fatalf("malformed int should fall back, got %d", cfg.WSSendBuffer)
	}
	if cfg.S3UseSSL {
		t.Fatal("malformed bool should fall back to false")
	}
}
