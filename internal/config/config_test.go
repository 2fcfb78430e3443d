package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EnvOnlyDefaults(t *testing.T) {
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Fatalf("http_addr=%q want :8080", cfg.Server.HTTPAddr)
	}
	if cfg.Forecasting.RebuildDelay != 10*time.Second {
		t.Fatalf("rebuild_delay=%s want 10s", cfg.Forecasting.RebuildDelay)
	}
	if len(cfg.Aggregation.Methods) != 2 {
		t.Fatalf("methods=%v want 2 entries", cfg.Aggregation.Methods)
	}
	if cfg.Tasks.MaxAttempts != 8 {
		t.Fatalf("max_attempts=%d want 8", cfg.Tasks.MaxAttempts)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FC_SERVER_HTTP_ADDR", ":9999")
	t.Setenv("FC_LEASE_TTL", "15s")
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9999" {
		t.Fatalf("http_addr=%q want :9999", cfg.Server.HTTPAddr)
	}
	if cfg.Lease.TTL != 15*time.Second {
		t.Fatalf("lease ttl=%s want 15s", cfg.Lease.TTL)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("aggregation:\n  recency_half_life: 48h\ntasks:\n  batch_size: 3\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Aggregation.RecencyHalfLife != 48*time.Hour {
		t.Fatalf("half_life=%s want 48h", cfg.Aggregation.RecencyHalfLife)
	}
	if cfg.Tasks.BatchSize != 3 {
		t.Fatalf("batch_size=%d want 3", cfg.Tasks.BatchSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), false); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
