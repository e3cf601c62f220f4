package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "cfg.yaml", `
log_level: debug
ingest:
  tcp:
    enabled: true
    addr: ":7000"
pipeline:
  rate_limit:
    per_minute: 10
    per_hour: 100
kafka:
  brokers: ["localhost:9092"]
  topic: events
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Ingest.TCP.Addr != ":7000" {
		t.Fatalf("parsed: %+v", cfg)
	}
	if cfg.Pipeline.RateLimit.PerMinute != 10 || cfg.Pipeline.RateLimit.PerHour != 100 {
		t.Fatalf("rate limit: %+v", cfg.Pipeline.RateLimit)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.DedupeTTL != 5*time.Minute || cfg.Pipeline.CEP.Interval != 10*time.Second {
		t.Fatalf("defaults: %+v", cfg.Pipeline)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"log_level":"warn","api":{"enabled":true,"addr":":9999"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.API.Addr != ":9999" {
		t.Fatalf("parsed: %+v", cfg)
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	path := writeFile(t, "cfg.yaml", `
pipeline:
  rate_limit:
    per_minute: 500
    per_hour: 100
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("per_minute > per_hour must fail validation")
	}
}

func TestValidateRequiresAddrs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingest.TCP.Enabled = true
	cfg.Ingest.TCP.Addr = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("enabled tcp without addr must fail")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "cfg.yaml", "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().LogLevel != "info" {
		t.Fatalf("initial: %s", m.Get().LogLevel)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := m.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.Get().LogLevel != "debug" {
		t.Fatalf("after reload: %s", m.Get().LogLevel)
	}
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	if m.Get() == nil || m.Get().Pipeline.RateLimit.PerMinute != 60 {
		t.Fatalf("static defaults: %+v", m.Get())
	}
	if needs, err := m.NeedsReload(); err != nil || needs {
		t.Fatalf("static manager never reloads")
	}
}
