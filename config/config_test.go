package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HIVE_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8420" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Provider != ProviderAnthropic {
		t.Errorf("Provider = %q", cfg.Provider)
	}
	if cfg.MaxConcurrentLLM != 4 {
		t.Errorf("MaxConcurrentLLM = %d", cfg.MaxConcurrentLLM)
	}
	if cfg.CheckpointBackend != BackendFile {
		t.Errorf("CheckpointBackend = %q", cfg.CheckpointBackend)
	}
	if cfg.HealthInterval != 30*time.Second {
		t.Errorf("HealthInterval = %v", cfg.HealthInterval)
	}
}

func TestLoad_Overrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HIVE_HOME", home)
	t.Setenv("HIVE_MODEL_PROVIDER", ProviderOpenAI)
	t.Setenv("HIVE_MAX_CONCURRENT_LLM", "9")
	t.Setenv("HIVE_HEALTH_INTERVAL", "5s")
	t.Setenv("HIVE_EVENT_LOG", "true")
	t.Setenv("HIVE_TRACING", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider != ProviderOpenAI || cfg.MaxConcurrentLLM != 9 || !cfg.EventLog || !cfg.Tracing {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.HealthInterval != 5*time.Second {
		t.Errorf("HealthInterval = %v", cfg.HealthInterval)
	}
	if cfg.QueenDir("s1") != filepath.Join(home, "queen", "session", "s1") {
		t.Errorf("QueenDir = %q", cfg.QueenDir("s1"))
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("HIVE_HOME", t.TempDir())

	t.Setenv("HIVE_MODEL_PROVIDER", "bedrock")
	if _, err := Load(); err == nil {
		t.Error("unknown provider accepted")
	}
	t.Setenv("HIVE_MODEL_PROVIDER", ProviderAnthropic)

	t.Setenv("HIVE_CHECKPOINT_BACKEND", BackendMySQL)
	t.Setenv("HIVE_MYSQL_DSN", "")
	if _, err := Load(); err == nil {
		t.Error("mysql backend without DSN accepted")
	}
}
