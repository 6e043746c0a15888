package main

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.InferenceTimeout() != 120*time.Second {
		t.Errorf("InferenceTimeout = %v", cfg.InferenceTimeout())
	}
}

func TestLoadConfig(t *testing.T) {
	yaml := `
listen: ":9090"
db_path: "/tmp/croquis.db"
data_dir: "/tmp/snapshots"
log_level: "debug"
inference:
  api_key: "sk-test"
  model: "gpt-5"
  timeout_seconds: 30
`
	f, err := os.CreateTemp("", "config_test_*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString(yaml)
	f.Close()

	cfg, err := LoadConfig(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Inference.Model != "gpt-5" {
		t.Errorf("Model = %q", cfg.Inference.Model)
	}
	if cfg.InferenceTimeout() != 30*time.Second {
		t.Errorf("InferenceTimeout = %v", cfg.InferenceTimeout())
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if cfg.Listen != ":7777" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Inference.APIKey != "sk-env" {
		t.Errorf("APIKey = %q", cfg.Inference.APIKey)
	}
}

func TestValidate_BadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inference.TimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero timeout")
	}
}
