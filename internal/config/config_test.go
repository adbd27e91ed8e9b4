package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.AgentTimeout != 15*time.Minute {
		t.Errorf("expected default agent timeout 15m, got %s", cfg.AgentTimeout)
	}
	if cfg.WorkerCount != 4 || cfg.QueueSize != 64 {
		t.Errorf("unexpected pool defaults: %d/%d", cfg.WorkerCount, cfg.QueueSize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("AGENT_TIMEOUT", "30s")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("DEFAULT_MODEL", "custom-model")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("port override not applied: %s", cfg.Port)
	}
	if cfg.AgentTimeout != 30*time.Second {
		t.Errorf("timeout override not applied: %s", cfg.AgentTimeout)
	}
	if cfg.WorkerCount != 2 {
		t.Errorf("worker count override not applied: %d", cfg.WorkerCount)
	}
	if cfg.DefaultModel != "custom-model" {
		t.Errorf("model override not applied: %s", cfg.DefaultModel)
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_COUNT", "not-a-number")
	t.Setenv("AGENT_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("malformed int must fall back to default, got %d", cfg.WorkerCount)
	}
	if cfg.AgentTimeout != 15*time.Minute {
		t.Errorf("malformed duration must fall back to default, got %s", cfg.AgentTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Port: "8080", DBPath: "x.db", AgentURL: "http://a",
		DefaultModel: "m", AgentTimeout: time.Minute, WorkerCount: 1, QueueSize: 1,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	broken := *cfg
	broken.AgentURL = ""
	if err := broken.Validate(); err == nil {
		t.Fatal("empty agent url must be rejected")
	}

	broken = *cfg
	broken.WorkerCount = 0
	if err := broken.Validate(); err == nil {
		t.Fatal("zero workers must be rejected")
	}
}

func TestIsDevelopment(t *testing.T) {
	dev := &Config{FrontendURL: "http://localhost:3000"}
	if !dev.IsDevelopment() {
		t.Error("localhost frontend must be development")
	}
	prod := &Config{FrontendURL: "https://research.example.com"}
	if prod.IsDevelopment() {
		t.Error("remote frontend must not be development")
	}
}
