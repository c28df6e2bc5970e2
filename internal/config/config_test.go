package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Agent.ValidationRetries != 3 || cfg.Agent.ExecutionRetries != 3 {
		t.Fatalf("expected repair budgets of 3, got V=%d E=%d",
			cfg.Agent.ValidationRetries, cfg.Agent.ExecutionRetries)
	}
	if cfg.RL.RecentErrors != 50 || cfg.RL.ErrorThreshold != 0.5 {
		t.Fatalf("unexpected RL warm-up defaults: N=%d theta=%v",
			cfg.RL.RecentErrors, cfg.RL.ErrorThreshold)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Name != "taskweave" {
		t.Fatalf("expected defaults, got name %q", cfg.Name)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
agent:
  max_iterations: 5
  validation_retries: 1
models:
  chat: local_llama3
browser:
  command_timeout: 9s
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("max_iterations = %d, want 5", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.ValidationRetries != 1 {
		t.Errorf("validation_retries = %d, want 1", cfg.Agent.ValidationRetries)
	}
	if cfg.Models.Chat != "local_llama3" {
		t.Errorf("chat model = %q, want local_llama3", cfg.Models.Chat)
	}
	if cfg.GetCommandTimeout() != 9*time.Second {
		t.Errorf("command timeout = %v, want 9s", cfg.GetCommandTimeout())
	}
	// Untouched sections keep their defaults.
	if cfg.RL.Gamma != 0.95 {
		t.Errorf("rl gamma = %v, want default 0.95", cfg.RL.Gamma)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models.Provider = "mystery"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown provider")
	}

	cfg = DefaultConfig()
	cfg.Agent.MaxIterations = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max_iterations")
	}

	cfg = DefaultConfig()
	cfg.Session.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown session backend")
	}
}

func TestTimeoutFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Browser.FollowUpTimeout = "garbage"
	if got := cfg.GetFollowUpTimeout(); got != 60*time.Second {
		t.Fatalf("expected 60s fallback, got %v", got)
	}
	cfg.Models.Timeout = ""
	if got := cfg.GetModelTimeout(); got != 120*time.Second {
		t.Fatalf("expected 120s fallback, got %v", got)
	}
}
