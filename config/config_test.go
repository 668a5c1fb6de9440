package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Fatalf("listen_addr: got %q", cfg.ListenAddr)
	}
	if cfg.Pipeline.MaxGenerationAttempts != 3 {
		t.Fatalf("max_generation_attempts: got %d", cfg.Pipeline.MaxGenerationAttempts)
	}
	if cfg.Sandbox.LeaseTTL != 30*time.Minute {
		t.Fatalf("lease_ttl: got %v", cfg.Sandbox.LeaseTTL)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazarus.yaml")
	body := `
listen_addr: ":9090"
pipeline:
  max_generation_attempts: 2
sandbox:
  boot_poll_attempts: 5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen_addr: got %q", cfg.ListenAddr)
	}
	if cfg.Pipeline.MaxGenerationAttempts != 2 {
		t.Fatalf("max_generation_attempts: got %d", cfg.Pipeline.MaxGenerationAttempts)
	}
	if cfg.Sandbox.BootPollAttempts != 5 {
		t.Fatalf("boot_poll_attempts: got %d", cfg.Sandbox.BootPollAttempts)
	}
	// Unset fields still default.
	if cfg.GenAI.CoderModel == "" {
		t.Fatal("coder_model not defaulted")
	}
}

func TestLoad_EnvSecrets(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "tok_abc")
	t.Setenv("GENAI_API_KEY", "key_xyz")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Git.Token != "tok_abc" {
		t.Fatalf("git token: got %q", cfg.Git.Token)
	}
	if cfg.GenAI.APIKey != "key_xyz" {
		t.Fatalf("genai key: got %q", cfg.GenAI.APIKey)
	}
}
