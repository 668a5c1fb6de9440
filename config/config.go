package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the lazarus server. Zero values are filled in by
// defaults(); secrets come from the environment, never from the file.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir is the root directory for the SQLite stores.
	DataDir string `yaml:"data_dir"`

	Git      GitConfig      `yaml:"git"`
	GenAI    GenAIConfig    `yaml:"genai"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// GitConfig configures the source-control capability client.
type GitConfig struct {
	// APIBaseURL is the REST API root, e.g. "https://api.github.com".
	APIBaseURL string `yaml:"api_base_url"`

	// Token is read from GITHUB_TOKEN; anonymous access works for public repos.
	Token string `yaml:"-"`

	// Branch is the working branch for commits and pull requests.
	Branch string `yaml:"branch"`
}

// GenAIConfig configures the text-generation capability client.
type GenAIConfig struct {
	BaseURL string `yaml:"base_url"`

	// APIKey is read from GENAI_API_KEY.
	APIKey string `yaml:"-"`

	PlannerModel string `yaml:"planner_model"`
	CoderModel   string `yaml:"coder_model"`

	// FallbackModels are tried in order when the primary model fails.
	FallbackModels []string `yaml:"fallback_models"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SandboxConfig configures the remote execution capability.
type SandboxConfig struct {
	BaseURL string `yaml:"base_url"`

	// APIKey is read from SANDBOX_API_KEY.
	APIKey string `yaml:"-"`

	// LeaseTTL is the hard lifetime of one sandbox lease.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// BootPollInterval and BootPollAttempts bound the health-poll loop for
	// each managed process.
	BootPollInterval time.Duration `yaml:"boot_poll_interval"`
	BootPollAttempts int           `yaml:"boot_poll_attempts"`

	InstallTimeout time.Duration `yaml:"install_timeout"`
}

// PipelineConfig bounds the orchestrator.
type PipelineConfig struct {
	// MaxGenerationAttempts is the total generation budget per session:
	// the first attempt plus heal retries.
	MaxGenerationAttempts int `yaml:"max_generation_attempts"`

	// EventBufferSize is the per-session event channel capacity.
	EventBufferSize int `yaml:"event_buffer_size"`

	// DebugLogRetain caps the debug feed row count.
	DebugLogRetain int `yaml:"debug_log_retain"`
}

func (c *Config) defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Git.APIBaseURL == "" {
		c.Git.APIBaseURL = "https://api.github.com"
	}
	if c.Git.Branch == "" {
		c.Git.Branch = "lazarus-resurrection"
	}
	if c.GenAI.BaseURL == "" {
		c.GenAI.BaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	}
	if c.GenAI.PlannerModel == "" {
		c.GenAI.PlannerModel = "gemini-2.0-flash"
	}
	if c.GenAI.CoderModel == "" {
		c.GenAI.CoderModel = "gemini-3-flash-preview"
	}
	if len(c.GenAI.FallbackModels) == 0 {
		c.GenAI.FallbackModels = []string{"gemini-2.0-flash", "gemini-1.5-flash"}
	}
	if c.GenAI.RequestTimeout <= 0 {
		c.GenAI.RequestTimeout = 5 * time.Minute
	}
	if c.Sandbox.LeaseTTL <= 0 {
		c.Sandbox.LeaseTTL = 30 * time.Minute
	}
	if c.Sandbox.BootPollInterval <= 0 {
		c.Sandbox.BootPollInterval = 3 * time.Second
	}
	if c.Sandbox.BootPollAttempts <= 0 {
		c.Sandbox.BootPollAttempts = 20
	}
	if c.Sandbox.InstallTimeout <= 0 {
		c.Sandbox.InstallTimeout = 5 * time.Minute
	}
	if c.Pipeline.MaxGenerationAttempts <= 0 {
		c.Pipeline.MaxGenerationAttempts = 3
	}
	if c.Pipeline.EventBufferSize <= 0 {
		c.Pipeline.EventBufferSize = 256
	}
	if c.Pipeline.DebugLogRetain <= 0 {
		c.Pipeline.DebugLogRetain = 2000
	}
}

// Load reads the YAML file at path (missing file is fine: defaults apply),
// applies environment overrides for secrets, and fills in defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.Git.Token = os.Getenv("GITHUB_TOKEN")
	cfg.GenAI.APIKey = os.Getenv("GENAI_API_KEY")
	cfg.Sandbox.APIKey = os.Getenv("SANDBOX_API_KEY")

	cfg.defaults()
	return &cfg, nil
}
