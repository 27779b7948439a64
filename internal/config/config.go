package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models forgeline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Pipeline PipelineConfig         `yaml:"pipeline"`
	Agents   map[string]AgentConfig `yaml:"agents"`
	Logging  LoggingConfig          `yaml:"logging"`
	Timeline TimelineConfig         `yaml:"timeline"`
	Server   ServerConfig           `yaml:"server"`
}

type PipelineConfig struct {
	Poll         PollConfig            `yaml:"poll"`
	Phases       map[string]PollConfig `yaml:"phases"`
	OnStall      string                `yaml:"on_stall"`
	PMFallback   string                `yaml:"pm_fallback"`
	BranchPrefix string                `yaml:"branch_prefix"`
}

type PollConfig struct {
	Interval    Duration `yaml:"interval"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// AgentConfig selects the provider for one phase. Credentials are never stored
// here; APIKeyEnv names the environment variable holding the key.
type AgentConfig struct {
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	Model          string `yaml:"model"`
	AutoCreatePR   bool   `yaml:"auto_create_pr"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TimelineConfig struct {
	File     string          `yaml:"file"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Levels         []string `yaml:"levels"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// Duration is a time.Duration written as "10s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

const (
	StallComplete = "complete"
	StallFail     = "fail"

	FallbackDefault = "default"
	FallbackFail    = "fail"

	ProviderHTTP = "http"
	ProviderFake = "fake"
)

var phaseKeys = map[string]bool{"pm": true, "dev": true, "qa": true, "default": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if err := c.Pipeline.Poll.validate("pipeline.poll"); err != nil {
		return err
	}
	for phase, p := range c.Pipeline.Phases {
		if !phaseKeys[phase] || phase == "default" {
			return fmt.Errorf("pipeline.phases.%s: unknown phase", phase)
		}
		if p.Interval < 0 || p.MaxAttempts < 0 {
			return fmt.Errorf("pipeline.phases.%s: interval and max_attempts must not be negative", phase)
		}
	}
	switch c.Pipeline.OnStall {
	case StallComplete, StallFail:
	default:
		return fmt.Errorf("pipeline.on_stall must be %q or %q", StallComplete, StallFail)
	}
	switch c.Pipeline.PMFallback {
	case FallbackDefault, FallbackFail:
	default:
		return fmt.Errorf("pipeline.pm_fallback must be %q or %q", FallbackDefault, FallbackFail)
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents is required")
	}
	for name, a := range c.Agents {
		if !phaseKeys[name] {
			return fmt.Errorf("agents.%s: unknown phase (use pm, dev, qa or default)", name)
		}
		switch a.Provider {
		case ProviderHTTP:
			if a.BaseURL == "" {
				return fmt.Errorf("agents.%s.base_url is required for provider http", name)
			}
		case ProviderFake:
		default:
			return fmt.Errorf("agents.%s.provider %q not supported", name, a.Provider)
		}
	}
	for _, phase := range []string{"pm", "dev", "qa"} {
		if _, ok := c.Agent(phase); !ok {
			return fmt.Errorf("no agent configured for phase %s", phase)
		}
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json")
	}
	for i, hook := range c.Timeline.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("timeline.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (p PollConfig) validate(field string) error {
	if p.Interval <= 0 {
		return fmt.Errorf("%s.interval must be positive", field)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be positive", field)
	}
	return nil
}

// Agent returns the agent config for a phase, falling back to "default".
func (c *Config) Agent(phase string) (AgentConfig, bool) {
	phase = strings.ToLower(phase)
	if a, ok := c.Agents[phase]; ok {
		return a, true
	}
	a, ok := c.Agents["default"]
	return a, ok
}

// PollFor returns the polling policy for a phase with per-phase overrides applied.
func (c *Config) PollFor(phase string) PollConfig {
	out := c.Pipeline.Poll
	if o, ok := c.Pipeline.Phases[strings.ToLower(phase)]; ok {
		if o.Interval > 0 {
			out.Interval = o.Interval
		}
		if o.MaxAttempts > 0 {
			out.MaxAttempts = o.MaxAttempts
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

pipeline:
  poll:
    interval: 10s
    max_attempts: 60
  phases:
    pm:
      interval: 5s
  on_stall: complete
  pm_fallback: default
  branch_prefix: forgeline/

agents:
  default:
    provider: http
    base_url: https://api.agents.example.com
    api_key_env: FORGELINE_AGENT_API_KEY
    auto_create_pr: true
    timeout_seconds: 30

logging:
  level: info
  format: console

timeline:
  file: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret_env: FORGELINE_JWT_SECRET
`
