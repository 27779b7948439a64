package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Project.ID)
	assert.Equal(t, StallComplete, cfg.Pipeline.OnStall)
	assert.Equal(t, "forgeline/", cfg.Pipeline.BranchPrefix)

	pm := cfg.PollFor("PM")
	assert.Equal(t, 5*time.Second, pm.Interval.Std())
	assert.Equal(t, 60, pm.MaxAttempts)
	dev := cfg.PollFor("dev")
	assert.Equal(t, 10*time.Second, dev.Interval.Std())

	a, ok := cfg.Agent("qa")
	require.True(t, ok)
	assert.Equal(t, ProviderHTTP, a.Provider)
	assert.Equal(t, "FORGELINE_AGENT_API_KEY", a.APIKeyEnv)
}

func TestFromYAMLMergesOverDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  id: web
pipeline:
  on_stall: fail
  phases:
    qa:
      max_attempts: 3
agents:
  qa:
    provider: fake
`))
	require.NoError(t, err)
	assert.Equal(t, StallFail, cfg.Pipeline.OnStall)
	assert.Equal(t, 3, cfg.PollFor("qa").MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.PollFor("qa").Interval.Std())

	qa, _ := cfg.Agent("qa")
	assert.Equal(t, ProviderFake, qa.Provider)
	dev, _ := cfg.Agent("dev")
	assert.Equal(t, ProviderHTTP, dev.Provider)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestFromYAMLRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing project", "pipeline:\n  on_stall: fail\n", "project.id is required"},
		{"bad stall policy", "project:\n  id: p\npipeline:\n  on_stall: maybe\n", "on_stall"},
		{"bad fallback", "project:\n  id: p\npipeline:\n  pm_fallback: guess\n", "pm_fallback"},
		{"bad duration", "project:\n  id: p\npipeline:\n  poll:\n    interval: ten\n", "invalid config yaml"},
		{"zero attempts", "project:\n  id: p\npipeline:\n  poll:\n    max_attempts: 0\n", "max_attempts must be positive"},
		{"unknown phase override", "project:\n  id: p\npipeline:\n  phases:\n    ops:\n      max_attempts: 1\n", "pipeline.phases.ops"},
		{"unknown agent", "project:\n  id: p\nagents:\n  ops:\n    provider: fake\n", "agents.ops"},
		{"http without url", "project:\n  id: p\nagents:\n  pm:\n    provider: http\n", "base_url is required"},
		{"unknown provider", "project:\n  id: p\nagents:\n  dev:\n    provider: carrier-pigeon\n", "not supported"},
		{"bad log format", "project:\n  id: p\nlogging:\n  format: xml\n", "logging.format"},
		{"webhook without url", "project:\n  id: p\ntimeline:\n  webhooks:\n    - levels: [error]\n", "webhooks[0].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fl init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("svc")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "svc", cfg.Project.ID)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}
