package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forgeline/internal/agent"
	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
)

func TestOpenRunsDryRunPipeline(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default("demo")
	cfg.Agents = map[string]config.AgentConfig{"default": {Provider: config.ProviderFake}}
	cfg.Pipeline.Poll.Interval = config.Duration(time.Millisecond)
	cfg.Pipeline.Phases = nil
	cfg.Timeline.File = filepath.Join(dir, "timeline.jsonl")

	a, err := Open(context.Background(), Options{Workspace: dir, Config: cfg, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	h, err := a.Engine.Start(context.Background(), engine.StartRequest{Request: "add a button", Repository: "https://example.com/r.git"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	run, err := a.Engine.GetRunStatus(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.State)
	assert.Equal(t, domain.OutcomeSucceeded, run.Outcome)
	assert.Equal(t, "demo", run.ProjectID)

	require.NoError(t, a.Close())
	data, err := os.ReadFile(cfg.Timeline.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run completed"`)
}

func TestAgentsFromConfig(t *testing.T) {
	cfg := config.Default("demo")
	cfg.Agents["qa"] = config.AgentConfig{Provider: config.ProviderFake}
	env := map[string]string{"FORGELINE_AGENT_API_KEY": "k1"}
	clients, err := Agents(cfg, func(k string) string { return env[k] })
	require.NoError(t, err)

	pm, err := clients.ClientFor(domain.PhasePM)
	require.NoError(t, err)
	hc, ok := pm.(*agent.HTTPClient)
	require.True(t, ok)
	assert.Equal(t, "k1", hc.APIKey)
	assert.True(t, hc.AutoCreatePR)

	qa, err := clients.ClientFor(domain.PhaseQA)
	require.NoError(t, err)
	_, isHTTP := qa.(*agent.HTTPClient)
	assert.False(t, isHTTP)
}

func TestResolveProject(t *testing.T) {
	id, err := ResolveProject(config.Default("demo"), "")
	require.NoError(t, err)
	assert.Equal(t, "demo", id)
	id, err = ResolveProject(config.Default("demo"), " other ")
	require.NoError(t, err)
	assert.Equal(t, "other", id)
	_, err = ResolveProject(nil, "")
	assert.Error(t, err)
}
