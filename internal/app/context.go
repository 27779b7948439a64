// Package app wires a workspace into a running engine: database, stores,
// agent clients, timeline sinks and logger.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/agent"
	"forgeline/internal/agent/agenttest"
	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/events"
	"forgeline/internal/logging"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
)

type Options struct {
	Workspace string
	// Config overrides the workspace forgeline.yml.
	Config *config.Config
	Logger *zap.Logger
	// Agents overrides the clients built from config.
	Agents agent.Resolver
	// Sinks receive timeline entries in addition to the configured ones.
	Sinks  []events.Sink
	Getenv func(string) string
}

// App is an opened workspace.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
	Engine *engine.Engine
	Logger *zap.Logger

	closers []func() error
}

// Open loads config, migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.Workspace); err != nil {
			return nil, err
		}
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	a := &App{Config: cfg, Logger: opts.Logger}
	if a.Logger == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		a.Logger = l
		a.closers = append(a.closers, func() error {
			_ = l.Sync()
			return nil
		})
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.New(conn)

	agents := opts.Agents
	if agents == nil {
		if agents, err = Agents(cfg, getenv); err != nil {
			a.Close()
			return nil, err
		}
	}
	sink, closers := Sinks(cfg.Timeline)
	a.closers = append(a.closers, closers...)
	if len(opts.Sinks) > 0 {
		sink = events.Multi(append([]events.Sink{sink}, opts.Sinks...)...)
	}

	a.Engine, err = engine.New(engine.Deps{
		Runs:    a.Repo,
		Tickets: a.Repo,
		Agents:  agents,
		Sink:    sink,
		Logger:  a.Logger,
		Config:  cfg,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Agents builds one client per phase from config. API keys are read from the
// environment variable each agent names.
func Agents(cfg *config.Config, getenv func(string) string) (agent.Clients, error) {
	out := agent.Clients{ByPhase: map[domain.Phase]agent.Client{}}
	for _, phase := range []domain.Phase{domain.PhasePM, domain.PhaseDev, domain.PhaseQA} {
		ac, ok := cfg.Agent(string(phase))
		if !ok {
			return out, fmt.Errorf("no agent configured for phase %s", phase)
		}
		c, err := newClient(ac, getenv)
		if err != nil {
			return out, fmt.Errorf("agent %s: %w", strings.ToLower(string(phase)), err)
		}
		out.ByPhase[phase] = c
	}
	return out, nil
}

func newClient(ac config.AgentConfig, getenv func(string) string) (agent.Client, error) {
	switch ac.Provider {
	case config.ProviderHTTP:
		key := ""
		if ac.APIKeyEnv != "" {
			key = getenv(ac.APIKeyEnv)
		}
		c := agent.NewHTTPClient(ac.BaseURL, key, time.Duration(ac.TimeoutSeconds)*time.Second)
		c.Model = ac.Model
		c.AutoCreatePR = ac.AutoCreatePR
		return c, nil
	case config.ProviderFake:
		return DryRun(), nil
	default:
		return nil, fmt.Errorf("provider %q not supported", ac.Provider)
	}
}

// DryRun is the "fake" provider: every job finishes after one poll with no
// output, so PM falls back to the default plan and QA passes.
func DryRun() *agenttest.Fake {
	f := agenttest.New()
	f.Responder = func(agent.LaunchRequest) agenttest.Script {
		return agenttest.Completed("", 1)
	}
	return f
}

// Sinks returns the configured timeline sinks and their closers.
func Sinks(cfg config.TimelineConfig) (events.Sink, []func() error) {
	var sinks []events.Sink
	var closers []func() error
	if cfg.File != "" {
		fs := events.NewFileSink(cfg.File)
		sinks = append(sinks, fs)
		closers = append(closers, fs.Close)
	}
	if len(cfg.Webhooks) > 0 {
		sinks = append(sinks, events.NewWebhookSink(cfg.Webhooks))
	}
	return events.Multi(sinks...), closers
}

// ResolveProject picks the project for a command: the explicit override,
// then the configured project.
func ResolveProject(cfg *config.Config, override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}
	if cfg != nil && cfg.Project.ID != "" {
		return cfg.Project.ID, nil
	}
	return "", fmt.Errorf("project not specified; use --project")
}
