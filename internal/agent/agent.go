// Package agent launches and tracks remote agent jobs.
package agent

import (
	"context"
	"errors"
	"fmt"

	"forgeline/internal/domain"
)

type LaunchRequest struct {
	Phase      domain.Phase
	Prompt     string
	Repository string
	Ref        string
	BranchHint string
}

// Handle identifies a launched job at the provider.
type Handle struct {
	ID    string
	Phase domain.Phase
}

type Status struct {
	State  domain.JobStatus
	Output *domain.JobOutput
	Error  string
}

// Client is the capability surface the pipeline consumes.
type Client interface {
	Launch(ctx context.Context, req LaunchRequest) (Handle, error)
	Status(ctx context.Context, h Handle) (Status, error)
	Cancel(ctx context.Context, h Handle) error
}

// LaunchError reports that a job could not be started.
type LaunchError struct {
	Phase  domain.Phase
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch %s agent: %s: %v", e.Phase, e.Reason, e.Err)
	}
	return fmt.Sprintf("launch %s agent: %s", e.Phase, e.Reason)
}

func (e *LaunchError) Unwrap() error { return e.Err }

var ErrNoClient = errors.New("no agent client configured")

// Resolver hands out the client that serves a phase.
type Resolver interface {
	ClientFor(phase domain.Phase) (Client, error)
}

// Clients is a static Resolver. Default serves phases without an entry.
type Clients struct {
	ByPhase map[domain.Phase]Client
	Default Client
}

func (c Clients) ClientFor(phase domain.Phase) (Client, error) {
	if cl, ok := c.ByPhase[phase]; ok && cl != nil {
		return cl, nil
	}
	if c.Default != nil {
		return c.Default, nil
	}
	return nil, &LaunchError{Phase: phase, Reason: "no client for phase", Err: ErrNoClient}
}

// Single serves every phase with one client.
func Single(c Client) Clients {
	return Clients{Default: c}
}
