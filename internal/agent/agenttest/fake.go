// Package agenttest provides a scripted agent.Client for tests.
package agenttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"forgeline/internal/agent"
	"forgeline/internal/domain"
)

// Script is the sequence of statuses one job walks through. The last
// status repeats once reached.
type Script struct {
	Steps []agent.Status
	// LaunchErr, when set, fails the launch.
	LaunchErr error
}

// Completed finishes after pending polls with text as output.
func Completed(text string, pending int) Script {
	var s Script
	for i := 0; i < pending; i++ {
		s.Steps = append(s.Steps, agent.Status{State: domain.JobRunning})
	}
	s.Steps = append(s.Steps, agent.Status{State: domain.JobCompleted, Output: &domain.JobOutput{Text: text}})
	return s
}

func Failed(msg string) Script {
	return Script{Steps: []agent.Status{{State: domain.JobFailed, Error: msg}}}
}

// Never stays running forever.
func Never() Script {
	return Script{Steps: []agent.Status{{State: domain.JobRunning}}}
}

type job struct {
	req   agent.LaunchRequest
	steps []agent.Status
	polls int
}

// Fake replays scripts per phase in launch order. Responder, when set,
// overrides the queue and builds a script from the request.
type Fake struct {
	mu        sync.Mutex
	queues    map[domain.Phase][]Script
	jobs      map[string]*job
	order     []string
	cancelled []string
	next      int

	Responder func(req agent.LaunchRequest) Script
	// OnLaunch runs after a successful launch, outside the lock.
	OnLaunch func(h agent.Handle)
}

func New() *Fake {
	return &Fake{queues: map[domain.Phase][]Script{}, jobs: map[string]*job{}}
}

// Push queues scripts for the next launches of phase.
func (f *Fake) Push(phase domain.Phase, scripts ...Script) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[phase] = append(f.queues[phase], scripts...)
	return f
}

func (f *Fake) Launch(ctx context.Context, req agent.LaunchRequest) (agent.Handle, error) {
	if err := ctx.Err(); err != nil {
		return agent.Handle{}, err
	}
	var script Script
	f.mu.Lock()
	switch {
	case f.Responder != nil:
		script = f.Responder(req)
	case len(f.queues[req.Phase]) > 0:
		script = f.queues[req.Phase][0]
		f.queues[req.Phase] = f.queues[req.Phase][1:]
	default:
		f.mu.Unlock()
		return agent.Handle{}, &agent.LaunchError{Phase: req.Phase, Reason: "no scripted job"}
	}
	if script.LaunchErr != nil {
		f.mu.Unlock()
		return agent.Handle{}, &agent.LaunchError{Phase: req.Phase, Reason: "scripted failure", Err: script.LaunchErr}
	}
	if len(script.Steps) == 0 {
		script = Never()
	}
	f.next++
	h := agent.Handle{ID: fmt.Sprintf("job-%d", f.next), Phase: req.Phase}
	f.jobs[h.ID] = &job{req: req, steps: script.Steps}
	f.order = append(f.order, h.ID)
	hook := f.OnLaunch
	f.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return h, nil
}

func (f *Fake) Status(ctx context.Context, h agent.Handle) (agent.Status, error) {
	if err := ctx.Err(); err != nil {
		return agent.Status{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[h.ID]
	if !ok {
		return agent.Status{}, errors.New("unknown job " + h.ID)
	}
	i := j.polls
	if i >= len(j.steps) {
		i = len(j.steps) - 1
	}
	j.polls++
	return j.steps[i], nil
}

func (f *Fake) Cancel(_ context.Context, h agent.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[h.ID]
	if !ok {
		return errors.New("unknown job " + h.ID)
	}
	f.cancelled = append(f.cancelled, h.ID)
	j.steps = []agent.Status{{State: domain.JobCancelled}}
	j.polls = 0
	return nil
}

// Launches returns the requests in launch order.
func (f *Fake) Launches() []agent.LaunchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.LaunchRequest, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.jobs[id].req)
	}
	return out
}

// Polls returns how many times the job was polled.
func (f *Fake) Polls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return j.polls
	}
	return 0
}

func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}
