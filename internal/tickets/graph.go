// Package tickets evaluates ticket dependency and hierarchy state.
package tickets

import (
	"context"

	"forgeline/internal/domain"
)

// Store is the read surface the graph needs from ticket persistence.
// GetTickets omits ids that do not exist.
type Store interface {
	GetTicket(ctx context.Context, id string) (domain.Ticket, error)
	GetTickets(ctx context.Context, ids []string) (map[string]domain.Ticket, error)
	ListChildren(ctx context.Context, parentID string) ([]domain.Ticket, error)
}

// Graph answers scheduling questions against the current store state.
// It never writes.
type Graph struct {
	Store Store
}

// CanStart reports whether the ticket is not blocked and every dependency
// is done. A missing dependency is unsatisfied.
func (g Graph) CanStart(ctx context.Context, id string) (bool, error) {
	t, err := g.Store.GetTicket(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status == domain.TicketBlocked {
		return false, nil
	}
	return g.dependenciesDone(ctx, t)
}

func (g Graph) dependenciesDone(ctx context.Context, t domain.Ticket) (bool, error) {
	if len(t.Dependencies) == 0 {
		return true, nil
	}
	deps, err := g.Store.GetTickets(ctx, t.Dependencies)
	if err != nil {
		return false, err
	}
	for _, id := range t.Dependencies {
		dep, ok := deps[id]
		if !ok || !dep.Status.Done() {
			return false, nil
		}
	}
	return true, nil
}

// IsBlocked reports whether the ticket is explicitly blocked or any
// dependency is in a failed state.
func (g Graph) IsBlocked(ctx context.Context, id string) (bool, error) {
	t, err := g.Store.GetTicket(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status == domain.TicketBlocked {
		return true, nil
	}
	if len(t.Dependencies) == 0 {
		return false, nil
	}
	deps, err := g.Store.GetTickets(ctx, t.Dependencies)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		if dep.Status.Failed() {
			return true, nil
		}
	}
	return false, nil
}

func (g Graph) ChildrenOf(ctx context.Context, id string) ([]domain.Ticket, error) {
	return g.Store.ListChildren(ctx, id)
}

// Startable filters candidates down to those CanStart accepts, keeping order.
func (g Graph) Startable(ctx context.Context, candidates []domain.Ticket) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for _, t := range candidates {
		if t.Status == domain.TicketBlocked {
			continue
		}
		ok, err := g.dependenciesDone(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}
