package tickets

import (
	"context"
	"sort"

	"forgeline/internal/domain"
)

type StallReason string

const (
	// StallBlockedDependency: a direct or transitive dependency failed.
	StallBlockedDependency StallReason = "blocked_dependency"
	// StallMissingDependency: a dependency id does not resolve to a ticket.
	StallMissingDependency StallReason = "missing_dependency"
	// StallDependencyCycle: the ticket waits on itself through its dependencies.
	StallDependencyCycle StallReason = "dependency_cycle"
	// StallUnresolved: dependencies are neither done nor failed.
	StallUnresolved StallReason = "unresolved_dependency"
)

// Stall explains why a pending ticket can never start.
type Stall struct {
	TicketID string
	Key      string
	Reason   StallReason
	// Culprits are the dependency ids responsible for Reason.
	Culprits []string
}

// Classify explains each pending ticket that cannot make progress. Tickets
// that are not pending are ignored.
func (g Graph) Classify(ctx context.Context, pending []domain.Ticket) ([]Stall, error) {
	byID := make(map[string]domain.Ticket, len(pending))
	var missing []string
	for _, t := range pending {
		byID[t.ID] = t
	}
	for _, t := range pending {
		for _, d := range t.Dependencies {
			if _, ok := byID[d]; !ok {
				missing = append(missing, d)
			}
		}
	}
	external, err := g.Store.GetTickets(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, t := range external {
		if _, ok := byID[id]; !ok {
			byID[id] = t
		}
	}

	memo := map[string]StallReason{}
	visiting := map[string]bool{}
	var resolve func(id string) StallReason
	resolve = func(id string) StallReason {
		if r, ok := memo[id]; ok {
			return r
		}
		t, ok := byID[id]
		if !ok {
			return StallMissingDependency
		}
		if t.Status.Failed() {
			return StallBlockedDependency
		}
		if t.Status.Done() {
			return ""
		}
		if visiting[id] {
			return StallDependencyCycle
		}
		visiting[id] = true
		defer delete(visiting, id)
		reason := StallUnresolved
		for _, d := range t.Dependencies {
			if r := resolve(d); rank(r) > rank(reason) {
				reason = r
			}
		}
		memo[id] = reason
		return reason
	}

	var out []Stall
	for _, t := range pending {
		if !Pending(t.Status) {
			continue
		}
		s := Stall{TicketID: t.ID, Key: t.Key, Reason: StallUnresolved}
		for _, d := range t.Dependencies {
			r := resolve(d)
			if r == "" {
				continue
			}
			if rank(r) > rank(s.Reason) {
				s.Reason = r
				s.Culprits = nil
			}
			if r == s.Reason {
				s.Culprits = append(s.Culprits, d)
			}
		}
		sort.Strings(s.Culprits)
		out = append(out, s)
	}
	return out, nil
}

func rank(r StallReason) int {
	switch r {
	case StallBlockedDependency:
		return 4
	case StallMissingDependency:
		return 3
	case StallDependencyCycle:
		return 2
	case StallUnresolved:
		return 1
	}
	return 0
}
