package tickets

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

type memStore struct {
	tickets map[string]domain.Ticket
	order   []string
}

func newMemStore(list ...domain.Ticket) *memStore {
	s := &memStore{tickets: map[string]domain.Ticket{}}
	for _, t := range list {
		s.put(t)
	}
	return s
}

func (s *memStore) put(t domain.Ticket) {
	if _, ok := s.tickets[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tickets[t.ID] = t
}

func (s *memStore) setStatus(id string, status domain.TicketStatus) {
	t := s.tickets[id]
	t.Status = status
	s.tickets[id] = t
}

func (s *memStore) GetTicket(_ context.Context, id string) (domain.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return t, fmt.Errorf("ticket %s not found", id)
	}
	return t, nil
}

func (s *memStore) GetTickets(_ context.Context, ids []string) (map[string]domain.Ticket, error) {
	out := map[string]domain.Ticket{}
	for _, id := range ids {
		if t, ok := s.tickets[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (s *memStore) ListChildren(_ context.Context, parentID string) ([]domain.Ticket, error) {
	var out []domain.Ticket
	for _, id := range s.order {
		t := s.tickets[id]
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func ticket(id string, status domain.TicketStatus, deps ...string) domain.Ticket {
	return domain.Ticket{ID: id, Key: id, Status: status, Dependencies: deps}
}

func TestCanStart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(
		ticket("free", domain.TicketPlanned),
		ticket("done", domain.TicketCompleted),
		ticket("approved", domain.TicketQAApproved),
		ticket("wip", domain.TicketInProgress),
		ticket("ready", domain.TicketPlanned, "done", "approved"),
		ticket("waiting", domain.TicketPlanned, "done", "wip"),
		ticket("dangling", domain.TicketPlanned, "ghost"),
		ticket("stuck", domain.TicketBlocked),
	)
	g := Graph{Store: store}
	cases := map[string]bool{
		"free":     true,
		"ready":    true,
		"waiting":  false,
		"dangling": false,
		"stuck":    false,
	}
	for id, want := range cases {
		got, err := g.CanStart(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}
	_, err := g.CanStart(ctx, "ghost")
	assert.Error(t, err)
}

func TestIsBlocked(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(
		ticket("failed", domain.TicketQAFailed),
		ticket("blocked", domain.TicketBlocked),
		ticket("child", domain.TicketPlanned, "failed"),
		ticket("pending", domain.TicketPlanned, "ghost"),
	)
	g := Graph{Store: store}
	for id, want := range map[string]bool{"failed": false, "blocked": true, "child": true, "pending": false} {
		got, err := g.IsBlocked(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}
}

func TestChildrenOf(t *testing.T) {
	root := "root"
	a := ticket("a", domain.TicketPlanned)
	a.ParentID = &root
	b := ticket("b", domain.TicketPlanned)
	b.ParentID = &root
	g := Graph{Store: newMemStore(ticket(root, domain.TicketInProgress), a, b, ticket("other", domain.TicketPlanned))}
	children, err := g.ChildrenOf(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "a", children[0].ID)
	assert.Equal(t, "b", children[1].ID)
}

func TestCheckTransition(t *testing.T) {
	flow := []domain.TicketStatus{
		domain.TicketPlanned, domain.TicketReadyForDev, domain.TicketInProgress, domain.TicketInReview,
		domain.TicketTesting, domain.TicketQAApproved, domain.TicketCompleted,
	}
	for i := 1; i < len(flow); i++ {
		assert.NoError(t, CheckTransition(flow[i-1], flow[i]))
	}
	assert.NoError(t, CheckTransition(domain.TicketTesting, domain.TicketBlocked))
	assert.NoError(t, CheckTransition(domain.TicketBlocked, domain.TicketPlanned))
	assert.Error(t, CheckTransition(domain.TicketPlanned, domain.TicketInProgress))
	assert.Error(t, CheckTransition(domain.TicketCompleted, domain.TicketPlanned))
	assert.Error(t, CheckTransition(domain.TicketBlocked, domain.TicketCompleted))
}

func TestValidateDAG(t *testing.T) {
	order, err := ValidateDAG([]string{"b", "a", "c"}, map[string][]string{"b": {"a"}, "c": {"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)

	_, err = ValidateDAG([]string{"a", "b", "c"}, map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")

	_, err = ValidateDAG([]string{"a"}, map[string][]string{"a": {"z"}})
	require.ErrorContains(t, err, "unknown ticket")

	_, err = ValidateDAG([]string{"a"}, map[string][]string{"a": {"a"}})
	require.ErrorContains(t, err, "itself")

	_, err = ValidateDAG([]string{"a", "a"}, nil)
	require.ErrorContains(t, err, "duplicate")
}

func TestClassifyStalls(t *testing.T) {
	store := newMemStore(
		ticket("bad", domain.TicketBlocked),
		ticket("direct", domain.TicketPlanned, "bad"),
		ticket("transitive", domain.TicketPlanned, "direct"),
		ticket("dangling", domain.TicketPlanned, "ghost"),
		ticket("x", domain.TicketPlanned, "y"),
		ticket("y", domain.TicketPlanned, "x"),
	)
	g := Graph{Store: store}
	var pending []domain.Ticket
	for _, id := range []string{"direct", "transitive", "dangling", "x", "y"} {
		pending = append(pending, store.tickets[id])
	}
	stalls, err := g.Classify(context.Background(), pending)
	require.NoError(t, err)
	require.Len(t, stalls, 5)
	got := map[string]Stall{}
	for _, s := range stalls {
		got[s.TicketID] = s
	}
	assert.Equal(t, StallBlockedDependency, got["direct"].Reason)
	assert.Equal(t, []string{"bad"}, got["direct"].Culprits)
	assert.Equal(t, StallBlockedDependency, got["transitive"].Reason)
	assert.Equal(t, StallMissingDependency, got["dangling"].Reason)
	assert.Equal(t, StallDependencyCycle, got["x"].Reason)
	assert.Equal(t, StallDependencyCycle, got["y"].Reason)
}

// TestSchedulingNeverStartsBeforeDependencies drives random DAGs through a
// pick-startable loop and checks each start against dependency state.
func TestSchedulingNeverStartsBeforeDependencies(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		n := 2 + rng.Intn(10)
		store := newMemStore()
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("t%d", j))
				}
			}
			store.put(ticket(fmt.Sprintf("t%d", i), domain.TicketPlanned, deps...))
		}
		g := Graph{Store: store}
		for {
			var pending []domain.Ticket
			for _, id := range store.order {
				if Pending(store.tickets[id].Status) {
					pending = append(pending, store.tickets[id])
				}
			}
			startable, err := g.Startable(ctx, pending)
			require.NoError(t, err)
			if len(startable) == 0 {
				stalls, err := g.Classify(ctx, pending)
				require.NoError(t, err)
				for _, s := range stalls {
					assert.Equal(t, StallBlockedDependency, s.Reason, "iteration %d ticket %s", iter, s.TicketID)
				}
				break
			}
			next := startable[0]
			for _, d := range next.Dependencies {
				require.True(t, store.tickets[d].Status.Done(), "iteration %d: %s started before %s", iter, next.ID, d)
			}
			if rng.Intn(4) == 0 {
				store.setStatus(next.ID, domain.TicketBlocked)
			} else {
				store.setStatus(next.ID, domain.TicketCompleted)
			}
		}
	}
}
