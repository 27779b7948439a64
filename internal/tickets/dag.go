package tickets

import (
	"fmt"
	"strings"
)

// ValidateDAG checks that every edge points at a known node and that the
// graph is acyclic. It returns the nodes in a dependency-first order, with
// ties broken by input order.
func ValidateDAG(nodes []string, deps map[string][]string) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if known[n] {
			return nil, fmt.Errorf("duplicate ticket key %q", n)
		}
		known[n] = true
	}
	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string)
	for _, n := range nodes {
		seen := map[string]bool{}
		for _, d := range deps[n] {
			if d == n {
				return nil, fmt.Errorf("ticket %q depends on itself", n)
			}
			if !known[d] {
				return nil, fmt.Errorf("ticket %q depends on unknown ticket %q", n, d)
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			inDegree[n]++
			forward[d] = append(forward[d], n)
		}
	}
	for n := range deps {
		if !known[n] {
			return nil, fmt.Errorf("dependencies declared for unknown ticket %q", n)
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted = append(sorted, n)
		for _, dependent := range forward[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if len(sorted) == len(nodes) {
		return sorted, nil
	}
	return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(findCycle(nodes, deps, inDegree), " -> "))
}

// findCycle walks dependency edges from the nodes Kahn could not drain.
func findCycle(nodes []string, deps map[string][]string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(nodes))
	var stack []string
	var cycle []string
	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, d := range deps[n] {
			switch color[d] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == d {
						cycle = append(append([]string{}, stack[i:]...), d)
						return true
					}
				}
			case white:
				if visit(d) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white && visit(n) {
			return cycle
		}
	}
	return []string{"(cycle)"}
}
