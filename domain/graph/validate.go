package graph

import (
	"fmt"
	"strings"

	"github.com/trellisengine/trellis/domain/execution"
)

// validate enforces the structural rules a graph must satisfy before it can
// be registered. Any violation is fatal.
func validate(g *Graph) error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("graph name is required")
	}
	if strings.TrimSpace(g.Version) == "" {
		return fmt.Errorf("graph %q: version is required", g.Name)
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %q: at least one node is required", g.Name)
	}

	names := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("graph %q: node with empty name", g.Name)
		}
		if n.Name == execution.NodeExecutionID || n.Name == execution.NodeLastUpdatedAt {
			return fmt.Errorf("graph %q: node name %q is reserved", g.Name, n.Name)
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("graph %q: duplicate node name %q", g.Name, n.Name)
		}
		names[n.Name] = n
	}

	for _, n := range g.Nodes {
		if n.Type == execution.NodeTypeInput {
			continue
		}
		if n.Compute == nil {
			return fmt.Errorf("graph %q: step %q has no compute function", g.Name, n.Name)
		}
		for _, up := range n.Upstreams() {
			if _, ok := names[up]; !ok {
				return fmt.Errorf("graph %q: node %q depends on unknown node %q", g.Name, n.Name, up)
			}
		}
		if n.Type == execution.NodeTypeMutate {
			if n.Mutates == "" {
				return fmt.Errorf("graph %q: mutate node %q has no target", g.Name, n.Name)
			}
			if n.Mutates == n.Name {
				return fmt.Errorf("graph %q: mutate node %q targets itself", g.Name, n.Name)
			}
			if _, ok := names[n.Mutates]; !ok {
				return fmt.Errorf("graph %q: mutate node %q targets unknown node %q", g.Name, n.Name, n.Mutates)
			}
			if n.UpdateRevisionOnChange && containsName(n.Upstreams(), n.Mutates) {
				return fmt.Errorf(
					"graph %q: mutate node %q targets %q which gates it and update_revision_on_change is set, this would cycle",
					g.Name, n.Name, n.Mutates)
			}
		}
		if n.HeartbeatInterval < MinHeartbeatInterval {
			return fmt.Errorf("graph %q: node %q heartbeat interval %s is below the %s minimum",
				g.Name, n.Name, n.HeartbeatInterval, MinHeartbeatInterval)
		}
		if n.HeartbeatInterval > n.HeartbeatTimeout/2 {
			return fmt.Errorf("graph %q: node %q heartbeat interval %s exceeds half the %s timeout",
				g.Name, n.Name, n.HeartbeatInterval, n.HeartbeatTimeout)
		}
	}

	return detectCycles(g, names)
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// detectCycles runs a three-color depth-first search over the dependency
// edges. The error message traces the cycle so the author can see it.
func detectCycles(g *Graph, names map[string]*Node) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.Nodes))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			cycle := append(append([]string{}, path...), name)
			return fmt.Errorf("graph %q: dependency cycle: %s", g.Name, strings.Join(cycle, " -> "))
		case black:
			return nil
		}
		color[name] = gray
		path = append(path, name)
		if n := names[name]; n != nil {
			for _, up := range n.Upstreams() {
				if err := visit(up); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	for _, n := range g.Nodes {
		if err := visit(n.Name); err != nil {
			return err
		}
	}
	return nil
}
