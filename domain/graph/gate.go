package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/trellisengine/trellis/domain/execution"
)

// Predicate is a named boolean test over a single upstream value node.
type Predicate struct {
	Name string
	Fn   func(v *execution.Value) bool
}

// Provided is the default readiness predicate: the upstream value must be
// set. For schedule nodes the pulse time must additionally have passed.
func Provided() Predicate {
	return Predicate{
		Name: "provided?",
		Fn: func(v *execution.Value) bool {
			if !v.Set() {
				return false
			}
			if v.NodeType.IsSchedule() {
				pulse, ok := v.PulseTime()
				return ok && pulse <= time.Now().Unix()
			}
			return true
		},
	}
}

// IsTrue matches a set value equal to boolean true.
func IsTrue() Predicate {
	return Predicate{
		Name: "true?",
		Fn: func(v *execution.Value) bool {
			b, ok := execution.NormalizeValue(v.NodeValue).(bool)
			return v.Set() && ok && b
		},
	}
}

// IsFalse matches a set value equal to boolean false.
func IsFalse() Predicate {
	return Predicate{
		Name: "false?",
		Fn: func(v *execution.Value) bool {
			b, ok := execution.NormalizeValue(v.NodeValue).(bool)
			return v.Set() && ok && !b
		},
	}
}

// PredicateFunc wraps an arbitrary user test into a named predicate.
func PredicateFunc(name string, fn func(v *execution.Value) bool) Predicate {
	return Predicate{Name: name, Fn: fn}
}

// Gate is a boolean expression tree over upstream value nodes that decides
// when a step becomes eligible to run.
type Gate interface {
	isGate()
}

// Leaf evaluates one predicate against one upstream node.
type Leaf struct {
	Node      string
	Predicate Predicate
}

// And is true when all children are true. An empty And is true, which makes
// a step with no upstreams eligible as soon as the execution starts.
type And struct {
	Gates []Gate
}

// Or is true when any child is true.
type Or struct {
	Gates []Gate
}

// Not inverts its child.
type Not struct {
	Gate Gate
}

func (Leaf) isGate() {}
func (And) isGate()  {}
func (Or) isGate()   {}
func (Not) isGate()  {}

// On builds a leaf gate for one upstream node.
func On(node string, p Predicate) Gate { return Leaf{Node: node, Predicate: p} }

// Deps is the flat-list sugar: all named upstreams must be provided.
func Deps(nodes ...string) Gate {
	gates := make([]Gate, 0, len(nodes))
	for _, n := range nodes {
		gates = append(gates, Leaf{Node: n, Predicate: Provided()})
	}
	return And{Gates: gates}
}

// AllOf, AnyOf and NotOf assemble composite gates.
func AllOf(gates ...Gate) Gate { return And{Gates: gates} }
func AnyOf(gates ...Gate) Gate { return Or{Gates: gates} }
func NotOf(g Gate) Gate        { return Not{Gate: g} }

// GateNodes returns the distinct upstream node names referenced by a gate,
// sorted for deterministic hashing and snapshots.
func GateNodes(g Gate) []string {
	seen := map[string]bool{}
	var walk func(Gate)
	walk = func(g Gate) {
		switch t := g.(type) {
		case Leaf:
			seen[t.Node] = true
		case And:
			for _, c := range t.Gates {
				walk(c)
			}
		case Or:
			for _, c := range t.Gates {
				walk(c)
			}
		case Not:
			walk(t.Gate)
		}
	}
	if g != nil {
		walk(g)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// gateSpec renders a gate as a stable string used for content hashing and
// diagnostics.
func gateSpec(g Gate) string {
	switch t := g.(type) {
	case nil:
		return ""
	case Leaf:
		return fmt.Sprintf("%s(%s)", t.Predicate.Name, t.Node)
	case And:
		return "and(" + joinSpecs(t.Gates) + ")"
	case Or:
		return "or(" + joinSpecs(t.Gates) + ")"
	case Not:
		return "not(" + gateSpec(t.Gate) + ")"
	}
	return "?"
}

func joinSpecs(gates []Gate) string {
	s := ""
	for i, g := range gates {
		if i > 0 {
			s += ","
		}
		s += gateSpec(g)
	}
	return s
}

// Readiness is the outcome of evaluating a gate against a value snapshot.
// The met / not-met condition lists answer "what am I waiting for?".
type Readiness struct {
	Ready            bool
	ConditionsMet    []string
	ConditionsNotMet []string
}

// EvaluateGate evaluates a gate against the execution's value nodes. A gate
// referencing a node with no value row is a programming error and returns an
// error rather than a verdict.
func EvaluateGate(g Gate, values []*execution.Value) (Readiness, error) {
	r := Readiness{}
	ok, err := evalGate(g, values, &r)
	if err != nil {
		return Readiness{}, err
	}
	r.Ready = ok
	return r, nil
}

func evalGate(g Gate, values []*execution.Value, r *Readiness) (bool, error) {
	switch t := g.(type) {
	case nil:
		return true, nil
	case Leaf:
		var node *execution.Value
		for _, v := range values {
			if v.NodeName == t.Node {
				node = v
				break
			}
		}
		if node == nil {
			return false, fmt.Errorf("gate references node %q with no value row", t.Node)
		}
		ok := t.Predicate.Fn(node)
		if ok {
			r.ConditionsMet = append(r.ConditionsMet, gateSpec(t))
		} else {
			r.ConditionsNotMet = append(r.ConditionsNotMet, gateSpec(t))
		}
		return ok, nil
	case And:
		all := true
		for _, c := range t.Gates {
			ok, err := evalGate(c, values, r)
			if err != nil {
				return false, err
			}
			all = all && ok
		}
		return all, nil
	case Or:
		any := false
		for _, c := range t.Gates {
			ok, err := evalGate(c, values, r)
			if err != nil {
				return false, err
			}
			any = any || ok
		}
		return any, nil
	case Not:
		ok, err := evalGate(t.Gate, values, r)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, fmt.Errorf("unknown gate type %T", g)
}
