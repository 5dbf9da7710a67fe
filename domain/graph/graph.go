// Package graph defines the computation-graph model: nodes, gates,
// validation, content hashing, and the in-process catalog of registered
// graphs.
package graph

import (
	"context"
	"time"

	"github.com/trellisengine/trellis/domain/execution"
)

// Inputs carries the upstream values handed to a user function, keyed by
// node name, along with any metadata attached to those values.
type Inputs struct {
	Values   map[string]any
	Metadata map[string]map[string]any
}

// ComputeFunc is a user computation. A nil error with any value (including
// nil) is a success; an error marks the computation failed and subject to the
// retry policy. Schedule nodes must return an absolute epoch-second pulse
// time.
type ComputeFunc func(ctx context.Context, in Inputs) (any, error)

// OnSaveFunc observes a successfully persisted result. It runs best-effort
// after the transaction commits; failures are logged and ignored.
type OnSaveFunc func(ctx context.Context, executionID, nodeName string, value any)

// Defaults applied to steps that do not set their own limits.
const (
	DefaultMaxRetries        = 3
	DefaultAbandonAfter      = 60 * time.Minute
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Minute
)

// MinHeartbeatInterval is the validation floor for per-step heartbeat
// intervals. It is a variable so short-lived test graphs can lower it.
var MinHeartbeatInterval = 30 * time.Second

// Node is one vertex of a graph: an input slot or a computed step.
type Node struct {
	Name string
	Type execution.NodeType

	// Step-only fields. GatedBy decides eligibility, Compute produces the
	// value, Mutates redirects the write to another node.
	GatedBy                Gate
	Compute                ComputeFunc
	OnSave                 OnSaveFunc
	Mutates                string
	UpdateRevisionOnChange bool

	MaxRetries        int
	AbandonAfter      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Upstreams returns the node's gate dependencies, sorted.
func (n *Node) Upstreams() []string { return GateNodes(n.GatedBy) }

// StepOption tunes a step node.
type StepOption func(*Node)

// WithMaxRetries sets the attempt budget: once this many attempts since the
// last success have failed or been abandoned, the node is left terminally
// failed.
func WithMaxRetries(n int) StepOption { return func(node *Node) { node.MaxRetries = n } }

// WithAbandonAfter sets the hard absolute deadline for one attempt.
func WithAbandonAfter(d time.Duration) StepOption {
	return func(node *Node) { node.AbandonAfter = d }
}

// WithHeartbeat sets the liveness cadence and timeout for one attempt.
func WithHeartbeat(interval, timeout time.Duration) StepOption {
	return func(node *Node) {
		node.HeartbeatInterval = interval
		node.HeartbeatTimeout = timeout
	}
}

// WithOnSave attaches a per-node save callback.
func WithOnSave(fn OnSaveFunc) StepOption { return func(node *Node) { node.OnSave = fn } }

// WithUpdateRevisionOnChange makes every successful write bump the execution
// revision even when the value is unchanged.
func WithUpdateRevisionOnChange() StepOption {
	return func(node *Node) { node.UpdateRevisionOnChange = true }
}

// Input declares a user-supplied value slot.
func Input(name string) *Node {
	return &Node{Name: name, Type: execution.NodeTypeInput}
}

func newStep(name string, typ execution.NodeType, gate Gate, f ComputeFunc, opts []StepOption) *Node {
	n := &Node{
		Name:              name,
		Type:              typ,
		GatedBy:           gate,
		Compute:           f,
		MaxRetries:        DefaultMaxRetries,
		AbandonAfter:      DefaultAbandonAfter,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Compute declares a step that writes its own value.
func Compute(name string, gate Gate, f ComputeFunc, opts ...StepOption) *Node {
	return newStep(name, execution.NodeTypeCompute, gate, f, opts)
}

// Mutate declares a step whose computed value is written to the target node.
// The step's own value records a marker string naming the target.
func Mutate(name string, gate Gate, f ComputeFunc, target string, opts ...StepOption) *Node {
	n := newStep(name, execution.NodeTypeMutate, gate, f, opts)
	n.Mutates = target
	return n
}

// TickOnce declares a one-shot schedule node. Its function returns an
// absolute epoch-second pulse time.
func TickOnce(name string, gate Gate, f ComputeFunc, opts ...StepOption) *Node {
	return newStep(name, execution.NodeTypeTickOnce, gate, f, opts)
}

// TickRecurring declares a recurring schedule node. After each pulse passes,
// the regeneration sweep materializes a fresh attempt.
func TickRecurring(name string, gate Gate, f ComputeFunc, opts ...StepOption) *Node {
	return newStep(name, execution.NodeTypeTickRecurring, gate, f, opts)
}

// Archive declares a step whose success archives the execution.
func Archive(name string, gate Gate, f ComputeFunc, opts ...StepOption) *Node {
	return newStep(name, execution.NodeTypeArchive, gate, f, opts)
}

// Graph is an immutable, validated computation graph.
type Graph struct {
	Name    string
	Version string
	Hash    string
	Nodes   []*Node

	// OnSave is the graph-wide save callback, invoked after any node's
	// per-node callback.
	OnSave OnSaveFunc
	// ExecutionIDPrefix is prepended to generated execution ids.
	ExecutionIDPrefix string
	// Singleton limits the graph to one unarchived execution; starting a
	// second returns the existing one.
	Singleton bool

	byName map[string]*Node
}

// Option tunes graph-wide behavior.
type Option func(*Graph)

// WithGraphOnSave attaches the graph-wide save callback.
func WithGraphOnSave(fn OnSaveFunc) Option { return func(g *Graph) { g.OnSave = fn } }

// WithExecutionIDPrefix prefixes generated execution ids.
func WithExecutionIDPrefix(p string) Option { return func(g *Graph) { g.ExecutionIDPrefix = p } }

// WithSingleton marks the graph as single-execution.
func WithSingleton() Option { return func(g *Graph) { g.Singleton = true } }

// New validates the node set and returns an immutable graph with its content
// hash computed. Validation failures are fatal: no execution of an invalid
// graph can start.
func New(name, version string, nodes []*Node, opts ...Option) (*Graph, error) {
	g := &Graph{
		Name:    name,
		Version: version,
		Nodes:   nodes,
		byName:  make(map[string]*Node, len(nodes)),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := validate(g); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		g.byName[n.Name] = n
	}
	g.Hash = contentHash(g)
	return g, nil
}

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node { return g.byName[name] }

// NodeNames returns all node names in declaration order.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		names = append(names, n.Name)
	}
	return names
}

// Steps returns the non-input nodes in declaration order.
func (g *Graph) Steps() []*Node {
	var steps []*Node
	for _, n := range g.Nodes {
		if n.Type != execution.NodeTypeInput {
			steps = append(steps, n)
		}
	}
	return steps
}
