package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/domain/graph"
	"github.com/trellisengine/trellis/pkg/storage"
)

// SetOptions carry optional per-call attributes for Set operations.
type SetOptions struct {
	// Metadata is stored on the value and returned by Get. For multi-node
	// sets the same metadata applies to every node.
	Metadata map[string]any
}

// Set writes one input value and advances the execution.
func (e *Engine) Set(ctx context.Context, executionID, nodeName string, value any, opts *SetOptions) (*execution.Execution, error) {
	return e.SetMany(ctx, executionID, map[string]any{nodeName: value}, opts)
}

// SetMany atomically writes several input values, bumping the revision once
// per node, and advances the execution.
func (e *Engine) SetMany(ctx context.Context, executionID string, values map[string]any, opts *SetOptions) (*execution.Execution, error) {
	g, err := e.graphFor(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var metadata map[string]any
	if opts != nil {
		metadata = opts.Metadata
	}
	updates := make([]storage.ValueUpdate, 0, len(values))
	for name, v := range values {
		node := g.Node(name)
		if node == nil {
			return nil, unknownNodeError(g, name)
		}
		if node.Type != execution.NodeTypeInput {
			return nil, fmt.Errorf("node %q is not an input, only inputs can be set", name)
		}
		updates = append(updates, storage.ValueUpdate{NodeName: name, Value: v, Metadata: metadata})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].NodeName < updates[j].NodeName })

	ex, err := e.store.SetValues(ctx, executionID, updates)
	if err != nil {
		return nil, err
	}
	if err := e.Advance(ctx, ex); err != nil {
		return nil, err
	}
	return e.store.LoadExecution(ctx, executionID)
}

// Unset atomically clears the named input values. Downstream computations go
// stale through the revision bump and are re-gated on the next advance.
func (e *Engine) Unset(ctx context.Context, executionID string, nodeNames ...string) (*execution.Execution, error) {
	g, err := e.graphFor(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for _, name := range nodeNames {
		node := g.Node(name)
		if node == nil {
			return nil, unknownNodeError(g, name)
		}
		if node.Type != execution.NodeTypeInput {
			return nil, fmt.Errorf("node %q is not an input, only inputs can be unset", name)
		}
	}

	ex, err := e.store.UnsetValues(ctx, executionID, nodeNames)
	if err != nil {
		return nil, err
	}
	if err := e.Advance(ctx, ex); err != nil {
		return nil, err
	}
	return e.store.LoadExecution(ctx, executionID)
}

// WaitMode selects the blocking behavior of Get.
type WaitMode int

const (
	// WaitNone returns immediately.
	WaitNone WaitMode = iota
	// WaitAny waits until the value is set at all.
	WaitAny
	// WaitNewer waits for a revision strictly greater than the execution
	// revision observed when the call was made.
	WaitNewer
	// WaitForRevision waits until the value's revision reaches the given
	// target.
	WaitForRevision
)

// GetOptions tune a Get call.
type GetOptions struct {
	Wait         WaitMode
	WaitRevision int64
	// Timeout bounds blocking waits; zero falls back to 30 seconds.
	Timeout time.Duration
}

// GetResult is a successfully read value.
type GetResult struct {
	Value    any
	Metadata map[string]any
	Revision int64
}

// Get reads a node's value, optionally blocking until it is set. The wait
// polls the value row; it cancels on its own timeout without touching the
// engine. A node whose computation failed terminally with retries exhausted
// reports ErrComputationFailed.
func (e *Engine) Get(ctx context.Context, executionID, nodeName string, opts *GetOptions) (GetResult, error) {
	if opts == nil {
		opts = &GetOptions{}
	}

	ex, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return GetResult{}, ErrNotFound
		}
		return GetResult{}, err
	}
	g := e.catalog.Fetch(ex.GraphName, ex.GraphVersion)
	if g == nil {
		return GetResult{}, fmt.Errorf("graph %s/%s is not registered", ex.GraphName, ex.GraphVersion)
	}
	if ex.ValueNode(nodeName) == nil {
		return GetResult{}, unknownNodeError(g, nodeName)
	}

	// The wait:newer baseline is the revision observed at call time.
	baseline := ex.Revision

	if opts.Wait == WaitNone {
		return e.readValue(ex, g, nodeName)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		if satisfied(ex, g, nodeName, opts, baseline) {
			return e.readValue(ex, g, nodeName)
		}
		if err := e.terminalFailure(ex, g, nodeName); err != nil {
			return GetResult{}, err
		}

		if time.Now().After(deadline) {
			return GetResult{}, ErrTimeout
		}
		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return GetResult{}, ctx.Err()
		case <-timer.C:
		}

		ex, err = e.store.LoadExecution(ctx, executionID)
		if err != nil {
			return GetResult{}, err
		}
	}
}

// readable reports whether the node currently has an observable value: the
// value row must be set, and for step nodes the latest computation must be a
// success. An unset upstream re-invalidates downstream reads immediately
// because Advance materializes a fresh not_set attempt.
func readable(ex *execution.Execution, g *graph.Graph, nodeName string) bool {
	v := ex.ValueNode(nodeName)
	if !v.Set() {
		return false
	}
	node := g.Node(nodeName)
	if node == nil || node.Type == execution.NodeTypeInput {
		// Inputs, mutate targets, and synthetic nodes read as stored.
		return true
	}
	latest := ex.LatestComputationFor(nodeName)
	return latest != nil && latest.State == execution.StateSuccess
}

func satisfied(ex *execution.Execution, g *graph.Graph, nodeName string, opts *GetOptions, baseline int64) bool {
	if !readable(ex, g, nodeName) {
		return false
	}
	v := ex.ValueNode(nodeName)
	switch opts.Wait {
	case WaitAny:
		return true
	case WaitNewer:
		return v.ExRevision > baseline
	case WaitForRevision:
		return v.ExRevision >= opts.WaitRevision
	}
	return true
}

func (e *Engine) readValue(ex *execution.Execution, g *graph.Graph, nodeName string) (GetResult, error) {
	v := ex.ValueNode(nodeName)
	if readable(ex, g, nodeName) {
		return GetResult{Value: v.NodeValue, Metadata: v.Metadata, Revision: v.ExRevision}, nil
	}
	if err := e.terminalFailure(ex, g, nodeName); err != nil {
		return GetResult{}, err
	}
	return GetResult{}, ErrNotSet
}

// terminalFailure returns ErrComputationFailed when the node's latest
// attempt failed with its retry budget spent, nil otherwise.
func (e *Engine) terminalFailure(ex *execution.Execution, g *graph.Graph, nodeName string) error {
	node := g.Node(nodeName)
	if node == nil || node.Type == execution.NodeTypeInput {
		return nil
	}
	latest := ex.LatestComputationFor(nodeName)
	if latest == nil {
		return nil
	}
	if latest.State != execution.StateFailed && latest.State != execution.StateAbandoned {
		return nil
	}

	attempts := ex.ComputationsFor(nodeName)
	sortComputationsByInsertion(attempts)
	failures := 0
	for _, c := range attempts {
		switch c.State {
		case execution.StateSuccess:
			failures = 0
		case execution.StateFailed, execution.StateAbandoned:
			failures++
		}
	}
	if failures >= node.MaxRetries {
		return fmt.Errorf("%w: %s", ErrComputationFailed, latest.ErrorDetails)
	}
	return nil
}

// Values returns the currently set values, synthetic nodes included.
func (e *Engine) Values(ctx context.Context, executionID string) (map[string]*execution.Value, error) {
	ex, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := map[string]*execution.Value{}
	for _, v := range ex.Values {
		if v.Set() {
			out[v.NodeName] = v
		}
	}
	return out, nil
}

// ValuesAll returns every value node, set or not.
func (e *Engine) ValuesAll(ctx context.Context, executionID string) (map[string]*execution.Value, error) {
	ex, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := map[string]*execution.Value{}
	for _, v := range ex.Values {
		out[v.NodeName] = v
	}
	return out, nil
}

// HistoryEntry is one chronological event of an execution: a value change or
// a completed computation.
type HistoryEntry struct {
	NodeName string
	Kind     string // "value" or "computation"
	Revision int64
	Value    any
	State    execution.ComputationState
}

// History returns the execution's value changes and completed computations
// ordered by revision.
func (e *Engine) History(ctx context.Context, executionID string) ([]HistoryEntry, error) {
	ex, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for _, v := range ex.Values {
		if v.Set() {
			out = append(out, HistoryEntry{
				NodeName: v.NodeName,
				Kind:     "value",
				Revision: v.ExRevision,
				Value:    v.NodeValue,
			})
		}
	}
	for _, c := range ex.Computations {
		if c.State.Terminal() {
			out = append(out, HistoryEntry{
				NodeName: c.NodeName,
				Kind:     "computation",
				Revision: c.ExRevisionAtCompletion,
				State:    c.State,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

// ListExecutions and CountExecutions expose filtered execution queries.
func (e *Engine) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]*execution.Execution, error) {
	return e.store.ListExecutions(ctx, opts)
}

func (e *Engine) CountExecutions(ctx context.Context, opts storage.ListOptions) (int, error) {
	return e.store.CountExecutions(ctx, opts)
}

// Archive hides an execution from listings and stops new work on it.
// In-flight workers are not killed; their completions still persist.
func (e *Engine) Archive(ctx context.Context, executionID string) (*execution.Execution, error) {
	return e.store.ArchiveExecution(ctx, executionID)
}

// Unarchive restores a hidden execution and advances it.
func (e *Engine) Unarchive(ctx context.Context, executionID string) (*execution.Execution, error) {
	ex, err := e.store.UnarchiveExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := e.Advance(ctx, ex); err != nil {
		return nil, err
	}
	return e.store.LoadExecution(ctx, executionID)
}

func (e *Engine) graphFor(ctx context.Context, executionID string) (*graph.Graph, error) {
	ex, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	g := e.catalog.Fetch(ex.GraphName, ex.GraphVersion)
	if g == nil {
		return nil, fmt.Errorf("graph %s/%s is not registered", ex.GraphName, ex.GraphVersion)
	}
	return g, nil
}
