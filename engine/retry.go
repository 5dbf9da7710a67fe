package engine

import (
	"context"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/domain/graph"
)

// applyRetryPolicy decides whether a freshly failed or abandoned node gets
// another attempt: count terminal failures since the last success and
// materialize a new not_set row while the budget lasts. A node out of
// retries stays failed until an upstream change invalidates it or an
// operator retries it manually.
func (e *Engine) applyRetryPolicy(ctx context.Context, ex *execution.Execution, node *graph.Node) {
	attempts := ex.ComputationsFor(node.Name)
	sortComputationsByInsertion(attempts)

	failures := 0
	pending := false
	for _, c := range attempts {
		switch c.State {
		case execution.StateSuccess:
			failures = 0
		case execution.StateFailed, execution.StateAbandoned:
			failures++
		case execution.StateNotSet, execution.StateComputing:
			pending = true
		}
	}
	if pending {
		return
	}
	if failures >= node.MaxRetries {
		e.log.WithField("execution_id", ex.ID).
			WithField("node", node.Name).
			WithField("failures", failures).
			Warn("retries exhausted, leaving node failed")
		return
	}

	comp := &execution.Computation{
		ExecutionID:     ex.ID,
		NodeName:        node.Name,
		ComputationType: node.Type,
		State:           execution.StateNotSet,
	}
	if err := e.store.InsertComputation(ctx, comp); err != nil {
		e.log.WithError(err).
			WithField("execution_id", ex.ID).
			WithField("node", node.Name).
			Error("materialize retry failed")
	}
}

// RetryComputation is the operator helper: it materializes a fresh attempt
// for a terminally failed node regardless of the retry budget and advances
// the execution.
func (e *Engine) RetryComputation(ctx context.Context, executionID, nodeName string) error {
	ex, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	g := e.catalog.Fetch(ex.GraphName, ex.GraphVersion)
	if g == nil {
		return ErrNotFound
	}
	node := g.Node(nodeName)
	if node == nil {
		return unknownNodeError(g, nodeName)
	}

	latest := ex.LatestComputationFor(nodeName)
	if latest != nil && !latest.State.Terminal() {
		// An attempt is already pending or running.
		return nil
	}

	comp := &execution.Computation{
		ExecutionID:     executionID,
		NodeName:        nodeName,
		ComputationType: node.Type,
		State:           execution.StateNotSet,
	}
	if err := e.store.InsertComputation(ctx, comp); err != nil {
		return err
	}
	return e.Advance(ctx, ex)
}

// CancelComputation records operator intent to never run a pending or
// in-flight attempt. Cancelled rows are not re-eligible for retry.
func (e *Engine) CancelComputation(ctx context.Context, executionID, computationID string) (bool, error) {
	return e.store.CancelComputation(ctx, executionID, computationID)
}
