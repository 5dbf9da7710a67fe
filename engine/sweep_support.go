package engine

import (
	"context"
	"errors"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/pkg/storage"
)

// ReclaimComputation abandons a computation whose liveness window elapsed
// (crashed worker, missed heartbeats, or hard deadline), applies the retry
// policy, and advances the execution. Returns whether this caller won the
// reclaim; losing is normal when another replica got there first.
func (e *Engine) ReclaimComputation(ctx context.Context, comp *execution.Computation, reason string) (bool, error) {
	reclaimed, err := e.store.AbandonComputation(ctx, comp.ExecutionID, comp.ID, reason)
	if err != nil {
		return false, err
	}
	if !reclaimed {
		return false, nil
	}

	ex, err := e.store.LoadExecution(ctx, comp.ExecutionID)
	if err != nil {
		return true, err
	}
	g := e.catalog.Fetch(ex.GraphName, ex.GraphVersion)
	if g == nil {
		e.log.WithField("execution_id", ex.ID).
			WithField("graph", ex.GraphName+"/"+ex.GraphVersion).
			Error("graph not registered, reclaimed computation will not retry")
		return true, nil
	}
	if node := g.Node(comp.NodeName); node != nil {
		e.applyRetryPolicy(ctx, ex, node)
	}
	return true, e.Advance(ctx, ex)
}

// RegenerateRecurring materializes the successor attempt for a recurring
// schedule node whose pulse has passed, then advances. Racing replicas are
// deduplicated by re-checking for a pending attempt first.
func (e *Engine) RegenerateRecurring(ctx context.Context, executionID, nodeName string) error {
	ex, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	latest := ex.LatestComputationFor(nodeName)
	if latest == nil || !latest.State.Terminal() {
		return nil
	}

	comp := &execution.Computation{
		ExecutionID:     executionID,
		NodeName:        nodeName,
		ComputationType: execution.NodeTypeTickRecurring,
		State:           execution.StateNotSet,
	}
	if err := e.store.InsertComputation(ctx, comp); err != nil {
		return err
	}
	return e.Advance(ctx, ex)
}
