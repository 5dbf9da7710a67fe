package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/domain/graph"
	"github.com/trellisengine/trellis/pkg/metrics"
	"github.com/trellisengine/trellis/pkg/storage"
)

// spawnWorker runs a claimed computation in a pair of linked goroutines: the
// worker runs the user function and persists the outcome; the heartbeat
// companion extends liveness and enforces the hard deadline by cancelling
// the worker's context.
func (e *Engine) spawnWorker(g *graph.Graph, node *graph.Node, comp *execution.Computation) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWorker(g, node, comp)
	}()
}

func (e *Engine) runWorker(g *graph.Graph, node *graph.Node, comp *execution.Computation) {
	// The claim's slot under the per-replica cap is freed before the chain
	// advance, so that advance can claim rows the cap left not_set.
	released := false
	release := func() {
		if !released {
			released = true
			e.release()
		}
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go e.heartbeatLoop(ctx, cancel, node, comp, done)

	started := time.Now()
	value, err := e.invoke(ctx, node, comp)

	req := storage.CompleteRequest{
		ExecutionID:   comp.ExecutionID,
		ComputationID: comp.ID,
		NodeName:      node.Name,
	}
	if err != nil {
		req.State = execution.StateFailed
		req.ErrorDetails = err.Error()
	} else {
		req.State = execution.StateSuccess
		switch node.Type {
		case execution.NodeTypeMutate:
			req.TargetNode = node.Mutates
			req.Value = value
			req.OwnMarker = "updated " + node.Mutates
			req.UpdateRevisionOnChange = node.UpdateRevisionOnChange
		case execution.NodeTypeArchive:
			req.Archive = true
		default:
			req.TargetNode = node.Name
			req.Value = value
			req.UpdateRevisionOnChange = node.UpdateRevisionOnChange
		}
	}

	// Completion runs on a fresh context: a cancelled worker still gets its
	// terminal state persisted (or learns of the conflict).
	ex, cerr := e.store.CompleteComputation(context.Background(), req)
	if cerr != nil {
		if errors.Is(cerr, storage.ErrConflict) {
			// The row was abandoned or cancelled under us; whoever took it
			// owns the follow-up.
			e.log.WithField("execution_id", comp.ExecutionID).
				WithField("node", node.Name).
				Info("computation completed elsewhere, dropping result")
			return
		}
		e.log.WithError(cerr).
			WithField("execution_id", comp.ExecutionID).
			WithField("node", node.Name).
			Error("persist computation result failed")
		return
	}
	metrics.ComputationCompleted(string(req.State), time.Since(started))

	if req.State == execution.StateFailed {
		e.log.WithField("execution_id", comp.ExecutionID).
			WithField("node", node.Name).
			WithField("error", req.ErrorDetails).
			Warn("computation failed")
		e.applyRetryPolicy(context.Background(), ex, node)
	} else {
		e.fireOnSave(context.Background(), g, node, ex.ID, value)
	}

	release()
	if err := e.Advance(context.Background(), ex); err != nil {
		e.log.WithError(err).WithField("execution_id", ex.ID).Warn("chain advance failed")
	}
}

// invoke builds the argument map from current upstream values and runs the
// user function, converting panics into failures.
func (e *Engine) invoke(ctx context.Context, node *graph.Node, comp *execution.Computation) (value any, err error) {
	ex, lerr := e.store.LoadExecution(ctx, comp.ExecutionID)
	if lerr != nil {
		return nil, fmt.Errorf("load execution: %w", lerr)
	}

	in := graph.Inputs{
		Values:   map[string]any{},
		Metadata: map[string]map[string]any{},
	}
	for _, up := range node.Upstreams() {
		v := ex.ValueNode(up)
		if v == nil {
			return nil, fmt.Errorf("upstream %q has no value row", up)
		}
		in.Values[up] = v.NodeValue
		if v.Metadata != nil {
			in.Metadata[up] = v.Metadata
		}
	}

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("computation panicked: %v", r)
		}
	}()
	return node.Compute(ctx, in)
}

// heartbeatLoop extends the claim's liveness window on a jittered cadence.
// It exits when the worker finishes, the row is no longer ours, or the hard
// deadline passes, in which case the row is abandoned and the worker is
// cancelled.
func (e *Engine) heartbeatLoop(ctx context.Context, cancelWorker context.CancelFunc, node *graph.Node, comp *execution.Computation, done <-chan struct{}) {
	for {
		wait := jitteredInterval(node.HeartbeatInterval)
		if comp.Deadline != nil {
			if untilDeadline := time.Until(*comp.Deadline); untilDeadline < wait {
				wait = untilDeadline
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if comp.Deadline != nil && !time.Now().Before(*comp.Deadline) {
			// Kill the worker first so its result cannot land after the
			// abandon, then reclaim: abandon, retry policy, re-advance.
			cancelWorker()
			reclaimed, err := e.ReclaimComputation(context.Background(), comp,
				fmt.Sprintf("hard deadline exceeded after %s", node.AbandonAfter))
			if err != nil {
				e.log.WithError(err).
					WithField("execution_id", comp.ExecutionID).
					WithField("node", node.Name).
					Error("abandon on deadline failed")
			}
			if reclaimed {
				e.log.WithField("execution_id", comp.ExecutionID).
					WithField("node", node.Name).
					Warn("computation exceeded hard deadline, abandoned")
				metrics.ComputationCompleted(string(execution.StateAbandoned), node.AbandonAfter)
			}
			return
		}

		ok, err := e.store.Heartbeat(ctx, comp.ID, node.HeartbeatTimeout)
		if err != nil {
			e.log.WithError(err).
				WithField("execution_id", comp.ExecutionID).
				WithField("node", node.Name).
				Warn("heartbeat failed")
			continue
		}
		metrics.Heartbeat(ok)
		if !ok {
			// The row ended or was reclaimed; stop the worker.
			cancelWorker()
			return
		}
	}
}

// jitteredInterval spreads heartbeats by ±20% so replicas don't thunder.
func jitteredInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return time.Second
	}
	factor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(interval) * factor)
}

// fireOnSave runs the per-node then graph-wide save callbacks best-effort.
func (e *Engine) fireOnSave(ctx context.Context, g *graph.Graph, node *graph.Node, executionID string, value any) {
	run := func(fn graph.OnSaveFunc) {
		if fn == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				e.log.WithField("execution_id", executionID).
					WithField("node", node.Name).
					Warnf("on-save callback panicked: %v", r)
			}
		}()
		fn(ctx, executionID, node.Name, value)
	}
	run(node.OnSave)
	run(g.OnSave)
}
