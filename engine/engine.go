// Package engine is the scheduling core: it finds unblocked computations,
// claims them transactionally, runs user functions under heartbeat
// supervision, and propagates changes reactively through revision
// bookkeeping.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/domain/graph"
	"github.com/trellisengine/trellis/pkg/logger"
	"github.com/trellisengine/trellis/pkg/metrics"
	"github.com/trellisengine/trellis/pkg/storage"
)

// Errors surfaced by the public surface.
var (
	// ErrNotSet is returned by Get when the node has no value yet.
	ErrNotSet = errors.New("engine: value not set")
	// ErrComputationFailed is returned by Get when the node's computation
	// failed terminally with retries exhausted.
	ErrComputationFailed = errors.New("engine: computation failed")
	// ErrTimeout is returned by a blocking Get whose wait expired.
	ErrTimeout = errors.New("engine: wait timed out")
	// ErrNotFound is returned for unknown execution ids.
	ErrNotFound = errors.New("engine: execution not found")
)

// Engine drives executions of registered graphs over a storage backend.
// All replicas run the same code; coordination happens entirely through the
// store's row locking.
type Engine struct {
	store   storage.Store
	catalog *graph.Catalog
	log     *logger.Logger

	pollInterval time.Duration
	// sem caps concurrently claimed computations on this replica. Nil means
	// unbounded.
	sem chan struct{}

	wg sync.WaitGroup
}

// EngineOption tunes the engine.
type EngineOption func(*Engine)

// WithMaxConcurrentComputations caps claimed computations per replica.
// Claims over the cap do not occur, so rows stay not_set for the next pass.
func WithMaxConcurrentComputations(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithGetPollInterval sets the polling cadence of blocking gets.
func WithGetPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// New creates an engine over a store and a graph catalog.
func New(store storage.Store, catalog *graph.Catalog, log *logger.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	e := &Engine{
		store:        store,
		catalog:      catalog,
		log:          log,
		pollInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog exposes the graph registry.
func (e *Engine) Catalog() *graph.Catalog { return e.catalog }

// RegisterGraph registers a graph for execution.
func (e *Engine) RegisterGraph(g *graph.Graph) { e.catalog.Register(g) }

// Wait blocks until all in-flight workers have finished. Intended for
// shutdown and tests.
func (e *Engine) Wait() { e.wg.Wait() }

// StartExecution materializes a new execution of the graph: one unset value
// row per node plus the synthetic nodes, and a not_set computation
// placeholder per step. For singleton graphs an existing unarchived
// execution is returned instead.
func (e *Engine) StartExecution(ctx context.Context, g *graph.Graph) (*execution.Execution, error) {
	if registered := e.catalog.Fetch(g.Name, g.Version); registered == nil {
		e.catalog.Register(g)
	}

	if g.Singleton {
		existing, err := e.store.ListExecutions(ctx, storage.ListOptions{
			GraphName:    g.Name,
			GraphVersion: g.Version,
			Limit:        1,
		})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
	}

	now := time.Now().UTC()
	epoch := now.Unix()
	id := g.ExecutionIDPrefix + uuid.NewString()

	ex := &execution.Execution{
		ID:           id,
		GraphName:    g.Name,
		GraphVersion: g.Version,
		GraphHash:    g.Hash,
		Revision:     1,
		InsertedAt:   now,
		UpdatedAt:    now,
	}

	var values []*execution.Value
	for _, n := range g.Nodes {
		values = append(values, &execution.Value{
			ID:          uuid.NewString(),
			ExecutionID: id,
			NodeName:    n.Name,
			NodeType:    n.Type,
			InsertedAt:  now,
			UpdatedAt:   now,
		})
	}
	values = append(values,
		&execution.Value{
			ID:          uuid.NewString(),
			ExecutionID: id,
			NodeName:    execution.NodeExecutionID,
			NodeType:    execution.NodeTypeInput,
			NodeValue:   id,
			SetTime:     &epoch,
			ExRevision:  1,
			InsertedAt:  now,
			UpdatedAt:   now,
		},
		&execution.Value{
			ID:          uuid.NewString(),
			ExecutionID: id,
			NodeName:    execution.NodeLastUpdatedAt,
			NodeType:    execution.NodeTypeInput,
			NodeValue:   epoch,
			SetTime:     &epoch,
			ExRevision:  1,
			InsertedAt:  now,
			UpdatedAt:   now,
		},
	)

	var comps []*execution.Computation
	for _, n := range g.Steps() {
		comps = append(comps, &execution.Computation{
			ID:              uuid.NewString(),
			ExecutionID:     id,
			NodeName:        n.Name,
			ComputationType: n.Type,
			State:           execution.StateNotSet,
			InsertedAt:      now,
			UpdatedAt:       now,
		})
	}

	if err := e.store.CreateExecution(ctx, ex, values, comps); err != nil {
		return nil, err
	}
	metrics.ExecutionStarted()

	loaded, err := e.store.LoadExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Advance(ctx, loaded); err != nil {
		e.log.WithError(err).WithField("execution_id", id).Warn("initial advance failed")
	}
	return e.Load(ctx, id)
}

// Load fetches an execution, or nil when unknown.
func (e *Engine) Load(ctx context.Context, id string) (*execution.Execution, error) {
	ex, err := e.store.LoadExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return ex, err
}

// Advance is the central scheduling routine: reload the execution, find
// candidate computations whose gates are met, claim them, and spawn workers.
// It loops until a pass claims nothing; each pass either strictly grows the
// claimed set or terminates, so the recursion is bounded by the node count.
func (e *Engine) Advance(ctx context.Context, ex *execution.Execution) error {
	id := ex.ID
	for {
		fresh, err := e.store.LoadExecution(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if fresh.Archived() {
			return nil
		}

		g := e.catalog.Fetch(fresh.GraphName, fresh.GraphVersion)
		if g == nil {
			e.log.WithField("execution_id", id).
				WithField("graph", fresh.GraphName+"/"+fresh.GraphVersion).
				Error("graph not registered, skipping execution")
			return nil
		}
		if g.Hash != fresh.GraphHash {
			e.log.WithField("execution_id", id).
				WithField("graph", fresh.GraphName+"/"+fresh.GraphVersion).
				Warn("graph hash drift: execution was created from a different graph shape")
		}

		claimed := 0
		for _, node := range g.Steps() {
			if e.tryClaimNode(ctx, fresh, g, node) {
				claimed++
			}
		}
		if claimed == 0 {
			return nil
		}
	}
}

// AdvanceByID reloads and advances, used by sweeps.
func (e *Engine) AdvanceByID(ctx context.Context, id string) error {
	ex, err := e.store.LoadExecution(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return e.Advance(ctx, ex)
}

// tryClaimNode determines the node's effective state, evaluates its gate,
// and attempts the claim. Returns true when a worker was spawned.
func (e *Engine) tryClaimNode(ctx context.Context, ex *execution.Execution, g *graph.Graph, node *graph.Node) bool {
	candidate := e.candidateComputation(ctx, ex, node)
	if candidate == nil {
		return false
	}

	ready, err := graph.EvaluateGate(node.GatedBy, ex.Values)
	if err != nil {
		e.log.WithError(err).
			WithField("execution_id", ex.ID).
			WithField("node", node.Name).
			Error("gate evaluation failed")
		return false
	}
	if !ready.Ready {
		return false
	}

	if !e.acquire() {
		// Over the per-replica cap; the row stays not_set for a later pass.
		return false
	}

	res, err := e.store.ClaimComputation(ctx, storage.ClaimRequest{
		ExecutionID:      ex.ID,
		ComputationID:    candidate.ID,
		ExpectedState:    execution.StateNotSet,
		HeartbeatTimeout: node.HeartbeatTimeout,
		AbandonAfter:     node.AbandonAfter,
		UpstreamNodes:    node.Upstreams(),
	})
	if err != nil {
		e.release()
		e.log.WithError(err).
			WithField("execution_id", ex.ID).
			WithField("node", node.Name).
			Error("claim failed")
		return false
	}
	metrics.ClaimAttempt(res.Claimed)
	if !res.Claimed {
		e.release()
		return false
	}

	e.spawnWorker(g, node, res.Computation)
	return true
}

// candidateComputation returns the claimable not_set row for the node,
// materializing a fresh one when the latest success has gone stale against
// current upstream revisions.
func (e *Engine) candidateComputation(ctx context.Context, ex *execution.Execution, node *graph.Node) *execution.Computation {
	latest := ex.LatestComputationFor(node.Name)
	switch {
	case latest == nil:
		return e.materializeNotSet(ctx, ex, node)
	case latest.State == execution.StateNotSet:
		return latest
	case latest.State == execution.StateSuccess:
		if latest.StaleAgainst(ex.Values) {
			return e.materializeNotSet(ctx, ex, node)
		}
	}
	// computing rows are already running; failed/abandoned rows wait on the
	// retry policy, cancelled rows wait on the operator.
	return nil
}

func (e *Engine) materializeNotSet(ctx context.Context, ex *execution.Execution, node *graph.Node) *execution.Computation {
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
			Error("materialize computation failed")
		return nil
	}
	return comp
}

func (e *Engine) acquire() bool {
	if e.sem == nil {
		return true
	}
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) release() {
	if e.sem != nil {
		<-e.sem
	}
}

// unknownNodeError builds the misuse error enumerating valid nodes.
func unknownNodeError(g *graph.Graph, node string) error {
	return fmt.Errorf("unknown node %q, valid nodes: %s", node, strings.Join(g.NodeNames(), ", "))
}

// sortComputationsByInsertion orders attempts oldest first, for retry
// counting and history.
func sortComputationsByInsertion(comps []*execution.Computation) {
	sort.SliceStable(comps, func(i, j int) bool {
		return comps[i].InsertedAt.Before(comps[j].InsertedAt)
	})
}
