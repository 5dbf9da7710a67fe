// Package storage defines the persistence interface the engine runs on.
// Implementations live in the memory and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/trellisengine/trellis/domain/execution"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when an execution, value, or computation does
	// not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnknownNode is returned when an operation names a node the
	// execution has no value row for.
	ErrUnknownNode = errors.New("storage: unknown node")
	// ErrConflict is returned when a state transition finds the row in an
	// unexpected state, e.g. completing a computation another mechanism
	// already abandoned.
	ErrConflict = errors.New("storage: state conflict")
)

// ValueUpdate is one node write inside a set operation.
type ValueUpdate struct {
	NodeName string
	Value    any
	Metadata map[string]any
}

// ClaimRequest asks the store to transition a computation to computing.
type ClaimRequest struct {
	ExecutionID   string
	ComputationID string
	// ExpectedState guards the transition; a row in any other state is a
	// conflict, not an error.
	ExpectedState    execution.ComputationState
	HeartbeatTimeout time.Duration
	AbandonAfter     time.Duration
	// UpstreamNodes are snapshotted into computed_with at claim time.
	UpstreamNodes []string
}

// ClaimResult reports whether the claim transaction won the row.
type ClaimResult struct {
	Claimed     bool
	Computation *execution.Computation
}

// CompleteRequest finalizes a computing row. On success the value payload is
// routed to TargetNode (the node itself, or a mutate target); OwnMarker, when
// non-nil, is additionally written to the computation's own value row.
type CompleteRequest struct {
	ExecutionID   string
	ComputationID string
	NodeName      string
	State         execution.ComputationState

	TargetNode string
	Value      any
	OwnMarker  any
	Metadata   map[string]any
	// UpdateRevisionOnChange forces a revision bump even when the new value
	// equals the stored one.
	UpdateRevisionOnChange bool
	// Archive marks the execution archived instead of writing a value.
	Archive      bool
	ErrorDetails string
}

// ValueFilter restricts execution listings by a node's current value.
type ValueFilter struct {
	Node  string
	Op    FilterOp
	Value any
}

// FilterOp is a comparison operator for value filters.
type FilterOp string

const (
	OpEqual        FilterOp = "="
	OpNotEqual     FilterOp = "!="
	OpLess         FilterOp = "<"
	OpLessEqual    FilterOp = "<="
	OpGreater      FilterOp = ">"
	OpGreaterEqual FilterOp = ">="
	OpContains     FilterOp = "contains"
	OpIContains    FilterOp = "icontains"
	OpListContains FilterOp = "list_contains"
	OpIsSet        FilterOp = "is_set"
	OpIsNotSet     FilterOp = "is_not_set"
)

// ListOptions filter, sort, and paginate execution listings.
type ListOptions struct {
	GraphName       string
	GraphVersion    string
	IncludeArchived bool
	Filters         []ValueFilter
	// OrderBy is an execution column (inserted_at, updated_at, revision, id).
	// Empty means inserted_at.
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// RegenerationCandidate identifies a recurring schedule node whose pulse has
// passed with no successor attempt materialized yet.
type RegenerationCandidate struct {
	ExecutionID string
	NodeName    string
}

// Store is the transactional persistence layer beneath the engine. Every
// method that changes execution state is atomic; revision bumps are
// linearized by locking the execution row first.
type Store interface {
	// CreateExecution persists a new execution with its pre-materialized
	// value and computation rows in one transaction.
	CreateExecution(ctx context.Context, ex *execution.Execution, values []*execution.Value, comps []*execution.Computation) error

	// LoadExecution fetches an execution with eager-loaded values (ordered
	// by ex_revision descending) and computations (ordered by
	// ex_revision_at_completion descending). Returns ErrNotFound when the
	// id is unknown.
	LoadExecution(ctx context.Context, id string) (*execution.Execution, error)

	// LoadValue fetches a single value row. Returns ErrNotFound for an
	// unknown execution and ErrUnknownNode for an unknown node.
	LoadValue(ctx context.Context, executionID, nodeName string) (*execution.Value, error)

	// SetValues atomically writes the given nodes, bumping the execution
	// revision once per node, and returns the updated execution.
	SetValues(ctx context.Context, executionID string, updates []ValueUpdate) (*execution.Execution, error)

	// UnsetValues atomically clears the given nodes' payloads and set
	// times, bumping the revision once per node.
	UnsetValues(ctx context.Context, executionID string, nodeNames []string) (*execution.Execution, error)

	// InsertComputation materializes a new computation row, typically in
	// state not_set for a retry, stale re-run, or recurring regeneration.
	InsertComputation(ctx context.Context, comp *execution.Computation) error

	// ClaimComputation attempts the grab-and-run transition. Rows locked by
	// concurrent claimers are skipped, which is what makes parallel Advance
	// passes split the ready set safely.
	ClaimComputation(ctx context.Context, req ClaimRequest) (ClaimResult, error)

	// CompleteComputation finalizes a computing row and, on success, writes
	// the routed value (or archives the execution) in the same transaction.
	CompleteComputation(ctx context.Context, req CompleteRequest) (*execution.Execution, error)

	// Heartbeat extends a computing row's liveness window. A false return
	// means the row is no longer ours (completed, abandoned, or reclaimed).
	Heartbeat(ctx context.Context, computationID string, timeout time.Duration) (bool, error)

	// AbandonComputation terminally abandons a computing row. A false
	// return means the row had already left computing.
	AbandonComputation(ctx context.Context, executionID, computationID, reason string) (bool, error)

	// CancelComputation records operator intent: a not_set or computing row
	// becomes cancelled and is never auto-retried.
	CancelComputation(ctx context.Context, executionID, computationID string) (bool, error)

	// ArchiveExecution and UnarchiveExecution toggle logical visibility.
	ArchiveExecution(ctx context.Context, id string) (*execution.Execution, error)
	UnarchiveExecution(ctx context.Context, id string) (*execution.Execution, error)

	// ListExecutions and CountExecutions query executions with value
	// filters, sorting, and pagination.
	ListExecutions(ctx context.Context, opts ListOptions) ([]*execution.Execution, error)
	CountExecutions(ctx context.Context, opts ListOptions) (int, error)

	// Sweep bookkeeping.
	RecordSweepStart(ctx context.Context, sweepType execution.SweepType) (*execution.SweepRun, error)
	CompleteSweepRun(ctx context.Context, id string, processed int) error
	// LastCompletedSweep returns the most recent completed run of the given
	// type, or nil when none exists.
	LastCompletedSweep(ctx context.Context, sweepType execution.SweepType) (*execution.SweepRun, error)

	// Sweep queries. All return candidates for the engine to re-Advance;
	// over-selection is harmless because Advance is idempotent.
	ExpiredComputations(ctx context.Context, now time.Time) ([]*execution.Computation, error)
	ExecutionIDsWithUnstartedSchedules(ctx context.Context) ([]string, error)
	ExecutionIDsUnblockedBySchedule(ctx context.Context, pulseNotBefore, pulseNotAfter int64) ([]string, error)
	RecurringDueForRegeneration(ctx context.Context, now time.Time) ([]RegenerationCandidate, error)
	StalledExecutionIDs(ctx context.Context, idleFor, window time.Duration) ([]string, error)
}
