// Package execution defines the persistent entities of the engine: graph
// executions, their value nodes, computation attempts, and sweep-run audit
// records.
package execution

import (
	"bytes"
	"encoding/json"
	"time"
)

// NodeType identifies the kind of a graph node.
type NodeType string

const (
	NodeTypeInput         NodeType = "input"
	NodeTypeCompute       NodeType = "compute"
	NodeTypeMutate        NodeType = "mutate"
	NodeTypeTickOnce      NodeType = "tick_once"
	NodeTypeTickRecurring NodeType = "tick_recurring"
	NodeTypeArchive       NodeType = "archive"
)

// IsSchedule reports whether the node type produces pulse values.
func (t NodeType) IsSchedule() bool {
	return t == NodeTypeTickOnce || t == NodeTypeTickRecurring
}

// ComputationState is the state machine position of one computation attempt.
type ComputationState string

const (
	StateNotSet    ComputationState = "not_set"
	StateComputing ComputationState = "computing"
	StateSuccess   ComputationState = "success"
	StateFailed    ComputationState = "failed"
	StateAbandoned ComputationState = "abandoned"
	StateCancelled ComputationState = "cancelled"
)

// Terminal reports whether the state can never change again. Retries are new
// rows, never reverted terminal rows.
func (s ComputationState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateAbandoned, StateCancelled:
		return true
	}
	return false
}

// Names of the synthetic value nodes materialized on every execution.
const (
	NodeExecutionID   = "execution_id"
	NodeLastUpdatedAt = "last_updated_at"
)

// Execution is a runtime instance of a graph.
type Execution struct {
	ID           string
	GraphName    string
	GraphVersion string
	GraphHash    string
	Revision     int64
	ArchivedAt   *time.Time
	InsertedAt   time.Time
	UpdatedAt    time.Time

	// Eager-loaded children. Values are ordered by ex_revision descending,
	// computations by ex_revision_at_completion descending.
	Values       []*Value
	Computations []*Computation
}

// ValueNode returns the value row for the named node, or nil.
func (e *Execution) ValueNode(name string) *Value {
	for _, v := range e.Values {
		if v.NodeName == name {
			return v
		}
	}
	return nil
}

// ComputationsFor returns all computation rows for the named node, in the
// order of e.Computations (ex_revision_at_completion descending as loaded).
func (e *Execution) ComputationsFor(name string) []*Computation {
	var out []*Computation
	for _, c := range e.Computations {
		if c.NodeName == name {
			out = append(out, c)
		}
	}
	return out
}

// LatestComputationFor returns the most recently inserted computation row for
// the named node, or nil when the node never had one.
func (e *Execution) LatestComputationFor(name string) *Computation {
	var latest *Computation
	for _, c := range e.Computations {
		if c.NodeName != name {
			continue
		}
		if latest == nil || c.InsertedAt.After(latest.InsertedAt) {
			latest = c
		}
	}
	return latest
}

// Archived reports whether the execution is logically hidden.
func (e *Execution) Archived() bool { return e.ArchivedAt != nil }

// Value is one node's current value within an execution. Rows are rewritten
// in place on every update; history lives in the computation rows.
type Value struct {
	ID          string
	ExecutionID string
	NodeName    string
	NodeType    NodeType
	NodeValue   any
	Metadata    map[string]any
	// SetTime is epoch seconds of the moment the value was last set. A nil
	// SetTime means the value is unset; a nil NodeValue with a non-nil
	// SetTime is a deliberately null payload and counts as set.
	SetTime    *int64
	ExRevision int64
	InsertedAt time.Time
	UpdatedAt  time.Time
}

// Set reports whether the value is considered set.
func (v *Value) Set() bool { return v != nil && v.SetTime != nil }

// PulseTime returns the pulse value of a schedule node as epoch seconds.
func (v *Value) PulseTime() (int64, bool) {
	if v == nil || v.SetTime == nil {
		return 0, false
	}
	return asEpoch(v.NodeValue)
}

// Computation is one attempt at computing a non-input node.
type Computation struct {
	ID                     string
	ExecutionID            string
	NodeName               string
	ComputationType        NodeType
	State                  ComputationState
	ExRevisionAtStart      int64
	ExRevisionAtCompletion int64
	ScheduledTime          *time.Time
	StartTime              *time.Time
	CompletionTime         *time.Time
	Deadline               *time.Time
	LastHeartbeatAt        *time.Time
	HeartbeatDeadline      *time.Time
	ErrorDetails           string
	// ComputedWith snapshots each upstream node's ex_revision at claim time.
	ComputedWith map[string]int64
	InsertedAt   time.Time
	UpdatedAt    time.Time
}

// StaleAgainst reports whether any upstream value has moved past the revision
// this computation was computed with.
func (c *Computation) StaleAgainst(values []*Value) bool {
	for node, rev := range c.ComputedWith {
		for _, v := range values {
			if v.NodeName == node && v.ExRevision > rev {
				return true
			}
		}
	}
	return false
}

// SweepType identifies one of the background sweeps.
type SweepType string

const (
	SweepAbandoned                  SweepType = "abandoned"
	SweepScheduleNodes              SweepType = "schedule_nodes"
	SweepUnblockedBySchedule        SweepType = "unblocked_by_schedule"
	SweepRegenerateScheduleRecurring SweepType = "regenerate_schedule_recurring"
	SweepMissedSchedulesCatchall    SweepType = "missed_schedules_catchall"
	SweepStalledExecutions          SweepType = "stalled_executions"
)

// SweepRun is the audit record of one background sweep pass.
type SweepRun struct {
	ID                  string
	SweepType           SweepType
	StartedAt           time.Time
	CompletedAt         *time.Time
	ExecutionsProcessed int
	InsertedAt          time.Time
	UpdatedAt           time.Time
}

// NormalizeValue round-trips a value through JSON so that values compare
// structurally regardless of the Go types they arrived in.
func NormalizeValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// ValuesEqual compares two payloads by canonical JSON encoding. The engine
// treats payloads as black boxes; equality is deep and structural.
func ValuesEqual(a, b any) bool {
	ra, errA := json.Marshal(NormalizeValue(a))
	rb, errB := json.Marshal(NormalizeValue(b))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

func asEpoch(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
