// Package memory is an in-memory implementation of the storage interface. It
// is safe for concurrent use and is primarily intended for tests and local
// development; durability contracts obviously do not hold here.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/pkg/storage"
)

type record struct {
	ex     *execution.Execution
	values map[string]*execution.Value
	// comps is kept in insertion order; the last row for a node is its
	// latest attempt.
	comps []*execution.Computation
}

// Store is the in-memory storage backend.
type Store struct {
	mu         sync.RWMutex
	executions map[string]*record
	compIndex  map[string]string // computation id -> execution id
	sweepRuns  []*execution.SweepRun
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		executions: make(map[string]*record),
		compIndex:  make(map[string]string),
	}
}

func (s *Store) CreateExecution(ctx context.Context, ex *execution.Execution, values []*execution.Value, comps []*execution.Computation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[ex.ID]; exists {
		return fmt.Errorf("execution %s already exists", ex.ID)
	}

	rec := &record{
		ex:     copyExecution(ex),
		values: make(map[string]*execution.Value, len(values)),
	}
	for _, v := range values {
		cv := copyValue(v)
		if cv.ID == "" {
			cv.ID = uuid.NewString()
		}
		rec.values[cv.NodeName] = cv
	}
	for _, c := range comps {
		cc := copyComputation(c)
		if cc.ID == "" {
			cc.ID = uuid.NewString()
		}
		rec.comps = append(rec.comps, cc)
		s.compIndex[cc.ID] = ex.ID
	}
	s.executions[ex.ID] = rec
	return nil
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return snapshot(rec), nil
}

func (s *Store) LoadValue(ctx context.Context, executionID, nodeName string) (*execution.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.executions[executionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	v, ok := rec.values[nodeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownNode, nodeName)
	}
	return copyValue(v), nil
}

func (s *Store) SetValues(ctx context.Context, executionID string, updates []storage.ValueUpdate) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[executionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for _, u := range updates {
		if _, ok := rec.values[u.NodeName]; !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownNode, u.NodeName)
		}
	}

	now := time.Now().UTC()
	for _, u := range updates {
		rev := s.bumpRevision(rec, now)
		v := rec.values[u.NodeName]
		epoch := now.Unix()
		v.NodeValue = execution.NormalizeValue(u.Value)
		v.Metadata = copyMetadata(u.Metadata)
		v.SetTime = &epoch
		v.ExRevision = rev
		v.UpdatedAt = now
	}
	return snapshot(rec), nil
}

func (s *Store) UnsetValues(ctx context.Context, executionID string, nodeNames []string) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[executionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for _, name := range nodeNames {
		if _, ok := rec.values[name]; !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownNode, name)
		}
	}

	now := time.Now().UTC()
	for _, name := range nodeNames {
		rev := s.bumpRevision(rec, now)
		v := rec.values[name]
		v.NodeValue = nil
		v.Metadata = nil
		v.SetTime = nil
		v.ExRevision = rev
		v.UpdatedAt = now
	}
	return snapshot(rec), nil
}

func (s *Store) InsertComputation(ctx context.Context, comp *execution.Computation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[comp.ExecutionID]
	if !ok {
		return storage.ErrNotFound
	}
	cc := copyComputation(comp)
	if cc.ID == "" {
		cc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if cc.InsertedAt.IsZero() {
		cc.InsertedAt = now
	}
	cc.UpdatedAt = now
	rec.comps = append(rec.comps, cc)
	s.compIndex[cc.ID] = comp.ExecutionID
	comp.ID = cc.ID
	return nil
}

func (s *Store) ClaimComputation(ctx context.Context, req storage.ClaimRequest) (storage.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[req.ExecutionID]
	if !ok {
		return storage.ClaimResult{}, storage.ErrNotFound
	}
	comp := findComp(rec, req.ComputationID)
	if comp == nil {
		return storage.ClaimResult{}, storage.ErrNotFound
	}
	if comp.State != req.ExpectedState {
		return storage.ClaimResult{Claimed: false}, nil
	}

	computedWith := make(map[string]int64, len(req.UpstreamNodes))
	for _, up := range req.UpstreamNodes {
		v, ok := rec.values[up]
		if !ok {
			return storage.ClaimResult{}, fmt.Errorf("%w: %s", storage.ErrUnknownNode, up)
		}
		computedWith[up] = v.ExRevision
	}

	now := time.Now().UTC()
	deadline := now.Add(req.AbandonAfter)
	hbDeadline := now.Add(req.HeartbeatTimeout)
	comp.State = execution.StateComputing
	comp.StartTime = &now
	comp.Deadline = &deadline
	comp.LastHeartbeatAt = &now
	comp.HeartbeatDeadline = &hbDeadline
	comp.ExRevisionAtStart = rec.ex.Revision
	comp.ComputedWith = computedWith
	comp.UpdatedAt = now

	return storage.ClaimResult{Claimed: true, Computation: copyComputation(comp)}, nil
}

func (s *Store) CompleteComputation(ctx context.Context, req storage.CompleteRequest) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[req.ExecutionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	comp := findComp(rec, req.ComputationID)
	if comp == nil {
		return nil, storage.ErrNotFound
	}
	if comp.State != execution.StateComputing {
		// The row was taken from us (abandoned or cancelled); terminal
		// states never revert.
		return snapshot(rec), storage.ErrConflict
	}

	now := time.Now().UTC()
	if req.State == execution.StateSuccess {
		if req.Archive {
			if rec.ex.ArchivedAt == nil {
				rec.ex.ArchivedAt = &now
			}
			rec.ex.UpdatedAt = now
		} else {
			s.writeResult(rec, req.TargetNode, req.Value, req.Metadata, req.UpdateRevisionOnChange, now)
			if req.OwnMarker != nil && req.TargetNode != req.NodeName {
				s.writeResult(rec, req.NodeName, req.OwnMarker, nil, false, now)
			}
		}
	}

	comp.State = req.State
	comp.ErrorDetails = req.ErrorDetails
	comp.CompletionTime = &now
	comp.ExRevisionAtCompletion = rec.ex.Revision
	comp.UpdatedAt = now
	return snapshot(rec), nil
}

// writeResult writes a computed value with no-op suppression: an unchanged
// payload leaves the revision alone unless the node opted out.
func (s *Store) writeResult(rec *record, nodeName string, value any, metadata map[string]any, forceBump bool, now time.Time) {
	v, ok := rec.values[nodeName]
	if !ok {
		return
	}
	normalized := execution.NormalizeValue(value)
	unchanged := v.Set() && execution.ValuesEqual(v.NodeValue, normalized)
	if unchanged && !forceBump {
		v.UpdatedAt = now
		return
	}
	rev := s.bumpRevision(rec, now)
	epoch := now.Unix()
	v.NodeValue = normalized
	if metadata != nil {
		v.Metadata = copyMetadata(metadata)
	}
	v.SetTime = &epoch
	v.ExRevision = rev
	v.UpdatedAt = now
}

func (s *Store) Heartbeat(ctx context.Context, computationID string, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execID, ok := s.compIndex[computationID]
	if !ok {
		return false, nil
	}
	rec := s.executions[execID]
	comp := findComp(rec, computationID)
	if comp == nil || comp.State != execution.StateComputing {
		return false, nil
	}
	now := time.Now().UTC()
	// A row past its hard deadline (with slack) no longer extends; the
	// abandoned sweep owns it now.
	if comp.Deadline != nil && !comp.Deadline.After(now.Add(-10*time.Second)) {
		return false, nil
	}
	hbDeadline := now.Add(timeout)
	comp.LastHeartbeatAt = &now
	comp.HeartbeatDeadline = &hbDeadline
	comp.UpdatedAt = now
	return true, nil
}

func (s *Store) AbandonComputation(ctx context.Context, executionID, computationID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[executionID]
	if !ok {
		return false, storage.ErrNotFound
	}
	comp := findComp(rec, computationID)
	if comp == nil || comp.State != execution.StateComputing {
		return false, nil
	}
	now := time.Now().UTC()
	comp.State = execution.StateAbandoned
	comp.ErrorDetails = reason
	comp.CompletionTime = &now
	comp.ExRevisionAtCompletion = rec.ex.Revision
	comp.UpdatedAt = now
	rec.ex.UpdatedAt = now
	return true, nil
}

func (s *Store) CancelComputation(ctx context.Context, executionID, computationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[executionID]
	if !ok {
		return false, storage.ErrNotFound
	}
	comp := findComp(rec, computationID)
	if comp == nil {
		return false, storage.ErrNotFound
	}
	if comp.State != execution.StateNotSet && comp.State != execution.StateComputing {
		return false, nil
	}
	now := time.Now().UTC()
	comp.State = execution.StateCancelled
	comp.CompletionTime = &now
	comp.ExRevisionAtCompletion = rec.ex.Revision
	comp.UpdatedAt = now
	return true, nil
}

func (s *Store) ArchiveExecution(ctx context.Context, id string) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	now := time.Now().UTC()
	if rec.ex.ArchivedAt == nil {
		rec.ex.ArchivedAt = &now
		rec.ex.UpdatedAt = now
	}
	return snapshot(rec), nil
}

func (s *Store) UnarchiveExecution(ctx context.Context, id string) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.ex.ArchivedAt != nil {
		rec.ex.ArchivedAt = nil
		rec.ex.UpdatedAt = time.Now().UTC()
	}
	return snapshot(rec), nil
}

func (s *Store) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.matchingRecords(opts)
	sortRecords(matches, opts)

	if opts.Offset > 0 {
		if opts.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(matches) {
		matches = matches[:opts.Limit]
	}

	out := make([]*execution.Execution, 0, len(matches))
	for _, rec := range matches {
		out = append(out, snapshot(rec))
	}
	return out, nil
}

func (s *Store) CountExecutions(ctx context.Context, opts storage.ListOptions) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matchingRecords(opts)), nil
}

func (s *Store) matchingRecords(opts storage.ListOptions) []*record {
	var out []*record
	for _, rec := range s.executions {
		if opts.GraphName != "" && rec.ex.GraphName != opts.GraphName {
			continue
		}
		if opts.GraphVersion != "" && rec.ex.GraphVersion != opts.GraphVersion {
			continue
		}
		if !opts.IncludeArchived && rec.ex.ArchivedAt != nil {
			continue
		}
		if !matchesFilters(rec, opts.Filters) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func sortRecords(recs []*record, opts storage.ListOptions) {
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = "inserted_at"
	}
	less := func(a, b *record) bool {
		switch orderBy {
		case "updated_at":
			return a.ex.UpdatedAt.Before(b.ex.UpdatedAt)
		case "revision":
			return a.ex.Revision < b.ex.Revision
		case "id":
			return a.ex.ID < b.ex.ID
		default:
			return a.ex.InsertedAt.Before(b.ex.InsertedAt)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if opts.Desc {
			return less(recs[j], recs[i])
		}
		return less(recs[i], recs[j])
	})
}

func matchesFilters(rec *record, filters []storage.ValueFilter) bool {
	for _, f := range filters {
		v := rec.values[f.Node]
		if !matchFilter(v, f) {
			return false
		}
	}
	return true
}

// matchFilter evaluates one value filter against a node's current value.
// Payloads are compared through their JSON form.
func matchFilter(v *execution.Value, f storage.ValueFilter) bool {
	switch f.Op {
	case storage.OpIsSet:
		return v.Set()
	case storage.OpIsNotSet:
		return !v.Set()
	}
	if !v.Set() {
		return false
	}

	raw, err := json.Marshal(v.NodeValue)
	if err != nil {
		return false
	}
	stored := gjson.ParseBytes(raw)

	switch f.Op {
	case storage.OpEqual:
		return execution.ValuesEqual(v.NodeValue, f.Value)
	case storage.OpNotEqual:
		return !execution.ValuesEqual(v.NodeValue, f.Value)
	case storage.OpLess, storage.OpLessEqual, storage.OpGreater, storage.OpGreaterEqual:
		return matchOrdered(stored, f)
	case storage.OpContains:
		want, ok := f.Value.(string)
		return ok && stored.Type == gjson.String && strings.Contains(stored.Str, want)
	case storage.OpIContains:
		want, ok := f.Value.(string)
		return ok && stored.Type == gjson.String &&
			strings.Contains(strings.ToLower(stored.Str), strings.ToLower(want))
	case storage.OpListContains:
		if !stored.IsArray() {
			return false
		}
		for _, el := range stored.Array() {
			if execution.ValuesEqual(el.Value(), f.Value) {
				return true
			}
		}
		return false
	}
	return false
}

func matchOrdered(stored gjson.Result, f storage.ValueFilter) bool {
	var cmp int
	switch stored.Type {
	case gjson.Number:
		want, ok := toFloat(f.Value)
		if !ok {
			return false
		}
		switch {
		case stored.Num < want:
			cmp = -1
		case stored.Num > want:
			cmp = 1
		}
	case gjson.String:
		want, ok := f.Value.(string)
		if !ok {
			return false
		}
		cmp = strings.Compare(stored.Str, want)
	default:
		return false
	}
	switch f.Op {
	case storage.OpLess:
		return cmp < 0
	case storage.OpLessEqual:
		return cmp <= 0
	case storage.OpGreater:
		return cmp > 0
	case storage.OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func (s *Store) RecordSweepStart(ctx context.Context, sweepType execution.SweepType) (*execution.SweepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	run := &execution.SweepRun{
		ID:         uuid.NewString(),
		SweepType:  sweepType,
		StartedAt:  now,
		InsertedAt: now,
		UpdatedAt:  now,
	}
	s.sweepRuns = append(s.sweepRuns, run)
	out := *run
	return &out, nil
}

func (s *Store) CompleteSweepRun(ctx context.Context, id string, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.sweepRuns {
		if run.ID == id {
			now := time.Now().UTC()
			run.CompletedAt = &now
			run.ExecutionsProcessed = processed
			run.UpdatedAt = now
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) LastCompletedSweep(ctx context.Context, sweepType execution.SweepType) (*execution.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *execution.SweepRun
	for _, run := range s.sweepRuns {
		if run.SweepType != sweepType || run.CompletedAt == nil {
			continue
		}
		if latest == nil || run.CompletedAt.After(*latest.CompletedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (s *Store) ExpiredComputations(ctx context.Context, now time.Time) ([]*execution.Computation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*execution.Computation
	for _, rec := range s.executions {
		for _, c := range rec.comps {
			if c.State != execution.StateComputing {
				continue
			}
			expired := (c.Deadline != nil && c.Deadline.Before(now)) ||
				(c.HeartbeatDeadline != nil && c.HeartbeatDeadline.Before(now))
			if expired {
				out = append(out, copyComputation(c))
			}
		}
	}
	return out, nil
}

func (s *Store) ExecutionIDsWithUnstartedSchedules(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, rec := range s.executions {
		if rec.ex.ArchivedAt != nil {
			continue
		}
		for _, c := range rec.comps {
			if c.State == execution.StateNotSet && c.ComputationType.IsSchedule() {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ExecutionIDsUnblockedBySchedule(ctx context.Context, pulseNotBefore, pulseNotAfter int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, rec := range s.executions {
		if rec.ex.ArchivedAt != nil {
			continue
		}
		for _, v := range rec.values {
			if !v.NodeType.IsSchedule() {
				continue
			}
			pulse, ok := v.PulseTime()
			if ok && pulse >= pulseNotBefore && pulse <= pulseNotAfter {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) RecurringDueForRegeneration(ctx context.Context, now time.Time) ([]storage.RegenerationCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.RegenerationCandidate
	for id, rec := range s.executions {
		if rec.ex.ArchivedAt != nil {
			continue
		}
		latest := map[string]*execution.Computation{}
		for _, c := range rec.comps {
			if c.ComputationType == execution.NodeTypeTickRecurring {
				latest[c.NodeName] = c
			}
		}
		for node, c := range latest {
			if c.State != execution.StateSuccess {
				continue
			}
			v := rec.values[node]
			if v == nil {
				continue
			}
			pulse, ok := v.PulseTime()
			if ok && pulse <= now.Unix() {
				out = append(out, storage.RegenerationCandidate{ExecutionID: id, NodeName: node})
			}
		}
	}
	return out, nil
}

func (s *Store) StalledExecutionIDs(ctx context.Context, idleFor, window time.Duration) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var out []string
	for id, rec := range s.executions {
		if rec.ex.ArchivedAt != nil {
			continue
		}
		age := now.Sub(rec.ex.UpdatedAt)
		if age < idleFor || age > window {
			continue
		}
		for _, c := range rec.comps {
			if c.State == execution.StateNotSet {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

// bumpRevision increments the execution revision and maintains the
// last_updated_at synthetic value without a second bump.
func (s *Store) bumpRevision(rec *record, now time.Time) int64 {
	rec.ex.Revision++
	rec.ex.UpdatedAt = now
	if v, ok := rec.values[execution.NodeLastUpdatedAt]; ok {
		epoch := now.Unix()
		v.NodeValue = epoch
		v.SetTime = &epoch
		v.ExRevision = rec.ex.Revision
		v.UpdatedAt = now
	}
	return rec.ex.Revision
}

func findComp(rec *record, id string) *execution.Computation {
	for _, c := range rec.comps {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// snapshot builds a detached copy of the execution with children ordered per
// the load contract.
func snapshot(rec *record) *execution.Execution {
	out := copyExecution(rec.ex)
	for _, v := range rec.values {
		out.Values = append(out.Values, copyValue(v))
	}
	sort.SliceStable(out.Values, func(i, j int) bool {
		return out.Values[i].ExRevision > out.Values[j].ExRevision
	})
	for _, c := range rec.comps {
		out.Computations = append(out.Computations, copyComputation(c))
	}
	sort.SliceStable(out.Computations, func(i, j int) bool {
		return out.Computations[i].ExRevisionAtCompletion > out.Computations[j].ExRevisionAtCompletion
	})
	return out
}

func copyExecution(ex *execution.Execution) *execution.Execution {
	out := *ex
	out.Values = nil
	out.Computations = nil
	out.ArchivedAt = copyTime(ex.ArchivedAt)
	return &out
}

func copyValue(v *execution.Value) *execution.Value {
	out := *v
	out.Metadata = copyMetadata(v.Metadata)
	if v.SetTime != nil {
		t := *v.SetTime
		out.SetTime = &t
	}
	return &out
}

func copyComputation(c *execution.Computation) *execution.Computation {
	out := *c
	out.ScheduledTime = copyTime(c.ScheduledTime)
	out.StartTime = copyTime(c.StartTime)
	out.CompletionTime = copyTime(c.CompletionTime)
	out.Deadline = copyTime(c.Deadline)
	out.LastHeartbeatAt = copyTime(c.LastHeartbeatAt)
	out.HeartbeatDeadline = copyTime(c.HeartbeatDeadline)
	if c.ComputedWith != nil {
		out.ComputedWith = make(map[string]int64, len(c.ComputedWith))
		for k, rev := range c.ComputedWith {
			out.ComputedWith[k] = rev
		}
	}
	return &out
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
