package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/pkg/storage"
)

func seedExecution(t *testing.T, s *Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	epoch := now.Unix()

	ex := &execution.Execution{
		ID:           id,
		GraphName:    "g",
		GraphVersion: "v1",
		GraphHash:    "hash",
		Revision:     1,
		InsertedAt:   now,
		UpdatedAt:    now,
	}
	values := []*execution.Value{
		{ExecutionID: id, NodeName: "name", NodeType: execution.NodeTypeInput},
		{ExecutionID: id, NodeName: "greet", NodeType: execution.NodeTypeCompute},
		{ExecutionID: id, NodeName: "tick", NodeType: execution.NodeTypeTickRecurring},
		{ExecutionID: id, NodeName: execution.NodeExecutionID, NodeType: execution.NodeTypeInput, NodeValue: id, SetTime: &epoch, ExRevision: 1},
		{ExecutionID: id, NodeName: execution.NodeLastUpdatedAt, NodeType: execution.NodeTypeInput, NodeValue: epoch, SetTime: &epoch, ExRevision: 1},
	}
	comps := []*execution.Computation{
		{ID: id + "-greet-0", ExecutionID: id, NodeName: "greet", ComputationType: execution.NodeTypeCompute, State: execution.StateNotSet, InsertedAt: now},
		{ID: id + "-tick-0", ExecutionID: id, NodeName: "tick", ComputationType: execution.NodeTypeTickRecurring, State: execution.StateNotSet, InsertedAt: now},
	}
	if err := s.CreateExecution(context.Background(), ex, values, comps); err != nil {
		t.Fatalf("create execution: %v", err)
	}
}

func TestLoadExecutionNotFound(t *testing.T) {
	s := New()
	_, err := s.LoadExecution(context.Background(), "ghost")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetValuesBumpsRevisionPerNode(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	ex, err := s.SetValues(ctx, "ex1", []storage.ValueUpdate{
		{NodeName: "name", Value: "Mario", Metadata: map[string]any{"source": "test"}},
	})
	if err != nil {
		t.Fatalf("set values: %v", err)
	}
	if ex.Revision != 2 {
		t.Fatalf("expected revision 2 after one set, got %d", ex.Revision)
	}

	v := ex.ValueNode("name")
	if !v.Set() || v.NodeValue != "Mario" || v.ExRevision != 2 {
		t.Fatalf("unexpected value row: %+v", v)
	}
	if v.Metadata["source"] != "test" {
		t.Fatalf("metadata lost: %+v", v.Metadata)
	}

	lu := ex.ValueNode(execution.NodeLastUpdatedAt)
	if lu.ExRevision != 2 {
		t.Fatalf("last_updated_at should ride the same revision, got %d", lu.ExRevision)
	}
}

func TestSetValuesUnknownNode(t *testing.T) {
	s := New()
	seedExecution(t, s, "ex1")
	_, err := s.SetValues(context.Background(), "ex1", []storage.ValueUpdate{{NodeName: "ghost", Value: 1}})
	if !errors.Is(err, storage.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestUnsetClearsValueAndBumps(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	if _, err := s.SetValues(ctx, "ex1", []storage.ValueUpdate{{NodeName: "name", Value: "Mario"}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	ex, err := s.UnsetValues(ctx, "ex1", []string{"name"})
	if err != nil {
		t.Fatalf("unset: %v", err)
	}
	v := ex.ValueNode("name")
	if v.Set() || v.NodeValue != nil {
		t.Fatalf("expected cleared value, got %+v", v)
	}
	if ex.Revision != 3 {
		t.Fatalf("unset must bump revision, got %d", ex.Revision)
	}
}

func claim(t *testing.T, s *Store, execID, compID string, upstreams []string) storage.ClaimResult {
	t.Helper()
	res, err := s.ClaimComputation(context.Background(), storage.ClaimRequest{
		ExecutionID:      execID,
		ComputationID:    compID,
		ExpectedState:    execution.StateNotSet,
		HeartbeatTimeout: time.Minute,
		AbandonAfter:     time.Hour,
		UpstreamNodes:    upstreams,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return res
}

func TestClaimComputationSingleFlight(t *testing.T) {
	s := New()
	seedExecution(t, s, "ex1")

	first := claim(t, s, "ex1", "ex1-greet-0", []string{"name"})
	if !first.Claimed {
		t.Fatal("first claim should win")
	}
	if first.Computation.State != execution.StateComputing {
		t.Fatalf("claimed row should be computing, got %s", first.Computation.State)
	}
	if first.Computation.Deadline == nil || first.Computation.HeartbeatDeadline == nil {
		t.Fatal("claim must set both deadlines")
	}
	if rev, ok := first.Computation.ComputedWith["name"]; !ok || rev != 0 {
		t.Fatalf("computed_with should snapshot upstream revisions, got %+v", first.Computation.ComputedWith)
	}

	second := claim(t, s, "ex1", "ex1-greet-0", []string{"name"})
	if second.Claimed {
		t.Fatal("second claim on a computing row must conflict")
	}
}

func TestCompleteComputationWritesValueAndSuppresses(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	claim(t, s, "ex1", "ex1-greet-0", nil)
	ex, err := s.CompleteComputation(ctx, storage.CompleteRequest{
		ExecutionID:   "ex1",
		ComputationID: "ex1-greet-0",
		NodeName:      "greet",
		State:         execution.StateSuccess,
		TargetNode:    "greet",
		Value:         "Hello",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	v := ex.ValueNode("greet")
	if !v.Set() || v.NodeValue != "Hello" {
		t.Fatalf("expected greet written, got %+v", v)
	}
	revAfterFirst := ex.Revision

	// Recompute producing the same value: revision must not move.
	comp := &execution.Computation{ExecutionID: "ex1", NodeName: "greet", ComputationType: execution.NodeTypeCompute, State: execution.StateNotSet}
	if err := s.InsertComputation(ctx, comp); err != nil {
		t.Fatalf("insert: %v", err)
	}
	claim(t, s, "ex1", comp.ID, nil)
	ex, err = s.CompleteComputation(ctx, storage.CompleteRequest{
		ExecutionID:   "ex1",
		ComputationID: comp.ID,
		NodeName:      "greet",
		State:         execution.StateSuccess,
		TargetNode:    "greet",
		Value:         "Hello",
	})
	if err != nil {
		t.Fatalf("complete unchanged: %v", err)
	}
	if ex.Revision != revAfterFirst {
		t.Fatalf("unchanged value must not bump revision: %d != %d", ex.Revision, revAfterFirst)
	}

	// With the forced bump the same write moves the revision.
	comp2 := &execution.Computation{ExecutionID: "ex1", NodeName: "greet", ComputationType: execution.NodeTypeCompute, State: execution.StateNotSet}
	if err := s.InsertComputation(ctx, comp2); err != nil {
		t.Fatalf("insert: %v", err)
	}
	claim(t, s, "ex1", comp2.ID, nil)
	ex, err = s.CompleteComputation(ctx, storage.CompleteRequest{
		ExecutionID:            "ex1",
		ComputationID:          comp2.ID,
		NodeName:               "greet",
		State:                  execution.StateSuccess,
		TargetNode:             "greet",
		Value:                  "Hello",
		UpdateRevisionOnChange: true,
	})
	if err != nil {
		t.Fatalf("complete forced: %v", err)
	}
	if ex.Revision != revAfterFirst+1 {
		t.Fatalf("forced bump expected, got revision %d", ex.Revision)
	}
}

func TestCompleteComputationConflictAfterAbandon(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	claim(t, s, "ex1", "ex1-greet-0", nil)
	ok, err := s.AbandonComputation(ctx, "ex1", "ex1-greet-0", "deadline elapsed")
	if err != nil || !ok {
		t.Fatalf("abandon: ok=%v err=%v", ok, err)
	}

	_, err = s.CompleteComputation(ctx, storage.CompleteRequest{
		ExecutionID:   "ex1",
		ComputationID: "ex1-greet-0",
		NodeName:      "greet",
		State:         execution.StateSuccess,
		TargetNode:    "greet",
		Value:         "late",
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict completing an abandoned row, got %v", err)
	}

	ex, _ := s.LoadExecution(ctx, "ex1")
	if ex.ValueNode("greet").Set() {
		t.Fatal("a late result must not be persisted")
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	if ok, _ := s.Heartbeat(ctx, "ex1-greet-0", time.Minute); ok {
		t.Fatal("heartbeat on a not_set row must report lost")
	}

	claim(t, s, "ex1", "ex1-greet-0", nil)
	if ok, _ := s.Heartbeat(ctx, "ex1-greet-0", time.Minute); !ok {
		t.Fatal("heartbeat on a computing row must extend")
	}

	if ok, _ := s.AbandonComputation(ctx, "ex1", "ex1-greet-0", "crash"); !ok {
		t.Fatal("abandon should succeed")
	}
	if ok, _ := s.Heartbeat(ctx, "ex1-greet-0", time.Minute); ok {
		t.Fatal("heartbeat after abandon must report lost")
	}
	if ok, _ := s.AbandonComputation(ctx, "ex1", "ex1-greet-0", "again"); ok {
		t.Fatal("terminal states never revert")
	}
}

func TestCancelComputation(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	if ok, _ := s.CancelComputation(ctx, "ex1", "ex1-greet-0"); !ok {
		t.Fatal("cancelling a not_set row should work")
	}
	res := claim(t, s, "ex1", "ex1-greet-0", nil)
	if res.Claimed {
		t.Fatal("cancelled rows must not be claimable")
	}
	if ok, _ := s.CancelComputation(ctx, "ex1", "ex1-greet-0"); ok {
		t.Fatal("cancelling a cancelled row must be a no-op")
	}
}

func TestExpiredComputations(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	res, err := s.ClaimComputation(ctx, storage.ClaimRequest{
		ExecutionID:      "ex1",
		ComputationID:    "ex1-greet-0",
		ExpectedState:    execution.StateNotSet,
		HeartbeatTimeout: time.Millisecond,
		AbandonAfter:     time.Millisecond,
	})
	if err != nil || !res.Claimed {
		t.Fatalf("claim: %v", err)
	}

	expired, err := s.ExpiredComputations(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "ex1-greet-0" {
		t.Fatalf("expected the claimed row to expire, got %+v", expired)
	}
}

func TestScheduleSweepQueries(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	ids, err := s.ExecutionIDsWithUnstartedSchedules(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected one execution with unstarted schedules, got %v err=%v", ids, err)
	}

	// Complete the tick with a pulse in the recent past.
	claim(t, s, "ex1", "ex1-tick-0", nil)
	pulse := time.Now().UTC().Add(-30 * time.Second).Unix()
	if _, err := s.CompleteComputation(ctx, storage.CompleteRequest{
		ExecutionID:   "ex1",
		ComputationID: "ex1-tick-0",
		NodeName:      "tick",
		State:         execution.StateSuccess,
		TargetNode:    "tick",
		Value:         pulse,
	}); err != nil {
		t.Fatalf("complete tick: %v", err)
	}

	now := time.Now().UTC()
	ids, err = s.ExecutionIDsUnblockedBySchedule(ctx, now.Add(-5*time.Minute).Unix(), now.Unix())
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected pulse within window to match, got %v err=%v", ids, err)
	}

	// A window that ends before the pulse must not match.
	ids, err = s.ExecutionIDsUnblockedBySchedule(ctx, now.Add(-5*time.Minute).Unix(), now.Add(-2*time.Minute).Unix())
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no match outside window, got %v err=%v", ids, err)
	}

	cands, err := s.RecurringDueForRegeneration(ctx, now)
	if err != nil || len(cands) != 1 || cands[0].NodeName != "tick" {
		t.Fatalf("expected tick due for regeneration, got %v err=%v", cands, err)
	}

	// A pending successor row suppresses regeneration.
	if err := s.InsertComputation(ctx, &execution.Computation{
		ExecutionID:     "ex1",
		NodeName:        "tick",
		ComputationType: execution.NodeTypeTickRecurring,
		State:           execution.StateNotSet,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cands, err = s.RecurringDueForRegeneration(ctx, now)
	if err != nil || len(cands) != 0 {
		t.Fatalf("expected no regeneration with pending row, got %v err=%v", cands, err)
	}
}

func TestListExecutionsFilters(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")
	seedExecution(t, s, "ex2")

	if _, err := s.SetValues(ctx, "ex1", []storage.ValueUpdate{{NodeName: "name", Value: "Mario"}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.SetValues(ctx, "ex2", []storage.ValueUpdate{{NodeName: "name", Value: "Peach"}}); err != nil {
		t.Fatalf("set: %v", err)
	}

	cases := []struct {
		name   string
		filter storage.ValueFilter
		want   int
	}{
		{"equal", storage.ValueFilter{Node: "name", Op: storage.OpEqual, Value: "Mario"}, 1},
		{"not equal", storage.ValueFilter{Node: "name", Op: storage.OpNotEqual, Value: "Mario"}, 1},
		{"contains", storage.ValueFilter{Node: "name", Op: storage.OpContains, Value: "ari"}, 1},
		{"icontains", storage.ValueFilter{Node: "name", Op: storage.OpIContains, Value: "PEA"}, 1},
		{"is_set", storage.ValueFilter{Node: "name", Op: storage.OpIsSet}, 2},
		{"is_not_set", storage.ValueFilter{Node: "greet", Op: storage.OpIsNotSet}, 2},
		{"greater on string", storage.ValueFilter{Node: "name", Op: storage.OpGreater, Value: "N"}, 1},
	}
	for _, tc := range cases {
		got, err := s.CountExecutions(ctx, storage.ListOptions{Filters: []storage.ValueFilter{tc.filter}})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: expected %d executions, got %d", tc.name, tc.want, got)
		}
	}
}

func TestListExecutionsNumericAndListFilters(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	if _, err := s.SetValues(ctx, "ex1", []storage.ValueUpdate{{NodeName: "name", Value: []any{"a", "b"}}}); err != nil {
		t.Fatalf("set list: %v", err)
	}
	n, err := s.CountExecutions(ctx, storage.ListOptions{Filters: []storage.ValueFilter{
		{Node: "name", Op: storage.OpListContains, Value: "b"},
	}})
	if err != nil || n != 1 {
		t.Fatalf("list_contains expected 1, got %d err=%v", n, err)
	}

	if _, err := s.SetValues(ctx, "ex1", []storage.ValueUpdate{{NodeName: "name", Value: 41}}); err != nil {
		t.Fatalf("set num: %v", err)
	}
	n, err = s.CountExecutions(ctx, storage.ListOptions{Filters: []storage.ValueFilter{
		{Node: "name", Op: storage.OpGreater, Value: 40},
	}})
	if err != nil || n != 1 {
		t.Fatalf("> 40 expected 1, got %d err=%v", n, err)
	}
	n, err = s.CountExecutions(ctx, storage.ListOptions{Filters: []storage.ValueFilter{
		{Node: "name", Op: storage.OpLessEqual, Value: 40},
	}})
	if err != nil || n != 0 {
		t.Fatalf("<= 40 expected 0, got %d err=%v", n, err)
	}
}

func TestArchiveHidesFromListings(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedExecution(t, s, "ex1")

	if _, err := s.ArchiveExecution(ctx, "ex1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	n, _ := s.CountExecutions(ctx, storage.ListOptions{})
	if n != 0 {
		t.Fatalf("archived executions must be hidden, got %d", n)
	}
	n, _ = s.CountExecutions(ctx, storage.ListOptions{IncludeArchived: true})
	if n != 1 {
		t.Fatalf("include_archived must reveal them, got %d", n)
	}

	if _, err := s.UnarchiveExecution(ctx, "ex1"); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	n, _ = s.CountExecutions(ctx, storage.ListOptions{})
	if n != 1 {
		t.Fatalf("unarchive must restore visibility, got %d", n)
	}
}

func TestSweepRunBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := New()

	last, err := s.LastCompletedSweep(ctx, execution.SweepAbandoned)
	if err != nil || last != nil {
		t.Fatalf("expected no completed sweep, got %v err=%v", last, err)
	}

	run, err := s.RecordSweepStart(ctx, execution.SweepAbandoned)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	// In-flight runs do not count as completed.
	last, _ = s.LastCompletedSweep(ctx, execution.SweepAbandoned)
	if last != nil {
		t.Fatal("in-flight sweep must not be the last completed")
	}

	if err := s.CompleteSweepRun(ctx, run.ID, 3); err != nil {
		t.Fatalf("complete: %v", err)
	}
	last, _ = s.LastCompletedSweep(ctx, execution.SweepAbandoned)
	if last == nil || last.ExecutionsProcessed != 3 {
		t.Fatalf("expected completed run with 3 processed, got %+v", last)
	}
}
