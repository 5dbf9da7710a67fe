package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/pkg/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestHeartbeatExtendsOwnedRow(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE computations`).
		WithArgs("comp-1", float64(300), string(execution.StateComputing)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.Heartbeat(context.Background(), "comp-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatal("expected heartbeat to extend")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHeartbeatZeroRowsMeansLost(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE computations`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Heartbeat(context.Background(), "comp-1", time.Minute)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatal("zero rows means the row is no longer ours")
	}
}

func TestAbandonComputationGuardedByState(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE computations`).
		WithArgs("comp-1", "ex-1", string(execution.StateAbandoned), "deadline elapsed", string(execution.StateComputing)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.AbandonComputation(context.Background(), "ex-1", "comp-1", "deadline elapsed")
	if err != nil || !ok {
		t.Fatalf("abandon: ok=%v err=%v", ok, err)
	}

	mock.ExpectExec(`UPDATE computations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.AbandonComputation(context.Background(), "ex-1", "comp-1", "again")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if ok {
		t.Fatal("abandoning a non-computing row must report false")
	}
}

func TestLoadExecutionNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT id, graph_name`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.LoadExecution(context.Background(), "ghost")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepRunBookkeeping(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`INSERT INTO sweep_runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	run, err := s.RecordSweepStart(context.Background(), execution.SweepAbandoned)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if run.ID == "" || run.SweepType != execution.SweepAbandoned {
		t.Fatalf("unexpected run: %+v", run)
	}

	mock.ExpectExec(`UPDATE sweep_runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.CompleteSweepRun(context.Background(), run.ID, 4); err != nil {
		t.Fatalf("complete: %v", err)
	}

	mock.ExpectQuery(`SELECT id, sweep_type`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sweep_type", "started_at", "completed_at", "executions_processed", "inserted_at", "updated_at"}))
	last, err := s.LastCompletedSweep(context.Background(), execution.SweepAbandoned)
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last != nil {
		t.Fatalf("no completed rows should yield nil, got %+v", last)
	}
}

func TestCountExecutionsBuildsFilterSQL(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT count\(\*\) FROM executions e WHERE e\.graph_name = \$1 AND e\.archived_at IS NULL AND EXISTS`).
		WithArgs("greeting", "name", `"Mario"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CountExecutions(context.Background(), storage.ListOptions{
		GraphName: "greeting",
		Filters: []storage.ValueFilter{
			{Node: "name", Op: storage.OpEqual, Value: "Mario"},
		},
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListExecutionsRejectsUnknownOrderColumn(t *testing.T) {
	s, _, done := newMockStore(t)
	defer done()

	_, err := s.ListExecutions(context.Background(), storage.ListOptions{OrderBy: "revision; DROP TABLE"})
	if err == nil {
		t.Fatal("expected rejection of unknown order column")
	}
}

func TestUnsetValuesUnknownNodeRollsBack(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM executions`).
		WithArgs("ex-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("ex-1"))
	mock.ExpectQuery(`UPDATE executions SET revision`).
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(2))
	mock.ExpectExec(`UPDATE node_values`).
		WillReturnResult(sqlmock.NewResult(0, 1)) // last_updated_at touch
	mock.ExpectExec(`UPDATE node_values`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // unknown node
	mock.ExpectRollback()

	_, err := s.UnsetValues(context.Background(), "ex-1", []string{"ghost"})
	if !errors.Is(err, storage.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimComputationSkipLockedMiss(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM computations`).
		WithArgs("comp-1", "ex-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))
	mock.ExpectCommit()

	res, err := s.ClaimComputation(context.Background(), storage.ClaimRequest{
		ExecutionID:      "ex-1",
		ComputationID:    "comp-1",
		ExpectedState:    execution.StateNotSet,
		HeartbeatTimeout: time.Minute,
		AbandonAfter:     time.Hour,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Claimed {
		t.Fatal("a row held by another claimer must not be claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimComputationStateMismatch(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT state FROM computations`).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(string(execution.StateSuccess)))
	mock.ExpectCommit()

	res, err := s.ClaimComputation(context.Background(), storage.ClaimRequest{
		ExecutionID:   "ex-1",
		ComputationID: "comp-1",
		ExpectedState: execution.StateNotSet,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Claimed {
		t.Fatal("a terminal row must not be re-claimed")
	}
}
