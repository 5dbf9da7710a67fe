package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/pkg/storage"
)

var orderColumns = map[string]string{
	"":            "inserted_at",
	"inserted_at": "inserted_at",
	"updated_at":  "updated_at",
	"revision":    "revision",
	"id":          "id",
}

func (s *Store) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]*execution.Execution, error) {
	where, args, err := buildWhere(opts)
	if err != nil {
		return nil, err
	}

	orderBy, ok := orderColumns[opts.OrderBy]
	if !ok {
		return nil, fmt.Errorf("unsupported order column %q", opts.OrderBy)
	}
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT id FROM executions e
		%s
		ORDER BY %s %s, id %s
	`, where, orderBy, dir, dir)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*execution.Execution, 0, len(ids))
	for _, id := range ids {
		ex, err := s.LoadExecution(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func (s *Store) CountExecutions(ctx context.Context, opts storage.ListOptions) (int, error) {
	where, args, err := buildWhere(opts)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM executions e `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return count, nil
}

// buildWhere translates list options into a WHERE clause. Value filters
// become EXISTS subqueries over node_values; payload comparisons run against
// the jsonb column.
func buildWhere(opts storage.ListOptions) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		args = append(args, vals...)
		conds = append(conds, cond)
	}

	if opts.GraphName != "" {
		add(fmt.Sprintf("e.graph_name = $%d", len(args)+1), opts.GraphName)
	}
	if opts.GraphVersion != "" {
		add(fmt.Sprintf("e.graph_version = $%d", len(args)+1), opts.GraphVersion)
	}
	if !opts.IncludeArchived {
		conds = append(conds, "e.archived_at IS NULL")
	}

	for _, f := range opts.Filters {
		sub, subArgs, err := filterCondition(f, len(args))
		if err != nil {
			return "", nil, err
		}
		args = append(args, subArgs...)
		conds = append(conds, sub)
	}

	if len(conds) == 0 {
		return "", args, nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args, nil
}

func filterCondition(f storage.ValueFilter, argOffset int) (string, []any, error) {
	exists := func(cond string, vals ...any) (string, []any, error) {
		nodeParam := argOffset + 1
		sub := fmt.Sprintf(`EXISTS (
			SELECT 1 FROM node_values v
			WHERE v.execution_id = e.id AND v.node_name = $%d AND %s)`, nodeParam, cond)
		return sub, append([]any{f.Node}, vals...), nil
	}
	param := func(i int) string { return fmt.Sprintf("$%d", argOffset+1+i) }

	switch f.Op {
	case storage.OpIsSet:
		return exists("v.set_time IS NOT NULL")
	case storage.OpIsNotSet:
		return exists("v.set_time IS NULL")
	case storage.OpEqual, storage.OpNotEqual:
		raw, err := json.Marshal(execution.NormalizeValue(f.Value))
		if err != nil {
			return "", nil, err
		}
		op := "="
		if f.Op == storage.OpNotEqual {
			op = "<>"
		}
		return exists(fmt.Sprintf("v.set_time IS NOT NULL AND v.node_value %s %s::jsonb", op, param(1)), string(raw))
	case storage.OpLess, storage.OpLessEqual, storage.OpGreater, storage.OpGreaterEqual:
		op := string(f.Op)
		if s, ok := f.Value.(string); ok {
			return exists(fmt.Sprintf("v.set_time IS NOT NULL AND jsonb_typeof(v.node_value) = 'string' AND (v.node_value #>> '{}') %s %s", op, param(1)), s)
		}
		num, ok := toNumeric(f.Value)
		if !ok {
			return "", nil, fmt.Errorf("filter %s on node %q requires a string or numeric value", f.Op, f.Node)
		}
		return exists(fmt.Sprintf("v.set_time IS NOT NULL AND jsonb_typeof(v.node_value) = 'number' AND (v.node_value #>> '{}')::numeric %s %s", op, param(1)), num)
	case storage.OpContains:
		want, ok := f.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("contains filter on node %q requires a string", f.Node)
		}
		return exists(fmt.Sprintf("v.set_time IS NOT NULL AND jsonb_typeof(v.node_value) = 'string' AND (v.node_value #>> '{}') LIKE '%%' || %s || '%%'", param(1)), want)
	case storage.OpIContains:
		want, ok := f.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("icontains filter on node %q requires a string", f.Node)
		}
		return exists(fmt.Sprintf("v.set_time IS NOT NULL AND jsonb_typeof(v.node_value) = 'string' AND (v.node_value #>> '{}') ILIKE '%%' || %s || '%%'", param(1)), want)
	case storage.OpListContains:
		raw, err := json.Marshal([]any{execution.NormalizeValue(f.Value)})
		if err != nil {
			return "", nil, err
		}
		return exists(fmt.Sprintf("v.set_time IS NOT NULL AND jsonb_typeof(v.node_value) = 'array' AND v.node_value @> %s::jsonb", param(1)), string(raw))
	}
	return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
}

func toNumeric(v any) (float64, bool) {
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
	now := time.Now().UTC()
	run := &execution.SweepRun{
		ID:         uuid.NewString(),
		SweepType:  sweepType,
		StartedAt:  now,
		InsertedAt: now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, sweep_type, started_at, executions_processed, inserted_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
	`, run.ID, run.SweepType, run.StartedAt, now)
	if err != nil {
		return nil, fmt.Errorf("record sweep start: %w", err)
	}
	return run, nil
}

func (s *Store) CompleteSweepRun(ctx context.Context, id string, processed int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sweep_runs SET completed_at = now(), executions_processed = $2, updated_at = now() WHERE id = $1
	`, id, processed)
	if err != nil {
		return fmt.Errorf("complete sweep run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) LastCompletedSweep(ctx context.Context, sweepType execution.SweepType) (*execution.SweepRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sweep_type, started_at, completed_at, executions_processed, inserted_at, updated_at
		FROM sweep_runs
		WHERE sweep_type = $1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1
	`, sweepType)

	var (
		run       execution.SweepRun
		completed sql.NullTime
	)
	err := row.Scan(&run.ID, &run.SweepType, &run.StartedAt, &completed, &run.ExecutionsProcessed, &run.InsertedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completed sweep: %w", err)
	}
	run.CompletedAt = timePtr(completed)
	return &run, nil
}

func (s *Store) ExpiredComputations(ctx context.Context, now time.Time) ([]*execution.Computation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+computationColumns+`
		FROM computations
		WHERE state = $1 AND (deadline < $2 OR heartbeat_deadline < $2)
	`, execution.StateComputing, now)
	if err != nil {
		return nil, fmt.Errorf("expired computations: %w", err)
	}
	defer rows.Close()

	var out []*execution.Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ExecutionIDsWithUnstartedSchedules(ctx context.Context) ([]string, error) {
	return s.idQuery(ctx, `
		SELECT DISTINCT c.execution_id
		FROM computations c
		JOIN executions e ON e.id = c.execution_id AND e.archived_at IS NULL
		WHERE c.state = $1 AND c.computation_type = ANY($2)
	`, execution.StateNotSet, pq.Array(scheduleTypes()))
}

func (s *Store) ExecutionIDsUnblockedBySchedule(ctx context.Context, pulseNotBefore, pulseNotAfter int64) ([]string, error) {
	// Recency filters on the pulse value, not set_time: a long tick period
	// with a short set_time window would make detection miss (spec'd bug).
	return s.idQuery(ctx, `
		SELECT DISTINCT v.execution_id
		FROM node_values v
		JOIN executions e ON e.id = v.execution_id AND e.archived_at IS NULL
		WHERE v.node_type = ANY($1)
		  AND v.set_time IS NOT NULL
		  AND jsonb_typeof(v.node_value) = 'number'
		  AND (v.node_value #>> '{}')::numeric BETWEEN $2 AND $3
	`, pq.Array(scheduleTypes()), pulseNotBefore, pulseNotAfter)
}

func (s *Store) RecurringDueForRegeneration(ctx context.Context, now time.Time) ([]storage.RegenerationCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.execution_id, c.node_name
		FROM computations c
		JOIN executions e ON e.id = c.execution_id AND e.archived_at IS NULL
		JOIN node_values v ON v.execution_id = c.execution_id AND v.node_name = c.node_name
		WHERE c.computation_type = $1
		  AND c.state = $2
		  AND v.set_time IS NOT NULL
		  AND jsonb_typeof(v.node_value) = 'number'
		  AND (v.node_value #>> '{}')::numeric <= $3
		  AND NOT EXISTS (
			SELECT 1 FROM computations c2
			WHERE c2.execution_id = c.execution_id
			  AND c2.node_name = c.node_name
			  AND c2.state = ANY($4)
		  )
	`, execution.NodeTypeTickRecurring, execution.StateSuccess, now.Unix(),
		pq.Array([]string{string(execution.StateNotSet), string(execution.StateComputing)}))
	if err != nil {
		return nil, fmt.Errorf("recurring due: %w", err)
	}
	defer rows.Close()

	var out []storage.RegenerationCandidate
	for rows.Next() {
		var c storage.RegenerationCandidate
		if err := rows.Scan(&c.ExecutionID, &c.NodeName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) StalledExecutionIDs(ctx context.Context, idleFor, window time.Duration) ([]string, error) {
	return s.idQuery(ctx, `
		SELECT e.id
		FROM executions e
		WHERE e.archived_at IS NULL
		  AND e.updated_at < now() - make_interval(secs => $1)
		  AND e.updated_at > now() - make_interval(secs => $2)
		  AND EXISTS (
			SELECT 1 FROM computations c
			WHERE c.execution_id = e.id AND c.state = $3
		  )
	`, idleFor.Seconds(), window.Seconds(), execution.StateNotSet)
}

func (s *Store) idQuery(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scheduleTypes() []string {
	return []string{string(execution.NodeTypeTickOnce), string(execution.NodeTypeTickRecurring)}
}
