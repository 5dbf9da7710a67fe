// Package postgres implements the storage interface on PostgreSQL. Revision
// bumps are linearized by locking the execution row; computation claims use
// FOR UPDATE SKIP LOCKED so parallel Advance passes split the ready set
// without contention.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/trellisengine/trellis/domain/execution"
	"github.com/trellisengine/trellis/pkg/storage"
)

// Store is the PostgreSQL-backed storage implementation.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a PostgreSQL-backed store. The schema must already be applied
// (see internal/platform/migrations).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const valueColumns = `id, execution_id, node_name, node_type, node_value, metadata, set_time, ex_revision, inserted_at, updated_at`

const computationColumns = `id, execution_id, node_name, computation_type, state, ex_revision_at_start, ex_revision_at_completion,
	scheduled_time, start_time, completion_time, deadline, last_heartbeat_at, heartbeat_deadline, error_details, computed_with,
	inserted_at, updated_at`

func (s *Store) CreateExecution(ctx context.Context, ex *execution.Execution, values []*execution.Value, comps []*execution.Computation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, graph_name, graph_version, graph_hash, revision, archived_at, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ex.ID, ex.GraphName, ex.GraphVersion, ex.GraphHash, ex.Revision, nullTime(ex.ArchivedAt), ex.InsertedAt, ex.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	for _, v := range values {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		payload, err := marshalPayload(v.NodeValue)
		if err != nil {
			return err
		}
		metadata, err := marshalPayload(v.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO node_values (id, execution_id, node_name, node_type, node_value, metadata, set_time, ex_revision, inserted_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, v.ID, ex.ID, v.NodeName, v.NodeType, payload, metadata, nullInt(v.SetTime), v.ExRevision, v.InsertedAt, v.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert value %s: %w", v.NodeName, err)
		}
	}

	for _, c := range comps {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if err := insertComputationTx(ctx, tx, c); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertComputationTx(ctx context.Context, tx *sql.Tx, c *execution.Computation) error {
	computedWith, err := marshalPayload(c.ComputedWith)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO computations (id, execution_id, node_name, computation_type, state, ex_revision_at_start, ex_revision_at_completion,
			scheduled_time, start_time, completion_time, deadline, last_heartbeat_at, heartbeat_deadline, error_details, computed_with,
			inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, c.ID, c.ExecutionID, c.NodeName, c.ComputationType, c.State, c.ExRevisionAtStart, c.ExRevisionAtCompletion,
		nullTime(c.ScheduledTime), nullTime(c.StartTime), nullTime(c.CompletionTime), nullTime(c.Deadline),
		nullTime(c.LastHeartbeatAt), nullTime(c.HeartbeatDeadline), c.ErrorDetails, computedWith,
		c.InsertedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert computation %s: %w", c.NodeName, err)
	}
	return nil
}

func (s *Store) InsertComputation(ctx context.Context, comp *execution.Computation) error {
	if comp.ID == "" {
		comp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if comp.InsertedAt.IsZero() {
		comp.InsertedAt = now
	}
	comp.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertComputationTx(ctx, tx, comp); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*execution.Execution, error) {
	ex, err := s.loadExecutionRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+valueColumns+`
		FROM node_values
		WHERE execution_id = $1
		ORDER BY ex_revision DESC, node_name
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		ex.Values = append(ex.Values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx, `
		SELECT `+computationColumns+`
		FROM computations
		WHERE execution_id = $1
		ORDER BY ex_revision_at_completion DESC, inserted_at DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load computations: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		c, err := scanComputation(crows)
		if err != nil {
			return nil, err
		}
		ex.Computations = append(ex.Computations, c)
	}
	if err := crows.Err(); err != nil {
		return nil, err
	}

	return ex, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadExecutionRow(ctx context.Context, q queryer, id string) (*execution.Execution, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, graph_name, graph_version, graph_hash, revision, archived_at, inserted_at, updated_at
		FROM executions
		WHERE id = $1
	`, id)

	var (
		ex       execution.Execution
		archived sql.NullTime
	)
	if err := row.Scan(&ex.ID, &ex.GraphName, &ex.GraphVersion, &ex.GraphHash, &ex.Revision, &archived, &ex.InsertedAt, &ex.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if archived.Valid {
		t := archived.Time.UTC()
		ex.ArchivedAt = &t
	}
	return &ex, nil
}

func (s *Store) LoadValue(ctx context.Context, executionID, nodeName string) (*execution.Value, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+valueColumns+`
		FROM node_values
		WHERE execution_id = $1 AND node_name = $2
	`, executionID, nodeName)
	v, err := scanValue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, lerr := s.loadExecutionRow(ctx, s.db, executionID); lerr != nil {
				return nil, lerr
			}
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownNode, nodeName)
		}
		return nil, err
	}
	return v, nil
}

func (s *Store) SetValues(ctx context.Context, executionID string, updates []storage.ValueUpdate) (*execution.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockExecution(ctx, tx, executionID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, u := range updates {
		rev, err := bumpRevision(ctx, tx, executionID, now)
		if err != nil {
			return nil, err
		}
		payload, err := marshalPayload(execution.NormalizeValue(u.Value))
		if err != nil {
			return nil, err
		}
		metadata, err := marshalPayload(u.Metadata)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE node_values
			SET node_value = $3, metadata = $4, set_time = $5, ex_revision = $6, updated_at = $7
			WHERE execution_id = $1 AND node_name = $2
		`, executionID, u.NodeName, payload, metadata, now.Unix(), rev, now)
		if err != nil {
			return nil, fmt.Errorf("set value %s: %w", u.NodeName, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownNode, u.NodeName)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.LoadExecution(ctx, executionID)
}

func (s *Store) UnsetValues(ctx context.Context, executionID string, nodeNames []string) (*execution.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockExecution(ctx, tx, executionID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, name := range nodeNames {
		rev, err := bumpRevision(ctx, tx, executionID, now)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE node_values
			SET node_value = NULL, metadata = NULL, set_time = NULL, ex_revision = $3, updated_at = $4
			WHERE execution_id = $1 AND node_name = $2
		`, executionID, name, rev, now)
		if err != nil {
			return nil, fmt.Errorf("unset value %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownNode, name)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.LoadExecution(ctx, executionID)
}

// ClaimComputation is the grab-and-run transition: SKIP LOCKED keeps
// concurrent claimers from blocking on each other, and the state guard keeps
// them from double-claiming.
func (s *Store) ClaimComputation(ctx context.Context, req storage.ClaimRequest) (storage.ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storage.ClaimResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var state execution.ComputationState
	row := tx.QueryRowContext(ctx, `
		SELECT state FROM computations
		WHERE id = $1 AND execution_id = $2
		FOR UPDATE SKIP LOCKED
	`, req.ComputationID, req.ExecutionID)
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Locked by a concurrent claimer, or gone. Either way: not ours.
			return storage.ClaimResult{Claimed: false}, tx.Commit()
		}
		return storage.ClaimResult{}, err
	}
	if state != req.ExpectedState {
		return storage.ClaimResult{Claimed: false}, tx.Commit()
	}

	var revision int64
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM executions WHERE id = $1`, req.ExecutionID).Scan(&revision); err != nil {
		return storage.ClaimResult{}, fmt.Errorf("read revision: %w", err)
	}

	computedWith := make(map[string]int64, len(req.UpstreamNodes))
	if len(req.UpstreamNodes) > 0 {
		rows, err := tx.QueryContext(ctx, `
			SELECT node_name, ex_revision FROM node_values
			WHERE execution_id = $1 AND node_name = ANY($2)
		`, req.ExecutionID, pq.Array(req.UpstreamNodes))
		if err != nil {
			return storage.ClaimResult{}, fmt.Errorf("snapshot upstreams: %w", err)
		}
		for rows.Next() {
			var name string
			var rev int64
			if err := rows.Scan(&name, &rev); err != nil {
				rows.Close()
				return storage.ClaimResult{}, err
			}
			computedWith[name] = rev
		}
		if err := rows.Close(); err != nil {
			return storage.ClaimResult{}, err
		}
		for _, up := range req.UpstreamNodes {
			if _, ok := computedWith[up]; !ok {
				return storage.ClaimResult{}, fmt.Errorf("%w: %s", storage.ErrUnknownNode, up)
			}
		}
	}

	snapshot, err := marshalPayload(computedWith)
	if err != nil {
		return storage.ClaimResult{}, err
	}

	now := time.Now().UTC()
	deadline := now.Add(req.AbandonAfter)
	hbDeadline := now.Add(req.HeartbeatTimeout)
	crow := tx.QueryRowContext(ctx, `
		UPDATE computations
		SET state = $2, start_time = $3, deadline = $4, last_heartbeat_at = $3, heartbeat_deadline = $5,
			ex_revision_at_start = $6, computed_with = $7, updated_at = $3
		WHERE id = $1
		RETURNING `+computationColumns+`
	`, req.ComputationID, execution.StateComputing, now, deadline, hbDeadline, revision, snapshot)

	comp, err := scanComputation(crow)
	if err != nil {
		return storage.ClaimResult{}, fmt.Errorf("claim computation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.ClaimResult{}, err
	}
	return storage.ClaimResult{Claimed: true, Computation: comp}, nil
}

func (s *Store) CompleteComputation(ctx context.Context, req storage.CompleteRequest) (*execution.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockExecution(ctx, tx, req.ExecutionID); err != nil {
		return nil, err
	}

	var state execution.ComputationState
	row := tx.QueryRowContext(ctx, `
		SELECT state FROM computations WHERE id = $1 FOR UPDATE
	`, req.ComputationID)
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if state != execution.StateComputing {
		_ = tx.Rollback()
		ex, lerr := s.LoadExecution(ctx, req.ExecutionID)
		if lerr != nil {
			return nil, lerr
		}
		return ex, storage.ErrConflict
	}

	now := time.Now().UTC()
	if req.State == execution.StateSuccess {
		if req.Archive {
			if _, err := tx.ExecContext(ctx, `
				UPDATE executions SET archived_at = COALESCE(archived_at, $2), updated_at = $2 WHERE id = $1
			`, req.ExecutionID, now); err != nil {
				return nil, fmt.Errorf("archive execution: %w", err)
			}
		} else {
			if err := writeResult(ctx, tx, req.ExecutionID, req.TargetNode, req.Value, req.Metadata, req.UpdateRevisionOnChange, now); err != nil {
				return nil, err
			}
			if req.OwnMarker != nil && req.TargetNode != req.NodeName {
				if err := writeResult(ctx, tx, req.ExecutionID, req.NodeName, req.OwnMarker, nil, false, now); err != nil {
					return nil, err
				}
			}
		}
	}

	var revision int64
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM executions WHERE id = $1`, req.ExecutionID).Scan(&revision); err != nil {
		return nil, fmt.Errorf("read revision: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE computations
		SET state = $2, error_details = $3, completion_time = $4, ex_revision_at_completion = $5, updated_at = $4
		WHERE id = $1
	`, req.ComputationID, req.State, req.ErrorDetails, now, revision); err != nil {
		return nil, fmt.Errorf("complete computation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.LoadExecution(ctx, req.ExecutionID)
}

// writeResult persists a computed value with no-op suppression: when the new
// payload equals the stored one the revision is left alone unless the node
// opted out of suppression.
func writeResult(ctx context.Context, tx *sql.Tx, executionID, nodeName string, value any, metadata map[string]any, forceBump bool, now time.Time) error {
	var (
		stored  []byte
		setTime sql.NullInt64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT node_value, set_time FROM node_values
		WHERE execution_id = $1 AND node_name = $2
		FOR UPDATE
	`, executionID, nodeName)
	if err := row.Scan(&stored, &setTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrUnknownNode, nodeName)
		}
		return err
	}

	normalized := execution.NormalizeValue(value)
	var storedValue any
	if stored != nil {
		if err := json.Unmarshal(stored, &storedValue); err != nil {
			storedValue = nil
		}
	}
	unchanged := setTime.Valid && execution.ValuesEqual(storedValue, normalized)
	if unchanged && !forceBump {
		_, err := tx.ExecContext(ctx, `
			UPDATE node_values SET updated_at = $3 WHERE execution_id = $1 AND node_name = $2
		`, executionID, nodeName, now)
		return err
	}

	rev, err := bumpRevision(ctx, tx, executionID, now)
	if err != nil {
		return err
	}
	payload, err := marshalPayload(normalized)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalPayload(metadata)
	if err != nil {
		return err
	}
	if metadata == nil {
		// Preserve existing metadata on computed writes.
		_, err = tx.ExecContext(ctx, `
			UPDATE node_values
			SET node_value = $3, set_time = $4, ex_revision = $5, updated_at = $6
			WHERE execution_id = $1 AND node_name = $2
		`, executionID, nodeName, payload, now.Unix(), rev, now)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE node_values
			SET node_value = $3, metadata = $4, set_time = $5, ex_revision = $6, updated_at = $7
			WHERE execution_id = $1 AND node_name = $2
		`, executionID, nodeName, payload, metadataJSON, now.Unix(), rev, now)
	}
	return err
}

func (s *Store) Heartbeat(ctx context.Context, computationID string, timeout time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE computations
		SET last_heartbeat_at = now(), heartbeat_deadline = now() + make_interval(secs => $2), updated_at = now()
		WHERE id = $1 AND state = $3 AND deadline > now() - interval '10 seconds'
	`, computationID, timeout.Seconds(), execution.StateComputing)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) AbandonComputation(ctx context.Context, executionID, computationID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE computations
		SET state = $3, error_details = $4, completion_time = now(),
			ex_revision_at_completion = (SELECT revision FROM executions WHERE id = $2),
			updated_at = now()
		WHERE id = $1 AND execution_id = $2 AND state = $5
	`, computationID, executionID, execution.StateAbandoned, reason, execution.StateComputing)
	if err != nil {
		return false, fmt.Errorf("abandon computation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CancelComputation(ctx context.Context, executionID, computationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE computations
		SET state = $3, completion_time = now(),
			ex_revision_at_completion = (SELECT revision FROM executions WHERE id = $2),
			updated_at = now()
		WHERE id = $1 AND execution_id = $2 AND state = ANY($4)
	`, computationID, executionID, execution.StateCancelled,
		pq.Array([]string{string(execution.StateNotSet), string(execution.StateComputing)}))
	if err != nil {
		return false, fmt.Errorf("cancel computation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ArchiveExecution(ctx context.Context, id string) (*execution.Execution, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET archived_at = COALESCE(archived_at, now()), updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("archive execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.LoadExecution(ctx, id)
}

func (s *Store) UnarchiveExecution(ctx context.Context, id string) (*execution.Execution, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET archived_at = NULL, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("unarchive execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrNotFound
	}
	return s.LoadExecution(ctx, id)
}

// lockExecution takes the execution row lock that linearizes revision bumps.
func lockExecution(ctx context.Context, tx *sql.Tx, id string) error {
	var found string
	err := tx.QueryRowContext(ctx, `SELECT id FROM executions WHERE id = $1 FOR UPDATE`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// bumpRevision increments the execution revision and maintains the
// last_updated_at synthetic value at the new revision without a second bump.
func bumpRevision(ctx context.Context, tx *sql.Tx, executionID string, now time.Time) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx, `
		UPDATE executions SET revision = revision + 1, updated_at = $2 WHERE id = $1 RETURNING revision
	`, executionID, now).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE node_values
		SET node_value = to_jsonb($3::bigint), set_time = $3, ex_revision = $4, updated_at = $5
		WHERE execution_id = $1 AND node_name = $2
	`, executionID, execution.NodeLastUpdatedAt, now.Unix(), rev, now)
	if err != nil {
		return 0, fmt.Errorf("touch %s: %w", execution.NodeLastUpdatedAt, err)
	}
	return rev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanValue(row rowScanner) (*execution.Value, error) {
	var (
		v        execution.Value
		payload  []byte
		metadata []byte
		setTime  sql.NullInt64
	)
	if err := row.Scan(&v.ID, &v.ExecutionID, &v.NodeName, &v.NodeType, &payload, &metadata, &setTime, &v.ExRevision, &v.InsertedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &v.NodeValue); err != nil {
			return nil, fmt.Errorf("decode value %s: %w", v.NodeName, err)
		}
	}
	if metadata != nil {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", v.NodeName, err)
		}
	}
	if setTime.Valid {
		v.SetTime = &setTime.Int64
	}
	return &v, nil
}

func scanComputation(row rowScanner) (*execution.Computation, error) {
	var (
		c            execution.Computation
		scheduled    sql.NullTime
		start        sql.NullTime
		completion   sql.NullTime
		deadline     sql.NullTime
		lastHB       sql.NullTime
		hbDeadline   sql.NullTime
		errorDetails sql.NullString
		computedWith []byte
	)
	if err := row.Scan(&c.ID, &c.ExecutionID, &c.NodeName, &c.ComputationType, &c.State,
		&c.ExRevisionAtStart, &c.ExRevisionAtCompletion,
		&scheduled, &start, &completion, &deadline, &lastHB, &hbDeadline,
		&errorDetails, &computedWith, &c.InsertedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ScheduledTime = timePtr(scheduled)
	c.StartTime = timePtr(start)
	c.CompletionTime = timePtr(completion)
	c.Deadline = timePtr(deadline)
	c.LastHeartbeatAt = timePtr(lastHB)
	c.HeartbeatDeadline = timePtr(hbDeadline)
	c.ErrorDetails = errorDetails.String
	if computedWith != nil {
		if err := json.Unmarshal(computedWith, &c.ComputedWith); err != nil {
			return nil, fmt.Errorf("decode computed_with: %w", err)
		}
	}
	return &c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

// marshalPayload encodes a payload for a jsonb column, mapping nil to SQL
// NULL. Set-ness is carried by set_time, not by the payload column.
func marshalPayload(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case map[string]int64:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
