package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// txKey is the context key for transactions.
type txKey struct{}

// txState holds transaction state including post-commit callbacks.
type txState struct {
	tx        *sql.Tx
	callbacks []func() error
}

// sqlStore implements Storage over database/sql. Queries are written with
// "?" placeholders and rebound for the dialect.
type sqlStore struct {
	db     *sql.DB
	driver Driver
}

// DB returns the underlying database connection.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// Driver returns the dialect helper.
func (s *sqlStore) Driver() Driver {
	return s.driver
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// getConn returns the appropriate database handle based on context (internal use).
func (s *sqlStore) getConn(ctx context.Context) Executor {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return s.db
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.getConn(ctx).ExecContext(ctx, Rebind(s.driver, query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.getConn(ctx).QueryContext(ctx, Rebind(s.driver, query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.getConn(ctx).QueryRowContext(ctx, Rebind(s.driver, query), args...)
}

func (s *sqlStore) now() any {
	return s.driver.TimeValue(time.Now())
}

// --- Transaction Manager ---

// BeginTransaction starts a new transaction.
func (s *sqlStore) BeginTransaction(ctx context.Context) (context.Context, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, err
	}
	state := &txState{tx: tx}
	return context.WithValue(ctx, txKey{}, state), nil
}

// CommitTransaction commits the current transaction.
func (s *sqlStore) CommitTransaction(ctx context.Context) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return ErrNoTransaction
	}

	if err := state.tx.Commit(); err != nil {
		return err
	}

	// Execute callbacks AFTER successful commit
	for _, cb := range state.callbacks {
		if err := cb(); err != nil {
			// Log error but don't fail - commit already succeeded
			slog.Debug("post-commit callback error", "error", err)
		}
	}

	return nil
}

// RollbackTransaction rolls back the current transaction.
// Callbacks are not executed on rollback.
func (s *sqlStore) RollbackTransaction(ctx context.Context) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return nil // No transaction to rollback
	}
	return state.tx.Rollback()
}

// InTransaction returns whether a transaction is in progress.
func (s *sqlStore) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

// Conn returns the database executor for the current context.
func (s *sqlStore) Conn(ctx context.Context) Executor {
	return s.getConn(ctx)
}

// RegisterPostCommitCallback registers a callback to be executed after a successful commit.
func (s *sqlStore) RegisterPostCommitCallback(ctx context.Context, cb func() error) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return ErrNoTransaction
	}
	state.callbacks = append(state.callbacks, cb)
	return nil
}

// --- Spec Manager ---

// CreateSpec inserts a spec row.
func (s *sqlStore) CreateSpec(ctx context.Context, spec *SpecRecord) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO process_specs (id, name, document, created_at)
		VALUES (?, ?, ?, ?)
	`, spec.ID, spec.Name, string(spec.Document), s.driver.TimeValue(now))
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: spec %q", ErrDuplicate, spec.Name)
		}
		return err
	}
	spec.CreatedAt = now
	return nil
}

// GetSpec retrieves a spec by id.
func (s *sqlStore) GetSpec(ctx context.Context, id string) (*SpecRecord, error) {
	return s.scanSpec(s.queryRow(ctx, `
		SELECT id, name, document, created_at FROM process_specs WHERE id = ?
	`, id))
}

// GetSpecByName retrieves a spec by its logical name.
func (s *sqlStore) GetSpecByName(ctx context.Context, name string) (*SpecRecord, error) {
	return s.scanSpec(s.queryRow(ctx, `
		SELECT id, name, document, created_at FROM process_specs WHERE name = ?
	`, name))
}

func (s *sqlStore) scanSpec(row *sql.Row) (*SpecRecord, error) {
	var rec SpecRecord
	var doc string
	var created nullTime
	if err := row.Scan(&rec.ID, &rec.Name, &doc, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Document = []byte(doc)
	rec.CreatedAt = created.Time
	return &rec, nil
}

// ListSpecs lists specs ordered by name.
func (s *sqlStore) ListSpecs(ctx context.Context) ([]*SpecSummary, error) {
	rows, err := s.query(ctx, `SELECT id, name FROM process_specs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SpecSummary
	for rows.Next() {
		var sum SpecSummary
		if err := rows.Scan(&sum.ID, &sum.Name); err != nil {
			return nil, err
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// DeleteSpec deletes a spec; dependency edges go by cascade.
func (s *sqlStore) DeleteSpec(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM process_specs WHERE id = ?`, id)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return false, fmt.Errorf("%w: spec %s", ErrReferenced, id)
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddSpecDependency records a dependency edge.
func (s *sqlStore) AddSpecDependency(ctx context.Context, parentID, childID string) error {
	_, err := s.exec(ctx, fmt.Sprintf(`
		%s spec_dependencies (parent_id, child_id)
		VALUES (?, ?)
		%s
	`, s.driver.InsertIgnore(), s.driver.OnConflictDoNothing("parent_id", "child_id")), parentID, childID)
	return err
}

// ListSpecDependencies lists direct children of a spec, ordered by name.
func (s *sqlStore) ListSpecDependencies(ctx context.Context, parentID string) ([]*SpecRecord, error) {
	rows, err := s.query(ctx, `
		SELECT p.id, p.name, p.document, p.created_at
		FROM spec_dependencies d
		JOIN process_specs p ON p.id = d.child_id
		WHERE d.parent_id = ?
		ORDER BY p.name
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SpecRecord
	for rows.Next() {
		var rec SpecRecord
		var doc string
		var created nullTime
		if err := rows.Scan(&rec.ID, &rec.Name, &doc, &created); err != nil {
			return nil, err
		}
		rec.Document = []byte(doc)
		rec.CreatedAt = created.Time
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- Workflow Manager ---

// CreateWorkflowRecord inserts a workflow row.
func (s *sqlStore) CreateWorkflowRecord(ctx context.Context, rec *WorkflowRecord) error {
	now := time.Now().UTC()
	var rootID any
	if rec.RootID != "" {
		rootID = rec.RootID
	}
	_, err := s.exec(ctx, `
		INSERT INTO workflows (id, spec_id, root_id, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SpecID, rootID, string(rec.Document), s.driver.TimeValue(now), s.driver.TimeValue(now))
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: workflow %s", ErrDuplicate, rec.ID)
		}
		return err
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// GetWorkflowRecord retrieves a workflow row by id.
func (s *sqlStore) GetWorkflowRecord(ctx context.Context, id string) (*WorkflowRecord, error) {
	row := s.queryRow(ctx, `
		SELECT id, spec_id, root_id, document, created_at, updated_at
		FROM workflows WHERE id = ?
	`, id)
	rec, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*WorkflowRecord, error) {
	var rec WorkflowRecord
	var rootID sql.NullString
	var doc string
	var created, updated nullTime
	if err := row.Scan(&rec.ID, &rec.SpecID, &rootID, &doc, &created, &updated); err != nil {
		return nil, err
	}
	rec.RootID = rootID.String
	rec.Document = []byte(doc)
	rec.CreatedAt = created.Time
	rec.UpdatedAt = updated.Time
	return &rec, nil
}

// UpdateWorkflowDocument replaces a workflow document.
func (s *sqlStore) UpdateWorkflowDocument(ctx context.Context, id string, document []byte) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE workflows SET document = ?, updated_at = ? WHERE id = ?
	`, string(document), s.now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteWorkflowRecord deletes a workflow row.
func (s *sqlStore) DeleteWorkflowRecord(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSubprocessRecords lists the subprocess rows of a root workflow.
func (s *sqlStore) ListSubprocessRecords(ctx context.Context, rootID string) ([]*WorkflowRecord, error) {
	rows, err := s.query(ctx, `
		SELECT id, spec_id, root_id, document, created_at, updated_at
		FROM workflows WHERE root_id = ?
		ORDER BY created_at, id
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Instance Manager ---

// CreateInstance inserts an instance summary.
func (s *sqlStore) CreateInstance(ctx context.Context, inst *InstanceSummary) error {
	now := time.Now().UTC()
	if inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}
	inst.UpdatedAt = now
	var ended any
	if inst.EndedAt != nil {
		ended = s.driver.TimeValue(*inst.EndedAt)
	}
	_, err := s.exec(ctx, `
		INSERT INTO workflow_instances (id, spec_name, active_tasks, started_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.SpecName, inst.ActiveTasks, s.driver.TimeValue(inst.StartedAt), s.driver.TimeValue(now), ended)
	return err
}

// GetInstance retrieves an instance summary.
func (s *sqlStore) GetInstance(ctx context.Context, id string) (*InstanceSummary, error) {
	row := s.queryRow(ctx, `
		SELECT id, spec_name, active_tasks, started_at, updated_at, ended_at
		FROM workflow_instances WHERE id = ?
	`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inst, err
}

func scanInstance(row rowScanner) (*InstanceSummary, error) {
	var inst InstanceSummary
	var started, updated, ended nullTime
	if err := row.Scan(&inst.ID, &inst.SpecName, &inst.ActiveTasks, &started, &updated, &ended); err != nil {
		return nil, err
	}
	inst.StartedAt = started.Time
	inst.UpdatedAt = updated.Time
	if ended.Valid {
		t := ended.Time
		inst.EndedAt = &t
	}
	return &inst, nil
}

// UpdateInstance refreshes the active task count and, once, the end time.
func (s *sqlStore) UpdateInstance(ctx context.Context, id string, activeTasks int, ended bool) error {
	now := s.now()
	if ended {
		_, err := s.exec(ctx, `
			UPDATE workflow_instances
			SET active_tasks = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?)
			WHERE id = ?
		`, activeTasks, now, now, id)
		return err
	}
	_, err := s.exec(ctx, `
		UPDATE workflow_instances SET active_tasks = ?, updated_at = ? WHERE id = ?
	`, activeTasks, now, id)
	return err
}

// ListInstances lists summaries, newest first.
func (s *sqlStore) ListInstances(ctx context.Context, includeCompleted bool) ([]*InstanceSummary, error) {
	query := `
		SELECT id, spec_name, active_tasks, started_at, updated_at, ended_at
		FROM workflow_instances
	`
	if !includeCompleted {
		query += ` WHERE ended_at IS NULL`
	}
	query += ` ORDER BY started_at DESC, id`

	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*InstanceSummary
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- User Workflow Manager ---

// CreateUserWorkflow inserts a projection row.
func (s *sqlStore) CreateUserWorkflow(ctx context.Context, uw *UserWorkflow) error {
	if uw.Status == "" {
		uw.Status = UserWorkflowPending
	}
	if uw.ReadyTaskNames == nil {
		uw.ReadyTaskNames = []string{}
	}
	names, err := json.Marshal(uw.ReadyTaskNames)
	if err != nil {
		return fmt.Errorf("failed to marshal ready task names: %w", err)
	}
	now := time.Now().UTC()
	args := []any{uw.UserID, uw.ResourceID, uw.WorkflowID, string(uw.WorkflowType), string(uw.Status), string(names), s.driver.TimeValue(now), s.driver.TimeValue(now)}

	query := `
		INSERT INTO user_workflows (user_id, resource_id, workflow_id, workflow_type, status, ready_task_names, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if returning := s.driver.ReturningClause("id"); returning != "" {
		if err := s.queryRow(ctx, query+returning, args...).Scan(&uw.ID); err != nil {
			if IsUniqueViolation(err) {
				return fmt.Errorf("%w: user workflow for %s", ErrDuplicate, uw.WorkflowID)
			}
			return err
		}
	} else {
		res, err := s.exec(ctx, query, args...)
		if err != nil {
			if IsUniqueViolation(err) {
				return fmt.Errorf("%w: user workflow for %s", ErrDuplicate, uw.WorkflowID)
			}
			return err
		}
		if uw.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	uw.CreatedAt = now
	uw.UpdatedAt = now
	return nil
}

const userWorkflowColumns = `id, user_id, resource_id, workflow_id, workflow_type, status, ready_task_names, created_at, updated_at`

func scanUserWorkflow(row rowScanner) (*UserWorkflow, error) {
	var uw UserWorkflow
	var wfType, status, names string
	var created, updated nullTime
	if err := row.Scan(&uw.ID, &uw.UserID, &uw.ResourceID, &uw.WorkflowID, &wfType, &status, &names, &created, &updated); err != nil {
		return nil, err
	}
	uw.WorkflowType = WorkflowType(wfType)
	uw.Status = UserWorkflowStatus(status)
	uw.ReadyTaskNames = []string{}
	if names != "" {
		if err := json.Unmarshal([]byte(names), &uw.ReadyTaskNames); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ready task names: %w", err)
		}
	}
	uw.CreatedAt = created.Time
	uw.UpdatedAt = updated.Time
	return &uw, nil
}

// GetUserWorkflow retrieves the projection row for a workflow id.
func (s *sqlStore) GetUserWorkflow(ctx context.Context, workflowID string) (*UserWorkflow, error) {
	row := s.queryRow(ctx, `SELECT `+userWorkflowColumns+` FROM user_workflows WHERE workflow_id = ?`, workflowID)
	uw, err := scanUserWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return uw, err
}

// ListUserWorkflows lists a user's projection rows, newest first.
func (s *sqlStore) ListUserWorkflows(ctx context.Context, userID string, limit, offset int) ([]*UserWorkflow, error) {
	query := `SELECT ` + userWorkflowColumns + ` FROM user_workflows WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(offset, 0))
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*UserWorkflow
	for rows.Next() {
		uw, err := scanUserWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, uw)
	}
	return out, rows.Err()
}

// UpdateUserWorkflowProjection overwrites status and ready task names.
func (s *sqlStore) UpdateUserWorkflowProjection(ctx context.Context, workflowID string, status UserWorkflowStatus, readyTaskNames []string) (bool, error) {
	if readyTaskNames == nil {
		readyTaskNames = []string{}
	}
	names, err := json.Marshal(readyTaskNames)
	if err != nil {
		return false, fmt.Errorf("failed to marshal ready task names: %w", err)
	}
	return s.affected(s.exec(ctx, `
		UPDATE user_workflows SET status = ?, ready_task_names = ?, updated_at = ?
		WHERE workflow_id = ?
	`, string(status), string(names), s.now(), workflowID))
}

// UpdateUserWorkflowStatus overwrites the status.
func (s *sqlStore) UpdateUserWorkflowStatus(ctx context.Context, workflowID string, status UserWorkflowStatus) (bool, error) {
	return s.affected(s.exec(ctx, `
		UPDATE user_workflows SET status = ?, updated_at = ? WHERE workflow_id = ?
	`, string(status), s.now(), workflowID))
}

// RelinkUserWorkflow re-points a projection row at a new workflow id.
func (s *sqlStore) RelinkUserWorkflow(ctx context.Context, oldID, newID string) (bool, error) {
	return s.affected(s.exec(ctx, `
		UPDATE user_workflows SET workflow_id = ?, updated_at = ? WHERE workflow_id = ?
	`, newID, s.now(), oldID))
}

func (s *sqlStore) affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// nullTime scans timestamps stored natively or as SQLite TEXT.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", value)
	}
}

func (n *nullTime) parse(s string) error {
	if s == "" {
		n.Time, n.Valid = time.Time{}, false
		return nil
	}
	t, err := parseSQLiteTime(s)
	if err != nil {
		return err
	}
	n.Time, n.Valid = t, true
	return nil
}

// parseSQLiteTime parses a SQLite datetime TEXT value into time.Time.
func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{sqliteTimeFormat, "2006-01-02 15:04:05", time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time: %s", s)
}
