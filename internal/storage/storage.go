// Package storage provides the relational persistence layer for flowkeep.
package storage

import (
	"context"
	"database/sql"
)

// Executor is a database executor interface that can be either *sql.DB or *sql.Tx.
// This allows callers to execute custom SQL queries within the same transaction
// as a workflow save.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage defines the interface for workflow persistence.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection
	Close() error

	// DB returns the underlying database connection.
	// This is primarily used for migrations.
	DB() *sql.DB

	// Driver returns the SQL dialect helper for this back end.
	Driver() Driver

	// Transaction Management
	TransactionManager

	// Process spec and dependency edges
	SpecManager

	// Serialized workflow graphs (root and subprocess rows)
	WorkflowManager

	// Instance summaries
	InstanceManager

	// User-facing lifecycle projection
	UserWorkflowManager
}

// TransactionManager handles transaction operations.
type TransactionManager interface {
	// BeginTransaction starts a new transaction.
	// Returns a context with the transaction attached.
	BeginTransaction(ctx context.Context) (context.Context, error)

	// CommitTransaction commits the current transaction.
	CommitTransaction(ctx context.Context) error

	// RollbackTransaction rolls back the current transaction.
	RollbackTransaction(ctx context.Context) error

	// InTransaction returns whether a transaction is in progress.
	InTransaction(ctx context.Context) bool

	// Conn returns the database executor for the current context.
	// If a transaction is active, returns the transaction; otherwise, returns the database.
	Conn(ctx context.Context) Executor

	// RegisterPostCommitCallback registers a callback to be executed after a successful commit.
	// Returns an error if not currently in a transaction.
	RegisterPostCommitCallback(ctx context.Context, cb func() error) error
}

// SpecManager persists process spec documents and their dependency edges.
type SpecManager interface {
	// CreateSpec inserts a spec row. Returns ErrDuplicate if the name is taken.
	CreateSpec(ctx context.Context, spec *SpecRecord) error

	// GetSpec returns nil, nil when the id does not exist.
	GetSpec(ctx context.Context, id string) (*SpecRecord, error)

	// GetSpecByName returns nil, nil when no spec has that name.
	GetSpecByName(ctx context.Context, name string) (*SpecRecord, error)

	// ListSpecs returns all specs ordered by name.
	ListSpecs(ctx context.Context) ([]*SpecSummary, error)

	// DeleteSpec deletes a spec and its dependency edges.
	// Returns ErrReferenced if a workflow still uses it.
	DeleteSpec(ctx context.Context, id string) (bool, error)

	// AddSpecDependency records a parent -> child edge. Idempotent.
	AddSpecDependency(ctx context.Context, parentID, childID string) error

	// ListSpecDependencies returns the direct children of a spec.
	ListSpecDependencies(ctx context.Context, parentID string) ([]*SpecRecord, error)
}

// WorkflowManager persists serialized workflow graphs.
type WorkflowManager interface {
	// CreateWorkflowRecord inserts a root or subprocess row.
	CreateWorkflowRecord(ctx context.Context, rec *WorkflowRecord) error

	// GetWorkflowRecord returns nil, nil when the id does not exist.
	GetWorkflowRecord(ctx context.Context, id string) (*WorkflowRecord, error)

	// UpdateWorkflowDocument overwrites the document of an existing row.
	// Returns false if no row has that id.
	UpdateWorkflowDocument(ctx context.Context, id string, document []byte) (bool, error)

	// DeleteWorkflowRecord deletes a row; subprocess rows and the instance
	// summary of a root are removed by cascade.
	DeleteWorkflowRecord(ctx context.Context, id string) (bool, error)

	// ListSubprocessRecords returns the subprocess rows of a root.
	ListSubprocessRecords(ctx context.Context, rootID string) ([]*WorkflowRecord, error)
}

// InstanceManager persists instance summaries.
type InstanceManager interface {
	CreateInstance(ctx context.Context, inst *InstanceSummary) error

	// GetInstance returns nil, nil when the id does not exist.
	GetInstance(ctx context.Context, id string) (*InstanceSummary, error)

	// UpdateInstance overwrites the active task count. When ended is true,
	// ended_at is set if it is still null; it is never cleared.
	UpdateInstance(ctx context.Context, id string, activeTasks int, ended bool) error

	// ListInstances returns summaries ordered by start time descending.
	ListInstances(ctx context.Context, includeCompleted bool) ([]*InstanceSummary, error)
}

// UserWorkflowManager persists the user-facing lifecycle projection.
type UserWorkflowManager interface {
	// CreateUserWorkflow inserts a row and sets its ID and timestamps.
	CreateUserWorkflow(ctx context.Context, uw *UserWorkflow) error

	// GetUserWorkflow returns nil, nil when no row projects workflowID.
	GetUserWorkflow(ctx context.Context, workflowID string) (*UserWorkflow, error)

	// ListUserWorkflows returns a user's rows, newest first. A limit <= 0
	// returns every row.
	ListUserWorkflows(ctx context.Context, userID string, limit, offset int) ([]*UserWorkflow, error)

	// UpdateUserWorkflowProjection overwrites status and ready task names.
	UpdateUserWorkflowProjection(ctx context.Context, workflowID string, status UserWorkflowStatus, readyTaskNames []string) (bool, error)

	// UpdateUserWorkflowStatus overwrites status only.
	UpdateUserWorkflowStatus(ctx context.Context, workflowID string, status UserWorkflowStatus) (bool, error)

	// RelinkUserWorkflow points the row projecting oldID at newID.
	RelinkUserWorkflow(ctx context.Context, oldID, newID string) (bool, error)
}

// RunInTransaction runs fn in a transaction. If ctx already carries one,
// fn joins it and the outer owner commits.
func RunInTransaction(ctx context.Context, tm TransactionManager, fn func(ctx context.Context) error) error {
	if tm.InTransaction(ctx) {
		return fn(ctx)
	}

	txCtx, err := tm.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		_ = tm.RollbackTransaction(txCtx)
		return err
	}
	return tm.CommitTransaction(txCtx)
}
