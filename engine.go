package flowkeep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/i2y/flowkeep/hooks"
	"github.com/i2y/flowkeep/internal/lifecycle"
	"github.com/i2y/flowkeep/internal/migrations"
	"github.com/i2y/flowkeep/internal/serializer"
	"github.com/i2y/flowkeep/internal/storage"
	"github.com/i2y/flowkeep/process"
	"github.com/i2y/flowkeep/retry"
)

// Engine persists process specs and workflow graphs and keeps each
// workflow's user-facing status in step with its tasks.
type Engine struct {
	config *engineConfig
	hooks  hooks.WorkflowHooks
	logger *slog.Logger

	// Set by Start
	storage   storage.Storage
	store     *serializer.Serializer
	projector *lifecycle.Projector
	specs     *specCache

	mu      sync.Mutex
	running bool
}

// NewEngine creates a new Engine with the given options.
func NewEngine(opts ...Option) *Engine {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	return &Engine{
		config: config,
		hooks:  config.hooks,
		logger: config.logger,
	}
}

// Start opens the database and, unless disabled, applies pending
// migrations.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine already running")
	}

	if err := e.initStorage(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	e.running = true
	return nil
}

func (e *Engine) initStorage(ctx context.Context) error {
	if e.config.databaseURL == "" {
		e.config.databaseURL = "flowkeep.db"
	}

	s, err := storage.Open(e.config.databaseURL)
	if err != nil {
		return err
	}

	if e.config.autoMigrate {
		applied, err := migrations.NewMigrator(s.DB(), s.Driver().MigrationsDir(), nil).
			WithLogger(e.logger).
			Up(ctx)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		if len(applied) > 0 {
			e.logger.Info("applied migrations", "versions", applied)
		}
	}

	e.storage = s
	e.store = serializer.New(s)
	e.projector = lifecycle.NewProjector(s, e.config.failureEnd)
	e.specs = newSpecCache(e.store, e.config.specCacheSize)
	return nil
}

// Shutdown closes the database. Calling it on a stopped engine is a no-op.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false

	if e.storage != nil {
		if err := e.storage.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}
	return nil
}

// Storage returns the underlying storage. Callers may begin a transaction
// on it and pass the returned context to Engine methods; every write then
// joins that transaction.
func (e *Engine) Storage() storage.Storage {
	return e.storage
}

func (e *Engine) ensureRunning() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrEngineNotStarted
	}
	return nil
}

// inTransaction runs fn in the caller's transaction, or in a new one that
// is retried as a whole on transient conflicts.
func (e *Engine) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.storage.InTransaction(ctx) {
		return fn(ctx)
	}
	return retry.Do(ctx, e.config.writeRetry, func(ctx context.Context) error {
		return storage.RunInTransaction(ctx, e.storage, fn)
	}, func(attempt int, err error) {
		e.logger.Warn("retrying transaction", "attempt", attempt, "error", err)
	})
}

// afterCommit runs fn once the transaction carried by ctx commits, or
// right away when there is none.
func (e *Engine) afterCommit(ctx context.Context, fn func()) {
	if e.storage.InTransaction(ctx) {
		err := e.storage.RegisterPostCommitCallback(ctx, func() error {
			fn()
			return nil
		})
		if err == nil {
			return
		}
	}
	fn()
}

// ========================================
// Specs
// ========================================

// AddSpec stores a spec and the subprocess specs it depends on, keyed by
// name. Storing a spec whose name already exists returns the existing id.
func (e *Engine) AddSpec(ctx context.Context, spec *process.Spec, deps map[string]*process.Spec) (string, error) {
	if err := e.ensureRunning(); err != nil {
		return "", err
	}

	id, err := e.store.CreateSpec(ctx, spec, deps)
	if err != nil {
		return "", err
	}
	e.specs.invalidate()

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	e.afterCommit(ctx, func() {
		e.hooks.OnSpecCreated(ctx, hooks.SpecCreatedInfo{
			SpecID:       id,
			SpecName:     spec.Name,
			Dependencies: names,
		})
	})
	e.logger.Debug("stored spec", "spec_id", id, "spec_name", spec.Name)
	return id, nil
}

// GetSpec loads a spec and its direct subprocess specs.
func (e *Engine) GetSpec(ctx context.Context, id string) (*process.Spec, map[string]*process.Spec, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, nil, err
	}
	return e.store.GetSpec(ctx, id, true)
}

// ListSpecs lists stored specs ordered by name.
func (e *Engine) ListSpecs(ctx context.Context) ([]*SpecSummary, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	return e.store.ListSpecs(ctx)
}

// DeleteSpec deletes a spec no workflow uses. A spec still in use returns
// a *ReferentialConflictError.
func (e *Engine) DeleteSpec(ctx context.Context, id string) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}
	if _, err := e.store.DeleteSpec(ctx, id); err != nil {
		return err
	}
	e.specs.invalidate()
	return nil
}

// ========================================
// Workflows
// ========================================

// StartWorkflow instantiates the spec, persists the new graph and returns
// it with persistence attached: every later ready or completed task is
// saved as it happens.
func (e *Engine) StartWorkflow(ctx context.Context, specID string, opts ...StartOption) (*Instance, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}

	options := &startOptions{}
	for _, opt := range opts {
		opt(options)
	}

	spec, deps, err := e.specs.get(ctx, specID)
	if err != nil {
		return nil, err
	}
	wf, err := process.NewWorkflow(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate spec %s: %w", specID, err)
	}

	var id string
	err = e.inTransaction(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.store.CreateWorkflow(ctx, wf, specID)
		if err != nil {
			return err
		}
		if options.owner != nil {
			uw := *options.owner
			uw.WorkflowID = id
			if err := e.storage.CreateUserWorkflow(ctx, &uw); err != nil {
				return fmt.Errorf("failed to create user workflow for %s: %w", id, err)
			}
			if err := e.project(ctx, id, wf); err != nil {
				return err
			}
		}

		info := hooks.WorkflowCreatedInfo{
			WorkflowID: id,
			SpecID:     specID,
			SpecName:   spec.Name,
			ReadyTasks: serializer.ReadyCount(wf),
		}
		e.afterCommit(ctx, func() { e.hooks.OnWorkflowCreated(ctx, info) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	wf.ID = id

	e.logger.Info("started workflow", "workflow_id", id, "spec_id", specID, "spec_name", spec.Name)
	return newInstance(e, id, wf), nil
}

// GetWorkflow loads a workflow with every persisted subprocess and
// attaches persistence to it.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*Instance, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	wf, err := e.store.GetWorkflow(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return newInstance(e, id, wf), nil
}

// UpdateWorkflow saves a graph under id and re-projects its user workflow
// in one transaction.
func (e *Engine) UpdateWorkflow(ctx context.Context, id string, wf *process.Workflow) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}
	return e.save(ctx, id, wf, "", "")
}

// save is the composed write behind every persisted transition.
func (e *Engine) save(ctx context.Context, id string, wf *process.Workflow, task string, event process.EventKind) error {
	start := time.Now()
	err := e.inTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.UpdateWorkflow(ctx, wf, id); err != nil {
			return err
		}
		if err := e.project(ctx, id, wf); err != nil {
			return err
		}

		info := hooks.WorkflowSavedInfo{
			WorkflowID: id,
			SpecName:   wf.Spec.Name,
			Task:       task,
			Event:      string(event),
			ReadyTasks: serializer.ReadyCount(wf),
			Completed:  wf.IsCompleted(),
			Duration:   time.Since(start),
		}
		e.afterCommit(ctx, func() { e.hooks.OnWorkflowSaved(ctx, info) })
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Debug("saved workflow", "workflow_id", id, "task", task, "event", event)
	return nil
}

func (e *Engine) project(ctx context.Context, id string, wf *process.Workflow) error {
	res, err := e.projector.Apply(ctx, id, wf)
	if err != nil {
		return err
	}
	if res == nil || !res.Changed {
		return nil
	}
	info := hooks.StatusProjectedInfo{
		WorkflowID:     id,
		Previous:       string(res.Previous),
		Status:         string(res.Status),
		ReadyTaskNames: res.ReadyTaskNames,
	}
	e.afterCommit(ctx, func() { e.hooks.OnStatusProjected(ctx, info) })
	return nil
}

// ListWorkflows lists top-level workflows, newest first. Ended workflows
// are included only when includeCompleted is set.
func (e *Engine) ListWorkflows(ctx context.Context, includeCompleted bool) ([]*InstanceSummary, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	return e.store.ListWorkflows(ctx, includeCompleted)
}

// DeleteWorkflow deletes a workflow with its subprocesses and summary, and
// marks its user workflow Deleted with no ready tasks.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}

	return e.inTransaction(ctx, func(ctx context.Context) error {
		deleted, err := e.store.DeleteWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if !deleted {
			return &NotFoundError{Kind: "workflow", ID: id}
		}
		if _, err := e.storage.UpdateUserWorkflowProjection(ctx, id, StatusDeleted, []string{}); err != nil {
			return fmt.Errorf("failed to mark user workflow %s deleted: %w", id, err)
		}
		e.afterCommit(ctx, func() {
			e.hooks.OnWorkflowDeleted(ctx, hooks.WorkflowDeletedInfo{WorkflowID: id})
		})
		return nil
	})
}

// TerminateWorkflow marks the user workflow Terminated, cancels every
// unfinished task and saves the graph. The status stays Terminated.
func (e *Engine) TerminateWorkflow(ctx context.Context, id string) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}

	wf, err := e.store.GetWorkflow(ctx, id, true)
	if err != nil {
		return err
	}

	err = e.inTransaction(ctx, func(ctx context.Context) error {
		if _, err := e.storage.UpdateUserWorkflowStatus(ctx, id, StatusTerminated); err != nil {
			return fmt.Errorf("failed to terminate user workflow %s: %w", id, err)
		}
		wf.Cancel()
		if err := e.save(ctx, id, wf, "", ""); err != nil {
			return err
		}
		e.afterCommit(ctx, func() {
			e.hooks.OnWorkflowTerminated(ctx, hooks.WorkflowTerminatedInfo{WorkflowID: id})
		})
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("terminated workflow", "workflow_id", id)
	return nil
}

// ========================================
// User workflows
// ========================================

// CreateUserWorkflow links a user-facing record to an existing workflow
// and projects its current status. Status defaults to Pending until the
// first projection.
func (e *Engine) CreateUserWorkflow(ctx context.Context, uw *UserWorkflow) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}

	return e.inTransaction(ctx, func(ctx context.Context) error {
		wf, err := e.store.GetWorkflow(ctx, uw.WorkflowID, true)
		if err != nil {
			return err
		}
		if err := e.storage.CreateUserWorkflow(ctx, uw); err != nil {
			return fmt.Errorf("failed to create user workflow for %s: %w", uw.WorkflowID, err)
		}
		if err := e.project(ctx, uw.WorkflowID, wf); err != nil {
			return err
		}
		stored, err := e.storage.GetUserWorkflow(ctx, uw.WorkflowID)
		if err != nil {
			return err
		}
		if stored != nil {
			*uw = *stored
		}
		return nil
	})
}

// GetUserWorkflow returns the user workflow linked to workflowID.
func (e *Engine) GetUserWorkflow(ctx context.Context, workflowID string) (*UserWorkflow, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	uw, err := e.storage.GetUserWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user workflow %s: %w", workflowID, err)
	}
	if uw == nil {
		return nil, &NotFoundError{Kind: "user workflow", ID: workflowID}
	}
	return uw, nil
}

// ListUserWorkflows lists a user's workflows, newest first. A limit <= 0
// returns every row.
func (e *Engine) ListUserWorkflows(ctx context.Context, userID string, limit, offset int) ([]*UserWorkflow, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	return e.storage.ListUserWorkflows(ctx, userID, limit, offset)
}

// UpdateUserWorkflowStatus sets a status directly. Unlike projection it
// may move a row out of a terminal status.
func (e *Engine) UpdateUserWorkflowStatus(ctx context.Context, workflowID string, status UserWorkflowStatus) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}
	ok, err := e.storage.UpdateUserWorkflowStatus(ctx, workflowID, status)
	if err != nil {
		return fmt.Errorf("failed to update user workflow %s: %w", workflowID, err)
	}
	if !ok {
		return &NotFoundError{Kind: "user workflow", ID: workflowID}
	}
	return nil
}
