package flowkeep

import (
	"context"
	"fmt"
	"sort"

	"github.com/i2y/flowkeep/hooks"
	"github.com/i2y/flowkeep/process"
)

// unsafeMask selects tasks whose work a migration must not discard.
const unsafeMask = process.Started | process.Completed

// DiffSpecs compares the task specs of two stored specs.
func (e *Engine) DiffSpecs(ctx context.Context, oldSpecID, newSpecID string) (*process.SpecDiff, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	oldSpec, _, err := e.specs.get(ctx, oldSpecID)
	if err != nil {
		return nil, err
	}
	newSpec, _, err := e.specs.get(ctx, newSpecID)
	if err != nil {
		return nil, err
	}
	return process.DiffSpecs(oldSpec, newSpec), nil
}

// DiffDependencies compares the subprocess specs reachable from two
// stored specs.
func (e *Engine) DiffDependencies(ctx context.Context, oldSpecID, newSpecID string) (*process.DependencyDiff, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, err
	}
	_, oldDeps, err := e.specs.get(ctx, oldSpecID)
	if err != nil {
		return nil, err
	}
	_, newDeps, err := e.specs.get(ctx, newSpecID)
	if err != nil {
		return nil, err
	}
	return process.DiffDependencies(oldDeps, newDeps), nil
}

// DiffWorkflow lines a stored workflow up with a new spec. The second
// result maps each persisted subprocess id to its diff; a nil diff means
// the new spec has no subprocess spec under that name.
func (e *Engine) DiffWorkflow(ctx context.Context, id, newSpecID string) (*process.WorkflowDiff, map[string]*process.WorkflowDiff, error) {
	if err := e.ensureRunning(); err != nil {
		return nil, nil, err
	}
	_, root, subs, err := e.diffWorkflow(ctx, id, newSpecID)
	return root, subs, err
}

type workflowMigration struct {
	wf   *process.Workflow
	spec *process.Spec
	deps map[string]*process.Spec
}

func (e *Engine) diffWorkflow(ctx context.Context, id, newSpecID string) (*workflowMigration, *process.WorkflowDiff, map[string]*process.WorkflowDiff, error) {
	wf, err := e.store.GetWorkflow(ctx, id, true)
	if err != nil {
		return nil, nil, nil, err
	}
	spec, deps, err := e.specs.get(ctx, newSpecID)
	if err != nil {
		return nil, nil, nil, err
	}
	root, subs := process.DiffWorkflow(wf, spec, deps)
	return &workflowMigration{wf: wf, spec: spec, deps: deps}, root, subs, nil
}

// CanMigrate reports whether applying the diffs keeps every started or
// completed task. A missing diff is never safe.
func CanMigrate(root *process.WorkflowDiff, subs map[string]*process.WorkflowDiff) bool {
	return len(unsafeTasks(root, subs)) == 0
}

// unsafeTasks names what blocks a migration, root first and then each
// subprocess in id order.
func unsafeTasks(root *process.WorkflowDiff, subs map[string]*process.WorkflowDiff) []string {
	var out []string
	if root == nil {
		out = append(out, "workflow")
	} else {
		for _, t := range root.Affected(unsafeMask) {
			out = append(out, t.Name())
		}
	}
	for _, id := range sortedIDs(subs) {
		d := subs[id]
		if d == nil {
			out = append(out, "subprocess:"+id)
			continue
		}
		for _, t := range d.Affected(unsafeMask) {
			out = append(out, t.Name())
		}
	}
	return out
}

// MigrateWorkflow moves a stored workflow onto newSpecID and returns its
// new id. With validate set, a migration that would discard started or
// completed work fails with *UnsafeMigrationError and changes nothing.
// The old rows are replaced in one transaction and the user workflow
// follows the new id.
func (e *Engine) MigrateWorkflow(ctx context.Context, id, newSpecID string, validate bool) (string, error) {
	if err := e.ensureRunning(); err != nil {
		return "", err
	}

	m, root, subs, err := e.diffWorkflow(ctx, id, newSpecID)
	if err != nil {
		return "", err
	}
	if validate {
		if blocked := unsafeTasks(root, subs); len(blocked) > 0 {
			return "", &UnsafeMigrationError{WorkflowID: id, Tasks: blocked}
		}
	}

	wf := m.wf
	if err := process.MigrateWorkflow(root, wf, m.spec); err != nil {
		return "", fmt.Errorf("failed to migrate workflow %s: %w", id, err)
	}
	for _, subID := range sortedIDs(subs) {
		sub, live := wf.Subprocesses[subID]
		if !live {
			// Dropped along with a removed task.
			continue
		}
		d := subs[subID]
		if d == nil {
			return "", &ConfigurationError{Spec: m.spec.Name, Subprocess: sub.Spec.Name}
		}
		if err := process.MigrateWorkflow(d, sub, m.deps[sub.Spec.Name]); err != nil {
			return "", fmt.Errorf("failed to migrate subprocess %s: %w", subID, err)
		}
	}
	wf.SubprocessSpecs = m.deps

	var newID string
	err = e.inTransaction(ctx, func(ctx context.Context) error {
		if _, err := e.store.DeleteWorkflow(ctx, id); err != nil {
			return err
		}
		var err error
		newID, err = e.store.CreateWorkflow(ctx, wf, newSpecID)
		if err != nil {
			return err
		}
		relinked, err := e.storage.RelinkUserWorkflow(ctx, id, newID)
		if err != nil {
			return fmt.Errorf("failed to relink user workflow %s: %w", id, err)
		}
		if relinked {
			if err := e.project(ctx, newID, wf); err != nil {
				return err
			}
		}

		info := hooks.WorkflowMigratedInfo{
			OldWorkflowID: id,
			NewWorkflowID: newID,
			NewSpecID:     newSpecID,
			Validated:     validate,
		}
		e.afterCommit(ctx, func() { e.hooks.OnWorkflowMigrated(ctx, info) })
		return nil
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("migrated workflow", "workflow_id", id, "new_workflow_id", newID, "spec_id", newSpecID)
	return newID, nil
}

func sortedIDs(m map[string]*process.WorkflowDiff) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
