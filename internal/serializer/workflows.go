package serializer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/i2y/flowkeep/internal/storage"
	"github.com/i2y/flowkeep/process"
)

// CreateWorkflow persists a new top-level graph under a fresh id, along
// with one row per subprocess it already holds and its instance summary.
// wf.ID is set to the new id once the transaction commits.
func (s *Serializer) CreateWorkflow(ctx context.Context, wf *process.Workflow, specID string) (string, error) {
	id := uuid.NewString()
	err := storage.RunInTransaction(ctx, s.store, func(ctx context.Context) error {
		specRec, err := s.store.GetSpec(ctx, specID)
		if err != nil {
			return fmt.Errorf("failed to get spec %s: %w", specID, err)
		}
		if specRec == nil {
			return &NotFoundError{Kind: "spec", ID: specID}
		}

		doc, err := process.SerializeWorkflow(wf)
		if err != nil {
			return fmt.Errorf("failed to serialize workflow: %w", err)
		}
		if err := s.store.CreateWorkflowRecord(ctx, &storage.WorkflowRecord{
			ID:       id,
			SpecID:   specID,
			Document: doc,
		}); err != nil {
			return fmt.Errorf("failed to create workflow %s: %w", id, err)
		}

		if len(wf.Subprocesses) > 0 {
			resolved, err := s.ResolveSubprocessSpecs(ctx, specID)
			if err != nil {
				return err
			}
			for _, subID := range wf.SubprocessIDs() {
				if err := s.createSubprocess(ctx, id, specRec.Name, wf.Subprocesses[subID], resolved); err != nil {
					return err
				}
			}
		}

		inst := &storage.InstanceSummary{
			ID:          id,
			SpecName:    specRec.Name,
			ActiveTasks: ReadyCount(wf),
		}
		if err := s.store.CreateInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to create instance %s: %w", id, err)
		}
		if wf.IsCompleted() {
			return s.store.UpdateInstance(ctx, id, inst.ActiveTasks, true)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	wf.ID = id
	slog.Debug("created workflow", "workflow_id", id, "spec_id", specID)
	return id, nil
}

func (s *Serializer) createSubprocess(ctx context.Context, rootID, specName string, sub *process.Workflow, resolved map[string]*ResolvedSpec) error {
	r, ok := resolved[sub.Spec.Name]
	if !ok {
		return &ConfigurationError{Spec: specName, Subprocess: sub.Spec.Name}
	}
	doc, err := process.SerializeWorkflow(sub)
	if err != nil {
		return fmt.Errorf("failed to serialize subprocess %s: %w", sub.ID, err)
	}
	if err := s.store.CreateWorkflowRecord(ctx, &storage.WorkflowRecord{
		ID:       sub.ID,
		SpecID:   r.ID,
		RootID:   rootID,
		Document: doc,
	}); err != nil {
		return fmt.Errorf("failed to create subprocess %s: %w", sub.ID, err)
	}
	return nil
}

// GetWorkflow loads a top-level graph. With includeDeps the subprocess
// specs reachable from its spec are attached and every persisted
// subprocess graph, at any depth, is registered on the result.
func (s *Serializer) GetWorkflow(ctx context.Context, id string, includeDeps bool) (*process.Workflow, error) {
	rec, err := s.getRootRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	wf, err := process.DeserializeWorkflow(rec.Document, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize workflow %s: %w", id, err)
	}
	wf.ID = id
	if !includeDeps {
		return wf, nil
	}

	resolved, err := s.ResolveSubprocessSpecs(ctx, rec.SpecID)
	if err != nil {
		return nil, err
	}
	wf.SubprocessSpecs = SpecMap(resolved)

	queue := []*process.Workflow{wf}
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		for _, t := range g.GetTasks(process.AnyMask) {
			if t.Workflow() != g || !t.TaskSpec.IsSubprocess() {
				continue
			}
			if _, loaded := wf.Subprocesses[t.ID]; loaded {
				continue
			}
			subRec, err := s.store.GetWorkflowRecord(ctx, t.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to get subprocess %s: %w", t.ID, err)
			}
			if subRec == nil {
				if t.State.Is(process.Started) {
					slog.Warn("subprocess row missing, skipping",
						"workflow_id", id, "task", t.Name(), "task_id", t.ID)
				}
				continue
			}
			sub, err := process.DeserializeWorkflow(subRec.Document, t, wf)
			if err != nil {
				return nil, fmt.Errorf("failed to deserialize subprocess %s: %w", t.ID, err)
			}
			wf.Subprocesses[t.ID] = sub
			queue = append(queue, sub)
		}
	}
	return wf, nil
}

// UpdateWorkflow overwrites the stored documents of wf and of every
// subprocess registered on it, inserting rows for subprocesses reached
// since the last save, and refreshes the instance summary.
func (s *Serializer) UpdateWorkflow(ctx context.Context, wf *process.Workflow, id string) error {
	return storage.RunInTransaction(ctx, s.store, func(ctx context.Context) error {
		rec, err := s.getRootRecord(ctx, id)
		if err != nil {
			return err
		}

		doc, err := process.SerializeWorkflow(wf)
		if err != nil {
			return fmt.Errorf("failed to serialize workflow %s: %w", id, err)
		}
		if _, err := s.store.UpdateWorkflowDocument(ctx, id, doc); err != nil {
			return fmt.Errorf("failed to update workflow %s: %w", id, err)
		}

		var resolved map[string]*ResolvedSpec
		var specName string
		for _, subID := range wf.SubprocessIDs() {
			sub := wf.Subprocesses[subID]
			subDoc, err := process.SerializeWorkflow(sub)
			if err != nil {
				return fmt.Errorf("failed to serialize subprocess %s: %w", subID, err)
			}
			updated, err := s.store.UpdateWorkflowDocument(ctx, subID, subDoc)
			if err != nil {
				return fmt.Errorf("failed to update subprocess %s: %w", subID, err)
			}
			if updated {
				continue
			}

			if resolved == nil {
				if resolved, err = s.ResolveSubprocessSpecs(ctx, rec.SpecID); err != nil {
					return err
				}
				specName = wf.Spec.Name
			}
			if err := s.createSubprocess(ctx, id, specName, sub, resolved); err != nil {
				return err
			}
			slog.Debug("created subprocess row", "workflow_id", id, "subprocess_id", subID)
		}

		return s.store.UpdateInstance(ctx, id, ReadyCount(wf), wf.IsCompleted())
	})
}

// ListWorkflows lists instance summaries, newest first. Ended instances
// are skipped unless includeCompleted is set.
func (s *Serializer) ListWorkflows(ctx context.Context, includeCompleted bool) ([]*storage.InstanceSummary, error) {
	return s.store.ListInstances(ctx, includeCompleted)
}

// DeleteWorkflow removes a top-level workflow; its instance summary and
// subprocess rows go by cascade. It returns false when id does not exist
// or names a subprocess row, which only goes together with its root.
func (s *Serializer) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := storage.RunInTransaction(ctx, s.store, func(ctx context.Context) error {
		rec, err := s.store.GetWorkflowRecord(ctx, id)
		if err != nil || rec == nil || rec.RootID != "" {
			return err
		}
		deleted, err = s.store.DeleteWorkflowRecord(ctx, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	return deleted, nil
}

// getRootRecord loads a top-level workflow row. Subprocess rows are not
// addressable on their own and report as not found.
func (s *Serializer) getRootRecord(ctx context.Context, id string) (*storage.WorkflowRecord, error) {
	rec, err := s.store.GetWorkflowRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	if rec == nil || rec.RootID != "" {
		return nil, &NotFoundError{Kind: "workflow", ID: id}
	}
	return rec, nil
}
