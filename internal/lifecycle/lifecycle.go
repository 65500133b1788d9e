// Package lifecycle projects engine task states onto the coarse status of
// a user workflow.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/i2y/flowkeep/internal/storage"
	"github.com/i2y/flowkeep/process"
)

// Predicate reports whether a completed task name marks a failure end.
type Predicate func(taskName string) bool

// DefaultFailureEnd matches task names such as "EndRequestFailed".
func DefaultFailureEnd(taskName string) bool {
	return strings.HasPrefix(taskName, "End") && strings.HasSuffix(taskName, "Failed")
}

// Snapshot is the part of a graph the projection reads.
type Snapshot struct {
	Completed          bool
	Success            bool
	CompletedTaskNames []string
	ReadyTaskNames     []string
}

// TakeSnapshot captures wf, subprocesses included. Ready names are sorted
// and de-duplicated.
func TakeSnapshot(wf *process.Workflow) Snapshot {
	snap := Snapshot{
		Completed:      wf.IsCompleted(),
		Success:        wf.Success(),
		ReadyTaskNames: []string{},
	}
	for _, t := range wf.GetTasks(process.Completed) {
		snap.CompletedTaskNames = append(snap.CompletedTaskNames, t.Name())
	}
	for _, t := range wf.GetTasks(process.Ready) {
		snap.ReadyTaskNames = append(snap.ReadyTaskNames, t.Name())
	}
	slices.Sort(snap.ReadyTaskNames)
	snap.ReadyTaskNames = slices.Compact(snap.ReadyTaskNames)
	return snap
}

// Projection is the status and ready list a user workflow should hold.
type Projection struct {
	Status         storage.UserWorkflowStatus
	ReadyTaskNames []string
}

// Project applies the projection rules to the current row state. A
// terminal status is never moved back to RUNNING, and a TERMINATED
// workflow that winds down stays TERMINATED.
func Project(current Projection, snap Snapshot, isFailureEnd Predicate) Projection {
	if isFailureEnd == nil {
		isFailureEnd = DefaultFailureEnd
	}

	if snap.Completed {
		next := Projection{Status: storage.UserWorkflowCompleted, ReadyTaskNames: []string{}}
		switch {
		case !snap.Success:
			next.Status = storage.UserWorkflowFailed
			if current.Status == storage.UserWorkflowTerminated {
				next.Status = storage.UserWorkflowTerminated
			}
		case slices.ContainsFunc(snap.CompletedTaskNames, isFailureEnd):
			next.Status = storage.UserWorkflowFailed
		}
		return next
	}

	if current.Status.IsTerminal() {
		return current
	}
	ready := snap.ReadyTaskNames
	if ready == nil {
		ready = []string{}
	}
	return Projection{Status: storage.UserWorkflowRunning, ReadyTaskNames: ready}
}

// Result describes one application of the projector.
type Result struct {
	WorkflowID string
	Previous   storage.UserWorkflowStatus
	Projection
	Changed bool
}

// Projector keeps user workflow rows in step with their graphs.
type Projector struct {
	store        storage.UserWorkflowManager
	isFailureEnd Predicate
}

// NewProjector creates a projector. A nil predicate selects
// DefaultFailureEnd.
func NewProjector(store storage.UserWorkflowManager, isFailureEnd Predicate) *Projector {
	if isFailureEnd == nil {
		isFailureEnd = DefaultFailureEnd
	}
	return &Projector{store: store, isFailureEnd: isFailureEnd}
}

// Apply projects wf onto the user workflow row linked to workflowID. A
// workflow without such a row is logged and skipped with a nil result.
// Applying the same graph twice writes at most once.
func (p *Projector) Apply(ctx context.Context, workflowID string, wf *process.Workflow) (*Result, error) {
	uw, err := p.store.GetUserWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user workflow for %s: %w", workflowID, err)
	}
	if uw == nil {
		slog.Warn("no user workflow linked to workflow, skipping projection", "workflow_id", workflowID)
		return nil, nil
	}

	current := Projection{Status: uw.Status, ReadyTaskNames: uw.ReadyTaskNames}
	next := Project(current, TakeSnapshot(wf), p.isFailureEnd)
	res := &Result{
		WorkflowID: workflowID,
		Previous:   uw.Status,
		Projection: next,
		Changed:    next.Status != current.Status || !slices.Equal(next.ReadyTaskNames, current.ReadyTaskNames),
	}
	if !res.Changed {
		return res, nil
	}

	if _, err := p.store.UpdateUserWorkflowProjection(ctx, workflowID, next.Status, next.ReadyTaskNames); err != nil {
		return nil, fmt.Errorf("failed to update user workflow for %s: %w", workflowID, err)
	}
	slog.Debug("projected user workflow status",
		"workflow_id", workflowID, "previous", uw.Status, "status", next.Status)
	return res, nil
}
