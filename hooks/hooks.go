// Package hooks provides lifecycle hooks for persistence observability.
package hooks

import (
	"context"
	"time"
)

// WorkflowHooks defines callbacks for persistence lifecycle events.
// Implement this interface to add observability (logging, tracing, metrics).
// Hooks run synchronously on the caller's goroutine.
type WorkflowHooks interface {
	// Specs
	OnSpecCreated(ctx context.Context, info SpecCreatedInfo)

	// Workflow persistence
	OnWorkflowCreated(ctx context.Context, info WorkflowCreatedInfo)
	OnWorkflowSaved(ctx context.Context, info WorkflowSavedInfo)
	OnSaveFailed(ctx context.Context, info SaveFailedInfo)
	OnWorkflowDeleted(ctx context.Context, info WorkflowDeletedInfo)

	// User-facing lifecycle
	OnStatusProjected(ctx context.Context, info StatusProjectedInfo)
	OnWorkflowTerminated(ctx context.Context, info WorkflowTerminatedInfo)

	// Migration
	OnWorkflowMigrated(ctx context.Context, info WorkflowMigratedInfo)
}

// SpecCreatedInfo contains information about a stored spec.
type SpecCreatedInfo struct {
	SpecID       string
	SpecName     string
	Dependencies []string
}

// WorkflowCreatedInfo contains information about a newly persisted workflow.
type WorkflowCreatedInfo struct {
	WorkflowID string
	SpecID     string
	SpecName   string
	ReadyTasks int
}

// WorkflowSavedInfo contains information about a save triggered by a task
// event. Task and Event are empty for explicit saves.
type WorkflowSavedInfo struct {
	WorkflowID string
	SpecName   string
	Task       string
	Event      string
	ReadyTasks int
	Completed  bool
	Duration   time.Duration
}

// SaveFailedInfo contains information about a save that failed inside a
// task event handler. The error is not returned to the caller.
type SaveFailedInfo struct {
	WorkflowID string
	Task       string
	Event      string
	Error      error
}

// WorkflowDeletedInfo contains information about a deleted workflow.
type WorkflowDeletedInfo struct {
	WorkflowID string
}

// StatusProjectedInfo contains information about a user workflow status
// change.
type StatusProjectedInfo struct {
	WorkflowID     string
	Previous       string
	Status         string
	ReadyTaskNames []string
}

// WorkflowTerminatedInfo contains information about a terminated workflow.
type WorkflowTerminatedInfo struct {
	WorkflowID string
}

// WorkflowMigratedInfo contains information about a workflow moved onto a
// new spec.
type WorkflowMigratedInfo struct {
	OldWorkflowID string
	NewWorkflowID string
	NewSpecID     string
	Validated     bool
}

// NoOpHooks is a no-operation implementation of WorkflowHooks.
// Use this as a base for partial implementations.
type NoOpHooks struct{}

func (n *NoOpHooks) OnSpecCreated(ctx context.Context, info SpecCreatedInfo)               {}
func (n *NoOpHooks) OnWorkflowCreated(ctx context.Context, info WorkflowCreatedInfo)       {}
func (n *NoOpHooks) OnWorkflowSaved(ctx context.Context, info WorkflowSavedInfo)           {}
func (n *NoOpHooks) OnSaveFailed(ctx context.Context, info SaveFailedInfo)                 {}
func (n *NoOpHooks) OnWorkflowDeleted(ctx context.Context, info WorkflowDeletedInfo)       {}
func (n *NoOpHooks) OnStatusProjected(ctx context.Context, info StatusProjectedInfo)       {}
func (n *NoOpHooks) OnWorkflowTerminated(ctx context.Context, info WorkflowTerminatedInfo) {}
func (n *NoOpHooks) OnWorkflowMigrated(ctx context.Context, info WorkflowMigratedInfo)     {}
