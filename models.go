package flowkeep

import "github.com/i2y/flowkeep/internal/storage"

// Storage row types, re-exported for callers of the Engine.
type (
	// UserWorkflow is the user-facing lifecycle row of one workflow.
	UserWorkflow = storage.UserWorkflow
	// UserWorkflowStatus is the coarse status projected from task states.
	UserWorkflowStatus = storage.UserWorkflowStatus
	// WorkflowType tags what a user workflow is for.
	WorkflowType = storage.WorkflowType
	// InstanceSummary is the listing row of a top-level workflow.
	InstanceSummary = storage.InstanceSummary
	// SpecSummary is the listing row of a stored spec.
	SpecSummary = storage.SpecSummary
)

// User workflow statuses.
const (
	StatusPending    = storage.UserWorkflowPending
	StatusRunning    = storage.UserWorkflowRunning
	StatusCompleted  = storage.UserWorkflowCompleted
	StatusTerminated = storage.UserWorkflowTerminated
	StatusFailed     = storage.UserWorkflowFailed
	StatusSuspended  = storage.UserWorkflowSuspended
	StatusCancelled  = storage.UserWorkflowCancelled
	StatusDeleted    = storage.UserWorkflowDeleted
)

// Workflow types.
const (
	WorkflowTypeDSAR = storage.WorkflowTypeDSAR
	WorkflowTypeOD3  = storage.WorkflowTypeOD3
)

// ParseStatus matches a status name case-insensitively.
func ParseStatus(v string) (UserWorkflowStatus, error) {
	return storage.ParseUserWorkflowStatus(v)
}

// ParseWorkflowType matches a workflow type case-insensitively.
func ParseWorkflowType(v string) (WorkflowType, error) {
	return storage.ParseWorkflowType(v)
}
