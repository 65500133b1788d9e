package storage

import (
	"fmt"
	"strings"
	"time"
)

// SpecRecord is a stored process spec document.
type SpecRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Document  []byte    `json:"document"`
	CreatedAt time.Time `json:"created_at"`
}

// SpecSummary is the listing view of a spec.
type SpecSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkflowRecord is one serialized execution graph. RootID is empty for a
// top-level workflow; for a subprocess, ID is the spawning task id and
// RootID the top-level workflow id.
type WorkflowRecord struct {
	ID        string    `json:"id"`
	SpecID    string    `json:"spec_id"`
	RootID    string    `json:"root_id,omitempty"`
	Document  []byte    `json:"document"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSubprocess reports whether the record holds a subprocess graph.
func (r *WorkflowRecord) IsSubprocess() bool {
	return r.RootID != ""
}

// InstanceSummary is the lightweight listing row for a root workflow.
type InstanceSummary struct {
	ID          string     `json:"id"`
	SpecName    string     `json:"spec_name"`
	ActiveTasks int        `json:"active_tasks"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// IsEnded reports whether the graph has reported completion.
func (s *InstanceSummary) IsEnded() bool {
	return s.EndedAt != nil
}

// UserWorkflowStatus is the coarse user-visible status of a workflow.
type UserWorkflowStatus string

const (
	UserWorkflowPending    UserWorkflowStatus = "Pending"
	UserWorkflowRunning    UserWorkflowStatus = "Running"
	UserWorkflowCompleted  UserWorkflowStatus = "Completed"
	UserWorkflowTerminated UserWorkflowStatus = "Terminated"
	UserWorkflowFailed     UserWorkflowStatus = "Failed"
	UserWorkflowSuspended  UserWorkflowStatus = "Suspended"
	UserWorkflowCancelled  UserWorkflowStatus = "Cancelled"
	UserWorkflowDeleted    UserWorkflowStatus = "Deleted"
)

var userWorkflowStatuses = []UserWorkflowStatus{
	UserWorkflowPending,
	UserWorkflowRunning,
	UserWorkflowCompleted,
	UserWorkflowTerminated,
	UserWorkflowFailed,
	UserWorkflowSuspended,
	UserWorkflowCancelled,
	UserWorkflowDeleted,
}

// IsTerminal reports whether the projector must leave this status alone.
func (s UserWorkflowStatus) IsTerminal() bool {
	switch s {
	case UserWorkflowTerminated, UserWorkflowFailed, UserWorkflowCancelled, UserWorkflowDeleted:
		return true
	}
	return false
}

// ParseUserWorkflowStatus matches a status name case-insensitively.
func ParseUserWorkflowStatus(v string) (UserWorkflowStatus, error) {
	for _, s := range userWorkflowStatuses {
		if strings.EqualFold(string(s), v) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown user workflow status %q", v)
}

// WorkflowType tags what a user workflow is for.
type WorkflowType string

const (
	WorkflowTypeDSAR WorkflowType = "DSAR"
	WorkflowTypeOD3  WorkflowType = "OD3"
)

// ParseWorkflowType matches a workflow type case-insensitively.
func ParseWorkflowType(v string) (WorkflowType, error) {
	for _, t := range []WorkflowType{WorkflowTypeDSAR, WorkflowTypeOD3} {
		if strings.EqualFold(string(t), v) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown workflow type %q", v)
}

// UserWorkflow is the lifecycle projection row for one workflow.
type UserWorkflow struct {
	ID             int64              `json:"id"`
	UserID         string             `json:"user_id"`
	ResourceID     string             `json:"resource_id"`
	WorkflowID     string             `json:"workflow_id"`
	WorkflowType   WorkflowType       `json:"workflow_type"`
	Status         UserWorkflowStatus `json:"status"`
	ReadyTaskNames []string           `json:"ready_task_names"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}
