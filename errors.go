// Package flowkeep persists BPMN-style process workflows in a relational
// store and keeps a user-facing lifecycle status in step with them.
package flowkeep

import (
	"errors"
	"fmt"
	"strings"

	"github.com/i2y/flowkeep/internal/serializer"
)

// ========================================
// Store errors
// ========================================
// Re-exported from internal/serializer so callers can match them.

// NotFoundError indicates that a spec, workflow or user workflow does not
// exist.
type NotFoundError = serializer.NotFoundError

// ReferentialConflictError indicates that a spec is still used by a
// workflow and cannot be deleted.
type ReferentialConflictError = serializer.ReferentialConflictError

// ConfigurationError indicates a subprocess whose spec has no dependency
// edge from the workflow's spec.
type ConfigurationError = serializer.ConfigurationError

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = serializer.ErrNotFound
	// ErrReferentialConflict matches every *ReferentialConflictError.
	ErrReferentialConflict = serializer.ErrReferentialConflict
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = serializer.ErrConfiguration
)

// ========================================
// Migration errors
// ========================================

// ErrUnsafeMigration matches every *UnsafeMigrationError.
var ErrUnsafeMigration = errors.New("unsafe migration")

// UnsafeMigrationError indicates that migrating a workflow would discard
// started or completed work. Nothing is changed when it is returned.
type UnsafeMigrationError struct {
	WorkflowID string
	// Tasks names the started or completed tasks the new spec changes or
	// removes. "subprocess:<id>" marks a subprocess with no spec.
	Tasks []string
}

func (e *UnsafeMigrationError) Error() string {
	return fmt.Sprintf("workflow %s is not safe to migrate: %s", e.WorkflowID, strings.Join(e.Tasks, ", "))
}

// Is lets errors.Is(err, ErrUnsafeMigration) match.
func (e *UnsafeMigrationError) Is(target error) bool {
	return target == ErrUnsafeMigration
}

// ErrEngineNotStarted indicates an operation on an engine before Start.
var ErrEngineNotStarted = errors.New("engine not started")

// ErrNoReadyTask indicates that no READY task matches the given name or id.
var ErrNoReadyTask = errors.New("no ready task")
