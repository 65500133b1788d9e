package serializer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrReferentialConflict matches every *ReferentialConflictError.
	ErrReferentialConflict = errors.New("referential conflict")

	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("configuration error")
)

// NotFoundError indicates that a spec, workflow or user workflow row does
// not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ReferentialConflictError indicates that a spec cannot be deleted while a
// workflow still references it.
type ReferentialConflictError struct {
	SpecID string
}

func (e *ReferentialConflictError) Error() string {
	return fmt.Sprintf("spec %s is still referenced by a workflow", e.SpecID)
}

// Is lets errors.Is(err, ErrReferentialConflict) match.
func (e *ReferentialConflictError) Is(target error) bool {
	return target == ErrReferentialConflict
}

// ConfigurationError indicates a subprocess whose spec has no dependency
// edge from the workflow's spec.
type ConfigurationError struct {
	Spec       string
	Subprocess string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("spec %s has no dependency on subprocess spec %q", e.Spec, e.Subprocess)
}

// Is lets errors.Is(err, ErrConfiguration) match.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}
