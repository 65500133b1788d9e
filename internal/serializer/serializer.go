// Package serializer converts process graphs and specs into storage rows
// and back. It owns the spec store and the workflow state store; every
// write runs in one transaction, joining the caller's when the context
// already carries one.
package serializer

import (
	"github.com/i2y/flowkeep/internal/storage"
	"github.com/i2y/flowkeep/process"
)

// Serializer reads and writes specs and workflow graphs.
type Serializer struct {
	store storage.Storage
}

// New creates a Serializer over store.
func New(store storage.Storage) *Serializer {
	return &Serializer{store: store}
}

// Storage returns the underlying store.
func (s *Serializer) Storage() storage.Storage {
	return s.store
}

// ReadyCount counts READY tasks in wf and every subprocess registered on
// it.
func ReadyCount(wf *process.Workflow) int {
	return len(wf.GetTasks(process.Ready))
}
