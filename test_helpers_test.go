package flowkeep

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/i2y/flowkeep/hooks"
	"github.com/i2y/flowkeep/internal/storage"
	"github.com/i2y/flowkeep/process"
)

// createTestEngine creates a started Engine on a pre-initialized temporary
// SQLite database. Additional options can be passed to configure it.
func createTestEngine(t *testing.T, opts ...Option) (*Engine, func()) {
	t.Helper()

	// Create a temporary database
	tmpFile, err := os.CreateTemp("", "flowkeep-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	// Create SQLite storage directly to initialize schema
	store, err := storage.NewSQLiteStorage(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.InitializeTestSchema(ctx, store); err != nil {
		_ = store.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to initialize test schema: %v", err)
	}
	_ = store.Close()

	// Disable auto-migrate since we already created the schema manually
	allOpts := append([]Option{WithDatabase(tmpPath), WithAutoMigrate(false)}, opts...)
	engine := NewEngine(allOpts...)
	if err := engine.Start(ctx); err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to start engine: %v", err)
	}

	cleanup := func() {
		_ = engine.Shutdown(context.Background())
		_ = os.Remove(tmpPath)
	}

	return engine, cleanup
}

// recordingHooks records persistence events for assertions.
type recordingHooks struct {
	hooks.NoOpHooks

	mu         sync.Mutex
	saves      []hooks.WorkflowSavedInfo
	failures   []hooks.SaveFailedInfo
	statuses   []hooks.StatusProjectedInfo
	created    []hooks.WorkflowCreatedInfo
	deleted    []string
	terminated []string
	migrated   []hooks.WorkflowMigratedInfo
}

func (h *recordingHooks) OnWorkflowCreated(ctx context.Context, info hooks.WorkflowCreatedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, info)
}

func (h *recordingHooks) OnWorkflowSaved(ctx context.Context, info hooks.WorkflowSavedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saves = append(h.saves, info)
}

func (h *recordingHooks) OnSaveFailed(ctx context.Context, info hooks.SaveFailedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, info)
}

func (h *recordingHooks) OnStatusProjected(ctx context.Context, info hooks.StatusProjectedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, info)
}

func (h *recordingHooks) OnWorkflowDeleted(ctx context.Context, info hooks.WorkflowDeletedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, info.WorkflowID)
}

func (h *recordingHooks) OnWorkflowTerminated(ctx context.Context, info hooks.WorkflowTerminatedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, info.WorkflowID)
}

func (h *recordingHooks) OnWorkflowMigrated(ctx context.Context, info hooks.WorkflowMigratedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.migrated = append(h.migrated, info)
}

// savedEvents returns "task/event" for every event-triggered save.
func (h *recordingHooks) savedEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, s := range h.saves {
		if s.Task != "" {
			out = append(out, s.Task+"/"+s.Event)
		}
	}
	return out
}

func linearSpec(name string) *process.Spec {
	return process.MustSpec(name,
		&process.TaskSpec{Name: "A", Outputs: []string{"B"}},
		&process.TaskSpec{Name: "B"},
	)
}

// nestedSpecs returns parent -> child -> grandchild.
func nestedSpecs() (*process.Spec, map[string]*process.Spec) {
	grandchild := process.MustSpec("grandchild",
		&process.TaskSpec{Name: "G1", Kind: process.KindEnd},
	)
	child := process.MustSpec("child",
		&process.TaskSpec{Name: "C1", Outputs: []string{"Nested"}},
		&process.TaskSpec{Name: "Nested", Kind: process.KindSubprocess, Subprocess: "grandchild", Outputs: []string{"C2"}},
		&process.TaskSpec{Name: "C2", Kind: process.KindEnd},
	)
	parent := process.MustSpec("parent",
		&process.TaskSpec{Name: "Prepare", Outputs: []string{"Call"}},
		&process.TaskSpec{Name: "Call", Kind: process.KindSubprocess, Subprocess: "child", Outputs: []string{"Done"}},
		&process.TaskSpec{Name: "Done", Kind: process.KindEnd},
	)
	return parent, map[string]*process.Spec{"child": child, "grandchild": grandchild}
}

func taskNames(tasks []*process.Task) []string {
	names := []string{}
	for _, t := range tasks {
		names = append(names, t.Name())
	}
	return names
}
