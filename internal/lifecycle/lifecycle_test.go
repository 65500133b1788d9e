package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/flowkeep/internal/storage"
	"github.com/i2y/flowkeep/process"
)

var terminalStatuses = []storage.UserWorkflowStatus{
	storage.UserWorkflowTerminated,
	storage.UserWorkflowFailed,
	storage.UserWorkflowCancelled,
	storage.UserWorkflowDeleted,
}

func TestDefaultFailureEnd(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"EndSomethingFailed", true},
		{"EndFailed", true},
		{"EndApproved", false},
		{"ReviewFailed", false},
		{"end_failed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultFailureEnd(tt.name))
		})
	}
}

func TestProject_Running(t *testing.T) {
	snap := Snapshot{ReadyTaskNames: []string{"A", "B"}}

	got := Project(Projection{Status: storage.UserWorkflowPending}, snap, nil)
	assert.Equal(t, storage.UserWorkflowRunning, got.Status)
	assert.Equal(t, []string{"A", "B"}, got.ReadyTaskNames)

	got = Project(Projection{Status: storage.UserWorkflowRunning}, Snapshot{}, nil)
	assert.Equal(t, []string{}, got.ReadyTaskNames)
}

func TestProject_TerminalNeverReturnsToRunning(t *testing.T) {
	snaps := []Snapshot{
		{ReadyTaskNames: []string{"A"}},
		{ReadyTaskNames: []string{}},
		{Success: true, ReadyTaskNames: []string{"X", "Y"}},
	}
	for _, status := range terminalStatuses {
		for _, snap := range snaps {
			current := Projection{Status: status, ReadyTaskNames: []string{"old"}}
			got := Project(current, snap, nil)
			assert.Equal(t, status, got.Status, "status %s", status)
			assert.Equal(t, []string{"old"}, got.ReadyTaskNames)
		}
	}
}

func TestProject_Completion(t *testing.T) {
	tests := []struct {
		name    string
		current storage.UserWorkflowStatus
		snap    Snapshot
		want    storage.UserWorkflowStatus
	}{
		{
			name:    "success",
			current: storage.UserWorkflowRunning,
			snap:    Snapshot{Completed: true, Success: true, CompletedTaskNames: []string{"A", "EndApproved"}},
			want:    storage.UserWorkflowCompleted,
		},
		{
			name:    "failure end task",
			current: storage.UserWorkflowRunning,
			snap:    Snapshot{Completed: true, Success: true, CompletedTaskNames: []string{"A", "EndSomethingFailed"}},
			want:    storage.UserWorkflowFailed,
		},
		{
			name:    "unsuccessful",
			current: storage.UserWorkflowRunning,
			snap:    Snapshot{Completed: true, Success: false},
			want:    storage.UserWorkflowFailed,
		},
		{
			name:    "terminated stays terminated",
			current: storage.UserWorkflowTerminated,
			snap:    Snapshot{Completed: true, Success: false},
			want:    storage.UserWorkflowTerminated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Project(Projection{Status: tt.current, ReadyTaskNames: []string{"A"}}, tt.snap, nil)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, []string{}, got.ReadyTaskNames)
		})
	}
}

func TestProject_CustomPredicate(t *testing.T) {
	rejected := func(name string) bool { return name == "Rejected" }
	snap := Snapshot{Completed: true, Success: true, CompletedTaskNames: []string{"Rejected"}}

	assert.Equal(t, storage.UserWorkflowFailed, Project(Projection{}, snap, rejected).Status)
	assert.Equal(t, storage.UserWorkflowCompleted, Project(Projection{}, snap, nil).Status)
}

func TestProject_Idempotent(t *testing.T) {
	snaps := []Snapshot{
		{ReadyTaskNames: []string{"A"}},
		{Completed: true, Success: true, CompletedTaskNames: []string{"EndXFailed"}},
		{Completed: true, Success: false},
	}
	for _, snap := range snaps {
		once := Project(Projection{Status: storage.UserWorkflowPending}, snap, nil)
		twice := Project(once, snap, nil)
		assert.Equal(t, once, twice)
	}
}

func TestTakeSnapshot(t *testing.T) {
	spec := process.MustSpec("fan-out",
		&process.TaskSpec{Name: "B", Outputs: []string{"D"}},
		&process.TaskSpec{Name: "A", Outputs: []string{"D"}},
		&process.TaskSpec{Name: "D"},
	)
	wf, err := process.NewWorkflow(spec, nil)
	require.NoError(t, err)

	snap := TakeSnapshot(wf)
	assert.False(t, snap.Completed)
	assert.True(t, snap.Success)
	assert.Equal(t, []string{"A", "B"}, snap.ReadyTaskNames)
	assert.Empty(t, snap.CompletedTaskNames)

	require.NoError(t, wf.Advance())
	snap = TakeSnapshot(wf)
	assert.True(t, snap.Completed)
	assert.ElementsMatch(t, []string{"A", "B", "D"}, snap.CompletedTaskNames)
	assert.Equal(t, []string{}, snap.ReadyTaskNames)
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "lifecycle-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, storage.InitializeTestSchema(context.Background(), store))
	return store
}

func TestProjector_Apply(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := NewProjector(store, nil)

	spec := process.MustSpec("linear",
		&process.TaskSpec{Name: "A", Outputs: []string{"B"}},
		&process.TaskSpec{Name: "B"},
	)
	wf, err := process.NewWorkflow(spec, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateUserWorkflow(ctx, &storage.UserWorkflow{
		UserID: "u1", WorkflowID: wf.ID, WorkflowType: storage.WorkflowTypeDSAR,
	}))

	t.Run("running", func(t *testing.T) {
		res, err := p.Apply(ctx, wf.ID, wf)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.True(t, res.Changed)
		assert.Equal(t, storage.UserWorkflowPending, res.Previous)

		uw, err := store.GetUserWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.UserWorkflowRunning, uw.Status)
		assert.Equal(t, []string{"A"}, uw.ReadyTaskNames)
	})

	t.Run("idempotent", func(t *testing.T) {
		res, err := p.Apply(ctx, wf.ID, wf)
		require.NoError(t, err)
		assert.False(t, res.Changed)
	})

	t.Run("completed", func(t *testing.T) {
		require.NoError(t, wf.Advance())
		res, err := p.Apply(ctx, wf.ID, wf)
		require.NoError(t, err)
		assert.True(t, res.Changed)

		uw, err := store.GetUserWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.UserWorkflowCompleted, uw.Status)
		assert.Empty(t, uw.ReadyTaskNames)
	})

	t.Run("no linked row", func(t *testing.T) {
		res, err := p.Apply(ctx, "unlinked", wf)
		require.NoError(t, err)
		assert.Nil(t, res)
	})
}

func TestProjector_TerminalRowUntouched(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := NewProjector(store, nil)

	spec := process.MustSpec("single", &process.TaskSpec{Name: "A"})
	for _, status := range terminalStatuses {
		t.Run(string(status), func(t *testing.T) {
			wf, err := process.NewWorkflow(spec, nil)
			require.NoError(t, err)
			require.NoError(t, store.CreateUserWorkflow(ctx, &storage.UserWorkflow{
				UserID: "u1", WorkflowID: wf.ID, WorkflowType: storage.WorkflowTypeOD3, Status: status,
			}))

			res, err := p.Apply(ctx, wf.ID, wf)
			require.NoError(t, err)
			assert.False(t, res.Changed)

			uw, err := store.GetUserWorkflow(ctx, wf.ID)
			require.NoError(t, err)
			assert.Equal(t, status, uw.Status)
		})
	}
}
