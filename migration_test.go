package flowkeep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/flowkeep/process"
)

// linearV2 appends C after B.
func linearV2() *process.Spec {
	return process.MustSpec("linear-v2",
		&process.TaskSpec{Name: "A", Outputs: []string{"B"}},
		&process.TaskSpec{Name: "B", Outputs: []string{"C"}},
		&process.TaskSpec{Name: "C"},
	)
}

// linearV3 replaces B with X, which changes A.
func linearV3() *process.Spec {
	return process.MustSpec("linear-v3",
		&process.TaskSpec{Name: "A", Outputs: []string{"X"}},
		&process.TaskSpec{Name: "X"},
	)
}

func TestEngine_DiffSpecs(t *testing.T) {
	engine, cleanup := createTestEngine(t)
	defer cleanup()
	ctx := context.Background()

	v1, err := engine.AddSpec(ctx, linearSpec("linear"), nil)
	require.NoError(t, err)
	v2, err := engine.AddSpec(ctx, linearV2(), nil)
	require.NoError(t, err)

	diff, err := engine.DiffSpecs(ctx, v1, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, diff.Added)
	assert.Equal(t, []string{"B"}, diff.Changed)
	assert.Empty(t, diff.Removed)

	same, err := engine.DiffSpecs(ctx, v1, v1)
	require.NoError(t, err)
	assert.True(t, same.IsEmpty())

	_, err = engine.DiffSpecs(ctx, v1, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_DiffDependencies(t *testing.T) {
	engine, cleanup := createTestEngine(t)
	defer cleanup()
	ctx := context.Background()

	parent, deps := nestedSpecs()
	oldID, err := engine.AddSpec(ctx, parent, deps)
	require.NoError(t, err)

	child2 := process.MustSpec("child2", &process.TaskSpec{Name: "K1", Kind: process.KindEnd})
	parentV2 := process.MustSpec("parent-v2",
		&process.TaskSpec{Name: "Prepare", Outputs: []string{"Call"}},
		&process.TaskSpec{Name: "Call", Kind: process.KindSubprocess, Subprocess: "child2", Outputs: []string{"Done"}},
		&process.TaskSpec{Name: "Done", Kind: process.KindEnd},
	)
	newID, err := engine.AddSpec(ctx, parentV2, map[string]*process.Spec{"child2": child2})
	require.NoError(t, err)

	diff, err := engine.DiffDependencies(ctx, oldID, newID)
	require.NoError(t, err)
	assert.Equal(t, []string{"child2"}, diff.Added)
	assert.Equal(t, []string{"child", "grandchild"}, diff.Removed)
	assert.Empty(t, diff.Changed)
}

func TestEngine_MigrateWorkflowSafe(t *testing.T) {
	rec := &recordingHooks{}
	engine, cleanup := createTestEngine(t, WithHooks(rec))
	defer cleanup()
	ctx := context.Background()

	v1, err := engine.AddSpec(ctx, linearSpec("linear"), nil)
	require.NoError(t, err)
	v2, err := engine.AddSpec(ctx, linearV2(), nil)
	require.NoError(t, err)

	inst, err := engine.StartWorkflow(ctx, v1, WithOwner("user-1", "r", WorkflowTypeDSAR))
	require.NoError(t, err)

	root, subs, err := engine.DiffWorkflow(ctx, inst.ID, v2)
	require.NoError(t, err)
	assert.True(t, CanMigrate(root, subs), "only unreached tasks change")
	assert.Len(t, root.Changed, 1)

	newID, err := engine.MigrateWorkflow(ctx, inst.ID, v2, true)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, newID)

	_, err = engine.GetWorkflow(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound, "old rows are gone")

	migrated, err := engine.GetWorkflow(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "linear-v2", migrated.Workflow().Spec.Name)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, taskNames(migrated.Workflow().GetTasks(process.AnyMask)))

	uw, err := engine.GetUserWorkflow(ctx, newID)
	require.NoError(t, err, "user workflow follows the new id")
	assert.Equal(t, StatusRunning, uw.Status)
	assert.Equal(t, []string{"A"}, uw.ReadyTaskNames)

	require.Len(t, rec.migrated, 1)
	assert.Equal(t, newID, rec.migrated[0].NewWorkflowID)
	assert.True(t, rec.migrated[0].Validated)

	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, migrated.CompleteTask(ctx, name), name)
	}
	uw, err = engine.GetUserWorkflow(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, uw.Status)
}

func TestEngine_MigrateWorkflowUnsafe(t *testing.T) {
	engine, cleanup := createTestEngine(t)
	defer cleanup()
	ctx := context.Background()

	v1, err := engine.AddSpec(ctx, linearSpec("linear"), nil)
	require.NoError(t, err)
	v3, err := engine.AddSpec(ctx, linearV3(), nil)
	require.NoError(t, err)

	inst, err := engine.StartWorkflow(ctx, v1, WithOwner("user-1", "r", WorkflowTypeDSAR))
	require.NoError(t, err)
	require.NoError(t, inst.CompleteTask(ctx, "A"))

	root, subs, err := engine.DiffWorkflow(ctx, inst.ID, v3)
	require.NoError(t, err)
	assert.False(t, CanMigrate(root, subs), "completed A changes")

	_, err = engine.MigrateWorkflow(ctx, inst.ID, v3, true)
	var unsafe *UnsafeMigrationError
	require.ErrorAs(t, err, &unsafe)
	assert.ErrorIs(t, err, ErrUnsafeMigration)
	assert.Equal(t, inst.ID, unsafe.WorkflowID)
	assert.Contains(t, unsafe.Tasks, "A")

	_, err = engine.GetWorkflow(ctx, inst.ID)
	require.NoError(t, err, "nothing changes when migration is refused")

	// Without validation the migration goes through and keeps A's work.
	newID, err := engine.MigrateWorkflow(ctx, inst.ID, v3, false)
	require.NoError(t, err)
	migrated, err := engine.GetWorkflow(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, taskNames(migrated.ReadyTasks()))
	assert.Len(t, migrated.Workflow().GetTasks(process.Completed), 1)

	uw, err := engine.GetUserWorkflow(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, uw.ReadyTaskNames)
}

func TestEngine_MigrateWorkflowMissingSubprocessSpec(t *testing.T) {
	engine, cleanup := createTestEngine(t)
	defer cleanup()
	ctx := context.Background()

	parent, deps := nestedSpecs()
	oldID, err := engine.AddSpec(ctx, parent, deps)
	require.NoError(t, err)

	// Same tasks, but the subprocess spec is gone.
	other := process.MustSpec("parent-v2",
		&process.TaskSpec{Name: "Prepare", Outputs: []string{"Call"}},
		&process.TaskSpec{Name: "Call", Kind: process.KindSubprocess, Subprocess: "child", Outputs: []string{"Done"}},
		&process.TaskSpec{Name: "Done", Kind: process.KindEnd},
	)
	newID, err := engine.AddSpec(ctx, other, nil)
	require.NoError(t, err)

	inst, err := engine.StartWorkflow(ctx, oldID)
	require.NoError(t, err)
	require.NoError(t, inst.CompleteTask(ctx, "Prepare"))
	require.NoError(t, inst.CompleteTask(ctx, "Call"))
	callTasks := inst.Workflow().GetTasks(process.Started)
	require.Len(t, callTasks, 1)
	callID := callTasks[0].ID

	root, subs, err := engine.DiffWorkflow(ctx, inst.ID, newID)
	require.NoError(t, err)
	assert.Empty(t, root.Affected(process.AnyMask), "root tasks line up")
	require.Contains(t, subs, callID)
	assert.Nil(t, subs[callID])
	assert.False(t, CanMigrate(root, subs))

	_, err = engine.MigrateWorkflow(ctx, inst.ID, newID, true)
	var unsafe *UnsafeMigrationError
	require.ErrorAs(t, err, &unsafe)
	assert.Equal(t, []string{"subprocess:" + callID}, unsafe.Tasks)

	_, err = engine.MigrateWorkflow(ctx, inst.ID, newID, false)
	var cfg *ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "child", cfg.Subprocess)

	_, err = engine.GetWorkflow(ctx, inst.ID)
	require.NoError(t, err, "a failed migration leaves the workflow in place")
}

func TestCanMigrate(t *testing.T) {
	spec := linearSpec("linear")
	wf, err := process.NewWorkflow(spec, nil)
	require.NoError(t, err)

	v3 := linearV3()
	root, subs := process.DiffWorkflow(wf, v3, nil)
	assert.True(t, CanMigrate(root, subs), "nothing started yet")

	a := wf.ReadyTasks()[0]
	require.NoError(t, a.Start())
	root, subs = process.DiffWorkflow(wf, v3, nil)
	assert.False(t, CanMigrate(root, subs), "started A changes")

	assert.False(t, CanMigrate(nil, nil))
	assert.False(t, CanMigrate(root, map[string]*process.WorkflowDiff{"sub": nil}))
}
