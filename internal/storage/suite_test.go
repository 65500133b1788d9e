package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageSuite exercises the Storage contract against any back end. The
// store must have the schema applied and hold no rows.
func runStorageSuite(t *testing.T, store Storage) {
	ctx := context.Background()

	newSpec := func(t *testing.T, name string) *SpecRecord {
		t.Helper()
		rec := &SpecRecord{ID: uuid.NewString(), Name: name, Document: []byte(`{"name":"` + name + `"}`)}
		require.NoError(t, store.CreateSpec(ctx, rec))
		return rec
	}
	newWorkflow := func(t *testing.T, specID, rootID string) *WorkflowRecord {
		t.Helper()
		rec := &WorkflowRecord{ID: uuid.NewString(), SpecID: specID, RootID: rootID, Document: []byte(`{}`)}
		require.NoError(t, store.CreateWorkflowRecord(ctx, rec))
		return rec
	}

	t.Run("SpecCRUD", func(t *testing.T) {
		b := newSpec(t, "suite-b")
		a := newSpec(t, "suite-a")

		got, err := store.GetSpec(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "suite-a", got.Name)
		assert.JSONEq(t, string(a.Document), string(got.Document))

		byName, err := store.GetSpecByName(ctx, "suite-b")
		require.NoError(t, err)
		require.NotNil(t, byName)
		assert.Equal(t, b.ID, byName.ID)

		missing, err := store.GetSpec(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		list, err := store.ListSpecs(ctx)
		require.NoError(t, err)
		var names []string
		for _, s := range list {
			names = append(names, s.Name)
		}
		assert.Subset(t, names, []string{"suite-a", "suite-b"})
		assert.IsNonDecreasing(t, names)

		err = store.CreateSpec(ctx, &SpecRecord{ID: uuid.NewString(), Name: "suite-a", Document: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("SpecDependencies", func(t *testing.T) {
		parent := newSpec(t, "dep-parent")
		child1 := newSpec(t, "dep-child-1")
		child2 := newSpec(t, "dep-child-2")

		require.NoError(t, store.AddSpecDependency(ctx, parent.ID, child2.ID))
		require.NoError(t, store.AddSpecDependency(ctx, parent.ID, child1.ID))
		require.NoError(t, store.AddSpecDependency(ctx, parent.ID, child1.ID), "edges are idempotent")

		children, err := store.ListSpecDependencies(ctx, parent.ID)
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, "dep-child-1", children[0].Name)
		assert.Equal(t, "dep-child-2", children[1].Name)

		deleted, err := store.DeleteSpec(ctx, child2.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		children, err = store.ListSpecDependencies(ctx, parent.ID)
		require.NoError(t, err)
		assert.Len(t, children, 1, "edge removed by cascade")
	})

	t.Run("DeleteSpecReferenced", func(t *testing.T) {
		spec := newSpec(t, "guarded")
		wf := newWorkflow(t, spec.ID, "")

		deleted, err := store.DeleteSpec(ctx, spec.ID)
		assert.ErrorIs(t, err, ErrReferenced)
		assert.False(t, deleted)

		still, err := store.GetSpec(ctx, spec.ID)
		require.NoError(t, err)
		assert.NotNil(t, still)

		_, err = store.DeleteWorkflowRecord(ctx, wf.ID)
		require.NoError(t, err)
		deleted, err = store.DeleteSpec(ctx, spec.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.DeleteSpec(ctx, spec.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("WorkflowCascade", func(t *testing.T) {
		spec := newSpec(t, "cascade")
		root := newWorkflow(t, spec.ID, "")
		sub1 := newWorkflow(t, spec.ID, root.ID)
		sub2 := newWorkflow(t, spec.ID, root.ID)
		require.NoError(t, store.CreateInstance(ctx, &InstanceSummary{ID: root.ID, SpecName: "cascade", ActiveTasks: 1}))

		subs, err := store.ListSubprocessRecords(ctx, root.ID)
		require.NoError(t, err)
		assert.Len(t, subs, 2)
		assert.True(t, subs[0].IsSubprocess())

		ok, err := store.UpdateWorkflowDocument(ctx, sub1.ID, []byte(`{"v":2}`))
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := store.GetWorkflowRecord(ctx, sub1.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got.Document))
		assert.Equal(t, root.ID, got.RootID)

		for i := 0; i < 2; i++ {
			ok, err = store.UpdateWorkflowDocument(ctx, sub1.ID, []byte(`{"v":2}`))
			require.NoError(t, err)
			assert.True(t, ok, "an unchanged document still reports the row")
		}

		ok, err = store.UpdateWorkflowDocument(ctx, "missing", []byte(`{}`))
		require.NoError(t, err)
		assert.False(t, ok)

		deleted, err := store.DeleteWorkflowRecord(ctx, root.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		for _, id := range []string{root.ID, sub1.ID, sub2.ID} {
			rec, err := store.GetWorkflowRecord(ctx, id)
			require.NoError(t, err)
			assert.Nil(t, rec)
		}
		inst, err := store.GetInstance(ctx, root.ID)
		require.NoError(t, err)
		assert.Nil(t, inst)

		deleted, err = store.DeleteWorkflowRecord(ctx, root.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("InstanceEndedOnce", func(t *testing.T) {
		spec := newSpec(t, "ended")
		root := newWorkflow(t, spec.ID, "")
		require.NoError(t, store.CreateInstance(ctx, &InstanceSummary{ID: root.ID, SpecName: "ended", ActiveTasks: 1}))

		require.NoError(t, store.UpdateInstance(ctx, root.ID, 2, false))
		inst, err := store.GetInstance(ctx, root.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, inst.ActiveTasks)
		assert.Nil(t, inst.EndedAt)

		require.NoError(t, store.UpdateInstance(ctx, root.ID, 0, true))
		inst, err = store.GetInstance(ctx, root.ID)
		require.NoError(t, err)
		require.NotNil(t, inst.EndedAt)
		first := *inst.EndedAt

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, store.UpdateInstance(ctx, root.ID, 0, true))
		require.NoError(t, store.UpdateInstance(ctx, root.ID, 0, false))
		inst, err = store.GetInstance(ctx, root.ID)
		require.NoError(t, err)
		require.NotNil(t, inst.EndedAt, "ended_at never goes back to null")
		assert.True(t, first.Equal(*inst.EndedAt))

		running, err := store.ListInstances(ctx, false)
		require.NoError(t, err)
		for _, r := range running {
			assert.NotEqual(t, root.ID, r.ID)
		}
		all, err := store.ListInstances(ctx, true)
		require.NoError(t, err)
		var found bool
		for _, r := range all {
			found = found || r.ID == root.ID
		}
		assert.True(t, found)
	})

	t.Run("ListInstancesNewestFirst", func(t *testing.T) {
		spec := newSpec(t, "ordering")
		base := time.Now().UTC().Add(-time.Hour)
		var ids []string
		for i := 0; i < 3; i++ {
			wf := newWorkflow(t, spec.ID, "")
			require.NoError(t, store.CreateInstance(ctx, &InstanceSummary{
				ID: wf.ID, SpecName: "ordering", StartedAt: base.Add(time.Duration(i) * time.Minute),
			}))
			ids = append(ids, wf.ID)
		}

		all, err := store.ListInstances(ctx, true)
		require.NoError(t, err)
		var order []string
		for _, r := range all {
			if r.SpecName == "ordering" {
				order = append(order, r.ID)
			}
		}
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, order)
	})

	t.Run("UserWorkflows", func(t *testing.T) {
		wfA, wfB := uuid.NewString(), uuid.NewString()
		a := &UserWorkflow{UserID: "user-1", ResourceID: "res-1", WorkflowID: wfA, WorkflowType: WorkflowTypeDSAR}
		require.NoError(t, store.CreateUserWorkflow(ctx, a))
		assert.NotZero(t, a.ID)
		assert.Equal(t, UserWorkflowPending, a.Status)

		time.Sleep(5 * time.Millisecond)
		b := &UserWorkflow{UserID: "user-1", WorkflowID: wfB, WorkflowType: WorkflowTypeOD3, Status: UserWorkflowRunning}
		require.NoError(t, store.CreateUserWorkflow(ctx, b))

		err := store.CreateUserWorkflow(ctx, &UserWorkflow{UserID: "user-2", WorkflowID: wfA, WorkflowType: WorkflowTypeDSAR})
		assert.ErrorIs(t, err, ErrDuplicate)

		got, err := store.GetUserWorkflow(ctx, wfA)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "res-1", got.ResourceID)
		assert.Equal(t, []string{}, got.ReadyTaskNames)

		ok, err := store.UpdateUserWorkflowProjection(ctx, wfA, UserWorkflowRunning, []string{"A", "B"})
		require.NoError(t, err)
		assert.True(t, ok)
		got, err = store.GetUserWorkflow(ctx, wfA)
		require.NoError(t, err)
		assert.Equal(t, UserWorkflowRunning, got.Status)
		assert.Equal(t, []string{"A", "B"}, got.ReadyTaskNames)

		ok, err = store.UpdateUserWorkflowStatus(ctx, wfA, UserWorkflowSuspended)
		require.NoError(t, err)
		assert.True(t, ok)

		list, err := store.ListUserWorkflows(ctx, "user-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, wfB, list[0].WorkflowID, "newest first")

		page, err := store.ListUserWorkflows(ctx, "user-1", 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, wfA, page[0].WorkflowID)

		newID := uuid.NewString()
		ok, err = store.RelinkUserWorkflow(ctx, wfA, newID)
		require.NoError(t, err)
		assert.True(t, ok)
		old, err := store.GetUserWorkflow(ctx, wfA)
		require.NoError(t, err)
		assert.Nil(t, old)
		moved, err := store.GetUserWorkflow(ctx, newID)
		require.NoError(t, err)
		require.NotNil(t, moved)
		assert.Equal(t, UserWorkflowSuspended, moved.Status)

		ok, err = store.UpdateUserWorkflowStatus(ctx, "missing", UserWorkflowFailed)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		txCtx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)
		assert.True(t, store.InTransaction(txCtx))
		require.NoError(t, store.CreateSpec(txCtx, &SpecRecord{ID: uuid.NewString(), Name: "rolled-back", Document: []byte(`{}`)}))
		require.NoError(t, store.RollbackTransaction(txCtx))

		got, err := store.GetSpecByName(ctx, "rolled-back")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("RunInTransaction", func(t *testing.T) {
		var committed bool
		err := RunInTransaction(ctx, store, func(ctx context.Context) error {
			require.NoError(t, store.RegisterPostCommitCallback(ctx, func() error {
				committed = true
				return nil
			}))
			// Nested calls join the outer transaction.
			return RunInTransaction(ctx, store, func(inner context.Context) error {
				assert.True(t, store.InTransaction(inner))
				return store.CreateSpec(inner, &SpecRecord{ID: uuid.NewString(), Name: "committed", Document: []byte(`{}`)})
			})
		})
		require.NoError(t, err)
		assert.True(t, committed)

		err = RunInTransaction(ctx, store, func(ctx context.Context) error {
			if err := store.CreateSpec(ctx, &SpecRecord{ID: uuid.NewString(), Name: "half-written", Document: []byte(`{}`)}); err != nil {
				return err
			}
			return store.CreateSpec(ctx, &SpecRecord{ID: uuid.NewString(), Name: "committed", Document: []byte(`{}`)})
		})
		assert.ErrorIs(t, err, ErrDuplicate)
		got, err := store.GetSpecByName(ctx, "half-written")
		require.NoError(t, err)
		assert.Nil(t, got, "failed transaction leaves no partial rows")

		assert.ErrorIs(t, store.RegisterPostCommitCallback(ctx, func() error { return nil }), ErrNoTransaction)
	})
}
