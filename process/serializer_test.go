package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T) *Workflow
	}{
		{
			name: "fresh graph",
			build: func(t *testing.T) *Workflow {
				wf, err := NewWorkflow(linearSpec(), nil)
				require.NoError(t, err)
				return wf
			},
		},
		{
			name: "partially advanced with data",
			build: func(t *testing.T) *Workflow {
				wf, err := NewWorkflow(linearSpec(), nil)
				require.NoError(t, err)
				wf.Data["customer"] = map[string]any{"id": 7, "tier": "gold"}
				a := wf.ReadyTasks()[0]
				a.Data["amount"] = 12.5
				require.NoError(t, a.Complete())
				return wf
			},
		},
		{
			name: "cancelled",
			build: func(t *testing.T) *Workflow {
				wf, err := NewWorkflow(linearSpec(), nil)
				require.NoError(t, err)
				wf.Cancel()
				return wf
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := tt.build(t)
			doc, err := SerializeWorkflow(wf)
			require.NoError(t, err)

			restored, err := DeserializeWorkflow(doc, nil, nil)
			require.NoError(t, err)

			assert.Equal(t, wf.Success(), restored.Success())
			assert.Equal(t, wf.IsCompleted(), restored.IsCompleted())
			require.Equal(t, wf.TaskCount(), restored.TaskCount())
			for _, orig := range wf.GetTasks(AnyMask) {
				got, ok := restored.GetTask(orig.ID)
				require.True(t, ok, "task %s missing", orig.ID)
				assert.Equal(t, orig.State, got.State)
				assert.Equal(t, orig.Name(), got.Name())
				if orig.Parent != nil {
					assert.Equal(t, orig.Parent.ID, got.Parent.ID)
				}
			}

			again, err := SerializeWorkflow(restored)
			require.NoError(t, err)
			assert.JSONEq(t, string(doc), string(again))
		})
	}
}

func TestSubprocessDocumentsAreSeparate(t *testing.T) {
	parent, deps := parentChildSpecs()
	wf, err := NewWorkflow(parent, deps)
	require.NoError(t, err)
	require.NoError(t, wf.ReadyTasks()[0].Complete())
	call := wf.ReadyTasks()[0]
	require.NoError(t, call.Start())

	rootDoc, err := SerializeWorkflow(wf)
	require.NoError(t, err)
	subDoc, err := SerializeWorkflow(wf.Subprocesses[call.ID])
	require.NoError(t, err)
	assert.NotContains(t, string(rootDoc), `"C1"`)

	restored, err := DeserializeWorkflow(rootDoc, nil, nil)
	require.NoError(t, err)
	restoredCall, ok := restored.GetTask(call.ID)
	require.True(t, ok)

	sub, err := DeserializeWorkflow(subDoc, restoredCall, restored)
	require.NoError(t, err)
	assert.Equal(t, call.ID, sub.ID)
	assert.Same(t, restored, sub.Top())
	restored.Subprocesses[sub.ID] = sub
	restored.SubprocessSpecs = deps

	assert.Equal(t, []string{"C1"}, taskNames(restored.ReadyTasks()))
	require.NoError(t, restored.Advance())
	assert.True(t, restored.IsCompleted())
}

func TestDeserializeAcceptsStateNames(t *testing.T) {
	doc := `{
		"spec": {"name": "linear", "task_specs": {"A": {"outputs": ["B"]}, "B": {}}},
		"data": {},
		"success": true,
		"root": "r",
		"tasks": {
			"r": {"id": "r", "children": ["a"], "task_spec": "Root", "state": 64},
			"a": {"id": "a", "parent": "r", "children": ["b"], "task_spec": "A", "state": "READY"},
			"b": {"id": "b", "parent": "a", "children": [], "task_spec": "B", "state": "future"}
		}
	}`
	wf, err := DeserializeWorkflow([]byte(doc), nil, nil)
	require.NoError(t, err)

	a, _ := wf.GetTask("a")
	b, _ := wf.GetTask("b")
	assert.Equal(t, Ready, a.State)
	assert.Equal(t, Future, b.State)
}

func TestDeserializeRejectsBrokenDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing spec", `{"root": "r", "tasks": {}}`},
		{"missing root", `{"spec": {"name": "s", "task_specs": {"A": {}}}, "root": "r", "tasks": {}}`},
		{"unknown task spec", `{"spec": {"name": "s", "task_specs": {"A": {}}}, "root": "r", "tasks": {
			"r": {"id": "r", "children": ["x"], "task_spec": "Root", "state": 64},
			"x": {"id": "x", "parent": "r", "children": [], "task_spec": "Nope", "state": 16}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeserializeWorkflow([]byte(tt.doc), nil, nil)
			assert.Error(t, err)
		})
	}
}
