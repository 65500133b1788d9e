package process

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDocument is returned when a workflow document cannot be decoded
// into a graph.
var ErrInvalidDocument = errors.New("invalid workflow document")

type workflowDocument struct {
	Spec    *Spec                    `json:"spec"`
	Data    map[string]any           `json:"data"`
	Success bool                     `json:"success"`
	Root    string                   `json:"root"`
	Tasks   map[string]*taskDocument `json:"tasks"`
}

type taskDocument struct {
	ID              string         `json:"id"`
	Parent          string         `json:"parent,omitempty"`
	Children        []string       `json:"children"`
	TaskSpec        string         `json:"task_spec"`
	State           TaskState      `json:"state"`
	Data            map[string]any `json:"data"`
	LastStateChange time.Time      `json:"last_state_change"`
}

// SerializeWorkflow encodes one graph, its spec included. Subprocess graphs
// are not part of the document; each is serialized on its own.
func SerializeWorkflow(wf *Workflow) ([]byte, error) {
	doc := workflowDocument{
		Spec:    wf.Spec,
		Data:    wf.Data,
		Success: wf.top.success,
		Root:    wf.root.ID,
		Tasks:   make(map[string]*taskDocument, len(wf.tasks)+1),
	}
	add := func(t *Task) {
		td := &taskDocument{
			ID:              t.ID,
			Children:        make([]string, 0, len(t.Children)),
			TaskSpec:        t.TaskSpec.Name,
			State:           t.State,
			Data:            t.Data,
			LastStateChange: t.LastStateChange,
		}
		if t.Parent != nil {
			td.Parent = t.Parent.ID
		}
		for _, c := range t.Children {
			td.Children = append(td.Children, c.ID)
		}
		doc.Tasks[t.ID] = td
	}
	add(wf.root)
	for _, t := range wf.ownTasks() {
		add(t)
	}
	return json.Marshal(doc)
}

// DeserializeWorkflow rebuilds a graph from a document. With a nil
// parentTask the result is a top-level workflow; otherwise it is a
// subprocess graph attached to parentTask and owned by top. The caller
// registers subprocess graphs in top.Subprocesses.
func DeserializeWorkflow(data []byte, parentTask *Task, top *Workflow) (*Workflow, error) {
	var doc workflowDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Spec == nil {
		return nil, fmt.Errorf("%w: missing spec", ErrInvalidDocument)
	}
	if err := doc.Spec.normalize(); err != nil {
		return nil, err
	}

	if parentTask != nil && top == nil {
		top = parentTask.workflow.top
	}
	wf := newGraph(doc.Spec, parentTask, top)
	if doc.Data != nil {
		wf.Data = doc.Data
	}
	if parentTask == nil {
		wf.success = doc.Success
		wf.SubprocessSpecs = make(map[string]*Spec)
		wf.Subprocesses = make(map[string]*Workflow)
	} else {
		wf.ID = parentTask.ID
	}

	rootDoc, ok := doc.Tasks[doc.Root]
	if !ok {
		return nil, fmt.Errorf("%w: root task %q not found", ErrInvalidDocument, doc.Root)
	}
	wf.root.ID = rootDoc.ID
	wf.root.State = rootDoc.State
	wf.root.LastStateChange = rootDoc.LastStateChange
	if rootDoc.Data != nil {
		wf.root.Data = rootDoc.Data
	}

	var build func(parent *Task, td *taskDocument) error
	build = func(parent *Task, td *taskDocument) error {
		for _, childID := range td.Children {
			cd, ok := doc.Tasks[childID]
			if !ok {
				return fmt.Errorf("%w: task %q not found", ErrInvalidDocument, childID)
			}
			if _, dup := wf.tasks[childID]; dup {
				return fmt.Errorf("%w: task %q appears twice", ErrInvalidDocument, childID)
			}
			spec, ok := doc.Spec.TaskSpecs[cd.TaskSpec]
			if !ok {
				return fmt.Errorf("%w: task %q references unknown task spec %q", ErrInvalidDocument, childID, cd.TaskSpec)
			}
			t := &Task{
				ID:              cd.ID,
				TaskSpec:        spec,
				State:           cd.State,
				Parent:          parent,
				Data:            cd.Data,
				LastStateChange: cd.LastStateChange,
				workflow:        wf,
			}
			if t.Data == nil {
				t.Data = make(map[string]any)
			}
			parent.Children = append(parent.Children, t)
			wf.tasks[t.ID] = t
			if err := build(t, cd); err != nil {
				return err
			}
		}
		return nil
	}
	if err := build(wf.root, rootDoc); err != nil {
		return nil, err
	}
	return wf, nil
}
