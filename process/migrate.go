package process

import "fmt"

// MigrateWorkflow applies a diff to a graph in place. Removed tasks are
// dropped together with their subtrees and any subprocess they spawned; kept
// tasks are re-pointed at the new task specs; tasks for new specs are
// predicted, and readiness is recomputed. No signal fires.
func MigrateWorkflow(diff *WorkflowDiff, wf *Workflow, spec *Spec) error {
	if diff == nil {
		return fmt.Errorf("no diff for workflow %s", wf.ID)
	}

	for _, t := range diff.Removed {
		if _, live := wf.tasks[t.ID]; live {
			wf.dropSubtree(t)
		}
	}

	for id, ts := range diff.Alignment {
		if t, ok := wf.tasks[id]; ok {
			t.TaskSpec = ts
		}
	}
	wf.Spec = spec

	wf.predict(wf.root)
	for _, t := range wf.ownTasks() {
		if !t.State.Is(Cancelled | Error) {
			wf.predict(t)
		}
	}
	wf.refresh()
	return nil
}

func (wf *Workflow) dropSubtree(t *Task) {
	if p := t.Parent; p != nil {
		for i, c := range p.Children {
			if c == t {
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				break
			}
		}
	}
	var drop func(n *Task)
	drop = func(n *Task) {
		delete(wf.tasks, n.ID)
		if sub, ok := wf.top.Subprocesses[n.ID]; ok {
			delete(wf.top.Subprocesses, n.ID)
			for _, st := range sub.root.Children {
				drop(st)
			}
		}
		for _, c := range n.Children {
			drop(c)
		}
	}
	drop(t)
}
