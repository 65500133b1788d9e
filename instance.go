package flowkeep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/i2y/flowkeep/hooks"
	"github.com/i2y/flowkeep/process"
)

// attachKey identifies one connection of the instance handler.
type attachKey struct {
	spec  *process.TaskSpec
	event process.EventKind
}

// Instance is a live workflow graph bound to its stored rows. Every ready,
// completed or subprocess-started transition of the graph is saved before
// the call that caused it returns.
//
// An Instance is not safe for concurrent use.
type Instance struct {
	ID string

	engine     *Engine
	wf         *process.Workflow
	handlerKey string
	attached   map[attachKey]struct{}

	// ctx of the call currently driving the graph; saves join its
	// transaction.
	ctx     context.Context
	lastErr error
}

func newInstance(e *Engine, id string, wf *process.Workflow) *Instance {
	inst := &Instance{
		ID:         id,
		engine:     e,
		wf:         wf,
		handlerKey: "flowkeep/" + id,
		attached:   make(map[attachKey]struct{}),
		ctx:        context.Background(),
	}
	inst.attach()
	return inst
}

// Workflow returns the live graph, or nil after Close.
func (i *Instance) Workflow() *process.Workflow {
	return i.wf
}

// ReadyTasks returns every READY task, subprocesses included.
func (i *Instance) ReadyTasks() []*process.Task {
	if i.wf == nil {
		return nil
	}
	return i.wf.ReadyTasks()
}

// CompleteTask completes the READY task with the given id or name. A
// subprocess task is started instead; it completes with its child
// workflow.
func (i *Instance) CompleteTask(ctx context.Context, ref string) error {
	t, err := i.readyTask(ref)
	if err != nil {
		return err
	}
	return i.drive(ctx, func() error {
		if t.TaskSpec.IsSubprocess() {
			return t.Start()
		}
		return t.Complete()
	})
}

// FailTask marks the READY or STARTED task with the given id or name as
// failed, which cancels the rest of the workflow, and saves the result.
func (i *Instance) FailTask(ctx context.Context, ref, reason string) error {
	t, err := i.findTask(ref, process.Ready|process.Started)
	if err != nil {
		return err
	}
	if err := t.Fail(reason); err != nil {
		return err
	}
	// Failing fires no signal.
	return i.Save(ctx)
}

// Advance runs every non-manual READY task until only manual tasks remain.
func (i *Instance) Advance(ctx context.Context) error {
	if i.wf == nil {
		return fmt.Errorf("instance %s is closed", i.ID)
	}
	return i.drive(ctx, i.wf.Advance)
}

// Save writes the graph explicitly and returns any error.
func (i *Instance) Save(ctx context.Context) error {
	if i.wf == nil {
		return fmt.Errorf("instance %s is closed", i.ID)
	}
	return i.engine.save(ctx, i.ID, i.wf, "", "")
}

// LastSaveError returns the most recent error swallowed by an event
// triggered save, or nil.
func (i *Instance) LastSaveError() error {
	return i.lastErr
}

// Close disconnects the instance from the graph. Later transitions are no
// longer saved.
func (i *Instance) Close() {
	for key := range i.attached {
		switch key.event {
		case process.EventReady:
			key.spec.ReadyEvent().Disconnect(i.handlerKey)
		case process.EventCompleted:
			key.spec.CompletedEvent().Disconnect(i.handlerKey)
		case process.EventUpdate:
			key.spec.UpdateEvent().Disconnect(i.handlerKey)
		}
	}
	clear(i.attached)
	i.wf = nil
}

func (i *Instance) drive(ctx context.Context, fn func() error) error {
	prev := i.ctx
	i.ctx = ctx
	defer func() { i.ctx = prev }()
	return fn()
}

func (i *Instance) readyTask(ref string) (*process.Task, error) {
	return i.findTask(ref, process.Ready)
}

func (i *Instance) findTask(ref string, mask process.TaskState) (*process.Task, error) {
	if i.wf == nil {
		return nil, fmt.Errorf("instance %s is closed", i.ID)
	}
	if t, ok := i.wf.GetTask(ref); ok && t.State.Is(mask) {
		return t, nil
	}
	for _, t := range i.wf.GetTasks(mask) {
		if t.Name() == ref {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q in workflow %s", ErrNoReadyTask, ref, i.ID)
}

// handle is connected to every task spec signal of the graph.
func (i *Instance) handle(task *process.Task, event process.EventKind) {
	if i.wf == nil || task.Workflow().Top() != i.wf {
		return
	}

	if err := i.engine.save(i.ctx, i.ID, i.wf, task.Name(), event); err != nil {
		i.lastErr = err
		slog.Error("failed to save workflow after task event",
			"workflow_id", i.ID, "task", task.Name(), "event", event, "error", err)
		i.engine.hooks.OnSaveFailed(i.ctx, hooks.SaveFailedInfo{
			WorkflowID: i.ID,
			Task:       task.Name(),
			Event:      string(event),
			Error:      err,
		})
	}

	// A started subprocess brings task specs the graph did not hold before.
	i.attach()
}

// attach connects the handler to every task spec reachable from the graph
// that is not yet in the attachment set and returns how many connections
// it made. Specs are visited with a worklist: the top-level spec, every
// subprocess spec the graph may start, and the spec of every registered
// subprocess graph.
func (i *Instance) attach() int {
	wf := i.wf
	queue := []*process.Spec{wf.Spec}
	names := make([]string, 0, len(wf.SubprocessSpecs))
	for name := range wf.SubprocessSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		queue = append(queue, wf.SubprocessSpecs[name])
	}
	for _, id := range wf.SubprocessIDs() {
		queue = append(queue, wf.Subprocesses[id].Spec)
	}

	added := 0
	seen := make(map[*process.Spec]bool)
	for len(queue) > 0 {
		spec := queue[0]
		queue = queue[1:]
		if spec == nil || seen[spec] {
			continue
		}
		seen[spec] = true

		for _, name := range spec.TaskSpecNames() {
			ts := spec.TaskSpecs[name]
			added += i.connect(ts, ts.ReadyEvent())
			added += i.connect(ts, ts.CompletedEvent())
			if ts.IsSubprocess() {
				added += i.connect(ts, ts.UpdateEvent())
				if sub, ok := wf.SubprocessSpecs[ts.Subprocess]; ok {
					queue = append(queue, sub)
				}
			}
		}
	}
	return added
}

func (i *Instance) connect(ts *process.TaskSpec, sig *process.Signal) int {
	key := attachKey{spec: ts, event: sig.Kind()}
	if _, ok := i.attached[key]; ok {
		return 0
	}
	sig.Disconnect(i.handlerKey)
	sig.Connect(i.handlerKey, i.handle)
	i.attached[key] = struct{}{}
	return 1
}
