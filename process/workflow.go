package process

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when a task is driven from a state
	// that does not allow the requested transition.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrMissingSubprocessSpec is returned when a subprocess task starts but
	// the workflow has no spec registered under the subprocess name.
	ErrMissingSubprocessSpec = errors.New("subprocess spec not available")
)

// Task is one node of the execution tree.
type Task struct {
	ID              string
	TaskSpec        *TaskSpec
	State           TaskState
	Parent          *Task
	Children        []*Task
	Data            map[string]any
	LastStateChange time.Time

	workflow *Workflow
}

// Name returns the task spec name.
func (t *Task) Name() string {
	return t.TaskSpec.Name
}

// Workflow returns the workflow graph that owns the task.
func (t *Task) Workflow() *Workflow {
	return t.workflow
}

func (t *Task) setState(s TaskState) {
	t.State = s
	t.LastStateChange = time.Now().UTC()
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s, %s)", t.TaskSpec.Name, t.ID, t.State)
}

// Start moves a READY task to STARTED. Starting a subprocess task
// instantiates its child workflow and fires the task spec's update event.
func (t *Task) Start() error {
	if t.State != Ready {
		return fmt.Errorf("%w: cannot start %s", ErrInvalidTransition, t)
	}
	t.setState(Started)
	if t.TaskSpec.IsSubprocess() {
		if err := t.workflow.startSubprocess(t); err != nil {
			t.setState(Ready)
			return err
		}
	}
	return nil
}

// Complete finishes a READY or STARTED task, promotes successors whose
// inputs are now satisfied (firing their ready events) and then fires the
// task's completed event. Subprocess tasks complete on their own once their
// child workflow finishes.
func (t *Task) Complete() error {
	if !t.State.Is(Ready | Started) {
		return fmt.Errorf("%w: cannot complete %s", ErrInvalidTransition, t)
	}
	if t.TaskSpec.IsSubprocess() {
		return fmt.Errorf("%w: subprocess task %s completes with its child workflow", ErrInvalidTransition, t)
	}
	return t.complete()
}

func (t *Task) complete() error {
	wf := t.workflow
	t.setState(Completed)
	if t.TaskSpec.IsEnd() {
		maps.Copy(wf.Data, t.Data)
	}

	promoted := wf.refresh()
	for _, p := range promoted {
		p.TaskSpec.ReadyEvent().Emit(p)
	}
	t.TaskSpec.CompletedEvent().Emit(t)

	if parent := wf.parentTask; parent != nil && parent.State.Is(Ready|Started) && wf.IsCompleted() {
		maps.Copy(parent.Data, wf.Data)
		return parent.complete()
	}
	return nil
}

// Fail marks the task as ERROR, flags the top workflow as unsuccessful and
// cancels all remaining work.
func (t *Task) Fail(reason string) error {
	if !t.State.Is(Ready | Started) {
		return fmt.Errorf("%w: cannot fail %s", ErrInvalidTransition, t)
	}
	t.Data["error"] = reason
	t.setState(Error)
	t.workflow.top.Cancel()
	return nil
}

// Workflow is a live execution graph. A top-level workflow owns every
// subprocess graph reached so far in Subprocesses, keyed by the id of the
// spawning task, at any nesting depth.
type Workflow struct {
	ID              string
	Spec            *Spec
	SubprocessSpecs map[string]*Spec
	Subprocesses    map[string]*Workflow
	Data            map[string]any

	root       *Task
	tasks      map[string]*Task
	parentTask *Task
	top        *Workflow
	success    bool
}

// NewWorkflow instantiates a top-level workflow for spec. Start tasks are
// READY immediately; every other task is predicted as FUTURE.
func NewWorkflow(spec *Spec, subprocessSpecs map[string]*Spec) (*Workflow, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	}
	if len(spec.StartTaskSpecs()) == 0 {
		return nil, fmt.Errorf("%w: %s has no start task", ErrInvalidSpec, spec.Name)
	}
	if subprocessSpecs == nil {
		subprocessSpecs = make(map[string]*Spec)
	}
	wf := newGraph(spec, nil, nil)
	wf.ID = uuid.NewString()
	wf.SubprocessSpecs = subprocessSpecs
	wf.Subprocesses = make(map[string]*Workflow)
	wf.predict(wf.root)
	wf.refresh()
	return wf, nil
}

func newGraph(spec *Spec, parentTask *Task, top *Workflow) *Workflow {
	wf := &Workflow{
		Spec:       spec,
		Data:       make(map[string]any),
		tasks:      make(map[string]*Task),
		parentTask: parentTask,
		top:        top,
		success:    true,
	}
	if wf.top == nil {
		wf.top = wf
	}
	wf.root = &Task{
		ID:              uuid.NewString(),
		TaskSpec:        rootTaskSpec,
		State:           Completed,
		Data:            make(map[string]any),
		LastStateChange: time.Now().UTC(),
		workflow:        wf,
	}
	return wf
}

// Top returns the top-level workflow; a top-level workflow returns itself.
func (wf *Workflow) Top() *Workflow {
	return wf.top
}

// ParentTask returns the task that spawned this subprocess, or nil.
func (wf *Workflow) ParentTask() *Task {
	return wf.parentTask
}

// Root returns the implicit root task.
func (wf *Workflow) Root() *Task {
	return wf.root
}

// Success reports whether the top-level workflow has run without
// cancellation or failure.
func (wf *Workflow) Success() bool {
	return wf.top.success
}

// IsCompleted reports whether no task of this graph can still run.
func (wf *Workflow) IsCompleted() bool {
	for _, t := range wf.ownTasks() {
		if t.State.Is(NotFinished) {
			return false
		}
	}
	return true
}

// Cancel marks every unfinished task of the top workflow and all of its
// subprocesses CANCELLED. The workflow then reports completion without
// success.
func (wf *Workflow) Cancel() {
	top := wf.top
	top.success = false
	for _, t := range top.GetTasks(NotFinished) {
		t.setState(Cancelled)
	}
}

// GetTasks returns tasks whose state matches mask in depth-first order. A
// zero mask matches everything. Called on a top-level workflow the result
// includes the tasks of every registered subprocess, placed after the task
// that spawned them.
func (wf *Workflow) GetTasks(mask TaskState) []*Task {
	if mask == 0 {
		mask = AnyMask
	}
	var out []*Task
	seen := make(map[*Workflow]bool)
	var collect func(g *Workflow)
	collect = func(g *Workflow) {
		seen[g] = true
		for _, t := range g.ownTasks() {
			if t.State.Is(mask) {
				out = append(out, t)
			}
			if wf.Subprocesses == nil || !t.TaskSpec.IsSubprocess() {
				continue
			}
			if sub, ok := wf.Subprocesses[t.ID]; ok && !seen[sub] {
				collect(sub)
			}
		}
	}
	collect(wf)
	return out
}

// ReadyTasks returns every READY task, subprocesses included.
func (wf *Workflow) ReadyTasks() []*Task {
	return wf.GetTasks(Ready)
}

// GetTask finds a task by id in this graph or any registered subprocess.
func (wf *Workflow) GetTask(id string) (*Task, bool) {
	if t, ok := wf.tasks[id]; ok {
		return t, true
	}
	for _, sub := range wf.Subprocesses {
		if t, ok := sub.tasks[id]; ok {
			return t, true
		}
	}
	return nil, false
}

// TaskCount returns the number of tasks in this graph, root excluded.
func (wf *Workflow) TaskCount() int {
	return len(wf.tasks)
}

// Advance runs every READY non-manual task, starting subprocesses as they
// are reached, until only manual tasks (or nothing) remain.
func (wf *Workflow) Advance() error {
	top := wf.top
	for {
		var next *Task
		for _, t := range top.GetTasks(Ready) {
			if !t.TaskSpec.Manual {
				next = t
				break
			}
		}
		if next == nil {
			return nil
		}
		var err error
		if next.TaskSpec.IsSubprocess() {
			err = next.Start()
		} else {
			err = next.Complete()
		}
		if err != nil {
			return err
		}
	}
}

// ownTasks walks this graph depth-first from the root, root excluded.
func (wf *Workflow) ownTasks() []*Task {
	out := make([]*Task, 0, len(wf.tasks))
	var walk func(t *Task)
	walk = func(t *Task) {
		for _, c := range t.Children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(wf.root)
	return out
}

func (wf *Workflow) taskFor(specName string) *Task {
	for _, t := range wf.ownTasks() {
		if t.TaskSpec.Name == specName {
			return t
		}
	}
	return nil
}

func (wf *Workflow) newTask(spec *TaskSpec, parent *Task, state TaskState) *Task {
	t := &Task{
		ID:              uuid.NewString(),
		TaskSpec:        spec,
		State:           state,
		Parent:          parent,
		Data:            make(map[string]any),
		LastStateChange: time.Now().UTC(),
		workflow:        wf,
	}
	parent.Children = append(parent.Children, t)
	wf.tasks[t.ID] = t
	return t
}

// predict creates FUTURE tasks for every output of t that has no task yet,
// recursively.
func (wf *Workflow) predict(t *Task) {
	var outputs []*TaskSpec
	if t == wf.root {
		outputs = wf.Spec.StartTaskSpecs()
	} else {
		for _, name := range t.TaskSpec.Outputs {
			if spec, ok := wf.Spec.TaskSpecs[name]; ok {
				outputs = append(outputs, spec)
			}
		}
	}
	for _, spec := range outputs {
		if wf.taskFor(spec.Name) != nil {
			continue
		}
		child := wf.newTask(spec, t, Future)
		wf.predict(child)
	}
}

// refresh promotes FUTURE tasks whose inputs are all complete and demotes
// READY tasks whose inputs are not. It returns the promoted tasks without
// firing any signal.
func (wf *Workflow) refresh() []*Task {
	var promoted []*Task
	for _, t := range wf.ownTasks() {
		switch t.State {
		case Future:
			if wf.inputsComplete(t) {
				wf.inheritData(t)
				t.setState(Ready)
				promoted = append(promoted, t)
			}
		case Ready:
			if !wf.inputsComplete(t) {
				t.setState(Future)
			}
		}
	}
	return promoted
}

func (wf *Workflow) inputsComplete(t *Task) bool {
	for _, in := range t.TaskSpec.Inputs {
		src := wf.taskFor(in)
		if src == nil || src.State != Completed {
			return false
		}
	}
	return true
}

func (wf *Workflow) inheritData(t *Task) {
	data := make(map[string]any)
	maps.Copy(data, t.TaskSpec.Data)
	if len(t.TaskSpec.Inputs) == 0 {
		maps.Copy(data, wf.Data)
	}
	for _, in := range t.TaskSpec.Inputs {
		if src := wf.taskFor(in); src != nil {
			maps.Copy(data, src.Data)
		}
	}
	maps.Copy(data, t.Data)
	t.Data = data
}

func (wf *Workflow) startSubprocess(t *Task) error {
	top := wf.top
	spec, ok := top.SubprocessSpecs[t.TaskSpec.Subprocess]
	if !ok {
		return fmt.Errorf("%w: %q for task %s", ErrMissingSubprocessSpec, t.TaskSpec.Subprocess, t.Name())
	}
	sub := newGraph(spec, t, top)
	sub.ID = t.ID
	maps.Copy(sub.Data, t.Data)
	top.Subprocesses[t.ID] = sub
	sub.predict(sub.root)
	promoted := sub.refresh()

	t.TaskSpec.UpdateEvent().Emit(t)
	for _, p := range promoted {
		p.TaskSpec.ReadyEvent().Emit(p)
	}
	return nil
}

// SubprocessIDs returns the ids of registered subprocesses, sorted.
func (wf *Workflow) SubprocessIDs() []string {
	ids := make([]string, 0, len(wf.Subprocesses))
	for id := range wf.Subprocesses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
