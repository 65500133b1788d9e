package process

import "sort"

// SpecDiff is the structural difference between two versions of a spec.
// Task specs are aligned by name.
type SpecDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`

	// Alignment maps every task spec name kept by the new version to the new
	// task spec.
	Alignment map[string]*TaskSpec `json:"-"`
}

// IsEmpty reports whether the two specs are structurally identical.
func (d *SpecDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffSpecs compares the task specs of two spec versions.
func DiffSpecs(oldSpec, newSpec *Spec) *SpecDiff {
	d := &SpecDiff{
		Added:     []string{},
		Removed:   []string{},
		Changed:   []string{},
		Alignment: make(map[string]*TaskSpec),
	}
	for _, name := range oldSpec.TaskSpecNames() {
		nt, ok := newSpec.TaskSpecs[name]
		if !ok {
			d.Removed = append(d.Removed, name)
			continue
		}
		d.Alignment[name] = nt
		if !oldSpec.TaskSpecs[name].structurallyEqual(nt) {
			d.Changed = append(d.Changed, name)
		}
	}
	for _, name := range newSpec.TaskSpecNames() {
		if _, ok := oldSpec.TaskSpecs[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	return d
}

// DependencyDiff compares two sets of subprocess specs keyed by name.
type DependencyDiff struct {
	Added     []string             `json:"added"`
	Removed   []string             `json:"removed"`
	Changed   map[string]*SpecDiff `json:"changed"`
	Unchanged []string             `json:"unchanged"`
}

// IsEmpty reports whether both dependency sets are structurally identical.
func (d *DependencyDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffDependencies compares the subprocess specs reachable from two roots.
func DiffDependencies(oldDeps, newDeps map[string]*Spec) *DependencyDiff {
	d := &DependencyDiff{
		Added:     []string{},
		Removed:   []string{},
		Changed:   make(map[string]*SpecDiff),
		Unchanged: []string{},
	}
	for _, name := range specNames(oldDeps) {
		ns, ok := newDeps[name]
		if !ok {
			d.Removed = append(d.Removed, name)
			continue
		}
		if sd := DiffSpecs(oldDeps[name], ns); !sd.IsEmpty() {
			d.Changed[name] = sd
		} else {
			d.Unchanged = append(d.Unchanged, name)
		}
	}
	for _, name := range specNames(newDeps) {
		if _, ok := oldDeps[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	return d
}

// WorkflowDiff describes how one live graph lines up with a new spec.
type WorkflowDiff struct {
	Spec *SpecDiff

	// Removed holds tasks whose spec no longer exists.
	Removed []*Task
	// Changed holds tasks whose spec exists in both versions but differs.
	Changed []*Task
	// Alignment maps the id of every task kept by the new spec to its new
	// task spec.
	Alignment map[string]*TaskSpec
}

// DiffWorkflow aligns a top-level graph and each registered subprocess
// graph with the new spec and dependency set. A subprocess whose spec is
// absent from deps maps to a nil diff.
func DiffWorkflow(wf *Workflow, spec *Spec, deps map[string]*Spec) (*WorkflowDiff, map[string]*WorkflowDiff) {
	root := diffGraph(wf, spec)
	subs := make(map[string]*WorkflowDiff, len(wf.Subprocesses))
	for id, sub := range wf.Subprocesses {
		newSub, ok := deps[sub.Spec.Name]
		if !ok {
			subs[id] = nil
			continue
		}
		subs[id] = diffGraph(sub, newSub)
	}
	return root, subs
}

func diffGraph(g *Workflow, spec *Spec) *WorkflowDiff {
	sd := DiffSpecs(g.Spec, spec)
	removed := make(map[string]bool, len(sd.Removed))
	for _, n := range sd.Removed {
		removed[n] = true
	}
	changed := make(map[string]bool, len(sd.Changed))
	for _, n := range sd.Changed {
		changed[n] = true
	}

	d := &WorkflowDiff{Spec: sd, Alignment: make(map[string]*TaskSpec)}
	for _, t := range g.ownTasks() {
		name := t.TaskSpec.Name
		switch {
		case removed[name]:
			d.Removed = append(d.Removed, t)
		case changed[name]:
			d.Changed = append(d.Changed, t)
			d.Alignment[t.ID] = sd.Alignment[name]
		default:
			d.Alignment[t.ID] = sd.Alignment[name]
		}
	}
	return d
}

// FilterTasks returns the tasks whose state matches mask.
func FilterTasks(tasks []*Task, mask TaskState) []*Task {
	var out []*Task
	for _, t := range tasks {
		if t.State.Is(mask) {
			out = append(out, t)
		}
	}
	return out
}

// Affected returns the changed and removed tasks whose state matches mask.
func (d *WorkflowDiff) Affected(mask TaskState) []*Task {
	out := FilterTasks(d.Changed, mask)
	return append(out, FilterTasks(d.Removed, mask)...)
}

func specNames(m map[string]*Spec) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
