package process

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// TaskKind distinguishes plain tasks from subprocess spawners and end events.
type TaskKind string

const (
	KindTask       TaskKind = "task"
	KindSubprocess TaskKind = "subprocess"
	KindEnd        TaskKind = "end"

	kindRoot TaskKind = "root"
)

// RootTaskName is the name of the implicit task every workflow tree hangs from.
const RootTaskName = "Root"

// ErrInvalidSpec is returned when a spec document fails validation.
var ErrInvalidSpec = errors.New("invalid process spec")

// TaskSpec is a named task template inside a Spec.
type TaskSpec struct {
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind        TaskKind       `json:"kind,omitempty" yaml:"kind,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []string       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Subprocess  string         `json:"subprocess,omitempty" yaml:"subprocess,omitempty"`
	Manual      bool           `json:"manual,omitempty" yaml:"manual,omitempty"`
	Data        map[string]any `json:"data,omitempty" yaml:"data,omitempty"`

	signalsOnce sync.Once
	ready       *Signal
	completed   *Signal
	update      *Signal
}

func (t *TaskSpec) initSignals() {
	t.signalsOnce.Do(func() {
		t.ready = newSignal(EventReady)
		t.completed = newSignal(EventCompleted)
		t.update = newSignal(EventUpdate)
	})
}

// ReadyEvent fires when a task of this spec becomes READY.
func (t *TaskSpec) ReadyEvent() *Signal {
	t.initSignals()
	return t.ready
}

// CompletedEvent fires after a task of this spec completes.
func (t *TaskSpec) CompletedEvent() *Signal {
	t.initSignals()
	return t.completed
}

// UpdateEvent fires when a subprocess task instantiates its child workflow.
func (t *TaskSpec) UpdateEvent() *Signal {
	t.initSignals()
	return t.update
}

// IsSubprocess reports whether tasks of this spec spawn a child workflow.
func (t *TaskSpec) IsSubprocess() bool {
	return t.Kind == KindSubprocess
}

// IsEnd reports whether tasks of this spec are end events.
func (t *TaskSpec) IsEnd() bool {
	return t.Kind == KindEnd
}

// structurallyEqual compares the parts of two task specs that shape
// execution. Descriptions and default data are ignored.
func (t *TaskSpec) structurallyEqual(o *TaskSpec) bool {
	return t.Kind == o.Kind &&
		t.Subprocess == o.Subprocess &&
		t.Manual == o.Manual &&
		slices.Equal(t.Inputs, o.Inputs) &&
		slices.Equal(t.Outputs, o.Outputs)
}

var rootTaskSpec = &TaskSpec{Name: RootTaskName, Kind: kindRoot}

// Spec is an immutable process definition.
type Spec struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	TaskSpecs   map[string]*TaskSpec `json:"task_specs" yaml:"task_specs"`
}

// NewSpec builds and validates a spec from task specs. Edges may be given on
// either side (Outputs of the source or Inputs of the target).
func NewSpec(name string, tasks ...*TaskSpec) (*Spec, error) {
	s := &Spec{Name: name, TaskSpecs: make(map[string]*TaskSpec, len(tasks))}
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if _, dup := s.TaskSpecs[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate task spec %q", ErrInvalidSpec, t.Name)
		}
		s.TaskSpecs[t.Name] = t
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustSpec is like NewSpec but panics on error.
func MustSpec(name string, tasks ...*TaskSpec) *Spec {
	s, err := NewSpec(name, tasks...)
	if err != nil {
		panic(err)
	}
	return s
}

// normalize fills names and kinds, makes edges symmetric and sorted, then
// validates.
func (s *Spec) normalize() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSpec)
	}
	if len(s.TaskSpecs) == 0 {
		return fmt.Errorf("%w: %s has no task specs", ErrInvalidSpec, s.Name)
	}

	inputs := make(map[string]map[string]struct{}, len(s.TaskSpecs))
	outputs := make(map[string]map[string]struct{}, len(s.TaskSpecs))
	for name, t := range s.TaskSpecs {
		if t == nil {
			return fmt.Errorf("%w: task spec %q is empty", ErrInvalidSpec, name)
		}
		if t.Name == "" {
			t.Name = name
		}
		if t.Name != name {
			return fmt.Errorf("%w: task spec key %q does not match name %q", ErrInvalidSpec, name, t.Name)
		}
		if name == RootTaskName {
			return fmt.Errorf("%w: task spec name %q is reserved", ErrInvalidSpec, RootTaskName)
		}
		if t.Kind == "" {
			t.Kind = KindTask
		}
		inputs[name] = make(map[string]struct{})
		outputs[name] = make(map[string]struct{})
	}

	for name, t := range s.TaskSpecs {
		for _, out := range t.Outputs {
			if _, ok := s.TaskSpecs[out]; !ok {
				return fmt.Errorf("%w: %s outputs to unknown task spec %q", ErrInvalidSpec, name, out)
			}
			outputs[name][out] = struct{}{}
			inputs[out][name] = struct{}{}
		}
		for _, in := range t.Inputs {
			if _, ok := s.TaskSpecs[in]; !ok {
				return fmt.Errorf("%w: %s has unknown input %q", ErrInvalidSpec, name, in)
			}
			inputs[name][in] = struct{}{}
			outputs[in][name] = struct{}{}
		}
	}

	for name, t := range s.TaskSpecs {
		t.Inputs = sortedKeys(inputs[name])
		t.Outputs = sortedKeys(outputs[name])
		switch t.Kind {
		case KindTask:
		case KindSubprocess:
			if t.Subprocess == "" {
				return fmt.Errorf("%w: subprocess task %q names no subprocess spec", ErrInvalidSpec, name)
			}
		case KindEnd:
			if len(t.Outputs) > 0 {
				return fmt.Errorf("%w: end task %q has outputs", ErrInvalidSpec, name)
			}
		default:
			return fmt.Errorf("%w: task spec %q has unknown kind %q", ErrInvalidSpec, name, t.Kind)
		}
	}

	if len(s.StartTaskSpecs()) == 0 {
		return fmt.Errorf("%w: %s has no start task", ErrInvalidSpec, s.Name)
	}
	return s.checkAcyclic()
}

func (s *Spec) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(s.TaskSpecs))
	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visiting:
			return fmt.Errorf("%w: %s contains a cycle through %q", ErrInvalidSpec, s.Name, name)
		case done:
			return nil
		}
		marks[name] = visiting
		for _, out := range s.TaskSpecs[name].Outputs {
			if err := visit(out); err != nil {
				return err
			}
		}
		marks[name] = done
		return nil
	}
	for _, name := range s.TaskSpecNames() {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Validate normalizes the spec in place and reports structural problems.
func (s *Spec) Validate() error {
	return s.normalize()
}

// TaskSpec returns the named task spec.
func (s *Spec) TaskSpec(name string) (*TaskSpec, bool) {
	t, ok := s.TaskSpecs[name]
	return t, ok
}

// TaskSpecNames returns task spec names in sorted order.
func (s *Spec) TaskSpecNames() []string {
	names := make([]string, 0, len(s.TaskSpecs))
	for name := range s.TaskSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartTaskSpecs returns the task specs with no inputs, sorted by name.
func (s *Spec) StartTaskSpecs() []*TaskSpec {
	var starts []*TaskSpec
	for _, name := range s.TaskSpecNames() {
		if t := s.TaskSpecs[name]; len(t.Inputs) == 0 {
			starts = append(starts, t)
		}
	}
	return starts
}

// SubprocessRefs returns the distinct child spec names referenced by
// subprocess task specs, sorted.
func (s *Spec) SubprocessRefs() []string {
	refs := make(map[string]struct{})
	for _, t := range s.TaskSpecs {
		if t.IsSubprocess() {
			refs[t.Subprocess] = struct{}{}
		}
	}
	return sortedKeys(refs)
}

// SerializeSpec encodes a spec document as JSON.
func SerializeSpec(s *Spec) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSpec decodes and validates a JSON spec document.
func DecodeSpec(data []byte) (*Spec, error) {
	var s Spec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// DecodeSpecYAML decodes and validates a YAML spec document.
func DecodeSpecYAML(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// SpecFile is a YAML bundle holding a top-level spec and the subprocess
// specs it depends on.
type SpecFile struct {
	Spec         *Spec   `yaml:"spec"`
	Dependencies []*Spec `yaml:"dependencies,omitempty"`
}

// DecodeSpecFile decodes a YAML bundle. A document without a top-level
// "spec" key is read as a single spec.
func DecodeSpecFile(data []byte) (*Spec, map[string]*Spec, error) {
	var f SpecFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if f.Spec == nil {
		s, err := DecodeSpecYAML(data)
		return s, map[string]*Spec{}, err
	}
	if err := f.Spec.normalize(); err != nil {
		return nil, nil, err
	}
	deps := make(map[string]*Spec, len(f.Dependencies))
	for _, d := range f.Dependencies {
		if err := d.normalize(); err != nil {
			return nil, nil, err
		}
		deps[d.Name] = d
	}
	return f.Spec, deps, nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
