package process

import "sync"

// EventKind names the task transitions a Signal reports.
type EventKind string

const (
	EventReady     EventKind = "ready"
	EventCompleted EventKind = "completed"
	EventUpdate    EventKind = "update"
)

// Handler is invoked synchronously when a signal fires.
type Handler func(task *Task, event EventKind)

// Signal is a per-task-spec hook. Handlers are identified by an explicit
// key so callers can check and replace their own registration.
type Signal struct {
	kind     EventKind
	mu       sync.Mutex
	keys     []string
	handlers map[string]Handler
}

func newSignal(kind EventKind) *Signal {
	return &Signal{kind: kind, handlers: make(map[string]Handler)}
}

// Kind returns the event kind this signal reports.
func (s *Signal) Kind() EventKind {
	return s.kind
}

// Connect registers h under key. An existing handler with the same key is
// replaced in place.
func (s *Signal) Connect(key string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.handlers[key] = h
}

// Disconnect removes the handler registered under key and reports whether
// one was present.
func (s *Signal) Disconnect(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[key]; !ok {
		return false
	}
	delete(s.handlers, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

// IsConnected reports whether a handler is registered under key.
func (s *Signal) IsConnected(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[key]
	return ok
}

// Len returns the number of connected handlers.
func (s *Signal) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Emit calls every connected handler in connection order. Handlers may
// connect or disconnect while the signal is firing; the set seen by this
// emission is fixed when Emit starts.
func (s *Signal) Emit(task *Task) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.keys))
	for _, k := range s.keys {
		handlers = append(handlers, s.handlers[k])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(task, s.kind)
	}
}
