package process

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TaskState is a bit flag describing where a task is in its lifecycle.
// States can be combined into masks for filtering.
type TaskState int

const (
	Maybe     TaskState = 1
	Likely    TaskState = 2
	Future    TaskState = 4
	Waiting   TaskState = 8
	Ready     TaskState = 16
	Started   TaskState = 32
	Completed TaskState = 64
	Error     TaskState = 128
	Cancelled TaskState = 256
)

// Masks used throughout the engine.
const (
	AnyMask       TaskState = Maybe | Likely | Future | Waiting | Ready | Started | Completed | Error | Cancelled
	PredictedMask TaskState = Maybe | Likely
	NotFinished   TaskState = PredictedMask | Future | Waiting | Ready | Started
	Finished      TaskState = Completed | Error | Cancelled
)

var stateNames = []struct {
	state TaskState
	name  string
}{
	{Maybe, "MAYBE"},
	{Likely, "LIKELY"},
	{Future, "FUTURE"},
	{Waiting, "WAITING"},
	{Ready, "READY"},
	{Started, "STARTED"},
	{Completed, "COMPLETED"},
	{Error, "ERROR"},
	{Cancelled, "CANCELLED"},
}

// String returns the state name, or a "|"-joined list for masks.
func (s TaskState) String() string {
	var parts []string
	for _, n := range stateNames {
		if s&n.state != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return strconv.Itoa(int(s))
	}
	return strings.Join(parts, "|")
}

// Is reports whether s has any of the bits in mask set.
func (s TaskState) Is(mask TaskState) bool {
	return s&mask != 0
}

// ParseTaskState converts a state name (case-insensitive) or its integer
// code into a TaskState.
func ParseTaskState(v string) (TaskState, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return TaskState(n), nil
	}
	upper := strings.ToUpper(v)
	for _, n := range stateNames {
		if n.name == upper {
			return n.state, nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", v)
}

// MarshalJSON stores the integer code.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(s))), nil
}

// UnmarshalJSON accepts the integer code or the state name.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*s = TaskState(int(v))
		return nil
	case string:
		parsed, err := ParseTaskState(v)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	default:
		return fmt.Errorf("invalid task state %s", string(data))
	}
}
