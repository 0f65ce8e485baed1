package workflow

import "strings"

// State holds the accumulated output of every executed action in a run,
// keyed by the action's reference handle. It is created when a run starts,
// passed to each action as it executes, and discarded when the run ends.
//
// A run has a single writer: actions within one run execute sequentially,
// so State performs no locking.
type State struct {
	values map[string]interface{}
}

// NewState creates an empty execution state.
func NewState() *State {
	return &State{
		values: make(map[string]interface{}),
	}
}

// Store inserts or overwrites the output stored under a reference handle.
func (s *State) Store(handle string, value interface{}) {
	s.values[handle] = value
}

// Get walks a dotted path of the form "handle.k1.k2...kN". The first
// segment selects an action's stored output; each remaining segment is a
// map-key lookup into that value. It returns the terminal value and true,
// or nil and false when the path cannot be walked.
//
// Only map-key traversal is supported. Array indexing is not part of the
// path language, so any non-map value reached before the final segment
// means the path is not found. An empty path is never found.
func (s *State) Get(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")
	current, ok := s.values[parts[0]]
	if !ok {
		return nil, false
	}

	for _, part := range parts[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Map returns the underlying handle-to-output map. It is used to persist
// the run state after each action and as the environment for expression
// conditions. Callers must not mutate the returned map while the run is
// still executing.
func (s *State) Map() map[string]interface{} {
	return s.values
}
