package upload

import "fmt"

// State is the upload worker's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateBatching
	StateSending
	StateReconciling
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBatching:
		return "batching"
	case StateSending:
		return "sending"
	case StateReconciling:
		return "reconciling"
	case StateBackoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateBackoff; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown upload state %q", b)
}
