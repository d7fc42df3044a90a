package supervisor

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a supervised worker.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
	StateBackoff
	StateStopping
)

var stateNames = map[State]string{
	StateStopped:  "stopped",
	StateStarting: "starting",
	StateRunning:  "running",
	StateCrashed:  "crashed",
	StateBackoff:  "backoff",
	StateStopping: "stopping",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st, n := range stateNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", b)
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Restarts      int       `json:"restarts"`
	LastError     string    `json:"last_error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
