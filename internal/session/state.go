package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the dispatcher's view of the current session.
type State int

const (
	Idle State = iota
	Active
)

var stateNames = map[State]string{
	Idle:   "idle",
	Active: "active",
}

var stateFromName = map[string]State{
	"idle":   Idle,
	"active": Active,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// Policy decides what Start does while a session is already active.
type Policy string

const (
	// PolicyRestart stops the active session and then starts the new one.
	PolicyRestart Policy = "restart"
	// PolicyReject refuses the new start with ErrSessionActive.
	PolicyReject Policy = "reject"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyRestart, PolicyReject:
		return p, nil
	case "":
		return PolicyRestart, nil
	default:
		return "", fmt.Errorf("unknown start policy %q (want %q or %q)", s, PolicyRestart, PolicyReject)
	}
}

// Status is a snapshot safe to expose over HTTP. It never carries the
// session credential.
type Status struct {
	State          State      `json:"state"`
	SessionID      string     `json:"sessionId,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	Policy         Policy     `json:"policy"`
	Starts         uint64     `json:"starts"`
	Stops          uint64     `json:"stops"`
	PendingWorkers int        `json:"pendingWorkers"`
}
