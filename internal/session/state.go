package session

import (
	"encoding/json"
)

// State is a position in the connection handshake lifecycle.
type State int

const (
	Connecting State = iota
	Authenticated
	Anonymous
	Closed
)

var stateNames = map[State]string{
	Connecting:    "connecting",
	Authenticated: "authenticated",
	Anonymous:     "anonymous",
	Closed:        "closed",
}

var stateFromName = map[string]State{
	"connecting":    Connecting,
	"authenticated": Authenticated,
	"anonymous":     Anonymous,
	"closed":        Closed,
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

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	return s == Closed
}

// canTransition encodes Connecting -> {Authenticated, Anonymous} -> Closed.
func canTransition(from, to State) bool {
	switch from {
	case Connecting:
		return to == Authenticated || to == Anonymous || to == Closed
	case Authenticated, Anonymous:
		return to == Closed
	}
	return false
}
