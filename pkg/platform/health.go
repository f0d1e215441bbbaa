package platform

import "fmt"

// State is a health verdict. Ok, Warning and Error form a severity order;
// Invalid and Unknown carry no information and are superseded by any known
// observation.
type State int8

const (
	StateInvalid State = iota
	StateOk
	StateWarning
	StateError
	StateUnknown
)

// Merge folds a proposed observation into the current state. A known state
// only ever worsens (Ok < Warning < Error); an Invalid or Unknown current
// state is replaced outright by the proposal.
func Merge(current, proposed State) State {
	if current == StateInvalid || current == StateUnknown {
		return proposed
	}
	if proposed > current && proposed <= StateError {
		return proposed
	}
	return current
}

func (s State) String() string {
	switch s {
	case StateOk:
		return "Ok"
	case StateWarning:
		return "Warning"
	case StateError:
		return "Error"
	case StateUnknown:
		return "Unknown"
	default:
		return "Invalid"
	}
}

// ParseState is the inverse of String.
func ParseState(v string) (State, error) {
	switch v {
	case "Ok":
		return StateOk, nil
	case "Warning":
		return StateWarning, nil
	case "Error":
		return StateError, nil
	case "Unknown":
		return StateUnknown, nil
	case "Invalid":
		return StateInvalid, nil
	}
	return StateInvalid, fmt.Errorf("unknown health state %q", v)
}

// MarshalJSON renders the state as its name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses a state name.
func (s *State) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("health state must be a string, got %s", b)
	}
	v, err := ParseState(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
