package binder

import (
	"fmt"
	"strings"
)

// Role is one of the two logical functions the bridge exposes.
type Role uint8

const (
	RoleCommand Role = iota
	RoleCAN

	numRoles
)

func (r Role) String() string {
	switch r {
	case RoleCommand:
		return "command"
	case RoleCAN:
		return "can"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// State of a role's binding.
type State uint8

const (
	Unbound State = iota
	Bound
)

func (s State) String() string {
	if s == Bound {
		return "bound"
	}
	return "unbound"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "bound":
		*s = Bound
	case "unbound":
		*s = Unbound
	default:
		return fmt.Errorf("unknown binding state %q", b)
	}
	return nil
}

// Classifier maps a function's descriptive name to the role it serves.
type Classifier func(name string) (Role, bool)

// PatternClassifier matches names by case-insensitive substring. The
// patterns must be disjoint; the command pattern is tried first.
func PatternClassifier(commandPattern, canPattern string) Classifier {
	cmd := strings.ToLower(commandPattern)
	cn := strings.ToLower(canPattern)
	return func(name string) (Role, bool) {
		n := strings.ToLower(name)
		switch {
		case cmd != "" && strings.Contains(n, cmd):
			return RoleCommand, true
		case cn != "" && strings.Contains(n, cn):
			return RoleCAN, true
		default:
			return 0, false
		}
	}
}
