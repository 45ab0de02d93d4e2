package shim

import "fmt"

// Role is how a parameter or result position crosses the boundary.
type Role uint8

const (
	// Plain positions pass through unchanged.
	Plain Role = iota
	// Borrowed references stay owned by the caller; any slot the shim
	// creates for one lives only for the duration of the call.
	Borrowed
	// Owned references transfer to the receiver, which frees the slot.
	Owned
)

func (r Role) String() string {
	switch r {
	case Plain:
		return "plain"
	case Borrowed:
		return "borrowed"
	case Owned:
		return "owned"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole parses the String form of a role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "plain", "":
		return Plain, nil
	case "borrowed", "borrow":
		return Borrowed, nil
	case "owned", "own":
		return Owned, nil
	}
	return Plain, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// IsRef reports whether the position carries a host reference.
func (r Role) IsRef() bool {
	return r == Borrowed || r == Owned
}

// Direction tells whether a directive targets an export or an import.
type Direction uint8

const (
	Export Direction = iota
	Import
)

func (d Direction) String() string {
	if d == Import {
		return "import"
	}
	return "export"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "export", "":
		*d = Export
	case "import":
		*d = Import
	default:
		return fmt.Errorf("unknown direction %q", b)
	}
	return nil
}

// Directive describes the boundary roles of one export or import.
// Positions beyond the end of Params or Results are plain.
type Directive struct {
	Module    string
	Name      string
	Params    []Role
	Results   []Role
	Direction Direction
}

// String names the directive in diagnostics.
func (d *Directive) String() string {
	if d.Direction == Import {
		return fmt.Sprintf("import %s.%s", d.Module, d.Name)
	}
	return "export " + d.Name
}

// NeedsShim reports whether any position carries a reference.
func (d *Directive) NeedsShim() bool {
	for _, r := range d.Params {
		if r.IsRef() {
			return true
		}
	}
	for _, r := range d.Results {
		if r.IsRef() {
			return true
		}
	}
	return false
}

func roleAt(roles []Role, i int) Role {
	if i < len(roles) {
		return roles[i]
	}
	return Plain
}
