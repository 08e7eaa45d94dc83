package buffers

import (
	"fmt"
	"strings"
)

// Role identifies one of the eight render buffers written per frame.
type Role int

const (
	Noisy Role = iota
	Albedo
	Converged
	Depth
	Emission
	Normals
	Shape
	Specular

	numRoles
)

var roleNames = [numRoles]string{
	Noisy:     "noisy",
	Albedo:    "albedo",
	Converged: "converged",
	Depth:     "depth",
	Emission:  "emission",
	Normals:   "normals",
	Shape:     "shape",
	Specular:  "specular",
}

func (r Role) String() string {
	if r < 0 || r >= numRoles {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// SingleChannel reports whether only the first decoded channel is kept.
func (r Role) SingleChannel() bool {
	return r == Depth || r == Specular
}

// Channels is the channel count of a decoded buffer of this role.
func (r Role) Channels() int {
	if r.SingleChannel() {
		return 1
	}
	return 3
}

// Roles returns all roles in declaration order.
func Roles() []Role {
	roles := make([]Role, numRoles)
	for i := range roles {
		roles[i] = Role(i)
	}
	return roles
}

// ParseRole maps a role name to its Role.
func ParseRole(name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range roleNames {
		if n == name {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, ErrUnknownRole)
}
