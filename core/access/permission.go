package access

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPermission is returned when a permission name cannot be parsed.
var ErrInvalidPermission = errors.New("invalid permission")

// Permission is an access level on an endpoint or broker resource. The
// levels are ordered, a higher level includes all lower ones.
type Permission int

// The permission levels in ascending order
const (
	PermissionDeny Permission = iota
	PermissionRead
	PermissionWrite
	PermissionConfigure
	PermissionOwn
)

var permissionNames = [...]string{"DENY", "READ", "WRITE", "CONFIGURE", "OWN"}

// ParsePermission parses a permission name case-insensitively.
func ParsePermission(s string) (Permission, error) {
	upper := strings.ToUpper(s)
	for i, name := range permissionNames {
		if name == upper {
			return Permission(i), nil
		}
	}
	return PermissionDeny, fmt.Errorf("%w: '%s'", ErrInvalidPermission, s)
}

func (p Permission) String() string {
	if p < PermissionDeny || p > PermissionOwn {
		return fmt.Sprintf("Permission(%d)", int(p))
	}
	return permissionNames[p]
}

// Grants returns true if p satisfies the requested permission.
func (p Permission) Grants(requested Permission) bool {
	return p >= requested
}

// MarshalText implements encoding.TextMarshaler
func (p Permission) MarshalText() ([]byte, error) {
	if p < PermissionDeny || p > PermissionOwn {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPermission, int(p))
	}
	return []byte(permissionNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
