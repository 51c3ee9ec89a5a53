package workspace

import (
	"errors"
	"fmt"
	"regexp"
)

const (
	// MaxIDLength is the maximum length of a workspace ID.
	MaxIDLength = 64
	// DefaultID is the auto-created workspace for single-tenant setups.
	DefaultID = "default"
)

var (
	// ErrInvalidID indicates a workspace ID failed validation.
	ErrInvalidID = errors.New("invalid workspace ID")
	// ErrNotFound indicates the requested workspace does not exist.
	ErrNotFound = errors.New("workspace not found")
	// ErrExists indicates a workspace already exists during creation.
	ErrExists = errors.New("workspace already exists")
	// ErrProtected indicates an operation is refused on a protected
	// workspace. Only the default workspace is protected.
	ErrProtected = errors.New("workspace is protected")
)

// IDs must start and end with an alphanumeric and may contain hyphens
// in the middle.
var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateID validates a workspace ID against format rules. IDs are
// single path segments, so each workspace maps to exactly one directory
// under the root and into flat KV and env-var namespaces.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty workspace ID", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (must be lowercase alphanumeric with hyphens)", ErrInvalidID, id)
	}
	return nil
}

// IsDefault returns true if the ID names the default workspace.
func IsDefault(id string) bool {
	return id == DefaultID
}
