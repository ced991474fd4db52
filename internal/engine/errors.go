// Package engine implements the session state machine of the drafting
// service: category and template selection, role claiming, field
// collection, readiness computation, document build and the signature
// round. All mutation happens inside the repository's per-session critical
// section so concurrent parties on one document never interleave.
package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors of the engine's taxonomy. Validation and authorization
// failures are recoverable and operation-scoped: they leave the session
// untouched and are surfaced to the caller as structured values.
var (
	// ErrUnknownCategory is returned when a category id is not in the
	// registry.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrUnknownTemplate is returned when a template id is not in the
	// registry, or an operation requires a template and none is selected.
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrTemplateCategoryMismatch is returned when the template exists
	// but belongs to a different category than the session's.
	ErrTemplateCategoryMismatch = errors.New("template does not belong to the selected category")

	// ErrRoleAlreadyClaimed is returned when a second user attempts to
	// claim a role in partial mode. The loser of a claim race receives
	// this and must re-fetch session state.
	ErrRoleAlreadyClaimed = errors.New("role already claimed")

	// ErrForbidden is returned on ownership and authorization violations.
	// It deliberately carries no detail about other parties' data.
	ErrForbidden = errors.New("not permitted")

	// ErrFieldLocked is returned when a mutation targets data covered by
	// an existing signature of the acting role.
	ErrFieldLocked = errors.New("field locked by signature")

	// ErrNotBuilt is returned when sign is attempted before a current
	// document has been built.
	ErrNotBuilt = errors.New("document not built")
)

// ValidationError reports a per-field validation failure. Reason is
// user-facing and field-scoped, never a raw internal error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// MissingField identifies one required field that is not yet valid.
// Role is empty for shared contract fields.
type MissingField struct {
	Role    string `json:"role,omitempty"`
	FieldID string `json:"field"`
	Label   string `json:"label"`
}

// MissingFields is the per-scope readiness breakdown: missing shared
// contract fields plus missing party fields grouped by role.
type MissingFields struct {
	Contract []MissingField            `json:"contract"`
	Roles    map[string][]MissingField `json:"roles"`
}

// Empty reports whether nothing is missing.
func (m MissingFields) Empty() bool {
	if len(m.Contract) > 0 {
		return false
	}
	for _, fields := range m.Roles {
		if len(fields) > 0 {
			return false
		}
	}
	return true
}

// Flatten returns every missing field in one slice, contract fields first.
func (m MissingFields) Flatten() []MissingField {
	out := append([]MissingField(nil), m.Contract...)
	for _, fields := range m.Roles {
		out = append(out, fields...)
	}
	return out
}

// NotReadyError is returned when build or sign is attempted with required
// fields missing. It carries the concrete labeled list so callers surface
// fields by name, never just a boolean.
type NotReadyError struct {
	Missing MissingFields
}

func (e *NotReadyError) Error() string {
	n := len(e.Missing.Flatten())
	return fmt.Sprintf("not ready: %d required field(s) missing", n)
}
