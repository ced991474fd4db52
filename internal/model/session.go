// Package model defines the core entities of a contract-drafting session.
// A Session is the unit of work for drafting one document: parties claim
// roles, fill fields, build the document and sign it. All mutation happens
// inside the engine's per-session critical section; these types carry no
// behaviour beyond derived read-only computations.
package model

import "time"

// SessionState enumerates the lifecycle of a drafting session. Transitions
// are driven exclusively by engine operations; the only backward move is a
// full reset through category re-selection.
type SessionState string

const (
	StateIdle             SessionState = "idle"
	StateCategorySelected SessionState = "category_selected"
	StateTemplateSelected SessionState = "template_selected"
	StateCollectingFields SessionState = "collecting_fields"
	StateReadyToBuild     SessionState = "ready_to_build"
	StateBuilt            SessionState = "built"
	StateReadyToSign      SessionState = "ready_to_sign"
	StateCompleted        SessionState = "completed"
)

// PersonType is the legal form of a contract party. It decides which party
// fields apply for a role.
type PersonType string

const (
	PersonIndividual     PersonType = "individual"
	PersonSoleProprietor PersonType = "fop"
	PersonCompany        PersonType = "company"
)

// FillingMode controls write authorization across roles. In PARTIAL mode
// each user may only write fields of the role(s) they claimed; in FULL mode
// the session owner is authorized to write every role's fields.
type FillingMode string

const (
	FillingPartial FillingMode = "partial"
	FillingFull    FillingMode = "full"
)

// FieldStatus is the validation outcome recorded for a field.
type FieldStatus string

const (
	FieldEmpty FieldStatus = "empty"
	FieldValid FieldStatus = "valid"
	FieldError FieldStatus = "error"
)

// FieldRevision is one entry of a field's append-only history. The history
// is never pruned during a session's life and backs audit views.
type FieldRevision struct {
	At     time.Time `json:"at"`
	UserID string    `json:"user_id,omitempty"`
	Role   string    `json:"role,omitempty"`
	Value  string    `json:"value"`
	Valid  bool      `json:"valid"`
}

// FieldState records one field's last submitted value and its validation
// outcome. Value keeps the normalized form when valid and the raw submission
// otherwise; it is never coerced beyond normalization (e.g. an IBAN is
// uppercased, nothing more).
type FieldState struct {
	Value   string          `json:"value"`
	Status  FieldStatus     `json:"status"`
	Error   string          `json:"error,omitempty"`
	History []FieldRevision `json:"history,omitempty"`
}

// ArtifactRef points at a rendered document produced by the renderer.
type ArtifactRef struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Progress carries aggregated fill counters surfaced in session summaries.
type Progress struct {
	RequiredTotal  int `json:"required_total"`
	RequiredFilled int `json:"required_filled"`
}

// Session is one drafting session. Maps are always non-nil after
// NewSession or a repository load; code may index them without nil checks.
type Session struct {
	SessionID   string    `json:"session_id"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`

	CategoryID string `json:"category_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`

	State       SessionState `json:"state"`
	FillingMode FillingMode  `json:"filling_mode"`

	// RoleOwners maps role id -> user id of the claimant. A missing key
	// means the role is free. Claims are compare-and-set inside the
	// engine's critical section.
	RoleOwners map[string]string `json:"role_owners"`

	// PartyTypes maps role id -> chosen person type. Changing a role's
	// person type reinitializes that role's party fields.
	PartyTypes map[string]PersonType `json:"party_types"`

	// PartyFields is role -> field id -> state; the schema for a role
	// depends on its person type. ContractFields are shared across roles.
	PartyFields    map[string]map[string]*FieldState `json:"party_fields"`
	ContractFields map[string]*FieldState            `json:"contract_fields"`

	// Signatures maps role id -> signed flag. Any genuine document change
	// resets every true flag; consent does not survive edits.
	Signatures map[string]bool `json:"signatures"`

	Progress Progress     `json:"progress"`
	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// NewSession returns an empty session in the idle state with all maps
// initialized. The id must be opaque and globally unique.
func NewSession(id, ownerUserID string) *Session {
	return &Session{
		SessionID:      id,
		OwnerUserID:    ownerUserID,
		UpdatedAt:      time.Now().UTC(),
		State:          StateIdle,
		FillingMode:    FillingPartial,
		RoleOwners:     map[string]string{},
		PartyTypes:     map[string]PersonType{},
		PartyFields:    map[string]map[string]*FieldState{},
		ContractFields: map[string]*FieldState{},
		Signatures:     map[string]bool{},
	}
}

// EnsureMaps re-establishes the non-nil map invariant after JSON decoding.
func (s *Session) EnsureMaps() {
	if s.RoleOwners == nil {
		s.RoleOwners = map[string]string{}
	}
	if s.PartyTypes == nil {
		s.PartyTypes = map[string]PersonType{}
	}
	if s.PartyFields == nil {
		s.PartyFields = map[string]map[string]*FieldState{}
	}
	if s.ContractFields == nil {
		s.ContractFields = map[string]*FieldState{}
	}
	if s.Signatures == nil {
		s.Signatures = map[string]bool{}
	}
}

// IsFullySigned reports whether every role with an assigned person type has
// signed. Sessions without parties are never fully signed.
func (s *Session) IsFullySigned() bool {
	if len(s.PartyTypes) == 0 {
		return false
	}
	for role := range s.PartyTypes {
		if !s.Signatures[role] {
			return false
		}
	}
	return true
}

// RolesOf returns the roles claimed by the given user, in no particular order.
func (s *Session) RolesOf(userID string) []string {
	if userID == "" {
		return nil
	}
	var roles []string
	for role, owner := range s.RoleOwners {
		if owner == userID {
			roles = append(roles, role)
		}
	}
	return roles
}

// ResetDocument clears template, fields, roles and signatures. Used when a
// category is (re-)selected: a full reinitialization of the document.
func (s *Session) ResetDocument() {
	s.TemplateID = ""
	s.RoleOwners = map[string]string{}
	s.PartyTypes = map[string]PersonType{}
	s.PartyFields = map[string]map[string]*FieldState{}
	s.ContractFields = map[string]*FieldState{}
	s.Signatures = map[string]bool{}
	s.Progress = Progress{}
	s.Artifact = nil
}

// SessionSummary is the lightweight listing shape returned by owner queries.
type SessionSummary struct {
	SessionID  string       `json:"session_id"`
	CategoryID string       `json:"category_id,omitempty"`
	TemplateID string       `json:"template_id,omitempty"`
	State      SessionState `json:"state"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
