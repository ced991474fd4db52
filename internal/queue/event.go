// Package queue defines message payloads exchanged over the message broker.
package queue

// Event types published on the session event stream. Every state-changing
// engine operation that commits emits one of these so all parties on a
// session can refresh their view without polling the store.
const (
	EventCategorySelected      = "category_selected"
	EventTemplateSelected      = "template_selected"
	EventPartyContextSet       = "party_context_set"
	EventFieldUpdated          = "field_updated"
	EventFillingModeSet        = "filling_mode_set"
	EventContractBuilt         = "contract_built"
	EventContractSigned        = "contract_signed"
	EventSignaturesInvalidated = "signatures_invalidated"
	EventSessionDeleted        = "session_deleted"
)

// SessionEvent is published after a session mutation commits. It carries
// enough information for downstream consumers to notify the other parties
// or trigger analytics without querying the primary store. Field values are
// never included; consumers that need them must load the session under
// their own authorization.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Role      string `json:"role,omitempty"`
	FieldID   string `json:"field,omitempty"`
	State     string `json:"state"`
	At        string `json:"at"`
}
