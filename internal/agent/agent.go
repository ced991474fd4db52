// Package agent adapts the drafting engine to an LLM tool-calling surface.
// It owns two boundaries: which tools the model may see in each session
// state, and the PII seam — argument values arriving from the model may be
// opaque [TYPE#N] tags that are resolved back to real values here, so raw
// personal data never passes through the model.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/contract-drafting/internal/engine"
	"github.com/iliyamo/contract-drafting/internal/model"
	"github.com/iliyamo/contract-drafting/internal/pii"
)

// Tool names. The set is fixed at compile time; there is no runtime
// registration.
const (
	ToolFindCategory    = "find_category_by_query"
	ToolSetCategory     = "set_category"
	ToolListTemplates   = "get_templates_for_category"
	ToolSetTemplate     = "set_template"
	ToolSetPartyContext = "set_party_context"
	ToolGetPartyFields  = "get_party_fields"
	ToolUpsertField     = "upsert_field"
	ToolGetSummary      = "get_session_summary"
	ToolSetFillingMode  = "set_filling_mode"
	ToolBuildContract   = "build_contract"
	ToolSignContract    = "sign_contract"
)

var (
	// ErrUnknownTool is returned for a tool name not in the table.
	ErrUnknownTool = errors.New("unknown tool")
)

// NotAvailableError is returned when the model calls a tool the current
// session state does not offer.
type NotAvailableError struct {
	Tool  string
	State model.SessionState
}

func (e *NotAvailableError) Error() string {
	return fmt.Sprintf("tool %s is not available in state %s", e.Tool, e.State)
}

// AllowedTools is the explicit availability function: given a lifecycle
// state it returns the tool names the model may be offered. Earlier states
// hide field tools entirely; once signatures are possible, editing tools
// stay available because the engine invalidates signatures on change.
func AllowedTools(state model.SessionState) []string {
	switch state {
	case model.StateIdle:
		return []string{ToolFindCategory, ToolSetCategory}
	case model.StateCategorySelected:
		return []string{ToolFindCategory, ToolSetCategory, ToolListTemplates, ToolSetTemplate}
	case model.StateTemplateSelected:
		return []string{
			ToolFindCategory, ToolSetCategory, ToolListTemplates, ToolSetTemplate,
			ToolSetPartyContext, ToolGetPartyFields, ToolUpsertField,
			ToolGetSummary, ToolSetFillingMode,
		}
	case model.StateCollectingFields:
		return []string{
			ToolFindCategory, ToolListTemplates, ToolSetTemplate,
			ToolSetPartyContext, ToolGetPartyFields, ToolUpsertField,
			ToolGetSummary, ToolSetFillingMode,
		}
	case model.StateReadyToBuild:
		return []string{
			ToolGetSummary, ToolSetPartyContext, ToolGetPartyFields,
			ToolUpsertField, ToolSetFillingMode, ToolBuildContract,
		}
	case model.StateBuilt, model.StateReadyToSign:
		return []string{
			ToolGetSummary, ToolSetPartyContext, ToolGetPartyFields,
			ToolUpsertField, ToolSetFillingMode, ToolSignContract,
		}
	case model.StateCompleted:
		return []string{ToolGetSummary}
	default:
		return nil
	}
}

// Allowed reports whether one tool is offered in the given state.
func Allowed(state model.SessionState, tool string) bool {
	for _, name := range AllowedTools(state) {
		if name == tool {
			return true
		}
	}
	return false
}

// Call is one tool invocation. SessionID and UserID are injected by the
// backend from the authenticated conversation, never taken from the model.
// Tags is the PII map of the current chat turn; string argument values are
// resolved through it before execution.
type Call struct {
	SessionID string
	UserID    string
	Name      string
	Args      map[string]any
	Tags      map[string]string
}

func (c Call) str(key string) string {
	v, _ := c.Args[key].(string)
	return v
}

// Tool is one entry of the static tool table.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON-schema properties block shown to the model.
	Parameters map[string]any
	run        func(ctx context.Context, r *Router, call Call) (any, error)
}

// Router dispatches tool calls onto the engine, enforcing availability
// gating and the PII boundary.
type Router struct {
	engine    *engine.Engine
	sanitizer pii.Sanitizer
	tools     map[string]Tool
}

// NewRouter builds the router with the full static tool table.
func NewRouter(eng *engine.Engine, sanitizer pii.Sanitizer) *Router {
	r := &Router{engine: eng, sanitizer: sanitizer, tools: map[string]Tool{}}
	for _, t := range toolTable() {
		r.tools[t.Name] = t
	}
	return r
}

// Tools returns the tool definitions offered in the given state, for
// inclusion in a model request.
func (r *Router) Tools(state model.SessionState) []Tool {
	var out []Tool
	for _, name := range AllowedTools(state) {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Dispatch validates availability against the session's current state,
// resolves PII tags in the arguments and executes the tool. The result is a
// JSON-marshalable value for the model; engine errors pass through
// untouched so the caller can map them.
func (r *Router) Dispatch(ctx context.Context, call Call) (any, error) {
	tool, ok := r.tools[call.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	s, err := r.engine.Get(ctx, call.SessionID)
	if err != nil {
		return nil, err
	}
	if !Allowed(s.State, call.Name) {
		return nil, &NotAvailableError{Tool: call.Name, State: s.State}
	}
	call.Args = r.resolveTags(call.Args, call.Tags)
	return tool.run(ctx, r, call)
}

// resolveTags substitutes PII tags inside string argument values. Non-string
// values pass through untouched.
func (r *Router) resolveTags(args map[string]any, tags map[string]string) map[string]any {
	if len(args) == 0 || len(tags) == 0 || r.sanitizer == nil {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sv, ok := v.(string); ok {
			out[k] = r.sanitizer.Unmask(sv, tags)
		} else {
			out[k] = v
		}
	}
	return out
}

// CategoryResolution is the outcome of a free-text category search. The
// router never mutates the session on a search: zero hits ask for
// clarification, one hit is a proposal awaiting confirmation, several hits
// are options to disambiguate.
type CategoryResolution struct {
	Status  string          `json:"status"` // none | one | many
	Matches []CategoryMatch `json:"matches,omitempty"`
}

// CategoryMatch is one scored hit of the search.
type CategoryMatch struct {
	CategoryID string `json:"category_id"`
	Label      string `json:"label"`
	TemplateID string `json:"template_id"`
	Template   string `json:"template"`
	Score      int    `json:"score"`
}

// ResolveCategory runs the registry search and classifies the result by
// the number of distinct categories hit.
func (r *Router) ResolveCategory(query string) CategoryResolution {
	matches := r.engine.Registry().FindByQuery(query)
	res := CategoryResolution{Status: "none"}
	seen := map[string]struct{}{}
	for _, m := range matches {
		seen[m.Category.ID] = struct{}{}
		res.Matches = append(res.Matches, CategoryMatch{
			CategoryID: m.Category.ID,
			Label:      m.Category.Label,
			TemplateID: m.Template.ID,
			Template:   m.Template.Name,
			Score:      m.Score,
		})
	}
	switch len(seen) {
	case 0:
	case 1:
		res.Status = "one"
	default:
		res.Status = "many"
	}
	return res
}

func strParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func toolTable() []Tool {
	return []Tool{
		{
			Name:        ToolFindCategory,
			Description: "Search contract categories by a free-text query. Never selects anything by itself.",
			Parameters:  map[string]any{"query": strParam("free-text description of the desired contract")},
			run: func(_ context.Context, r *Router, call Call) (any, error) {
				return r.ResolveCategory(call.str("query")), nil
			},
		},
		{
			Name:        ToolSetCategory,
			Description: "Select a contract category after the user confirmed it. Resets any previous document.",
			Parameters:  map[string]any{"category_id": strParam("id of a category from the registry")},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				return r.engine.SelectCategory(ctx, call.SessionID, call.str("category_id"), call.UserID)
			},
		},
		{
			Name:        ToolListTemplates,
			Description: "List the templates of the selected category.",
			Parameters:  map[string]any{},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				s, err := r.engine.Get(ctx, call.SessionID)
				if err != nil {
					return nil, err
				}
				cat, ok := r.engine.Registry().Category(s.CategoryID)
				if !ok {
					return nil, engine.ErrUnknownCategory
				}
				return cat.Templates, nil
			},
		},
		{
			Name:        ToolSetTemplate,
			Description: "Select a template within the current category.",
			Parameters:  map[string]any{"template_id": strParam("id of a template of the current category")},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				return r.engine.SelectTemplate(ctx, call.SessionID, call.str("template_id"), call.UserID)
			},
		},
		{
			Name:        ToolSetPartyContext,
			Description: "Claim a contract role for the current user and fix the party's legal form.",
			Parameters: map[string]any{
				"role":        strParam("role id from the category schema"),
				"person_type": strParam("individual, fop or company; empty uses the role default"),
			},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				return r.engine.SetPartyContext(ctx, call.SessionID, call.str("role"),
					model.PersonType(call.str("person_type")), call.UserID)
			},
		},
		{
			Name:        ToolGetPartyFields,
			Description: "List the field schema and current values for a role.",
			Parameters:  map[string]any{"role": strParam("role id from the category schema")},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				return r.partyFields(ctx, call)
			},
		},
		{
			Name:        ToolUpsertField,
			Description: "Submit one field value. Use the role argument for party fields, omit it for shared contract fields.",
			Parameters: map[string]any{
				"role":  strParam("role id for party fields, empty for shared contract fields"),
				"field": strParam("field id"),
				"value": strParam("the value; PII tags are resolved before validation"),
			},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				fs, err := r.engine.UpsertField(ctx, call.SessionID, call.str("role"),
					call.str("field"), call.str("value"), call.UserID)
				var vErr *engine.ValidationError
				if errors.As(err, &vErr) {
					// Field-scoped failure: report it as a result so the
					// model relays the message instead of aborting the turn.
					return map[string]any{"ok": false, "field": vErr.Field, "error": vErr.Reason}, nil
				}
				if err != nil {
					return nil, err
				}
				return map[string]any{"ok": true, "status": fs.Status}, nil
			},
		},
		{
			Name:        ToolGetSummary,
			Description: "Summarize the session: state, parties, progress and missing required fields.",
			Parameters:  map[string]any{},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				return r.summary(ctx, call)
			},
		},
		{
			Name:        ToolSetFillingMode,
			Description: "Switch between partial (each party fills own fields) and full (one drafter fills everything).",
			Parameters:  map[string]any{"mode": strParam("partial or full")},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				return r.engine.SetFillingMode(ctx, call.SessionID, model.FillingMode(call.str("mode")), call.UserID)
			},
		},
		{
			Name:        ToolBuildContract,
			Description: "Render the document from the collected values. Requires every required field to be valid.",
			Parameters:  map[string]any{},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				s, err := r.engine.Build(ctx, call.SessionID, call.UserID)
				if err != nil {
					return nil, err
				}
				return s.Artifact, nil
			},
		},
		{
			Name:        ToolSignContract,
			Description: "Record the current user's signature for a role they own.",
			Parameters:  map[string]any{"role": strParam("role id the current user claimed")},
			run: func(ctx context.Context, r *Router, call Call) (any, error) {
				s, err := r.engine.Sign(ctx, call.SessionID, call.str("role"), call.UserID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"state": s.State, "signatures": s.Signatures}, nil
			},
		},
	}
}

// partyFieldView is the schema+value projection returned to the model.
// Values of sensitive field types are masked before leaving the boundary.
type partyFieldView struct {
	Field    string            `json:"field"`
	Label    string            `json:"label"`
	Required bool              `json:"required"`
	Status   model.FieldStatus `json:"status"`
	Value    string            `json:"value,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func (r *Router) partyFields(ctx context.Context, call Call) (any, error) {
	s, err := r.engine.Get(ctx, call.SessionID)
	if err != nil {
		return nil, err
	}
	cat, ok := r.engine.Registry().Category(s.CategoryID)
	if !ok {
		return nil, engine.ErrUnknownCategory
	}
	roleID := call.str("role")
	role, ok := cat.Role(roleID)
	if !ok {
		return nil, &engine.ValidationError{Field: "role", Reason: fmt.Sprintf("role %q is not part of this contract", roleID)}
	}
	pt, ok := s.PartyTypes[roleID]
	if !ok {
		pt = cat.EffectivePersonType(role)
	}
	var out []partyFieldView
	for _, f := range cat.PartyFields(pt) {
		v := partyFieldView{Field: f.ID, Label: f.Label, Required: f.Required, Status: model.FieldEmpty}
		if fs := s.PartyFields[roleID][f.ID]; fs != nil {
			v.Status = fs.Status
			v.Error = fs.Error
			v.Value = r.maskValue(fs.Value)
		}
		out = append(out, v)
	}
	return out, nil
}

// maskValue sanitizes a stored value before it is echoed toward the model.
func (r *Router) maskValue(value string) string {
	if r.sanitizer == nil || value == "" {
		return value
	}
	masked, _ := r.sanitizer.Mask(value)
	return masked
}

// summaryView is the get_session_summary result. Field values stay out of
// it entirely: the model gets structure and progress, not data.
type summaryView struct {
	SessionID   string               `json:"session_id"`
	State       model.SessionState   `json:"state"`
	CategoryID  string               `json:"category_id,omitempty"`
	TemplateID  string               `json:"template_id,omitempty"`
	FillingMode model.FillingMode    `json:"filling_mode"`
	Roles       []summaryRole        `json:"roles"`
	Progress    model.Progress       `json:"progress"`
	Missing     engine.MissingFields `json:"missing"`
	Artifact    *model.ArtifactRef   `json:"artifact,omitempty"`
	Signatures  map[string]bool      `json:"signatures"`
}

type summaryRole struct {
	Role       string           `json:"role"`
	Label      string           `json:"label"`
	PersonType model.PersonType `json:"person_type,omitempty"`
	Claimed    bool             `json:"claimed"`
	Mine       bool             `json:"mine"`
}

// SessionSummary builds the aggregated session view for one participant.
// Exposed for the REST surface; the get_session_summary tool goes through
// the same path.
func (r *Router) SessionSummary(ctx context.Context, sessionID, userID string) (any, error) {
	return r.summary(ctx, Call{SessionID: sessionID, UserID: userID})
}

func (r *Router) summary(ctx context.Context, call Call) (any, error) {
	s, err := r.engine.Get(ctx, call.SessionID)
	if err != nil {
		return nil, err
	}
	view := summaryView{
		SessionID:   s.SessionID,
		State:       s.State,
		CategoryID:  s.CategoryID,
		TemplateID:  s.TemplateID,
		FillingMode: s.FillingMode,
		Progress:    s.Progress,
		Missing:     r.engine.MissingRequired(s, engine.ScopeUser(call.UserID)),
		Artifact:    s.Artifact,
		Signatures:  s.Signatures,
	}
	if cat, ok := r.engine.Registry().Category(s.CategoryID); ok {
		for i := range cat.Roles {
			role := &cat.Roles[i]
			owner, claimed := s.RoleOwners[role.ID]
			view.Roles = append(view.Roles, summaryRole{
				Role:       role.ID,
				Label:      role.Label,
				PersonType: s.PartyTypes[role.ID],
				Claimed:    claimed,
				Mine:       claimed && owner == call.UserID,
			})
		}
	}
	return view, nil
}
