package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/contract-drafting/internal/model"
	"github.com/iliyamo/contract-drafting/internal/queue"
	"github.com/iliyamo/contract-drafting/internal/registry"
	"github.com/iliyamo/contract-drafting/internal/render"
	"github.com/iliyamo/contract-drafting/internal/repository"
	"github.com/iliyamo/contract-drafting/internal/validator"
)

// Notifier receives session events after a mutation commits. Implementations
// must not block for long and must never fail the calling operation.
type Notifier interface {
	Notify(ctx context.Context, event queue.SessionEvent)
}

// Archiver receives completed and built sessions for long-term storage.
// Archive failures are logged, never propagated: the primary store already
// holds the committed session.
type Archiver interface {
	Upsert(ctx context.Context, s *model.Session) error
}

// Engine drives the drafting session lifecycle. Every mutating operation
// runs inside the repository's per-session critical section and either
// commits as a whole or leaves the session untouched; events go out only
// after the commit.
type Engine struct {
	repo     repository.SessionRepository
	reg      *registry.Registry
	renderer render.DocumentRenderer
	notifier Notifier // optional
	archive  Archiver // optional
}

// New wires an engine. notifier and archive may be nil.
func New(repo repository.SessionRepository, reg *registry.Registry, renderer render.DocumentRenderer, notifier Notifier, archive Archiver) *Engine {
	return &Engine{repo: repo, reg: reg, renderer: renderer, notifier: notifier, archive: archive}
}

// Registry exposes the schema registry for read-only lookups (tool listings,
// category search).
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Scope selects whose required fields a readiness query covers. The zero
// value covers every role; ScopeUser narrows to the roles a user claimed
// (in full filling mode a user's scope is still every role).
type Scope struct {
	UserID string
}

// ScopeAll covers every role of the category plus the shared fields.
var ScopeAll = Scope{}

// ScopeUser narrows the readiness query to one user's claimed roles.
func ScopeUser(userID string) Scope { return Scope{UserID: userID} }

// Create starts a new empty session owned by ownerUserID.
func (e *Engine) Create(ctx context.Context, ownerUserID string) (*model.Session, error) {
	return e.repo.GetOrCreate(ctx, uuid.NewString(), ownerUserID)
}

// Get loads a session by id. Session ids are unguessable capabilities:
// whoever holds the id may read the session, which is how a second party
// joins before claiming a role.
func (e *Engine) Get(ctx context.Context, id string) (*model.Session, error) {
	return e.repo.Load(ctx, id)
}

// List returns summaries of the sessions a user participates in.
func (e *Engine) List(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	return e.repo.ListByOwner(ctx, userID)
}

// Delete removes a session. Only a participant may delete it.
func (e *Engine) Delete(ctx context.Context, id, userID string) error {
	s, err := e.repo.Load(ctx, id)
	if err != nil {
		return err
	}
	if !isParticipant(s, userID) {
		return ErrForbidden
	}
	if err := e.repo.Delete(ctx, id); err != nil {
		return err
	}
	e.notify(ctx, queue.SessionEvent{Type: queue.EventSessionDeleted, SessionID: id, UserID: userID})
	return nil
}

// SelectCategory pins the session to a category and fully reinitializes the
// document: template, roles, fields, signatures and artifact are all
// dropped. Re-selecting the current category performs the same reset. This
// is the only backward transition the lifecycle has.
func (e *Engine) SelectCategory(ctx context.Context, id, categoryID, userID string) (*model.Session, error) {
	if _, ok := e.reg.Category(categoryID); !ok {
		return nil, ErrUnknownCategory
	}
	return e.mutate(ctx, id, func(s *model.Session, emit emitFunc) error {
		if !isParticipant(s, userID) {
			return ErrForbidden
		}
		s.CategoryID = categoryID
		s.ResetDocument()
		s.State = model.StateCategorySelected
		emit(queue.SessionEvent{Type: queue.EventCategorySelected, UserID: userID})
		return nil
	})
}

// SelectTemplate picks a template within the already selected category.
// Collected fields survive a template swap because the field schema belongs
// to the category; the built artifact and all signatures do not, since the
// document text changes.
func (e *Engine) SelectTemplate(ctx context.Context, id, templateID, userID string) (*model.Session, error) {
	return e.mutate(ctx, id, func(s *model.Session, emit emitFunc) error {
		if !isParticipant(s, userID) {
			return ErrForbidden
		}
		if s.CategoryID == "" {
			return ErrUnknownCategory
		}
		cat, ok := e.reg.Category(s.CategoryID)
		if !ok {
			return ErrUnknownCategory
		}
		if _, ok := cat.Template(templateID); !ok {
			for _, other := range e.reg.Categories() {
				if _, elsewhere := other.Template(templateID); elsewhere {
					return ErrTemplateCategoryMismatch
				}
			}
			return ErrUnknownTemplate
		}
		if s.TemplateID == templateID {
			// Idempotent: nothing changed, signatures stand.
			emit(queue.SessionEvent{Type: queue.EventTemplateSelected, UserID: userID})
			return nil
		}
		s.TemplateID = templateID
		if e.dropArtifact(s) {
			emit(queue.SessionEvent{Type: queue.EventSignaturesInvalidated, UserID: userID})
		}
		e.recompute(s)
		emit(queue.SessionEvent{Type: queue.EventTemplateSelected, UserID: userID})
		return nil
	})
}

// SetPartyContext claims a role for userID and fixes the role's person
// type. Claims are compare-and-set: in partial mode a role held by another
// user is never reassigned and the caller gets ErrRoleAlreadyClaimed; in
// full mode the owner drives all roles. Changing an established person type
// reinitializes the role's fields — values survive only in full mode and
// only for fields present under both types.
func (e *Engine) SetPartyContext(ctx context.Context, id, roleID string, personType model.PersonType, userID string) (*model.Session, error) {
	return e.mutate(ctx, id, func(s *model.Session, emit emitFunc) error {
		cat, ok := e.reg.Category(s.CategoryID)
		if !ok {
			return ErrUnknownCategory
		}
		if s.TemplateID == "" {
			return ErrUnknownTemplate
		}
		role, ok := cat.Role(roleID)
		if !ok {
			return &ValidationError{Field: "role", Reason: fmt.Sprintf("role %q is not part of this contract", roleID)}
		}

		if owner, claimed := s.RoleOwners[roleID]; claimed && owner != userID {
			if s.FillingMode != model.FillingFull {
				return ErrRoleAlreadyClaimed
			}
			if userID != s.OwnerUserID {
				return ErrForbidden
			}
		}

		pt := personType
		if pt == "" {
			if existing, ok := s.PartyTypes[roleID]; ok {
				pt = existing
			} else {
				pt = cat.EffectivePersonType(role)
			}
		}
		if !cat.Allows(role, pt) {
			return &ValidationError{Field: "person_type", Reason: fmt.Sprintf("person type %q is not allowed for this role", pt)}
		}

		prevPT, hadPT := s.PartyTypes[roleID]
		s.RoleOwners[roleID] = userID
		s.PartyTypes[roleID] = pt
		if !hadPT || prevPT != pt {
			before := roleContribution(s, roleID)
			e.reinitPartyFields(s, cat, roleID, pt)
			if before != roleContribution(s, roleID) {
				if e.dropArtifact(s) {
					emit(queue.SessionEvent{Type: queue.EventSignaturesInvalidated, UserID: userID, Role: roleID})
				}
			}
		}
		if s.PartyFields[roleID] == nil {
			s.PartyFields[roleID] = map[string]*model.FieldState{}
		}
		e.recompute(s)
		emit(queue.SessionEvent{Type: queue.EventPartyContextSet, UserID: userID, Role: roleID})
		return nil
	})
}

// UpsertField submits one value for a party field (roleID set) or a shared
// contract field (roleID empty). A failed validation still commits: the
// field flips to the error status with a user-facing message and the
// submission lands in the history, while the caller receives the
// ValidationError to surface. Resubmitting the value a field already
// validly holds appends history but changes nothing else.
func (e *Engine) UpsertField(ctx context.Context, id, roleID, fieldID, raw, userID string) (*model.FieldState, error) {
	var (
		out  model.FieldState
		vErr error
	)
	_, err := e.mutate(ctx, id, func(s *model.Session, emit emitFunc) error {
		cat, ok := e.reg.Category(s.CategoryID)
		if !ok {
			return ErrUnknownCategory
		}
		if s.TemplateID == "" {
			return ErrUnknownTemplate
		}

		var (
			def    *registry.Field
			target *model.FieldState
			store  func(*model.FieldState)
		)
		if roleID != "" {
			role, ok := cat.Role(roleID)
			if !ok {
				return &ValidationError{Field: fieldID, Reason: fmt.Sprintf("role %q is not part of this contract", roleID)}
			}
			if !canWriteParty(s, roleID, userID) {
				return ErrForbidden
			}
			if s.Signatures[roleID] {
				return ErrFieldLocked
			}
			pt, ok := s.PartyTypes[roleID]
			if !ok {
				pt = cat.EffectivePersonType(role)
				s.PartyTypes[roleID] = pt
			}
			def = findField(cat.PartyFields(pt), fieldID)
			if def == nil {
				return &ValidationError{Field: fieldID, Reason: "this field is not part of the selected contract"}
			}
			if s.PartyFields[roleID] == nil {
				s.PartyFields[roleID] = map[string]*model.FieldState{}
			}
			target = s.PartyFields[roleID][fieldID]
			store = func(fs *model.FieldState) { s.PartyFields[roleID][fieldID] = fs }
		} else {
			if !canWriteContract(s, userID) {
				return ErrForbidden
			}
			for _, r := range s.RolesOf(userID) {
				if s.Signatures[r] {
					return ErrFieldLocked
				}
			}
			def = findField(cat.ContractFields, fieldID)
			if def == nil {
				return &ValidationError{Field: fieldID, Reason: "this field is not part of the selected contract"}
			}
			target = s.ContractFields[fieldID]
			store = func(fs *model.FieldState) { s.ContractFields[fieldID] = fs }
		}

		if target == nil {
			target = &model.FieldState{Status: model.FieldEmpty}
			store(target)
		}
		prevContribution := contribution(target)

		normalized, valErr := validateField(def, raw)
		rev := model.FieldRevision{
			At:     time.Now().UTC(),
			UserID: userID,
			Role:   roleID,
			Value:  raw,
			Valid:  valErr == nil,
		}
		target.History = append(target.History, rev)
		switch {
		case valErr != nil:
			target.Value = raw
			target.Status = model.FieldError
			target.Error = valErr.Error()
			vErr = &ValidationError{Field: fieldID, Reason: valErr.Error()}
		case normalized == "" && !def.Required:
			target.Value = ""
			target.Status = model.FieldEmpty
			target.Error = ""
		default:
			target.Value = normalized
			target.Status = model.FieldValid
			target.Error = ""
		}

		if contribution(target) != prevContribution {
			if e.dropArtifact(s) {
				emit(queue.SessionEvent{Type: queue.EventSignaturesInvalidated, UserID: userID, FieldID: fieldID})
			}
		}
		e.recompute(s)
		out = *target
		emit(queue.SessionEvent{Type: queue.EventFieldUpdated, UserID: userID, Role: roleID, FieldID: fieldID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, vErr
}

// SetFillingMode switches the write-authorization policy. Only the session
// owner may switch, and never once any signature exists. Switching from
// full back to partial keeps all collected values and claims.
func (e *Engine) SetFillingMode(ctx context.Context, id string, mode model.FillingMode, userID string) (*model.Session, error) {
	if mode != model.FillingPartial && mode != model.FillingFull {
		return nil, &ValidationError{Field: "filling_mode", Reason: fmt.Sprintf("unknown filling mode %q", mode)}
	}
	return e.mutate(ctx, id, func(s *model.Session, emit emitFunc) error {
		if userID != s.OwnerUserID {
			return ErrForbidden
		}
		for _, signed := range s.Signatures {
			if signed {
				return ErrFieldLocked
			}
		}
		s.FillingMode = mode
		emit(queue.SessionEvent{Type: queue.EventFillingModeSet, UserID: userID})
		return nil
	})
}

// MissingRequired reports the required fields that are not yet valid within
// the given scope, grouped by role with shared fields separate. An
// unselected template is itself reported as missing.
func (e *Engine) MissingRequired(s *model.Session, scope Scope) MissingFields {
	cat, ok := e.reg.Category(s.CategoryID)
	if !ok {
		return MissingFields{
			Contract: []MissingField{{FieldID: "category_id", Label: "Contract category"}},
			Roles:    map[string][]MissingField{},
		}
	}
	return e.missing(s, cat, scope)
}

// Build renders the document from the collected values. It requires every
// required field of every role to be valid; otherwise the caller receives
// the full labeled list of what is missing and nothing changes.
func (e *Engine) Build(ctx context.Context, id, userID string) (*model.Session, error) {
	return e.mutate(ctx, id, func(s *model.Session, emit emitFunc) error {
		if !isParticipant(s, userID) {
			return ErrForbidden
		}
		cat, ok := e.reg.Category(s.CategoryID)
		if !ok {
			return ErrUnknownCategory
		}
		if s.TemplateID == "" {
			return ErrUnknownTemplate
		}
		tpl, ok := cat.Template(s.TemplateID)
		if !ok {
			return ErrUnknownTemplate
		}
		if missing := e.missing(s, cat, ScopeAll); !missing.Empty() {
			return &NotReadyError{Missing: missing}
		}

		values := map[string]string{}
		for fieldID, fs := range s.ContractFields {
			if fs.Status == model.FieldValid {
				values[fieldID] = fs.Value
			}
		}
		for roleID, fields := range s.PartyFields {
			for fieldID, fs := range fields {
				if fs.Status == model.FieldValid {
					values[roleID+"."+fieldID] = fs.Value
				}
			}
		}

		ref, err := e.renderer.Render(ctx, tpl.File, values)
		if err != nil {
			return err
		}
		s.Artifact = &ref
		e.recompute(s)
		emit(queue.SessionEvent{Type: queue.EventContractBuilt, UserID: userID})
		e.archiveSession(ctx, s)
		return nil
	})
}

// Sign records the role owner's consent on the built document. Each role is
// signed by the user who holds it, in full mode included. Re-signing an
// already signed role is a no-op. When the last role signs, the session
// completes and the contract is archived.
func (e *Engine) Sign(ctx context.Context, id, roleID, userID string) (*model.Session, error) {
	return e.mutate(ctx, id, func(s *model.Session, emit emitFunc) error {
		cat, ok := e.reg.Category(s.CategoryID)
		if !ok {
			return ErrUnknownCategory
		}
		if _, ok := cat.Role(roleID); !ok {
			return &ValidationError{Field: "role", Reason: fmt.Sprintf("role %q is not part of this contract", roleID)}
		}
		if s.RoleOwners[roleID] != userID {
			return ErrForbidden
		}
		// Buildability is re-checked even when an artifact exists: a
		// person-type switch can introduce new required fields without
		// touching any rendered value, leaving a stale artifact behind.
		// Consent is only ever recorded on a currently complete document.
		if missing := e.missing(s, cat, ScopeAll); !missing.Empty() {
			return &NotReadyError{Missing: missing}
		}
		if s.Artifact == nil {
			return ErrNotBuilt
		}
		if s.Signatures[roleID] {
			return nil
		}
		s.Signatures[roleID] = true
		e.recompute(s)
		emit(queue.SessionEvent{Type: queue.EventContractSigned, UserID: userID, Role: roleID})
		if s.State == model.StateCompleted {
			e.archiveSession(ctx, s)
		}
		return nil
	})
}

// --- internals ---

type emitFunc func(queue.SessionEvent)

// mutate runs fn inside the per-session critical section and publishes the
// emitted events only after the commit, stamped with the final state.
func (e *Engine) mutate(ctx context.Context, id string, fn func(*model.Session, emitFunc) error) (*model.Session, error) {
	var (
		snapshot model.Session
		events   []queue.SessionEvent
	)
	emit := func(ev queue.SessionEvent) { events = append(events, ev) }
	err := e.repo.RunExclusive(ctx, id, func(s *model.Session) error {
		events = events[:0]
		if err := fn(s, emit); err != nil {
			return err
		}
		snapshot = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		ev.SessionID = id
		ev.State = string(snapshot.State)
		ev.At = time.Now().UTC().Format(time.RFC3339)
		e.notify(ctx, ev)
	}
	return &snapshot, nil
}

func (e *Engine) notify(ctx context.Context, ev queue.SessionEvent) {
	if e.notifier == nil {
		return
	}
	if ev.At == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339)
	}
	e.notifier.Notify(ctx, ev)
}

func (e *Engine) archiveSession(ctx context.Context, s *model.Session) {
	if e.archive == nil {
		return
	}
	if err := e.archive.Upsert(ctx, s); err != nil {
		log.Printf("engine: archive of session %s failed: %v", s.SessionID, err)
	}
}

// dropArtifact discards the built document because its content no longer
// matches the collected values, and clears every signature. Returns whether
// any signature was actually cleared.
func (e *Engine) dropArtifact(s *model.Session) bool {
	s.Artifact = nil
	cleared := false
	for role, signed := range s.Signatures {
		if signed {
			cleared = true
		}
		delete(s.Signatures, role)
	}
	return cleared
}

// reinitPartyFields rebuilds a role's field map for a new person type.
// Values carry over only in full filling mode and only for field ids the
// new type also defines.
func (e *Engine) reinitPartyFields(s *model.Session, cat *registry.Category, roleID string, pt model.PersonType) {
	old := s.PartyFields[roleID]
	fresh := map[string]*model.FieldState{}
	if s.FillingMode == model.FillingFull {
		for _, f := range cat.PartyFields(pt) {
			if prev, ok := old[f.ID]; ok {
				fresh[f.ID] = prev
			}
		}
	}
	s.PartyFields[roleID] = fresh
}

// recompute derives the lifecycle state and progress counters from the
// session content. The state is never stored ahead of what the data
// supports, so a stale artifact or an invalidated signature drops the
// session back automatically.
func (e *Engine) recompute(s *model.Session) {
	cat, ok := e.reg.Category(s.CategoryID)
	if !ok {
		s.State = model.StateIdle
		s.Progress = model.Progress{}
		return
	}
	s.Progress = e.progressOf(s, cat)
	buildable := s.TemplateID != "" && e.missing(s, cat, ScopeAll).Empty()

	switch {
	case s.Artifact != nil && buildable && s.IsFullySigned():
		s.State = model.StateCompleted
	case s.Artifact != nil && buildable:
		s.State = model.StateReadyToSign
	case buildable:
		s.State = model.StateReadyToBuild
	case len(s.PartyTypes) > 0 || len(s.ContractFields) > 0 || len(s.PartyFields) > 0:
		s.State = model.StateCollectingFields
	case s.TemplateID != "":
		s.State = model.StateTemplateSelected
	default:
		s.State = model.StateCategorySelected
	}
}

func (e *Engine) missing(s *model.Session, cat *registry.Category, scope Scope) MissingFields {
	m := MissingFields{Roles: map[string][]MissingField{}}
	if s.TemplateID == "" {
		m.Contract = append(m.Contract, MissingField{FieldID: "template_id", Label: "Contract template"})
	}
	for _, f := range cat.ContractFields {
		if f.Required && !fieldValid(s.ContractFields[f.ID]) {
			m.Contract = append(m.Contract, MissingField{FieldID: f.ID, Label: f.Label})
		}
	}
	for i := range cat.Roles {
		role := &cat.Roles[i]
		if scope.UserID != "" && s.FillingMode != model.FillingFull && s.RoleOwners[role.ID] != scope.UserID {
			continue
		}
		pt, ok := s.PartyTypes[role.ID]
		if !ok {
			pt = cat.EffectivePersonType(role)
		}
		for _, f := range cat.PartyFields(pt) {
			if f.Required && !fieldValid(s.PartyFields[role.ID][f.ID]) {
				m.Roles[role.ID] = append(m.Roles[role.ID], MissingField{Role: role.ID, FieldID: f.ID, Label: f.Label})
			}
		}
	}
	return m
}

func (e *Engine) progressOf(s *model.Session, cat *registry.Category) model.Progress {
	var p model.Progress
	count := func(fields []registry.Field, states map[string]*model.FieldState) {
		for _, f := range fields {
			if !f.Required {
				continue
			}
			p.RequiredTotal++
			if fieldValid(states[f.ID]) {
				p.RequiredFilled++
			}
		}
	}
	count(cat.ContractFields, s.ContractFields)
	for i := range cat.Roles {
		role := &cat.Roles[i]
		pt, ok := s.PartyTypes[role.ID]
		if !ok {
			pt = cat.EffectivePersonType(role)
		}
		count(cat.PartyFields(pt), s.PartyFields[role.ID])
	}
	return p
}

func validateField(def *registry.Field, raw string) (string, error) {
	ft := def.Type
	if ft == "" {
		ft = validator.InferType(def.ID)
	}
	normalized, err := validator.Validate(ft, raw)
	if err != nil {
		return "", err
	}
	if normalized == "" && def.Required {
		return "", fmt.Errorf("%s is required and must not be empty", def.Label)
	}
	return normalized, nil
}

func findField(fields []registry.Field, id string) *registry.Field {
	for i := range fields {
		if fields[i].ID == id {
			return &fields[i]
		}
	}
	return nil
}

func fieldValid(fs *model.FieldState) bool {
	return fs != nil && fs.Status == model.FieldValid
}

// contribution is the text a field contributes to the rendered document:
// its value when valid, nothing otherwise. Two submissions with equal
// contributions are not a document change.
func contribution(fs *model.FieldState) string {
	if fieldValid(fs) {
		return fs.Value
	}
	return ""
}

// roleContribution folds a whole role's valid values into one comparable
// string, used to detect whether a person-type change altered the document.
func roleContribution(s *model.Session, roleID string) string {
	fields := s.PartyFields[roleID]
	if len(fields) == 0 {
		return ""
	}
	out := ""
	for _, f := range sortedFieldIDs(fields) {
		if fieldValid(fields[f]) {
			out += f + "=" + fields[f].Value + ";"
		}
	}
	return out
}

func sortedFieldIDs(m map[string]*model.FieldState) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isParticipant(s *model.Session, userID string) bool {
	if userID == "" {
		return false
	}
	if s.OwnerUserID == "" || s.OwnerUserID == userID {
		return true
	}
	for _, owner := range s.RoleOwners {
		if owner == userID {
			return true
		}
	}
	return false
}

// canWriteParty: partial mode requires ownership of the role; full mode
// additionally lets the session owner write every role.
func canWriteParty(s *model.Session, roleID, userID string) bool {
	if s.RoleOwners[roleID] == userID {
		return true
	}
	return s.FillingMode == model.FillingFull && userID == s.OwnerUserID
}

// canWriteContract: shared fields are writable by anyone holding a role,
// and by the owner before any role is claimed (prefill) or in full mode.
func canWriteContract(s *model.Session, userID string) bool {
	if len(s.RolesOf(userID)) > 0 {
		return true
	}
	if userID != s.OwnerUserID {
		return false
	}
	return s.FillingMode == model.FillingFull || len(s.RoleOwners) == 0
}
