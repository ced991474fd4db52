package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/iliyamo/contract-drafting/internal/model"
	"github.com/iliyamo/contract-drafting/internal/queue"
	"github.com/iliyamo/contract-drafting/internal/registry"
	"github.com/iliyamo/contract-drafting/internal/render"
	"github.com/iliyamo/contract-drafting/internal/repository"
)

const (
	userAlice = "user-alice"
	userBob   = "user-bob"

	validIBAN = "UA213223130000026007233566001"
)

func testRegistry() *registry.Registry {
	return registry.NewStatic(&registry.Category{
		ID:    "nda",
		Label: "Non-disclosure agreements",
		Templates: []registry.Template{
			{ID: "nda_standard", Name: "Standard NDA", File: "nda.txt", Keywords: []string{"nda", "confidentiality"}},
			{ID: "nda_mutual", Name: "Mutual NDA", File: "nda_mutual.txt", Keywords: []string{"nda", "mutual"}},
		},
		Roles: []registry.Role{
			{ID: "discloser", Label: "Discloser", AllowedPersonTypes: []model.PersonType{model.PersonIndividual, model.PersonCompany}, DefaultPersonType: model.PersonIndividual},
			{ID: "receiver", Label: "Receiver", AllowedPersonTypes: []model.PersonType{model.PersonIndividual, model.PersonCompany}, DefaultPersonType: model.PersonIndividual},
		},
		PartyModules: map[model.PersonType][]registry.Field{
			model.PersonIndividual: {
				{ID: "full_name", Label: "Full name", Required: true, Type: "person_name"},
				{ID: "iban", Label: "IBAN", Required: true, Type: "iban"},
			},
			model.PersonCompany: {
				{ID: "company_name", Label: "Company name", Required: true, Type: "text"},
				{ID: "edrpou", Label: "EDRPOU", Required: true, Type: "edrpou"},
				{ID: "iban", Label: "IBAN", Required: true, Type: "iban"},
			},
		},
		ContractFields: []registry.Field{
			{ID: "effective_date", Label: "Effective date", Required: true, Type: "date"},
			{ID: "notes", Label: "Notes", Required: false, Type: "text"},
		},
	})
}

// recorder collects published events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []queue.SessionEvent
}

func (r *recorder) Notify(_ context.Context, ev queue.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	dir := t.TempDir()
	tpl := "NDA between {{discloser.full_name}} (IBAN {{discloser.iban}}) and {{receiver.full_name}}, effective {{effective_date}}."
	if err := os.WriteFile(filepath.Join(dir, "nda.txt"), []byte(tpl), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	eng := New(
		repository.NewMemoryStore(),
		testRegistry(),
		render.NewTextRenderer(dir, filepath.Join(dir, "artifacts")),
		rec,
		nil,
	)
	return eng, rec
}

// draftToReady drives a fresh session up to READY_TO_BUILD with two
// individual parties.
func draftToReady(t *testing.T, eng *Engine) string {
	t.Helper()
	ctx := context.Background()
	s, err := eng.Create(ctx, userAlice)
	if err != nil {
		t.Fatal(err)
	}
	id := s.SessionID
	mustOK := func(_ *model.Session, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustOK(eng.SelectCategory(ctx, id, "nda", userAlice))
	mustOK(eng.SelectTemplate(ctx, id, "nda_standard", userAlice))
	mustOK(eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice))
	mustOK(eng.SetPartyContext(ctx, id, "receiver", model.PersonIndividual, userBob))

	upsert := func(role, field, value, user string) {
		t.Helper()
		if _, err := eng.UpsertField(ctx, id, role, field, value, user); err != nil {
			t.Fatalf("upsert %s/%s: %v", role, field, err)
		}
	}
	upsert("discloser", "full_name", "олена ковальчук", userAlice)
	upsert("discloser", "iban", validIBAN, userAlice)
	upsert("receiver", "full_name", "Taras Bondar", userBob)
	upsert("receiver", "iban", validIBAN, userBob)
	upsert("", "effective_date", "2025-09-01", userAlice)
	return id
}

func TestLifecyclePartialTwoParties(t *testing.T) {
	eng, rec := newTestEngine(t)
	ctx := context.Background()

	id := draftToReady(t, eng)
	s, err := eng.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != model.StateReadyToBuild {
		t.Fatalf("state = %s, want %s", s.State, model.StateReadyToBuild)
	}
	if s.Progress.RequiredTotal != 5 || s.Progress.RequiredFilled != 5 {
		t.Fatalf("progress = %+v, want 5/5", s.Progress)
	}
	if got := s.PartyFields["discloser"]["full_name"].Value; got != "Олена Ковальчук" {
		t.Fatalf("name not normalized: %q", got)
	}
	if got := s.ContractFields["effective_date"].Value; got != "01.09.2025" {
		t.Fatalf("date not normalized: %q", got)
	}

	s, err = eng.Build(ctx, id, userAlice)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != model.StateReadyToSign || s.Artifact == nil {
		t.Fatalf("after build: state=%s artifact=%v", s.State, s.Artifact)
	}
	doc, err := os.ReadFile(s.Artifact.Path)
	if err != nil {
		t.Fatal(err)
	}
	want := "NDA between Олена Ковальчук (IBAN " + validIBAN + ") and Taras Bondar, effective 01.09.2025."
	if string(doc) != want {
		t.Fatalf("artifact content:\n got %q\nwant %q", doc, want)
	}

	if s, err = eng.Sign(ctx, id, "discloser", userAlice); err != nil {
		t.Fatal(err)
	}
	if s.State != model.StateReadyToSign {
		t.Fatalf("one signature should not complete, state = %s", s.State)
	}
	if s, err = eng.Sign(ctx, id, "receiver", userBob); err != nil {
		t.Fatal(err)
	}
	if s.State != model.StateCompleted {
		t.Fatalf("state = %s, want %s", s.State, model.StateCompleted)
	}

	types := rec.types()
	var built, signed int
	for _, ty := range types {
		switch ty {
		case queue.EventContractBuilt:
			built++
		case queue.EventContractSigned:
			signed++
		}
	}
	if built != 1 || signed != 2 {
		t.Fatalf("events built=%d signed=%d (%v)", built, signed, types)
	}
}

func TestRoleClaimIsExclusiveInPartialMode(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	s, _ := eng.Create(ctx, userAlice)
	id := s.SessionID
	if _, err := eng.SelectCategory(ctx, id, "nda", userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SelectTemplate(ctx, id, "nda_standard", userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice); err != nil {
		t.Fatal(err)
	}
	_, err := eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userBob)
	if !errors.Is(err, ErrRoleAlreadyClaimed) {
		t.Fatalf("err = %v, want ErrRoleAlreadyClaimed", err)
	}
	// Re-claiming one's own role is idempotent.
	if _, err := eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice); err != nil {
		t.Fatalf("self re-claim: %v", err)
	}
}

func TestPartialModeForbidsWritingForeignRole(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id := draftToReady(t, eng)
	_, err := eng.UpsertField(ctx, id, "receiver", "full_name", "Intruder Value", userAlice)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestValidationFailureCommitsErrorState(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	s, _ := eng.Create(ctx, userAlice)
	id := s.SessionID
	eng.SelectCategory(ctx, id, "nda", userAlice)
	eng.SelectTemplate(ctx, id, "nda_standard", userAlice)
	eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice)

	fs, err := eng.UpsertField(ctx, id, "discloser", "iban", "UA12 not an iban", userAlice)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if vErr.Field != "iban" {
		t.Fatalf("ValidationError.Field = %q", vErr.Field)
	}
	if fs == nil || fs.Status != model.FieldError || fs.Error == "" {
		t.Fatalf("field state = %+v, want committed error status", fs)
	}
	if len(fs.History) != 1 || fs.History[0].Valid {
		t.Fatalf("history = %+v, want one invalid revision", fs.History)
	}

	// The bad submission is persisted, not rolled back.
	s, _ = eng.Get(ctx, id)
	if got := s.PartyFields["discloser"]["iban"]; got == nil || got.Status != model.FieldError {
		t.Fatalf("persisted state = %+v", got)
	}
}

func TestIdempotentResubmissionKeepsSignatures(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id := draftToReady(t, eng)
	if _, err := eng.Build(ctx, id, userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Sign(ctx, id, "discloser", userAlice); err != nil {
		t.Fatal(err)
	}

	// Bob resubmits the value his field already holds: history grows, the
	// signature stands.
	fs, err := eng.UpsertField(ctx, id, "receiver", "full_name", "Taras Bondar", userBob)
	if err != nil {
		t.Fatal(err)
	}
	if len(fs.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(fs.History))
	}
	s, _ := eng.Get(ctx, id)
	if !s.Signatures["discloser"] {
		t.Fatal("idempotent resubmission cleared a signature")
	}
	if s.State != model.StateReadyToSign {
		t.Fatalf("state = %s, want %s", s.State, model.StateReadyToSign)
	}

	// A genuinely different value invalidates every signature and the
	// artifact.
	if _, err := eng.UpsertField(ctx, id, "receiver", "full_name", "Someone Else", userBob); err != nil {
		t.Fatal(err)
	}
	s, _ = eng.Get(ctx, id)
	if s.Signatures["discloser"] {
		t.Fatal("genuine change must clear existing signatures")
	}
	if s.Artifact != nil || s.State != model.StateReadyToBuild {
		t.Fatalf("after change: artifact=%v state=%s", s.Artifact, s.State)
	}
}

func TestSignedRoleFieldsAreLocked(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id := draftToReady(t, eng)
	eng.Build(ctx, id, userAlice)
	if _, err := eng.Sign(ctx, id, "discloser", userAlice); err != nil {
		t.Fatal(err)
	}
	_, err := eng.UpsertField(ctx, id, "discloser", "full_name", "New Name", userAlice)
	if !errors.Is(err, ErrFieldLocked) {
		t.Fatalf("err = %v, want ErrFieldLocked", err)
	}
	// Re-signing is a no-op, not an error.
	if _, err := eng.Sign(ctx, id, "discloser", userAlice); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
}

func TestSignRequiresRoleOwnership(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id := draftToReady(t, eng)
	eng.Build(ctx, id, userAlice)
	_, err := eng.Sign(ctx, id, "receiver", userAlice)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestFullModeSingleUserDraft(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	s, _ := eng.Create(ctx, userAlice)
	id := s.SessionID
	eng.SelectCategory(ctx, id, "nda", userAlice)
	eng.SelectTemplate(ctx, id, "nda_standard", userAlice)
	if _, err := eng.SetFillingMode(ctx, id, model.FillingFull, userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SetPartyContext(ctx, id, "receiver", model.PersonIndividual, userAlice); err != nil {
		t.Fatal(err)
	}
	for _, f := range [][2]string{
		{"discloser", "full_name"}, {"receiver", "full_name"},
	} {
		if _, err := eng.UpsertField(ctx, id, f[0], f[1], "Олена Ковальчук", userAlice); err != nil {
			t.Fatal(err)
		}
	}
	for _, role := range []string{"discloser", "receiver"} {
		if _, err := eng.UpsertField(ctx, id, role, "iban", validIBAN, userAlice); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := eng.UpsertField(ctx, id, "", "effective_date", "01.09.2025", userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Build(ctx, id, userAlice); err != nil {
		t.Fatal(err)
	}
	for _, role := range []string{"discloser", "receiver"} {
		if _, err := eng.Sign(ctx, id, role, userAlice); err != nil {
			t.Fatalf("sign %s: %v", role, err)
		}
	}
	s, _ = eng.Get(ctx, id)
	if s.State != model.StateCompleted {
		t.Fatalf("state = %s, want %s", s.State, model.StateCompleted)
	}
}

func TestBuildReportsMissingFieldsByLabel(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	s, _ := eng.Create(ctx, userAlice)
	id := s.SessionID
	eng.SelectCategory(ctx, id, "nda", userAlice)
	eng.SelectTemplate(ctx, id, "nda_standard", userAlice)
	eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice)
	if _, err := eng.UpsertField(ctx, id, "discloser", "full_name", "Олена Ковальчук", userAlice); err != nil {
		t.Fatal(err)
	}

	_, err := eng.Build(ctx, id, userAlice)
	var nr *NotReadyError
	if !errors.As(err, &nr) {
		t.Fatalf("err = %v, want *NotReadyError", err)
	}
	labels := map[string]bool{}
	for _, mf := range nr.Missing.Flatten() {
		labels[mf.Label] = true
	}
	for _, want := range []string{"Effective date", "IBAN", "Full name"} {
		if !labels[want] {
			t.Fatalf("missing list lacks %q: %+v", want, nr.Missing)
		}
	}
	if labels["Notes"] {
		t.Fatal("optional field reported as missing")
	}
	if len(nr.Missing.Roles["receiver"]) == 0 {
		t.Fatal("unclaimed role must still count toward readiness")
	}
}

func TestMissingRequiredScopes(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	s, _ := eng.Create(ctx, userAlice)
	id := s.SessionID
	eng.SelectCategory(ctx, id, "nda", userAlice)
	eng.SelectTemplate(ctx, id, "nda_standard", userAlice)
	eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice)

	s, _ = eng.Get(ctx, id)
	all := eng.MissingRequired(s, ScopeAll)
	if len(all.Roles["receiver"]) == 0 || len(all.Roles["discloser"]) == 0 {
		t.Fatalf("ScopeAll = %+v", all)
	}
	mine := eng.MissingRequired(s, ScopeUser(userAlice))
	if len(mine.Roles["receiver"]) != 0 {
		t.Fatalf("user scope leaked foreign role: %+v", mine)
	}
	if len(mine.Roles["discloser"]) != 2 {
		t.Fatalf("user scope = %+v, want discloser full_name+iban", mine)
	}
}

func TestPersonTypeChangeReinitializesFields(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	s, _ := eng.Create(ctx, userAlice)
	id := s.SessionID
	eng.SelectCategory(ctx, id, "nda", userAlice)
	eng.SelectTemplate(ctx, id, "nda_standard", userAlice)
	eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice)
	if _, err := eng.UpsertField(ctx, id, "discloser", "iban", validIBAN, userAlice); err != nil {
		t.Fatal(err)
	}

	// Partial mode: switching the legal form drops everything collected.
	if _, err := eng.SetPartyContext(ctx, id, "discloser", model.PersonCompany, userAlice); err != nil {
		t.Fatal(err)
	}
	s, _ = eng.Get(ctx, id)
	if len(s.PartyFields["discloser"]) != 0 {
		t.Fatalf("fields survived a person type change: %+v", s.PartyFields["discloser"])
	}
	if s.PartyTypes["discloser"] != model.PersonCompany {
		t.Fatalf("person type = %s", s.PartyTypes["discloser"])
	}
}

func TestPersonTypeChangeInFullModeKeepsSharedFields(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	s, _ := eng.Create(ctx, userAlice)
	id := s.SessionID
	eng.SelectCategory(ctx, id, "nda", userAlice)
	eng.SelectTemplate(ctx, id, "nda_standard", userAlice)
	eng.SetFillingMode(ctx, id, model.FillingFull, userAlice)
	eng.SetPartyContext(ctx, id, "discloser", model.PersonIndividual, userAlice)
	if _, err := eng.UpsertField(ctx, id, "discloser", "iban", validIBAN, userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SetPartyContext(ctx, id, "discloser", model.PersonCompany, userAlice); err != nil {
		t.Fatal(err)
	}
	s, _ = eng.Get(ctx, id)
	fs := s.PartyFields["discloser"]["iban"]
	if fs == nil || fs.Value != validIBAN {
		t.Fatalf("iban should survive in full mode, got %+v", fs)
	}
	if _, ok := s.PartyFields["discloser"]["full_name"]; ok {
		t.Fatal("individual-only field must not survive the switch")
	}
}

func TestSelectTemplateErrors(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	s, _ := eng.Create(ctx, userAlice)
	id := s.SessionID

	if _, err := eng.SelectTemplate(ctx, id, "nda_standard", userAlice); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("without category: %v", err)
	}
	eng.SelectCategory(ctx, id, "nda", userAlice)
	if _, err := eng.SelectTemplate(ctx, id, "no_such", userAlice); !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("unknown template: %v", err)
	}
	if _, err := eng.SelectCategory(ctx, id, "no_such", userAlice); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("unknown category: %v", err)
	}
}

func TestCategoryReselectionResetsEverything(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id := draftToReady(t, eng)
	s, err := eng.SelectCategory(ctx, id, "nda", userAlice)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != model.StateCategorySelected || s.TemplateID != "" {
		t.Fatalf("state=%s template=%q after reset", s.State, s.TemplateID)
	}
	if len(s.RoleOwners) != 0 || len(s.PartyFields) != 0 || len(s.Signatures) != 0 {
		t.Fatalf("reset left data behind: %+v", s)
	}
}

func TestFillingModeLockedAfterSignature(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id := draftToReady(t, eng)
	eng.Build(ctx, id, userAlice)
	if _, err := eng.Sign(ctx, id, "discloser", userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SetFillingMode(ctx, id, model.FillingFull, userAlice); !errors.Is(err, ErrFieldLocked) {
		t.Fatalf("err = %v, want ErrFieldLocked", err)
	}
}

func TestSignBeforeBuild(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id := draftToReady(t, eng)
	if _, err := eng.Sign(ctx, id, "discloser", userAlice); !errors.Is(err, ErrNotBuilt) {
		t.Fatalf("err = %v, want ErrNotBuilt", err)
	}
}

func TestContractFieldChangeInvalidatesOtherSignature(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	id := draftToReady(t, eng)
	if _, err := eng.Build(ctx, id, userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Sign(ctx, id, "discloser", userAlice); err != nil {
		t.Fatal(err)
	}

	// Bob never signed, so he may still edit the shared field; Alice's
	// consent covered the old date and must not survive the change.
	if _, err := eng.UpsertField(ctx, id, "", "effective_date", "2025-10-01", userBob); err != nil {
		t.Fatal(err)
	}
	s, _ := eng.Get(ctx, id)
	if s.Signatures["discloser"] {
		t.Fatal("shared-field change by another party must clear the signature")
	}
	if s.Artifact != nil || s.State != model.StateReadyToBuild {
		t.Fatalf("after change: artifact=%v state=%s", s.Artifact, s.State)
	}
}

// A person-type switch can add required fields without touching any value
// that reached the rendered document, so the artifact survives the switch.
// Signing must still be refused until the new fields are filled and the
// document rebuilt.
func TestSignRejectsStaleArtifactAfterPersonTypeSwitch(t *testing.T) {
	reg := registry.NewStatic(&registry.Category{
		ID:    "svc",
		Label: "Service agreements",
		Templates: []registry.Template{
			{ID: "svc_basic", Name: "Basic services", File: "svc.txt"},
		},
		Roles: []registry.Role{
			{ID: "contractor", Label: "Contractor", AllowedPersonTypes: []model.PersonType{model.PersonIndividual, model.PersonCompany}},
		},
		PartyModules: map[model.PersonType][]registry.Field{
			model.PersonIndividual: {
				{ID: "nickname", Label: "Nickname", Required: false, Type: "text"},
			},
			model.PersonCompany: {
				{ID: "company_name", Label: "Company name", Required: true, Type: "text"},
			},
		},
		ContractFields: []registry.Field{
			{ID: "start_date", Label: "Start date", Required: true, Type: "date"},
		},
	})
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "svc.txt"), []byte("Services start {{start_date}}."), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := New(repository.NewMemoryStore(), reg, render.NewTextRenderer(dir, filepath.Join(dir, "artifacts")), &recorder{}, nil)

	ctx := context.Background()
	s, err := eng.Create(ctx, userAlice)
	if err != nil {
		t.Fatal(err)
	}
	id := s.SessionID
	if _, err := eng.SelectCategory(ctx, id, "svc", userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SelectTemplate(ctx, id, "svc_basic", userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SetPartyContext(ctx, id, "contractor", model.PersonIndividual, userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.UpsertField(ctx, id, "", "start_date", "2025-09-01", userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Build(ctx, id, userAlice); err != nil {
		t.Fatal(err)
	}

	// Switch to company: the required company_name appears, but no valid
	// value changed, so the artifact stays in place.
	if _, err := eng.SetPartyContext(ctx, id, "contractor", model.PersonCompany, userAlice); err != nil {
		t.Fatal(err)
	}
	s, _ = eng.Get(ctx, id)
	if s.Artifact == nil {
		t.Fatal("artifact should survive a switch that changes no valid value")
	}
	if s.State != model.StateCollectingFields {
		t.Fatalf("state = %s, want %s", s.State, model.StateCollectingFields)
	}

	_, err = eng.Sign(ctx, id, "contractor", userAlice)
	var nrErr *NotReadyError
	if !errors.As(err, &nrErr) {
		t.Fatalf("err = %v, want NotReadyError", err)
	}
	if missing := nrErr.Missing.Roles["contractor"]; len(missing) != 1 || missing[0].FieldID != "company_name" {
		t.Fatalf("missing = %+v, want contractor/company_name", nrErr.Missing)
	}
	s, _ = eng.Get(ctx, id)
	if len(s.Signatures) != 0 {
		t.Fatalf("signature recorded on unbuildable session: %v", s.Signatures)
	}

	// Filling the new field and rebuilding restores the normal path.
	if _, err := eng.UpsertField(ctx, id, "contractor", "company_name", "Atlas LLC", userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Build(ctx, id, userAlice); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Sign(ctx, id, "contractor", userAlice); err != nil {
		t.Fatalf("sign after rebuild: %v", err)
	}
}
