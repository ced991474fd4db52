package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/iliyamo/contract-drafting/internal/engine"
	"github.com/iliyamo/contract-drafting/internal/model"
	"github.com/iliyamo/contract-drafting/internal/pii"
	"github.com/iliyamo/contract-drafting/internal/registry"
	"github.com/iliyamo/contract-drafting/internal/render"
	"github.com/iliyamo/contract-drafting/internal/repository"
)

const userID = "user-1"

func newTestRouter(t *testing.T) (*Router, string) {
	t.Helper()
	dir := t.TempDir()
	tpl := "Lease by {{lessor.full_name}}, IBAN {{lessor.iban}}, term {{term}}."
	if err := os.WriteFile(filepath.Join(dir, "lease.txt"), []byte(tpl), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := registry.NewStatic(&registry.Category{
		ID:    "lease",
		Label: "Lease agreements",
		Templates: []registry.Template{
			{ID: "lease_flat", Name: "Apartment lease", File: "lease.txt", Keywords: []string{"lease", "rent", "apartment"}},
		},
		Roles: []registry.Role{
			{ID: "lessor", Label: "Lessor", AllowedPersonTypes: []model.PersonType{model.PersonIndividual}, DefaultPersonType: model.PersonIndividual},
		},
		PartyModules: map[model.PersonType][]registry.Field{
			model.PersonIndividual: {
				{ID: "full_name", Label: "Full name", Required: true, Type: "person_name"},
				{ID: "iban", Label: "IBAN", Required: true, Type: "iban"},
			},
		},
		ContractFields: []registry.Field{
			{ID: "term", Label: "Lease term", Required: true, Type: "text"},
		},
	})
	eng := engine.New(
		repository.NewMemoryStore(),
		reg,
		render.NewTextRenderer(dir, filepath.Join(dir, "artifacts")),
		nil,
		nil,
	)
	router := NewRouter(eng, pii.NewTagger())
	s, err := eng.Create(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return router, s.SessionID
}

func dispatch(t *testing.T, r *Router, sessionID, name string, args map[string]any, tags map[string]string) any {
	t.Helper()
	out, err := r.Dispatch(context.Background(), Call{
		SessionID: sessionID, UserID: userID, Name: name, Args: args, Tags: tags,
	})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out
}

func TestGatingHidesFieldToolsUntilTemplateSelected(t *testing.T) {
	r, id := newTestRouter(t)
	_, err := r.Dispatch(context.Background(), Call{
		SessionID: id, UserID: userID, Name: ToolUpsertField,
		Args: map[string]any{"role": "lessor", "field": "full_name", "value": "x"},
	})
	var na *NotAvailableError
	if !errors.As(err, &na) {
		t.Fatalf("err = %v, want *NotAvailableError", err)
	}
	if na.State != model.StateIdle || na.Tool != ToolUpsertField {
		t.Fatalf("unexpected gate: %+v", na)
	}
}

func TestGatingTableByState(t *testing.T) {
	cases := []struct {
		state   model.SessionState
		allowed []string
		denied  []string
	}{
		{model.StateIdle, []string{ToolFindCategory, ToolSetCategory}, []string{ToolUpsertField, ToolBuildContract, ToolSignContract}},
		{model.StateCategorySelected, []string{ToolSetTemplate, ToolListTemplates}, []string{ToolUpsertField, ToolSignContract}},
		{model.StateCollectingFields, []string{ToolUpsertField, ToolSetPartyContext, ToolGetSummary}, []string{ToolBuildContract, ToolSignContract, ToolSetCategory}},
		{model.StateReadyToBuild, []string{ToolBuildContract, ToolUpsertField}, []string{ToolSignContract, ToolSetCategory}},
		{model.StateReadyToSign, []string{ToolSignContract, ToolUpsertField}, []string{ToolBuildContract, ToolSetCategory}},
		{model.StateCompleted, []string{ToolGetSummary}, []string{ToolUpsertField, ToolSignContract, ToolSetCategory}},
	}
	for _, tc := range cases {
		for _, name := range tc.allowed {
			if !Allowed(tc.state, name) {
				t.Errorf("state %s should allow %s", tc.state, name)
			}
		}
		for _, name := range tc.denied {
			if Allowed(tc.state, name) {
				t.Errorf("state %s should deny %s", tc.state, name)
			}
		}
	}
}

func TestUnknownToolRejected(t *testing.T) {
	r, id := newTestRouter(t)
	_, err := r.Dispatch(context.Background(), Call{SessionID: id, UserID: userID, Name: "drop_tables"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestCategoryResolution(t *testing.T) {
	r, id := newTestRouter(t)
	out := dispatch(t, r, id, ToolFindCategory, map[string]any{"query": "rent an apartment"}, nil)
	res, ok := out.(CategoryResolution)
	if !ok {
		t.Fatalf("result type %T", out)
	}
	if res.Status != "one" || len(res.Matches) == 0 || res.Matches[0].CategoryID != "lease" {
		t.Fatalf("resolution = %+v", res)
	}

	out = dispatch(t, r, id, ToolFindCategory, map[string]any{"query": "запуск ракети"}, nil)
	if res := out.(CategoryResolution); res.Status != "none" || len(res.Matches) != 0 {
		t.Fatalf("resolution = %+v, want none", res)
	}
}

func TestPIITagsResolvedBeforeEngine(t *testing.T) {
	r, id := newTestRouter(t)
	dispatch(t, r, id, ToolSetCategory, map[string]any{"category_id": "lease"}, nil)
	dispatch(t, r, id, ToolSetTemplate, map[string]any{"template_id": "lease_flat"}, nil)
	dispatch(t, r, id, ToolSetPartyContext, map[string]any{"role": "lessor"}, nil)

	// The model only ever saw the tag; the router must hand the engine the
	// real IBAN.
	iban := "UA213223130000026007233566001"
	tags := map[string]string{"[IBAN#1]": iban}
	out := dispatch(t, r, id, ToolUpsertField,
		map[string]any{"role": "lessor", "field": "iban", "value": "[IBAN#1]"}, tags)
	result := out.(map[string]any)
	if result["ok"] != true {
		t.Fatalf("upsert result = %+v", result)
	}
	s, err := r.engine.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.PartyFields["lessor"]["iban"].Value; got != iban {
		t.Fatalf("stored value = %q, want the unmasked IBAN", got)
	}
}

func TestPartyFieldValuesMaskedTowardModel(t *testing.T) {
	r, id := newTestRouter(t)
	dispatch(t, r, id, ToolSetCategory, map[string]any{"category_id": "lease"}, nil)
	dispatch(t, r, id, ToolSetTemplate, map[string]any{"template_id": "lease_flat"}, nil)
	dispatch(t, r, id, ToolSetPartyContext, map[string]any{"role": "lessor"}, nil)
	dispatch(t, r, id, ToolUpsertField,
		map[string]any{"role": "lessor", "field": "iban", "value": "UA213223130000026007233566001"}, nil)

	out := dispatch(t, r, id, ToolGetPartyFields, map[string]any{"role": "lessor"}, nil)
	views := out.([]partyFieldView)
	for _, v := range views {
		if v.Field == "iban" {
			if v.Status != model.FieldValid {
				t.Fatalf("iban status = %s", v.Status)
			}
			if v.Value == "UA213223130000026007233566001" {
				t.Fatal("raw IBAN echoed toward the model")
			}
			return
		}
	}
	t.Fatal("iban field not listed")
}

func TestValidationFailureReturnedAsToolResult(t *testing.T) {
	r, id := newTestRouter(t)
	dispatch(t, r, id, ToolSetCategory, map[string]any{"category_id": "lease"}, nil)
	dispatch(t, r, id, ToolSetTemplate, map[string]any{"template_id": "lease_flat"}, nil)
	dispatch(t, r, id, ToolSetPartyContext, map[string]any{"role": "lessor"}, nil)

	out := dispatch(t, r, id, ToolUpsertField,
		map[string]any{"role": "lessor", "field": "iban", "value": "not an iban"}, nil)
	result := out.(map[string]any)
	if result["ok"] != false || result["error"] == "" {
		t.Fatalf("result = %+v, want field-scoped failure", result)
	}
}

func TestFullToolFlowToCompletion(t *testing.T) {
	r, id := newTestRouter(t)
	dispatch(t, r, id, ToolSetCategory, map[string]any{"category_id": "lease"}, nil)
	dispatch(t, r, id, ToolSetTemplate, map[string]any{"template_id": "lease_flat"}, nil)
	dispatch(t, r, id, ToolSetPartyContext, map[string]any{"role": "lessor"}, nil)
	dispatch(t, r, id, ToolUpsertField, map[string]any{"role": "lessor", "field": "full_name", "value": "Петро Шевченко"}, nil)
	dispatch(t, r, id, ToolUpsertField, map[string]any{"role": "lessor", "field": "iban", "value": "UA213223130000026007233566001"}, nil)
	dispatch(t, r, id, ToolUpsertField, map[string]any{"field": "term", "value": "12 months"}, nil)

	out := dispatch(t, r, id, ToolGetSummary, nil, nil)
	sum := out.(summaryView)
	if sum.State != model.StateReadyToBuild || !sum.Missing.Empty() {
		t.Fatalf("summary = %+v", sum)
	}

	built := dispatch(t, r, id, ToolBuildContract, nil, nil)
	if _, ok := built.(*model.ArtifactRef); !ok {
		t.Fatalf("build result type %T", built)
	}
	signed := dispatch(t, r, id, ToolSignContract, map[string]any{"role": "lessor"}, nil)
	res := signed.(map[string]any)
	if res["state"] != model.StateCompleted {
		t.Fatalf("sign result = %+v", res)
	}
}
