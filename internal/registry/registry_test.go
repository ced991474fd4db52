package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iliyamo/contract-drafting/internal/model"
)

const leaseJSON = `{
	"category_id": "lease",
	"label": "Lease agreements",
	"templates": [
		{"template_id": "lease_flat", "name": "Apartment lease", "file": "lease.txt", "keywords": ["оренда", "квартира", "lease"]},
		{"template_id": "lease_office", "name": "Office lease", "file": "lease_office.txt", "keywords": ["оренда", "офіс"]}
	],
	"roles": [
		{"id": "landlord", "label": "Landlord", "allowed_person_types": ["individual", "company"]},
		{"id": "tenant", "label": "Tenant", "allowed_person_types": ["individual"], "default_person_type": "individual"}
	],
	"party_modules": {
		"individual": [
			{"field": "full_name", "label": "Full name", "required": true, "type": "person_name"}
		],
		"company": [
			{"field": "company_name", "label": "Company name", "required": true},
			{"field": "edrpou", "label": "EDRPOU", "required": true, "type": "edrpou"}
		]
	},
	"contract_fields": [
		{"field": "start_date", "label": "Start date", "required": true, "type": "date"}
	]
}`

func loadTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lease.json"), []byte(leaseJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	// A broken file must be skipped, not break the load.
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func TestLoadSkipsBrokenFiles(t *testing.T) {
	r := loadTestRegistry(t)
	if got := len(r.Categories()); got != 1 {
		t.Fatalf("want 1 category, got %d", got)
	}
	cat, ok := r.Category("lease")
	if !ok {
		t.Fatal("lease category missing")
	}
	if len(cat.Templates) != 2 || len(cat.Roles) != 2 {
		t.Fatalf("unexpected schema shape: %d templates, %d roles", len(cat.Templates), len(cat.Roles))
	}
	if cat.Templates[0].ID != "lease_flat" {
		t.Fatalf("templates out of order: %s", cat.Templates[0].ID)
	}
}

func TestRoleAllowsAndEffectiveType(t *testing.T) {
	r := loadTestRegistry(t)
	cat, _ := r.Category("lease")

	landlord, ok := cat.Role("landlord")
	if !ok {
		t.Fatal("landlord role missing")
	}
	if !cat.Allows(landlord, model.PersonCompany) {
		t.Error("landlord should admit company")
	}
	tenant, _ := cat.Role("tenant")
	if cat.Allows(tenant, model.PersonCompany) {
		t.Error("tenant must not admit company")
	}
	// No default on landlord: first allowed type wins.
	if pt := cat.EffectivePersonType(landlord); pt != model.PersonIndividual {
		t.Errorf("landlord effective type = %s", pt)
	}
	if pt := cat.EffectivePersonType(tenant); pt != model.PersonIndividual {
		t.Errorf("tenant effective type = %s", pt)
	}
	if fields := cat.PartyFields(model.PersonCompany); len(fields) != 2 {
		t.Errorf("company module: want 2 fields, got %d", len(fields))
	}
}

func TestFindByQuery(t *testing.T) {
	r := loadTestRegistry(t)

	cases := []struct {
		name      string
		query     string
		wantFirst string
		wantAny   bool
	}{
		{"exact keyword", "оренда офіс", "lease_office", true},
		{"template name term", "apartment", "lease_flat", true},
		{"latin keyword", "lease", "lease_flat", true},
		{"no hit", "заповіт", "", false},
		{"blank", "   ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			matches := r.FindByQuery(tc.query)
			if !tc.wantAny {
				if len(matches) != 0 {
					t.Fatalf("want no matches, got %d", len(matches))
				}
				return
			}
			if len(matches) == 0 {
				t.Fatal("want matches, got none")
			}
			if matches[0].Template.ID != tc.wantFirst {
				t.Errorf("best match = %s, want %s", matches[0].Template.ID, tc.wantFirst)
			}
		})
	}
}

func TestFindByQueryDeterministicOrder(t *testing.T) {
	r := NewStatic(
		&Category{ID: "b", Templates: []Template{{ID: "b1", Name: "x", Keywords: []string{"spara"}}}},
		&Category{ID: "a", Templates: []Template{{ID: "a1", Name: "x", Keywords: []string{"spara"}}}},
	)
	matches := r.FindByQuery("spara")
	if len(matches) != 2 {
		t.Fatalf("want 2 matches, got %d", len(matches))
	}
	// Equal scores fall back to category id order.
	if matches[0].Category.ID != "a" || matches[1].Category.ID != "b" {
		t.Errorf("tie-break order wrong: %s, %s", matches[0].Category.ID, matches[1].Category.ID)
	}
}
