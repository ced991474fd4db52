// Package registry loads category metadata from JSON files at process start
// and serves it as immutable schema data. Each category file describes the
// templates of the category, its roles with allowed person types, the party
// field lists per person type, and the shared contract fields. The registry
// is read-only after Load; new sessions see whatever was loaded at startup.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iliyamo/contract-drafting/internal/model"
)

// Field describes one field of the schema: a contract field or a party
// field. Type selects the validator; when empty the validator package
// infers one from the field id.
type Field struct {
	ID       string `json:"field"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Type     string `json:"type,omitempty"`
}

// Role is a named party position in a contract with its own person-type
// constraints.
type Role struct {
	ID                 string             `json:"id"`
	Label              string             `json:"label"`
	AllowedPersonTypes []model.PersonType `json:"allowed_person_types"`
	DefaultPersonType  model.PersonType   `json:"default_person_type,omitempty"`
}

// Template is one document template within a category. Keywords drive the
// free-text category search.
type Template struct {
	ID       string   `json:"template_id"`
	Name     string   `json:"name"`
	File     string   `json:"file"`
	Keywords []string `json:"keywords,omitempty"`
}

// Category groups templates sharing one role/field schema.
type Category struct {
	ID             string                        `json:"category_id"`
	Label          string                        `json:"label"`
	Templates      []Template                    `json:"templates"`
	Roles          []Role                        `json:"roles"`
	PartyModules   map[model.PersonType][]Field  `json:"party_modules"`
	ContractFields []Field                       `json:"contract_fields"`
}

// Registry is the immutable in-memory index of all categories.
type Registry struct {
	categories map[string]*Category
	order      []string
}

// Load reads every *.json file in dir as a category definition. Files that
// fail to parse are skipped with a log line so one bad file does not take
// the whole registry down.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: read dir %s: %w", dir, err)
	}
	r := &Registry{categories: map[string]*Category{}}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("registry: read %s failed: %v", path, err)
			continue
		}
		var cat Category
		if err := json.Unmarshal(raw, &cat); err != nil {
			log.Printf("registry: parse %s failed: %v", path, err)
			continue
		}
		if cat.ID == "" {
			log.Printf("registry: %s has no category_id, skipped", path)
			continue
		}
		r.add(&cat)
	}
	log.Printf("registry: loaded %d categories from %s", len(r.categories), dir)
	return r, nil
}

// NewStatic builds a registry from in-memory categories. Intended for tests
// and embedded defaults.
func NewStatic(cats ...*Category) *Registry {
	r := &Registry{categories: map[string]*Category{}}
	for _, c := range cats {
		r.add(c)
	}
	return r
}

func (r *Registry) add(c *Category) {
	if _, dup := r.categories[c.ID]; !dup {
		r.order = append(r.order, c.ID)
	}
	r.categories[c.ID] = c
}

// Category returns the category with the given id.
func (r *Registry) Category(id string) (*Category, bool) {
	c, ok := r.categories[id]
	return c, ok
}

// Categories lists all categories in load order.
func (r *Registry) Categories() []*Category {
	out := make([]*Category, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.categories[id])
	}
	return out
}

// Template resolves a template within a category. The second result is the
// owning category; both are nil/false when either id is unknown.
func (c *Category) Template(templateID string) (*Template, bool) {
	for i := range c.Templates {
		if c.Templates[i].ID == templateID {
			return &c.Templates[i], true
		}
	}
	return nil, false
}

// Role returns the role definition with the given id.
func (c *Category) Role(roleID string) (*Role, bool) {
	for i := range c.Roles {
		if c.Roles[i].ID == roleID {
			return &c.Roles[i], true
		}
	}
	return nil, false
}

// Allows reports whether the role admits the given person type. A role with
// no explicit allowed list admits any person type the category has a party
// module for.
func (c *Category) Allows(role *Role, pt model.PersonType) bool {
	if len(role.AllowedPersonTypes) == 0 {
		_, ok := c.PartyModules[pt]
		return ok
	}
	for _, a := range role.AllowedPersonTypes {
		if a == pt {
			return true
		}
	}
	return false
}

// EffectivePersonType picks the person type to use for a role when none has
// been chosen yet: the role default, then the first allowed type, then the
// first party module.
func (c *Category) EffectivePersonType(role *Role) model.PersonType {
	if role.DefaultPersonType != "" {
		return role.DefaultPersonType
	}
	if len(role.AllowedPersonTypes) > 0 {
		return role.AllowedPersonTypes[0]
	}
	types := make([]string, 0, len(c.PartyModules))
	for pt := range c.PartyModules {
		types = append(types, string(pt))
	}
	sort.Strings(types)
	if len(types) > 0 {
		return model.PersonType(types[0])
	}
	return model.PersonIndividual
}

// PartyFields returns the field list for (role schema, person type). The
// list is empty when the category defines no module for the type.
func (c *Category) PartyFields(pt model.PersonType) []Field {
	return c.PartyModules[pt]
}

// Match is one search hit produced by FindByQuery, best first.
type Match struct {
	Category *Category
	Template *Template
	Score    int
}

// FindByQuery scores every template against a free-text query: two points
// per exact keyword-term hit, one per substring hit, one per stem (first
// five runes) hit and one per term occurring in the template name. Only
// positive scores are returned, ordered best first with category id as the
// tie-break so results are deterministic.
func (r *Registry) FindByQuery(query string) []Match {
	queryNorm := strings.ToLower(strings.TrimSpace(query))
	if queryNorm == "" {
		return nil
	}
	terms := map[string]struct{}{}
	for _, t := range strings.Fields(queryNorm) {
		terms[t] = struct{}{}
	}

	var matches []Match
	for _, id := range r.order {
		cat := r.categories[id]
		for i := range cat.Templates {
			tpl := &cat.Templates[i]
			score := 0
			for _, kw := range tpl.Keywords {
				kw = strings.ToLower(kw)
				if kw == "" {
					continue
				}
				if _, ok := terms[kw]; ok {
					score += 2
				}
				if strings.Contains(queryNorm, kw) {
					score++
				}
				stem := kw
				if rs := []rune(kw); len(rs) > 5 {
					stem = string(rs[:5])
				}
				for term := range terms {
					if stem != "" && strings.Contains(term, stem) {
						score++
					}
				}
			}
			name := strings.ToLower(tpl.Name)
			for term := range terms {
				if strings.Contains(name, term) {
					score++
				}
			}
			if score > 0 {
				matches = append(matches, Match{Category: cat, Template: tpl, Score: score})
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Category.ID < matches[j].Category.ID
	})
	return matches
}
