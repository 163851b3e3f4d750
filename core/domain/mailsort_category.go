package domain

import "strings"

// =============================================================================
// Category
// =============================================================================

// Category is a user-visible destination for classified messages. Name is a
// single identifier-safe token; Description feeds the classification prompts.
type Category struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SuggestedCategory is the LLM intermediate produced during induction. It is
// persisted only after normalization.
type SuggestedCategory struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	ExampleCriteria string `json:"example_criteria,omitempty"`
}

// Assignment maps one message to a category name during induction.
type Assignment struct {
	MessageID string `json:"message_id"`
	Category  string `json:"category"`
}

// SafeCategoryName collapses whitespace runs to "-" so folder names harvested
// from a mail tree become single-token category names.
func SafeCategoryName(name string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(name)), "-")
}

// =============================================================================
// Taxonomy
// =============================================================================

// Taxonomy is the ordered set of categories at a moment in time. Order is
// insertion order so prompt output stays stable; names are unique.
type Taxonomy struct {
	categories []Category
	byName     map[string]int
}

// NewTaxonomy builds a taxonomy from the given categories in order.
// Duplicate names keep their first position and take the last description.
func NewTaxonomy(categories ...Category) *Taxonomy {
	t := &Taxonomy{byName: make(map[string]int)}
	for _, c := range categories {
		t.Add(c.Name, c.Description)
	}
	return t
}

// Add inserts a category or, when the name already exists, updates its
// description in place without disturbing the order.
func (t *Taxonomy) Add(name, description string) {
	if idx, ok := t.byName[name]; ok {
		t.categories[idx].Description = description
		return
	}
	t.byName[name] = len(t.categories)
	t.categories = append(t.categories, Category{Name: name, Description: description})
}

// Get returns the category by exact name.
func (t *Taxonomy) Get(name string) (Category, bool) {
	idx, ok := t.byName[name]
	if !ok {
		return Category{}, false
	}
	return t.categories[idx], true
}

// Has reports whether the exact name is a member.
func (t *Taxonomy) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Len returns the number of categories.
func (t *Taxonomy) Len() int {
	return len(t.categories)
}

// Categories returns the ordered category list as a copy.
func (t *Taxonomy) Categories() []Category {
	out := make([]Category, len(t.categories))
	copy(out, t.categories)
	return out
}

// Names returns the category names in insertion order.
func (t *Taxonomy) Names() []string {
	names := make([]string, len(t.categories))
	for i, c := range t.categories {
		names[i] = c.Name
	}
	return names
}

// DescriptionMap returns {name -> description} for prompt templating.
func (t *Taxonomy) DescriptionMap() map[string]string {
	m := make(map[string]string, len(t.categories))
	for _, c := range t.categories {
		m[c.Name] = c.Description
	}
	return m
}

// Clone returns an independent copy.
func (t *Taxonomy) Clone() *Taxonomy {
	return NewTaxonomy(t.categories...)
}

// Resolve maps a model-supplied name onto a known category name. It tries
// exact, then case-insensitive, then singular/plural (trailing "s") matching.
// Returns the canonical name and whether a match was found.
func (t *Taxonomy) Resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	if t.Has(name) {
		return name, true
	}
	lower := strings.ToLower(name)
	for _, c := range t.categories {
		if strings.ToLower(c.Name) == lower {
			return c.Name, true
		}
	}
	singular := strings.TrimSuffix(lower, "s")
	for _, c := range t.categories {
		known := strings.ToLower(c.Name)
		if strings.TrimSuffix(known, "s") == singular {
			return c.Name, true
		}
	}
	return "", false
}

// Rename applies a rename map to the taxonomy itself: each category whose
// name is a key takes the mapped name, merging into the survivor when the
// target already exists. Order follows the first occurrence of each target.
func (t *Taxonomy) Rename(renames map[string]string) *Taxonomy {
	out := NewTaxonomy()
	for _, c := range t.categories {
		name := c.Name
		if to, ok := renames[name]; ok && to != "" {
			name = to
		}
		if out.Has(name) {
			continue
		}
		out.Add(name, c.Description)
	}
	return out
}
