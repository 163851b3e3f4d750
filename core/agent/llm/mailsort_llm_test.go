package llm

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"mailsort_daemon/core/domain"
)

// fakeCompletion returns canned responses in order; both Complete and
// CompleteJSON draw from the same script.
type fakeCompletion struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeCompletion) next(prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], err
	}
	return "", err
}

func (f *fakeCompletion) Complete(_ context.Context, prompt string) (string, error) {
	return f.next(prompt)
}

func (f *fakeCompletion) CompleteJSON(_ context.Context, prompt string) (string, error) {
	return f.next(prompt)
}

func newTestAgent(fake *fakeCompletion) *Agent {
	return NewAgent(fake, NewPromptStore(""))
}

func workPersonal() *domain.Taxonomy {
	return domain.NewTaxonomy(
		domain.Category{Name: "Work", Description: "work"},
		domain.Category{Name: "Personal", Description: "family"},
	)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`, true},
		{"prose around", `Sure! Here you go: {"a": {"b": 2}} hope that helps`, `{"a": {"b": 2}}`, true},
		{"array", `the list: [1, 2, 3].`, `[1, 2, 3]`, true},
		{"brace in string", `{"a": "closing } inside"}`, `{"a": "closing } inside"}`, true},
		{"escaped quote", `{"a": "quote \" then } brace"}`, `{"a": "quote \" then } brace"}`, true},
		{"unbalanced", `{"a": 1`, "", false},
		{"no json", "no structure here", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, %v; want %q, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

// TestClassifyNormalizesCaseInsensitive covers the unknown-category repair:
// "work" differs from "Work" only in case and must resolve to it.
func TestClassifyNormalizesCaseInsensitive(t *testing.T) {
	fake := &fakeCompletion{responses: []string{
		`{"predicted_folder":"work","secondary_labels":[],"confidence":0.88}`,
	}}
	agent := newTestAgent(fake)

	pred, err := agent.ClassifyMessage(context.Background(), &domain.Envelope{
		MessageID: "<m1@x>", Subject: "standup notes", Sender: "boss@corp.example",
	}, workPersonal())
	if err != nil {
		t.Fatalf("ClassifyMessage() error = %v", err)
	}
	if pred.Category != "Work" {
		t.Errorf("Category = %q, want Work", pred.Category)
	}
	if pred.Confidence != 0.88 {
		t.Errorf("Confidence = %v, want 0.88", pred.Confidence)
	}
}

func TestClassifyNormalizesPlural(t *testing.T) {
	tax := domain.NewTaxonomy(domain.Category{Name: "Newsletters", Description: "digests"})
	fake := &fakeCompletion{responses: []string{
		`{"predicted_folder":"Newsletter","secondary_labels":[],"confidence":0.7}`,
	}}
	pred, _ := newTestAgent(fake).ClassifyMessage(context.Background(), &domain.Envelope{MessageID: "<m@x>"}, tax)
	if pred.Category != "Newsletters" {
		t.Errorf("Category = %q, want Newsletters", pred.Category)
	}
}

func TestClassifyUnknownNameFallsBack(t *testing.T) {
	fake := &fakeCompletion{responses: []string{
		`{"predicted_folder":"Gardening","secondary_labels":[],"confidence":0.9}`,
	}}
	pred, _ := newTestAgent(fake).ClassifyMessage(context.Background(), &domain.Envelope{MessageID: "<m@x>"}, workPersonal())
	if pred.Category != domain.FallbackCategory || pred.Confidence != 0 {
		t.Errorf("got %+v, want Unknown with confidence 0", pred)
	}
}

func TestClassifyOutOfRangeConfidenceFallsBack(t *testing.T) {
	fake := &fakeCompletion{responses: []string{
		`{"predicted_folder":"Work","secondary_labels":[],"confidence":1.7}`,
	}}
	pred, _ := newTestAgent(fake).ClassifyMessage(context.Background(), &domain.Envelope{MessageID: "<m@x>"}, workPersonal())
	if pred.Category != domain.FallbackCategory {
		t.Errorf("Category = %q, want Unknown", pred.Category)
	}
}

// TestClassifyRepairPath verifies the single repair round: a broken first
// response triggers repair-json, whose output is parsed and used.
func TestClassifyRepairPath(t *testing.T) {
	fake := &fakeCompletion{responses: []string{
		`{"predicted_folder":"Work", "confidence": 0.8`, // truncated
		`{"predicted_folder":"Work", "secondary_labels": [], "confidence": 0.8}`,
	}}
	pred, _ := newTestAgent(fake).ClassifyMessage(context.Background(), &domain.Envelope{MessageID: "<m@x>"}, workPersonal())
	if pred.Category != "Work" {
		t.Errorf("Category = %q, want Work after repair", pred.Category)
	}
	if fake.calls != 2 {
		t.Errorf("calls = %d, want 2 (classify + one repair)", fake.calls)
	}
}

func TestClassifyTransportFailureFallsBack(t *testing.T) {
	fake := &fakeCompletion{errs: []error{errors.New("connection refused")}}
	pred, err := newTestAgent(fake).ClassifyMessage(context.Background(), &domain.Envelope{MessageID: "<m@x>"}, workPersonal())
	if err != nil {
		t.Fatalf("transport failure must not surface: %v", err)
	}
	if pred.Category != domain.FallbackCategory {
		t.Errorf("Category = %q, want Unknown", pred.Category)
	}
}

func TestRefineTaxonomyAccumulates(t *testing.T) {
	fake := &fakeCompletion{responses: []string{
		`{"categories":[{"name":"Travel","description":"bookings"}],
		  "assignments":[{"message_id":"<m1@x>","category":"Travel"}]}`,
	}}
	tax := workPersonal()
	updated, assignments, err := newTestAgent(fake).RefineTaxonomy(context.Background(),
		[]*domain.Envelope{{MessageID: "<m1@x>", Subject: "flight"}}, tax, 1)
	if err != nil {
		t.Fatalf("RefineTaxonomy() error = %v", err)
	}
	if !updated.Has("Travel") || !updated.Has("Work") {
		t.Errorf("taxonomy = %v, want prior plus Travel", updated.Names())
	}
	if len(assignments) != 1 || assignments[0].Category != "Travel" {
		t.Errorf("assignments = %+v", assignments)
	}
	if tax.Has("Travel") {
		t.Error("input taxonomy mutated in place")
	}
}

func TestRefineTaxonomyFailureKeepsTaxonomy(t *testing.T) {
	fake := &fakeCompletion{responses: []string{"garbage", "still garbage"}}
	tax := workPersonal()
	updated, assignments, err := newTestAgent(fake).RefineTaxonomy(context.Background(), nil, tax, 3)
	if err != nil {
		t.Fatalf("RefineTaxonomy() error = %v", err)
	}
	if updated != tax {
		t.Error("failed refine must return the input taxonomy")
	}
	if assignments != nil {
		t.Errorf("assignments = %+v, want none", assignments)
	}
}

func TestNormalizeTaxonomy(t *testing.T) {
	fake := &fakeCompletion{responses: []string{
		`{"categories":[{"name":"Finance","description":"money matters"}],
		  "renames":{"Fin":"Finance","Finance":"Finance"}}`,
	}}
	tax := domain.NewTaxonomy(
		domain.Category{Name: "Fin"},
		domain.Category{Name: "Finance"},
		domain.Category{Name: "Money"},
	)
	normalized, renames, err := newTestAgent(fake).NormalizeTaxonomy(context.Background(), tax)
	if err != nil {
		t.Fatalf("NormalizeTaxonomy() error = %v", err)
	}
	if normalized.Len() != 1 || !normalized.Has("Finance") {
		t.Errorf("normalized = %v, want just Finance", normalized.Names())
	}
	if renames["Fin"] != "Finance" {
		t.Errorf("renames = %v", renames)
	}
}

func TestCompleteRenameMap(t *testing.T) {
	fake := &fakeCompletion{responses: []string{`{"renames":{"Money":"Finance"}}`}}
	got, err := newTestAgent(fake).CompleteRenameMap(context.Background(), []string{"Money"},
		domain.NewTaxonomy(domain.Category{Name: "Finance"}))
	if err != nil {
		t.Fatalf("CompleteRenameMap() error = %v", err)
	}
	if got["Money"] != "Finance" {
		t.Errorf("got %v", got)
	}
}

func TestRepairJSONRejectsUnparseable(t *testing.T) {
	fake := &fakeCompletion{responses: []string{"still not { json"}}
	if got := newTestAgent(fake).RepairJSON(context.Background(), "{broken"); got != "" {
		t.Errorf("RepairJSON() = %q, want empty", got)
	}
}

func TestPromptStoreRejectsBadNames(t *testing.T) {
	store := NewPromptStore("")
	for _, name := range []string{"../etc/passwd", "a/b", "", "name with space"} {
		if _, err := store.Render(name, nil); err == nil {
			t.Errorf("Render(%q) accepted an invalid name", name)
		}
	}
}

func TestPromptStoreDefaults(t *testing.T) {
	store := NewPromptStore("")
	out, err := store.Render("classify_message", map[string]any{
		"Categories": []domain.Category{{Name: "Work", Description: "work"}},
		"Sender":     "a@b", "Subject": "s", "Body": "b",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out == "" {
		t.Error("empty rendered prompt")
	}
}

// TestTruncateRuneBoundary checks cuts land on rune boundaries so multibyte
// body text never reaches the model as invalid UTF-8.
func TestTruncateRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{"shorter than limit", "hello", 10, "hello"},
		{"ascii cut", "hello", 3, "hel"},
		{"cut inside three-byte rune", "ab€", 4, "ab"},   // € is 3 bytes
		{"cut at rune boundary", "ab€", 5, "ab€"},
		{"cut inside emoji", "a\U0001F600bc", 3, "a"},          // 😀 is 4 bytes
		{"all continuation bytes trimmed", "€", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.s, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.s, tt.n)
			}
		})
	}
}
