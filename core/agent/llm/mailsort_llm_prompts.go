package llm

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"text/template"
)

// promptNamePattern is the whole allowed alphabet for prompt names. Names
// resolve to files under the base directory; the pattern plus the base-join
// check keeps refs from escaping it.
var promptNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// PromptStore loads named prompt templates from a resource directory and
// caches the parsed result. Every operation has a compiled-in default so a
// missing directory or file is never fatal.
type PromptStore struct {
	baseDir string

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewPromptStore resolves templates relative to baseDir; an empty baseDir
// serves the compiled-in defaults only.
func NewPromptStore(baseDir string) *PromptStore {
	return &PromptStore{
		baseDir: baseDir,
		cache:   make(map[string]*template.Template),
	}
}

// Render executes the named template with data.
func (p *PromptStore) Render(name string, data any) (string, error) {
	tmpl, err := p.load(name)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return b.String(), nil
}

func (p *PromptStore) load(name string) (*template.Template, error) {
	if !promptNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid prompt name %q", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tmpl, ok := p.cache[name]; ok {
		return tmpl, nil
	}

	text, ok := defaultPrompts[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt %q", name)
	}
	if p.baseDir != "" {
		path := filepath.Join(p.baseDir, name+".tmpl")
		// The name pattern forbids separators, but keep the base check:
		// the joined path must stay under the base directory.
		if rel, err := filepath.Rel(p.baseDir, path); err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("prompt %q resolves outside prompt dir", name)
		}
		if b, err := os.ReadFile(path); err == nil {
			text = string(b)
		}
	}

	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", name, err)
	}
	p.cache[name] = tmpl
	return tmpl, nil
}

// Compiled-in prompt defaults. Files of the same name (plus .tmpl) in the
// prompt directory override them.
var defaultPrompts = map[string]string{
	"classify_message": `You sort personal mail into folders. Pick exactly one folder for this message.

Folders:
{{range .Categories}}- {{.Name}}: {{.Description}}
{{end}}
Message:
From: {{.Sender}}
Subject: {{.Subject}}

{{.Body}}

Respond with JSON only, no other text:
{"predicted_folder": "<folder name>", "secondary_labels": [], "confidence": 0.0}
confidence is your certainty between 0.0 and 1.0.`,

	"describe_folder": `These messages were found in the mail folder "{{.Folder}}":

{{range .Samples}}From: {{.Sender}}
Subject: {{.Subject}}

{{end}}Write one short sentence describing what kind of mail belongs in this folder. Respond with the sentence only.`,

	"refine_taxonomy": `You are building a folder taxonomy for a personal mailbox. This is batch {{.Ordinal}}.

Current folders:
{{if .Categories}}{{range .Categories}}- {{.Name}}: {{.Description}}
{{end}}{{else}}(none yet)
{{end}}
Messages in this batch:
{{range .Messages}}[{{.MessageID}}] From: {{.Sender}} Subject: {{.Subject}}
{{end}}
Extend or adjust the folder set so every message fits somewhere. Folder names are single tokens without spaces. Assign every message. Respond with JSON only:
{"categories": [{"name": "...", "description": "...", "example_criteria": "..."}], "assignments": [{"message_id": "...", "category": "..."}]}`,

	"normalize_taxonomy": `This folder taxonomy grew batch by batch and contains semantic duplicates:

{{range .Categories}}- {{.Name}}: {{.Description}}
{{end}}
Merge duplicates into a consolidated set. Every original name must appear as a key in "renames", mapping to its surviving name (map a name to itself when it survives unchanged). Respond with JSON only:
{"categories": [{"name": "...", "description": "..."}], "renames": {"OldName": "NewName"}}`,

	"complete_renames": `These folder names still need a place in a consolidated taxonomy:

{{range .Missing}}- {{.}}
{{end}}
The consolidated folders are:
{{range .Categories}}- {{.Name}}: {{.Description}}
{{end}}
Map each remaining name to the best consolidated folder. Respond with JSON only:
{"renames": {"Name": "ConsolidatedName"}}`,

	"repair_json": `The following text was supposed to be valid JSON but is malformed. Output the corrected JSON and nothing else. If it cannot be repaired, output an empty string.

{{.Fragment}}`,
}
