// Package taxonomy persists the category set as a line-oriented text file,
// the canonical interchange format for the user's taxonomy.
package taxonomy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

var _ out.CategoryStorePort = (*CategoryFile)(nil)

// preamble is written at the top of every saved file. It parses as comments
// so a save/load cycle leaves the taxonomy unchanged.
const preamble = `# Mail categories.
# One entry per line: Name: description
# Names are single tokens; descriptions may wrap onto following lines.
`

// CategoryFile reads and writes the category file at a fixed path.
type CategoryFile struct {
	path string
	log  zerolog.Logger
}

// New returns a store backed by the given file path.
func New(path string) *CategoryFile {
	return &CategoryFile{path: path, log: logger.For("catfile")}
}

// Path returns the backing file path.
func (c *CategoryFile) Path() string {
	return c.path
}

// Load parses the file. Rules:
//
//   - lines starting with # are comments
//   - blank lines separate entries
//   - "Name: description" starts an entry when Name is one token
//   - any other non-blank line continues the previous description;
//     that includes lines whose would-be name contains whitespace
//
// A missing file yields an empty taxonomy.
func (c *CategoryFile) Load() (*domain.Taxonomy, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewTaxonomy(), nil
		}
		return nil, fmt.Errorf("open category file: %w", err)
	}
	defer f.Close()

	tax := domain.NewTaxonomy()
	var current string // name of the entry collecting continuations

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			current = ""
			continue
		case strings.HasPrefix(trimmed, "#"):
			continue
		}

		if name, desc, ok := splitEntry(trimmed); ok {
			tax.Add(name, desc)
			current = name
			continue
		}

		if current == "" {
			c.log.Debug().Str("line", trimmed).Msg("skipping stray line before first entry")
			continue
		}
		entry, _ := tax.Get(current)
		if entry.Description == "" {
			tax.Add(current, trimmed)
		} else {
			tax.Add(current, entry.Description+" "+trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read category file: %w", err)
	}
	return tax, nil
}

// Save writes the taxonomy with the fixed preamble, atomically via a
// temp-file rename.
func (c *CategoryFile) Save(t *domain.Taxonomy) error {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n")
	for _, cat := range t.Categories() {
		desc := strings.Join(strings.Fields(cat.Description), " ")
		fmt.Fprintf(&b, "%s: %s\n", cat.Name, desc)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".categories-*")
	if err != nil {
		return fmt.Errorf("create temp category file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write category file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close category file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace category file: %w", err)
	}
	c.log.Debug().Int("categories", t.Len()).Str("path", c.path).Msg("saved category file")
	return nil
}

// splitEntry recognizes "Name: description" where Name is one token.
func splitEntry(line string) (name, desc string, ok bool) {
	head, tail, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	head = strings.TrimSpace(head)
	if head == "" || strings.ContainsAny(head, " \t") {
		return "", "", false
	}
	return head, strings.TrimSpace(tail), true
}
