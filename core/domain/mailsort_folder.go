package domain

import (
	"fmt"
	"strings"
)

// =============================================================================
// Folder Specifier
// =============================================================================

// FolderSpec addresses a mail folder either bare ("INBOX") or qualified by
// the back-end that owns it ("imap.example.org:INBOX").
type FolderSpec struct {
	Server string `json:"server,omitempty"`
	Folder string `json:"folder"`
}

// ParseFolderSpec splits "server:folder" on the first colon; input without a
// colon yields an unqualified spec.
func ParseFolderSpec(s string) FolderSpec {
	s = strings.TrimSpace(s)
	if server, folder, ok := strings.Cut(s, ":"); ok && server != "" && folder != "" {
		return FolderSpec{Server: server, Folder: folder}
	}
	return FolderSpec{Folder: s}
}

// Qualified reports whether the spec names its back-end.
func (f FolderSpec) Qualified() bool {
	return f.Server != ""
}

func (f FolderSpec) String() string {
	if f.Server == "" {
		return f.Folder
	}
	return f.Server + ":" + f.Folder
}

// AmbiguousFolderError is raised when an unqualified folder name exists on
// more than one back-end. The caller must qualify the specifier.
type AmbiguousFolderError struct {
	Folder     string
	Candidates []string
}

func (e *AmbiguousFolderError) Error() string {
	return fmt.Sprintf("folder %q is ambiguous: present on %s; qualify it as server:folder",
		e.Folder, strings.Join(e.Candidates, ", "))
}

// =============================================================================
// Account Selector
// =============================================================================

// AccountSelector names a logical target account: "local" and "imap" are
// reserved, anything else is an opaque account identifier understood by the
// duplex client.
type AccountSelector string

const (
	AccountLocal AccountSelector = "local"
	AccountIMAP  AccountSelector = "imap"
)

// Reserved reports whether the selector is one of the two well-known names.
func (a AccountSelector) Reserved() bool {
	return a == AccountLocal || a == AccountIMAP
}
