package out

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
)

// =============================================================================
// Duplex Requester Port
// =============================================================================

// Duplex action names understood by the cooperating mail client.
const (
	ActionPing           = "ping"
	ActionListFolders    = "listFolders"
	ActionListAccounts   = "listAccounts"
	ActionGetMessage     = "getMessage"
	ActionMoveMessages   = "moveMessages"
	ActionCopyMessages   = "copyMessages"
	ActionDeleteMessages = "deleteMessages"
	ActionTagMessages    = "tagMessages"
	ActionCreateFolder   = "createFolder"
	ActionRenameFolder   = "renameFolder"
	ActionDeleteFolder   = "deleteFolder"
)

// ErrDuplexNotConnected is returned when an operation needs the duplex
// client and none is connected.
var ErrDuplexNotConnected = errors.New("no duplex client connected")

// ErrDuplexTimeout is returned when the client does not answer a request
// before the deadline.
var ErrDuplexTimeout = errors.New("duplex request timed out")

// DuplexAccount is one account as surfaced by the cooperating client.
type DuplexAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Type is "local" for on-device folders or "imap" for server accounts.
	Type string `json:"type"`
}

// DuplexRequesterPort sends a request to the connected client and awaits the
// matching response. Implementations correlate by generated request id and
// fail with ErrDuplexTimeout after the configured deadline.
type DuplexRequesterPort interface {
	Connected() bool
	Request(ctx context.Context, action string, params map[string]interface{}) (json.RawMessage, error)
}
