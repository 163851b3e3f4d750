package out

import (
	"context"

	"mailsort_daemon/core/domain"
)

// =============================================================================
// Mail Target Port
// =============================================================================

// MailTargetPort writes folders and messages into one back-end.
//
// CopyMessage and MoveMessage address the message by its Message-ID header.
// When raw is nil the target locates the bytes on its own side; when raw is
// given the target appends it directly (cross-back-end transfer) and a move
// leaves removal from the origin to the caller.
type MailTargetPort interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Name() string

	ListFolders(ctx context.Context) ([]domain.FolderSpec, error)

	// CreateFolder returns true when the folder was created, false when it
	// already existed.
	CreateFolder(ctx context.Context, folder string) (bool, error)

	// DeleteFolder returns true when the folder was removed, false when it
	// did not exist.
	DeleteFolder(ctx context.Context, folder string) (bool, error)

	CopyMessage(ctx context.Context, messageID, folder string, raw []byte) (bool, error)
	MoveMessage(ctx context.Context, messageID, folder string, raw []byte) (bool, error)
}
