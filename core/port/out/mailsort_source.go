// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"

	"mailsort_daemon/core/domain"
)

// =============================================================================
// Mail Source Port
// =============================================================================

// ErrBulkNotSupported is returned by sources that only support point
// lookups, such as the duplex client.
var ErrBulkNotSupported = errors.New("source does not support bulk streaming")

// ReadOptions tune one ReadMessages call.
type ReadOptions struct {
	// Limit caps the number of envelopes; 0 means no cap.
	Limit int

	// Random samples without replacement instead of reading in order.
	// Only meaningful together with Limit.
	Random bool

	// WithRaw populates Envelope.Raw so a cross-back-end transfer can
	// append the original bytes on the far side.
	WithRaw bool
}

// MessageIter is a lazy, finite sequence of envelopes. The sequence is
// restartable by calling ReadMessages again. Close must be called on every
// exit path and is safe to call twice.
type MessageIter interface {
	// Next returns the next envelope, or nil, false when the sequence is
	// exhausted or failed. Check Err after the final Next.
	Next() (*domain.Envelope, bool)
	Err() error
	Close() error
}

// MailSourcePort reads folders and messages out of one back-end.
type MailSourcePort interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Name identifies the back-end and qualifies folder specs when the
	// back-end spans multiple accounts.
	Name() string

	ListFolders(ctx context.Context) ([]domain.FolderSpec, error)
	ReadMessages(ctx context.Context, folder domain.FolderSpec, opts ReadOptions) (MessageIter, error)
}

// =============================================================================
// Optional Capabilities
// =============================================================================

// MessageGetter is the point-lookup capability. The duplex source supports
// only this.
type MessageGetter interface {
	GetMessage(ctx context.Context, messageID string) (*domain.Envelope, error)
}

// RawReader re-reads the original bytes of a message through its opaque
// source-ref. The message id disambiguates within container refs such as an
// archive file. Implementations must reject refs that resolve outside the
// back-end's known roots.
type RawReader interface {
	ReadRaw(ctx context.Context, sourceRef, messageID string) ([]byte, error)
}
