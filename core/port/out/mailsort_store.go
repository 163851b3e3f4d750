package out

import (
	"context"

	"mailsort_daemon/core/domain"
)

// =============================================================================
// Message Store Port
// =============================================================================

// MessageStorePort is the durable per-message record store. It is the single
// shared-writer resource and the synchronization point for duplicate
// suppression.
type MessageStorePort interface {
	// InsertIfAbsent stores the record unless a record with the same
	// message id already exists. Returns true when the row was inserted.
	InsertIfAbsent(ctx context.Context, rec *domain.MessageRecord) (bool, error)

	Get(ctx context.Context, messageID string) (*domain.MessageRecord, error)
	Exists(ctx context.Context, messageID string) (bool, error)

	// UpdateClassification records the prediction for an existing row.
	UpdateClassification(ctx context.Context, messageID, category string, confidence float64) error

	MarkTransferred(ctx context.Context, messageID string) error
	MarkTransferredBulk(ctx context.Context, messageIDs []string) error

	// ClearTransferred resets every transfer marker and returns the number
	// of rows touched.
	ClearTransferred(ctx context.Context) (int64, error)

	ListByFolder(ctx context.Context, folder string) ([]*domain.MessageRecord, error)
	ListByCategory(ctx context.Context, category string) ([]*domain.MessageRecord, error)
	ListUnclassified(ctx context.Context) ([]*domain.MessageRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.MessageRecord, error)
	CountByCategory(ctx context.Context) (map[string]int, error)
	Count(ctx context.Context) (int64, error)

	// ReplaceCategories mirrors the taxonomy into the categories table in
	// one transaction, preserving order.
	ReplaceCategories(ctx context.Context, categories []domain.Category) error
	ListCategories(ctx context.Context) ([]domain.Category, error)

	Close() error
}

// =============================================================================
// Category Store Port
// =============================================================================

// CategoryStorePort loads and saves the human-editable category file.
type CategoryStorePort interface {
	Load() (*domain.Taxonomy, error)
	Save(t *domain.Taxonomy) error

	// Path returns the backing file path for diagnostics.
	Path() string
}
