package out

import (
	"context"

	"mailsort_daemon/core/domain"
)

// =============================================================================
// LLM Ports
// =============================================================================

// ClassifierPort predicts a category for one message. Implementations never
// return an error for bad model output; they fall back to the Unknown
// category with confidence 0 so the pipeline keeps moving.
type ClassifierPort interface {
	ClassifyMessage(ctx context.Context, env *domain.Envelope, tax *domain.Taxonomy) (*domain.Prediction, error)
}

// TaxonomyAgentPort covers the induction-time interactions with the model.
type TaxonomyAgentPort interface {
	// DescribeFolder produces a trimmed free-text description of a folder
	// from a handful of sample messages.
	DescribeFolder(ctx context.Context, folder string, samples []*domain.Envelope) (string, error)

	// RefineTaxonomy feeds one batch and the taxonomy so far; returns the
	// updated taxonomy and per-message assignments for the batch.
	RefineTaxonomy(ctx context.Context, batch []*domain.Envelope, tax *domain.Taxonomy, ordinal int) (*domain.Taxonomy, []domain.Assignment, error)

	// NormalizeTaxonomy merges semantically duplicate categories and
	// returns the consolidated taxonomy plus an old-name -> new-name map.
	NormalizeTaxonomy(ctx context.Context, tax *domain.Taxonomy) (*domain.Taxonomy, map[string]string, error)

	// CompleteRenameMap asks the model to place names the normalize pass
	// left out of the rename map. Names it still cannot place are absent
	// from the result and self-map at the caller.
	CompleteRenameMap(ctx context.Context, missing []string, tax *domain.Taxonomy) (map[string]string, error)
}
