// Package induction builds and refines the category taxonomy from a sample
// of existing mail. It is the batch counterpart of the live pipeline: no
// queue, no transfers, just repeated model round-trips folding batches into
// a taxonomy and a final normalization pass.
package induction

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

// Result is what one induction run produces.
type Result struct {
	Taxonomy    *domain.Taxonomy
	Assignments []domain.Assignment

	// Counts is messages per final category name.
	Counts map[string]int
}

// Inducer drives taxonomy induction and folder harvesting.
type Inducer struct {
	agent     out.TaxonomyAgentPort
	catStore  out.CategoryStorePort
	store     out.MessageStorePort // nil skips the sqlite mirror
	events    out.EventPort
	batchSize int
	log       zerolog.Logger
}

// New builds an inducer. batchSize caps envelopes per refine call.
func New(agent out.TaxonomyAgentPort, catStore out.CategoryStorePort,
	store out.MessageStorePort, events out.EventPort, batchSize int) *Inducer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if events == nil {
		events = out.NopEventPort{}
	}
	return &Inducer{
		agent:     agent,
		catStore:  catStore,
		store:     store,
		events:    events,
		batchSize: batchSize,
		log:       logger.For("induction"),
	}
}

// Induct folds the sampled envelopes into the seed taxonomy batch by batch,
// normalizes the result, rewrites every assignment through the rename map
// and persists the final taxonomy. No assignment is lost: names the rename
// map cannot place are carried through unchanged and appended to the
// taxonomy.
func (in *Inducer) Induct(ctx context.Context, envs []*domain.Envelope, seed *domain.Taxonomy) (*Result, error) {
	if seed == nil {
		seed = domain.NewTaxonomy()
	}
	tax := seed.Clone()

	var assignments []domain.Assignment
	ordinal := 0
	for start := 0; start < len(envs); start += in.batchSize {
		end := start + in.batchSize
		if end > len(envs) {
			end = len(envs)
		}
		ordinal++

		next, batchAssignments, err := in.agent.RefineTaxonomy(ctx, envs[start:end], tax, ordinal)
		if err != nil {
			return nil, fmt.Errorf("refine batch %d: %w", ordinal, err)
		}
		tax = next
		assignments = append(assignments, batchAssignments...)
		in.log.Info().Int("batch", ordinal).Int("messages", end-start).
			Int("categories", tax.Len()).Msg("batch refined")
	}

	preRename := tax.Names()
	normalized, renames, err := in.agent.NormalizeTaxonomy(ctx, tax)
	if err != nil {
		return nil, fmt.Errorf("normalize taxonomy: %w", err)
	}
	renames, err = in.completeRenames(ctx, preRename, renames, normalized)
	if err != nil {
		return nil, err
	}

	final := normalized.Clone()
	for from, to := range renames {
		if final.Has(to) {
			continue
		}
		desc := ""
		if c, ok := tax.Get(from); ok {
			desc = c.Description
		}
		final.Add(to, desc)
	}
	assignments = rewriteAssignments(assignments, renames)
	for _, a := range assignments {
		if !final.Has(a.Category) {
			// A rename target the normalize pass dropped, or a carried-over
			// pre-rename name. Keep the assignment valid.
			desc := ""
			if c, ok := tax.Get(a.Category); ok {
				desc = c.Description
			}
			final.Add(a.Category, desc)
		}
	}

	if err := in.persist(ctx, final); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, a := range assignments {
		counts[a.Category]++
	}
	in.events.Broadcast(out.EventBatchComplete, out.BatchCompleteEvent{
		Imported:   len(envs),
		Classified: len(assignments),
	})
	in.log.Info().Int("categories", final.Len()).Int("assignments", len(assignments)).
		Msg("induction complete")
	return &Result{Taxonomy: final, Assignments: assignments, Counts: counts}, nil
}

// completeRenames widens the rename map until its domain covers every
// pre-rename name: one model repair pass for the gaps, then self-mapping
// for whatever the model still cannot place.
func (in *Inducer) completeRenames(ctx context.Context, preRename []string,
	renames map[string]string, normalized *domain.Taxonomy) (map[string]string, error) {
	if renames == nil {
		renames = make(map[string]string)
	}

	var missing []string
	for _, name := range preRename {
		if _, ok := renames[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		repaired, err := in.agent.CompleteRenameMap(ctx, missing, normalized)
		if err != nil {
			in.log.Warn().Err(err).Int("missing", len(missing)).
				Msg("rename repair failed, self-mapping the gaps")
		} else {
			for from, to := range repaired {
				if to != "" {
					renames[from] = to
				}
			}
		}
	}
	for _, name := range preRename {
		if _, ok := renames[name]; !ok {
			renames[name] = name
		}
	}
	// Drop keys the normalize pass invented outside the pre-rename set so
	// the map's domain stays exactly the pre-rename names.
	known := make(map[string]bool, len(preRename))
	for _, name := range preRename {
		known[name] = true
	}
	for from := range renames {
		if !known[from] {
			delete(renames, from)
		}
	}
	return renames, nil
}

func rewriteAssignments(assignments []domain.Assignment, renames map[string]string) []domain.Assignment {
	out := make([]domain.Assignment, len(assignments))
	for i, a := range assignments {
		if to, ok := renames[a.Category]; ok && to != "" {
			a.Category = to
		}
		out[i] = a
	}
	return out
}

// persist saves the taxonomy to the category file and mirrors it into the
// store's categories table.
func (in *Inducer) persist(ctx context.Context, tax *domain.Taxonomy) error {
	if err := in.catStore.Save(tax); err != nil {
		return fmt.Errorf("save category file: %w", err)
	}
	if in.store != nil {
		if err := in.store.ReplaceCategories(ctx, tax.Categories()); err != nil {
			return fmt.Errorf("mirror categories: %w", err)
		}
	}
	return nil
}

// HarvestFolders bootstraps a taxonomy from the folder layout itself: a few
// samples per folder feed a folder description, and each folder becomes one
// category named after it.
func (in *Inducer) HarvestFolders(ctx context.Context, source out.MailSourcePort, sampleSize int) (*domain.Taxonomy, error) {
	if sampleSize <= 0 {
		sampleSize = 5
	}
	folders, err := source.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	tax := domain.NewTaxonomy()
	for _, folder := range folders {
		samples, err := in.sample(ctx, source, folder, sampleSize)
		if err != nil {
			in.log.Warn().Err(err).Str("folder", folder.Folder).Msg("skipping unreadable folder")
			continue
		}
		if len(samples) == 0 {
			in.log.Debug().Str("folder", folder.Folder).Msg("skipping empty folder")
			continue
		}

		desc, err := in.agent.DescribeFolder(ctx, folder.Folder, samples)
		if err != nil {
			return nil, fmt.Errorf("describe folder %s: %w", folder.Folder, err)
		}
		name := domain.SafeCategoryName(folder.Folder)
		if name == "" || tax.Has(name) {
			continue
		}
		tax.Add(name, desc)
		in.log.Info().Str("folder", folder.Folder).Str("category", name).Msg("harvested folder")
	}

	if err := in.persist(ctx, tax); err != nil {
		return nil, err
	}
	return tax, nil
}

func (in *Inducer) sample(ctx context.Context, source out.MailSourcePort,
	folder domain.FolderSpec, n int) ([]*domain.Envelope, error) {
	iter, err := source.ReadMessages(ctx, folder, out.ReadOptions{Limit: n, Random: true})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var samples []*domain.Envelope
	for {
		env, ok := iter.Next()
		if !ok {
			break
		}
		samples = append(samples, env)
	}
	return samples, iter.Err()
}
