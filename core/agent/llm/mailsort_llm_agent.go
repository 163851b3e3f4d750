package llm

import (
	"context"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

// CompletionPort is the one-shot completion transport the agent runs on.
// *Client satisfies it; tests substitute a canned implementation.
type CompletionPort interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteJSON(ctx context.Context, prompt string) (string, error)
}

var (
	_ out.ClassifierPort    = (*Agent)(nil)
	_ out.TaxonomyAgentPort = (*Agent)(nil)
)

// promptBodyLimit caps how much body text goes into one classify prompt.
const promptBodyLimit = 2000

// Agent implements the structured model operations. Each posts a single
// prompt, takes a single non-streaming response and parses the first JSON
// span out of it. A parse failure earns one repair-json round; a total
// failure returns the operation's safe default, never an error.
type Agent struct {
	llm     CompletionPort
	prompts *PromptStore
	log     zerolog.Logger
}

// NewAgent builds the agent over a completion transport and prompt store.
func NewAgent(llm CompletionPort, prompts *PromptStore) *Agent {
	return &Agent{llm: llm, prompts: prompts, log: logger.For("agent")}
}

// =============================================================================
// Classify
// =============================================================================

// classifyResponse is the wire shape of one classification.
type classifyResponse struct {
	PredictedFolder string   `json:"predicted_folder"`
	SecondaryLabels []string `json:"secondary_labels"`
	Confidence      float64  `json:"confidence"`
}

// ClassifyMessage predicts a category for one message. The predicted name
// is normalized onto the known set (exact, case-insensitive, then
// singular/plural); anything unrecognized or malformed becomes the Unknown
// fallback with confidence 0.
func (a *Agent) ClassifyMessage(ctx context.Context, env *domain.Envelope, tax *domain.Taxonomy) (*domain.Prediction, error) {
	prompt, err := a.prompts.Render("classify_message", map[string]any{
		"Categories": tax.Categories(),
		"Sender":     env.Sender,
		"Subject":    env.Subject,
		"Body":       truncate(env.BodyText, promptBodyLimit),
	})
	if err != nil {
		return domain.FallbackPrediction(), nil
	}

	var resp classifyResponse
	if !a.structured(ctx, prompt, true, &resp) {
		a.log.Warn().Str("message_id", env.MessageID).Msg("classification unusable, falling back to Unknown")
		return domain.FallbackPrediction(), nil
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		a.log.Warn().Float64("confidence", resp.Confidence).Str("message_id", env.MessageID).
			Msg("confidence out of range, falling back to Unknown")
		return domain.FallbackPrediction(), nil
	}

	name, ok := tax.Resolve(resp.PredictedFolder)
	if !ok {
		a.log.Debug().Str("predicted", resp.PredictedFolder).Str("message_id", env.MessageID).
			Msg("model predicted an unknown category")
		return domain.FallbackPrediction(), nil
	}
	return &domain.Prediction{
		Category:   name,
		Secondary:  resp.SecondaryLabels,
		Confidence: resp.Confidence,
	}, nil
}

// =============================================================================
// Taxonomy Operations
// =============================================================================

// DescribeFolder produces a trimmed one-line description from samples. The
// safe default is the empty string.
func (a *Agent) DescribeFolder(ctx context.Context, folder string, samples []*domain.Envelope) (string, error) {
	prompt, err := a.prompts.Render("describe_folder", map[string]any{
		"Folder":  folder,
		"Samples": samples,
	})
	if err != nil {
		return "", nil
	}
	resp, err := a.llm.Complete(ctx, prompt)
	if err != nil {
		a.log.Warn().Err(err).Str("folder", folder).Msg("describe-folder call failed")
		return "", nil
	}
	return strings.TrimSpace(resp), nil
}

type refineResponse struct {
	Categories  []domain.SuggestedCategory `json:"categories"`
	Assignments []domain.Assignment        `json:"assignments"`
}

// RefineTaxonomy feeds one batch to the model and folds its suggestions
// into the taxonomy. On failure the taxonomy comes back unchanged with no
// assignments; the induction loop carries on with the next batch.
func (a *Agent) RefineTaxonomy(ctx context.Context, batch []*domain.Envelope, tax *domain.Taxonomy, ordinal int) (*domain.Taxonomy, []domain.Assignment, error) {
	prompt, err := a.prompts.Render("refine_taxonomy", map[string]any{
		"Ordinal":    ordinal,
		"Categories": tax.Categories(),
		"Messages":   batch,
	})
	if err != nil {
		return tax, nil, nil
	}

	var resp refineResponse
	if !a.structured(ctx, prompt, true, &resp) {
		a.log.Warn().Int("ordinal", ordinal).Msg("refine batch unusable, taxonomy unchanged")
		return tax, nil, nil
	}

	updated := tax.Clone()
	for _, c := range resp.Categories {
		name := domain.SafeCategoryName(c.Name)
		if name == "" {
			continue
		}
		updated.Add(name, c.Description)
	}

	assignments := make([]domain.Assignment, 0, len(resp.Assignments))
	for _, asg := range resp.Assignments {
		if asg.MessageID == "" || asg.Category == "" {
			continue
		}
		asg.Category = domain.SafeCategoryName(asg.Category)
		assignments = append(assignments, asg)
	}
	return updated, assignments, nil
}

type normalizeResponse struct {
	Categories []domain.SuggestedCategory `json:"categories"`
	Renames    map[string]string          `json:"renames"`
}

// NormalizeTaxonomy merges semantic duplicates. The safe default is the
// input taxonomy with an empty rename map; the caller self-maps whatever is
// missing.
func (a *Agent) NormalizeTaxonomy(ctx context.Context, tax *domain.Taxonomy) (*domain.Taxonomy, map[string]string, error) {
	prompt, err := a.prompts.Render("normalize_taxonomy", map[string]any{
		"Categories": tax.Categories(),
	})
	if err != nil {
		return tax, map[string]string{}, nil
	}

	var resp normalizeResponse
	if !a.structured(ctx, prompt, true, &resp) {
		a.log.Warn().Msg("normalize response unusable, keeping taxonomy as-is")
		return tax, map[string]string{}, nil
	}

	normalized := domain.NewTaxonomy()
	for _, c := range resp.Categories {
		name := domain.SafeCategoryName(c.Name)
		if name == "" {
			continue
		}
		normalized.Add(name, c.Description)
	}
	if normalized.Len() == 0 {
		return tax, map[string]string{}, nil
	}

	renames := make(map[string]string, len(resp.Renames))
	for from, to := range resp.Renames {
		renames[from] = domain.SafeCategoryName(to)
	}
	return normalized, renames, nil
}

type renamesResponse struct {
	Renames map[string]string `json:"renames"`
}

// CompleteRenameMap is the repair pass for rename maps that miss names.
// Names the model still cannot place stay absent; the caller self-maps.
func (a *Agent) CompleteRenameMap(ctx context.Context, missing []string, tax *domain.Taxonomy) (map[string]string, error) {
	prompt, err := a.prompts.Render("complete_renames", map[string]any{
		"Missing":    missing,
		"Categories": tax.Categories(),
	})
	if err != nil {
		return map[string]string{}, nil
	}

	var resp renamesResponse
	if !a.structured(ctx, prompt, true, &resp) {
		a.log.Warn().Strs("missing", missing).Msg("rename repair pass unusable")
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(resp.Renames))
	for from, to := range resp.Renames {
		if to = domain.SafeCategoryName(to); to != "" {
			out[from] = to
		}
	}
	return out, nil
}

// =============================================================================
// Repair
// =============================================================================

// RepairJSON asks the model to fix a broken fragment. Returns the repaired
// span or "" when nothing parseable came back. Called at most once per
// failed parse.
func (a *Agent) RepairJSON(ctx context.Context, fragment string) string {
	prompt, err := a.prompts.Render("repair_json", map[string]any{"Fragment": fragment})
	if err != nil {
		return ""
	}
	resp, err := a.llm.Complete(ctx, prompt)
	if err != nil {
		a.log.Warn().Err(err).Msg("repair-json call failed")
		return ""
	}
	span, ok := ExtractJSON(resp)
	if !ok {
		return ""
	}
	var probe any
	if err := json.Unmarshal([]byte(span), &probe); err != nil {
		return ""
	}
	return span
}

// structured runs one prompt and parses the first JSON span into v. A
// failed parse goes through RepairJSON once. Reports whether v was filled.
func (a *Agent) structured(ctx context.Context, prompt string, wantJSON bool, v any) bool {
	var (
		resp string
		err  error
	)
	if wantJSON {
		resp, err = a.llm.CompleteJSON(ctx, prompt)
	} else {
		resp, err = a.llm.Complete(ctx, prompt)
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("completion call failed")
		return false
	}

	span, ok := ExtractJSON(resp)
	if ok && json.Unmarshal([]byte(span), v) == nil {
		return true
	}

	repaired := a.RepairJSON(ctx, resp)
	if repaired == "" {
		return false
	}
	return json.Unmarshal([]byte(repaired), v) == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never emits invalid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
