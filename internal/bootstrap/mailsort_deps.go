// Package bootstrap assembles the adapters into running modes. It owns the
// selection rules: which source feeds a run, which target receives
// transfers, and which shared services every mode carries.
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"mailsort_daemon/adapter/in/duplex"
	"mailsort_daemon/adapter/out/duplexmail"
	"mailsort_daemon/adapter/out/imapmail"
	"mailsort_daemon/adapter/out/localcache"
	"mailsort_daemon/adapter/out/persistence"
	"mailsort_daemon/adapter/out/taxonomy"
	"mailsort_daemon/config"
	"mailsort_daemon/core/agent/llm"
	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/in"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/core/service/rules"
	"mailsort_daemon/pkg/logger"
	"mailsort_daemon/pkg/metrics"
)

// Deps is the shared service graph every mode starts from.
type Deps struct {
	Cfg       *config.Config
	Store     *persistence.Store
	CatFile   *taxonomy.CategoryFile
	Agent     *llm.Agent
	Engine    *rules.Engine // nil when junk matching is disabled
	Latencies *metrics.Registry
	Hub       *duplex.Hub // nil when the duplex server is disabled
	Events    out.EventPort

	tax   *taxonomyHolder
	log   zerolog.Logger
	close []func()
}

// NewDeps opens the store, loads the taxonomy, builds the model agent and,
// when enabled, starts the duplex hub. The returned cleanup is safe to call
// once.
func NewDeps(cfg *config.Config) (*Deps, func(), error) {
	d := &Deps{Cfg: cfg, log: logger.For("bootstrap")}

	store, err := persistence.New(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	d.Store = store
	d.close = append(d.close, func() { store.Close() })

	d.CatFile = taxonomy.New(cfg.Store.CategoryFile)
	tax, err := d.CatFile.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load categories %s: %w", cfg.Store.CategoryFile, err)
	}
	d.tax = &taxonomyHolder{current: tax}

	d.Latencies = metrics.NewRegistry(256)
	client := llm.NewClient(llm.ClientConfig{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		Timeout:           cfg.LLM.Timeout(),
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		Latencies:         d.Latencies,
	})
	d.Agent = llm.NewAgent(client, llm.NewPromptStore(cfg.LLM.PromptDir))

	if cfg.Junk.Enabled {
		d.Engine = rules.NewEngine(cfg.Junk.Rules)
	}

	d.Events = out.NopEventPort{}
	if cfg.Duplex.Enabled {
		hub := duplex.New(duplex.Options{
			Addr:           cfg.Duplex.Addr(),
			Token:          cfg.Duplex.Token,
			RequestTimeout: cfg.Duplex.RequestTimeout(),
		}, store, nil)
		if err := hub.Start(); err != nil {
			d.cleanup()
			return nil, nil, fmt.Errorf("start duplex server: %w", err)
		}
		d.Hub = hub
		d.Events = hub
		d.close = append(d.close, hub.Stop)
	}

	return d, d.cleanup, nil
}

func (d *Deps) cleanup() {
	for i := len(d.close) - 1; i >= 0; i-- {
		d.close[i]()
	}
	d.close = nil
}

// Taxonomy returns the live taxonomy; induction swaps it via ReloadTaxonomy.
func (d *Deps) Taxonomy() *domain.Taxonomy {
	return d.tax.get()
}

// ReloadTaxonomy re-reads the category file, typically after an induction
// run finished under a live daemon.
func (d *Deps) ReloadTaxonomy() error {
	tax, err := d.CatFile.Load()
	if err != nil {
		return err
	}
	d.tax.set(tax)
	return nil
}

// SetCounters lets the hub serve live pipeline stats once the pipeline
// exists; the hub is built before the pipeline because the pipeline wants
// the hub as its event sink.
func (d *Deps) SetCounters(counters func() in.PipelineCounters) {
	if d.Hub != nil {
		d.Hub.SetCounters(counters)
	}
}

type taxonomyHolder struct {
	mu      sync.RWMutex
	current *domain.Taxonomy
}

func (h *taxonomyHolder) get() *domain.Taxonomy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *taxonomyHolder) set(t *domain.Taxonomy) {
	h.mu.Lock()
	h.current = t
	h.mu.Unlock()
}

// ============================================================================
// Source selection
// ============================================================================

// OpenSource picks the mail source: an explicit force wins, otherwise the
// local cache when a profile is found, otherwise remote IMAP, otherwise a
// clear failure.
func (d *Deps) OpenSource(ctx context.Context, force string) (out.MailSourcePort, error) {
	cfg := d.Cfg
	switch force {
	case "cache":
		return d.openCache(ctx)
	case "imap":
		return d.openIMAPSource(ctx)
	case "duplex":
		return d.openDuplexSource(ctx)
	case "":
	default:
		return nil, fmt.Errorf("unknown source %q (want cache, imap or duplex)", force)
	}

	if src, err := d.openCache(ctx); err == nil {
		return src, nil
	} else if cfg.Cache.ProfileDir != "" {
		// An explicitly configured profile that does not open is a config
		// problem, not a fallback case.
		return nil, err
	}
	if cfg.IMAP.Configured() {
		return d.openIMAPSource(ctx)
	}
	return nil, fmt.Errorf("no mail source available: no mail-client profile found and no [imap] section configured")
}

func (d *Deps) openCache(ctx context.Context) (out.MailSourcePort, error) {
	profile, err := localcache.Open(d.Cfg.Cache.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("open mail-client profile: %w", err)
	}
	src := localcache.NewSource(profile)
	if err := src.Connect(ctx); err != nil {
		return nil, err
	}
	d.log.Info().Str("profile", profile.Dir).Msg("using local cache source")
	return src, nil
}

func (d *Deps) openIMAPSource(ctx context.Context) (out.MailSourcePort, error) {
	if !d.Cfg.IMAP.Configured() {
		return nil, fmt.Errorf("no [imap] section configured")
	}
	src := imapmail.NewSource(d.imapOptions())
	if err := src.Connect(ctx); err != nil {
		return nil, err
	}
	d.log.Info().Str("host", d.Cfg.IMAP.Host).Msg("using remote IMAP source")
	return src, nil
}

func (d *Deps) openDuplexSource(ctx context.Context) (out.MailSourcePort, error) {
	if d.Hub == nil {
		return nil, fmt.Errorf("duplex source requires the [duplex] server enabled")
	}
	src := duplexmail.NewSource(d.Hub)
	if err := src.Connect(ctx); err != nil {
		return nil, err
	}
	return src, nil
}

func (d *Deps) imapOptions() imapmail.Options {
	return imapmail.Options{
		Addr:     d.Cfg.IMAP.Addr(),
		Host:     d.Cfg.IMAP.Host,
		TLS:      d.Cfg.IMAP.TLS,
		Username: d.Cfg.IMAP.Username,
		Password: d.Cfg.IMAP.Password,
	}
}

// ============================================================================
// Target selection
// ============================================================================

// OpenTarget resolves the account selector to a mail target. "local" and
// opaque account ids need the duplex client; "imap" prefers the duplex
// client when one is connected and falls back to direct IMAP.
func (d *Deps) OpenTarget(ctx context.Context, selector domain.AccountSelector) (out.MailTargetPort, error) {
	duplexUp := d.Hub != nil && d.Hub.Connected()

	switch {
	case selector == domain.AccountIMAP && !duplexUp:
		if !d.Cfg.IMAP.Configured() {
			return nil, fmt.Errorf("imap target: no duplex client connected and no [imap] section configured")
		}
		tgt := imapmail.NewTarget(d.imapOptions())
		if err := tgt.Connect(ctx); err != nil {
			return nil, err
		}
		d.log.Info().Str("host", d.Cfg.IMAP.Host).Msg("using direct IMAP target")
		return tgt, nil

	case duplexUp:
		tgt := duplexmail.NewTarget(d.Hub, selector)
		if err := tgt.Connect(ctx); err != nil {
			return nil, err
		}
		d.log.Info().Str("account", string(selector)).Msg("using duplex target")
		return tgt, nil

	default:
		return nil, fmt.Errorf("target account %q requires a connected duplex client", selector)
	}
}

// ============================================================================
// Folder resolution
// ============================================================================

// ResolveFolders parses folder arguments against the source's folder list.
// Unqualified names present on multiple back-ends fail with the candidate
// list so the operator can qualify them.
func ResolveFolders(ctx context.Context, source out.MailSourcePort, args []string) ([]domain.FolderSpec, error) {
	if len(args) == 0 {
		return nil, nil
	}
	available, err := source.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	specs := make([]domain.FolderSpec, 0, len(args))
	for _, arg := range args {
		want := domain.ParseFolderSpec(arg)
		var matches []domain.FolderSpec
		for _, have := range available {
			if have.Folder != want.Folder {
				continue
			}
			if want.Qualified() && have.Server != want.Server {
				continue
			}
			matches = append(matches, have)
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("folder %q not found on %s", arg, source.Name())
		case 1:
			specs = append(specs, matches[0])
		default:
			candidates := make([]string, len(matches))
			for i, m := range matches {
				candidates[i] = m.Server
			}
			return nil, &domain.AmbiguousFolderError{Folder: want.Folder, Candidates: candidates}
		}
	}
	return specs, nil
}
