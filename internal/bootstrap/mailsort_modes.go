package bootstrap

import (
	"context"
	"fmt"
	"sort"

	"github.com/gofiber/fiber/v2"

	httpadapter "mailsort_daemon/adapter/in/http"
	"mailsort_daemon/adapter/in/listener"
	"mailsort_daemon/adapter/out/imapmail"
	"mailsort_daemon/adapter/out/localcache"
	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/core/service/induction"
	"mailsort_daemon/core/service/pipeline"
	"mailsort_daemon/core/service/sweep"
)

// WatchOptions tunes the daemon mode.
type WatchOptions struct {
	// Account is the transfer target selector; empty runs classify-only.
	Account domain.AccountSelector
}

// RunWatch is the daemon: IMAP listener feeding the pipeline, plus the
// duplex hub and the health endpoint. Blocks until the context is
// cancelled, then drains and stops everything.
func RunWatch(ctx context.Context, d *Deps, opts WatchOptions) error {
	cfg := d.Cfg

	var target out.MailTargetPort
	if opts.Account != "" {
		tgt, err := d.OpenTarget(ctx, opts.Account)
		if err != nil {
			return err
		}
		target = tgt
		defer tgt.Disconnect()
	}

	pipe := d.newPipeline(target)
	pipe.Start(ctx)
	d.SetCounters(pipe.Counters)

	lst := listener.New(
		listener.NewDialer(d.imapOptions()),
		cfg.IMAP.IdleFolders,
		cfg.IMAP.PollInterval(),
		pipe.Enqueue,
	)
	lst.Start(ctx)

	app, err := d.startHTTP(pipe)
	if err != nil {
		lst.Stop()
		pipe.Stop()
		return err
	}

	d.log.Info().Strs("folders", cfg.IMAP.IdleFolders).Msg("watching")
	<-ctx.Done()

	lst.Stop()
	pipe.Stop()
	if app != nil {
		app.Shutdown()
	}
	return nil
}

// SweepOptions tunes one bulk run.
type SweepOptions struct {
	// Source forces a back-end: cache, imap or duplex. Empty auto-selects.
	Source string

	// Folders limits the sweep; empty sweeps everything the source lists.
	Folders []string

	// Account enables transfers to the selected target account.
	Account domain.AccountSelector

	// Limit caps messages per folder.
	Limit int
}

// RunSweep bulk-classifies existing mail and optionally files it into
// category folders.
func RunSweep(ctx context.Context, d *Deps, opts SweepOptions) error {
	source, err := d.OpenSource(ctx, opts.Source)
	if err != nil {
		return err
	}
	defer source.Disconnect()

	folders, err := ResolveFolders(ctx, source, opts.Folders)
	if err != nil {
		return err
	}

	var target out.MailTargetPort
	if opts.Account != "" {
		tgt, err := d.OpenTarget(ctx, opts.Account)
		if err != nil {
			return err
		}
		target = tgt
		defer tgt.Disconnect()
	}

	pipe := d.newPipeline(target)
	pipe.Start(ctx)
	d.SetCounters(pipe.Counters)

	s := sweep.New(source, pipe, sweep.Options{
		Workers: d.Cfg.Pipeline.SweepWorkers,
		Limit:   opts.Limit,
		WithRaw: needsRaw(source, target),
	})
	runErr := s.Run(ctx, folders)
	pipe.Stop()

	c := pipe.Counters()
	d.log.Info().Int("imported", c.Imported).Int("classified", c.Classified).
		Int("transferred", c.Transferred).Int("junk", c.Junk).Int("failed", c.Failed).
		Msg("sweep done")
	return runErr
}

// needsRaw reports whether envelopes must carry original bytes: a direct
// IMAP target cannot locate messages that live in the local cache, so
// cross-back-end transfers append raw. The duplex target ignores raw
// entirely.
func needsRaw(source out.MailSourcePort, target out.MailTargetPort) bool {
	if target == nil {
		return false
	}
	_, directIMAP := target.(*imapmail.Target)
	_, fromCache := source.(*localcache.Source)
	return directIMAP && fromCache
}

// InductOptions tunes a taxonomy induction run.
type InductOptions struct {
	Source     string
	Folders    []string
	SampleSize int
}

// RunInduct samples existing mail and derives a refined taxonomy from it.
func RunInduct(ctx context.Context, d *Deps, opts InductOptions) error {
	source, err := d.OpenSource(ctx, opts.Source)
	if err != nil {
		return err
	}
	defer source.Disconnect()

	folders, err := ResolveFolders(ctx, source, opts.Folders)
	if err != nil {
		return err
	}
	if len(folders) == 0 {
		if folders, err = source.ListFolders(ctx); err != nil {
			return fmt.Errorf("list folders: %w", err)
		}
	}

	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = d.Cfg.Cache.SampleSize
	}
	samples, err := sampleAcross(ctx, source, folders, sampleSize)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return fmt.Errorf("nothing to induct: no messages in %d folders", len(folders))
	}
	d.log.Info().Int("samples", len(samples)).Int("folders", len(folders)).Msg("sampled")

	inducer := induction.New(d.Agent, d.CatFile, d.Store, d.Events, d.Cfg.Pipeline.BatchSize())
	res, err := inducer.Induct(ctx, samples, d.Taxonomy())
	if err != nil {
		return err
	}
	d.tax.set(res.Taxonomy)

	names := make([]string, 0, len(res.Counts))
	for name := range res.Counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d.log.Info().Str("category", name).Int("messages", res.Counts[name]).Msg("induced")
	}
	return nil
}

// RunHarvest bootstraps a taxonomy from the folder layout.
func RunHarvest(ctx context.Context, d *Deps, sourceForce string) error {
	source, err := d.OpenSource(ctx, sourceForce)
	if err != nil {
		return err
	}
	defer source.Disconnect()

	inducer := induction.New(d.Agent, d.CatFile, d.Store, d.Events, d.Cfg.Pipeline.BatchSize())
	tax, err := inducer.HarvestFolders(ctx, source, 5)
	if err != nil {
		return err
	}
	d.tax.set(tax)
	d.log.Info().Int("categories", tax.Len()).Str("file", d.CatFile.Path()).
		Msg("harvest done")
	return nil
}

// ============================================================================
// Shared assembly
// ============================================================================

func (d *Deps) newPipeline(target out.MailTargetPort) *pipeline.Pipeline {
	cfg := d.Cfg
	return pipeline.New(d.Store, d.Agent, target, d.Events, d.Engine, d.Taxonomy,
		pipeline.Options{
			Threshold:       cfg.Pipeline.Threshold(),
			TransferWorkers: int64(cfg.Pipeline.TransferConcurrency),
			SkipFolders:     cfg.Junk.SkipFolders,
			DrainTimeout:    cfg.Pipeline.DrainTimeout(),
		})
}

// startHTTP serves /health and /stats when the section is enabled.
func (d *Deps) startHTTP(pipe *pipeline.Pipeline) (*fiber.App, error) {
	if !d.Cfg.HTTP.Enabled {
		return nil, nil
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	var clients func() int
	if d.Hub != nil {
		clients = d.Hub.ClientCount
	}
	httpadapter.NewHandler(d.Store, pipe, d.Latencies, clients).Register(app)

	go func() {
		if err := app.Listen(d.Cfg.HTTP.Addr); err != nil {
			d.log.Error().Err(err).Str("addr", d.Cfg.HTTP.Addr).Msg("health endpoint failed")
		}
	}()
	d.log.Info().Str("addr", d.Cfg.HTTP.Addr).Msg("health endpoint up")
	return app, nil
}

// sampleAcross draws roughly sampleSize random messages spread over the
// folders, proportional caps per folder.
func sampleAcross(ctx context.Context, source out.MailSourcePort,
	folders []domain.FolderSpec, sampleSize int) ([]*domain.Envelope, error) {
	perFolder := sampleSize/len(folders) + 1

	var samples []*domain.Envelope
	for _, folder := range folders {
		if len(samples) >= sampleSize {
			break
		}
		iter, err := source.ReadMessages(ctx, folder, out.ReadOptions{Limit: perFolder, Random: true})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", folder.String(), err)
		}
		for len(samples) < sampleSize {
			env, ok := iter.Next()
			if !ok {
				break
			}
			samples = append(samples, env)
		}
		err = iter.Err()
		iter.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", folder.String(), err)
		}
	}
	return samples, nil
}
