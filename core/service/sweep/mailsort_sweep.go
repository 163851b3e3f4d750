// Package sweep bulk-classifies existing mail: every message in the
// selected folders is read and fed into the classification queue. Folders
// are pool jobs, so messages within one folder keep their order while
// folders proceed in parallel.
package sweep

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/in"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

// Options tunes one sweep run.
type Options struct {
	// Workers is the number of concurrent folder readers.
	Workers int

	// Limit caps messages per folder; 0 sweeps everything.
	Limit int

	// WithRaw carries original bytes on each envelope so a cross-back-end
	// target can append them.
	WithRaw bool
}

// Sweeper reads folders off a source and enqueues their messages.
type Sweeper struct {
	source out.MailSourcePort
	queue  in.ClassifyQueuePort
	opts   Options
	log    zerolog.Logger

	read atomic.Int64
}

// New builds a sweeper over the source, feeding the queue.
func New(source out.MailSourcePort, queue in.ClassifyQueuePort, opts Options) *Sweeper {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Sweeper{source: source, queue: queue, opts: opts, log: logger.For("sweep")}
}

// folderWorker implements pool.Worker for one folder job.
type folderWorker struct {
	sweeper *Sweeper
}

func (w *folderWorker) Do(ctx context.Context, folder domain.FolderSpec) error {
	return w.sweeper.sweepFolder(ctx, folder)
}

// Run sweeps the given folders; with none it sweeps every folder the
// source lists. A folder that fails is logged and skipped; Run fails only
// when no folder could be swept at all.
func (s *Sweeper) Run(ctx context.Context, folders []domain.FolderSpec) error {
	if len(folders) == 0 {
		var err error
		folders, err = s.source.ListFolders(ctx)
		if err != nil {
			return fmt.Errorf("list folders: %w", err)
		}
	}
	if len(folders) == 0 {
		s.log.Warn().Msg("nothing to sweep")
		return nil
	}

	p := pool.New[domain.FolderSpec](s.opts.Workers, &folderWorker{sweeper: s}).
		WithContinueOnError()
	if err := p.Go(ctx); err != nil {
		return fmt.Errorf("start sweep pool: %w", err)
	}
	for _, folder := range folders {
		p.Submit(folder)
	}
	if err := p.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("some folders failed")
	}

	read := s.read.Load()
	s.log.Info().Int("folders", len(folders)).Int64("messages", read).Msg("sweep finished")
	if read == 0 {
		return fmt.Errorf("swept %d folders, read nothing", len(folders))
	}
	return nil
}

func (s *Sweeper) sweepFolder(ctx context.Context, folder domain.FolderSpec) error {
	log := s.log.With().Str("folder", folder.String()).Logger()

	iter, err := s.source.ReadMessages(ctx, folder, out.ReadOptions{
		Limit:   s.opts.Limit,
		WithRaw: s.opts.WithRaw,
	})
	if err != nil {
		log.Error().Err(err).Msg("cannot read folder")
		return fmt.Errorf("read %s: %w", folder.String(), err)
	}
	defer iter.Close()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, ok := iter.Next()
		if !ok {
			break
		}
		s.queue.Enqueue(env)
		n++
	}
	s.read.Add(int64(n))
	if err := iter.Err(); err != nil {
		log.Error().Err(err).Int("enqueued", n).Msg("folder read aborted")
		return fmt.Errorf("read %s: %w", folder.String(), err)
	}
	log.Info().Int("messages", n).Msg("folder swept")
	return nil
}
