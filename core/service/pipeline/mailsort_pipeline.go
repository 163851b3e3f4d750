// Package pipeline runs envelopes through dedupe, junk rules, the
// classifier and the optional transfer stage. One consumer goroutine owns
// the LLM call; target transfers fan out behind a weighted semaphore.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/in"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/core/service/rules"
	"mailsort_daemon/pkg/logger"
)

var _ in.ClassifyQueuePort = (*Pipeline)(nil)

// Options tunes one pipeline instance.
type Options struct {
	// Threshold is the minimum confidence for routing to the predicted
	// category; below it messages go to the fallback folder.
	Threshold float64

	// TransferWorkers bounds concurrent target transfers.
	TransferWorkers int64

	// SkipFolders lists folders exempt from junk rules (typically the
	// junk folders themselves, already sorted by the mail client).
	SkipFolders []string

	// DrainTimeout caps how long Stop waits for the queue to empty.
	DrainTimeout time.Duration
}

// Pipeline is the classification conveyor. Producers enqueue envelopes from
// any goroutine; a single consumer classifies them in arrival order.
type Pipeline struct {
	store      out.MessageStorePort
	classifier out.ClassifierPort
	target     out.MailTargetPort // nil disables the transfer stage
	events     out.EventPort
	engine     *rules.Engine // nil disables junk matching
	taxonomy   func() *domain.Taxonomy
	opts       Options
	log        zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*domain.Envelope
	draining bool
	counters in.PipelineCounters

	sem      *semaphore.Weighted
	wg       sync.WaitGroup // consumer
	transfer sync.WaitGroup // in-flight transfers
	cancel   context.CancelFunc
}

// New builds a pipeline. The taxonomy func is called per message so a
// re-induction under a running daemon takes effect without restart. target
// and engine may be nil; events must not be (use NopEventPort).
func New(store out.MessageStorePort, classifier out.ClassifierPort, target out.MailTargetPort,
	events out.EventPort, engine *rules.Engine, taxonomy func() *domain.Taxonomy, opts Options) *Pipeline {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.5
	}
	if opts.TransferWorkers <= 0 {
		opts.TransferWorkers = 4
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	p := &Pipeline{
		store:      store,
		classifier: classifier,
		target:     target,
		events:     events,
		engine:     engine,
		taxonomy:   taxonomy,
		opts:       opts,
		sem:        semaphore.NewWeighted(opts.TransferWorkers),
		log:        logger.For("pipeline"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the consumer goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.consume(ctx)
}

// Stop drains the queue item by item until it is empty or the drain
// deadline passes, then cancels the consumer and waits for in-flight
// transfers.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.draining = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.opts.DrainTimeout):
		p.log.Warn().Dur("deadline", p.opts.DrainTimeout).Msg("drain deadline hit, cancelling consumer")
		p.cancel()
		<-done
	}
	p.transfer.Wait()
	p.cancel()
}

// Enqueue appends the envelope to the queue. Never blocks.
func (p *Pipeline) Enqueue(env *domain.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		p.log.Warn().Str("message_id", env.MessageID).Msg("dropping enqueue during drain")
		return
	}
	p.queue = append(p.queue, env)
	p.counters.QueueDepth = len(p.queue)
	p.cond.Signal()
}

// Counters returns a snapshot of the progress counters.
func (p *Pipeline) Counters() in.PipelineCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.counters
	c.QueueDepth = len(p.queue)
	return c
}

// consume is the single consumer loop: strict arrival order, one LLM call
// in flight.
func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		env, ok := p.dequeue()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.process(ctx, env)
	}
}

// dequeue blocks until an envelope is available. Returns false when the
// pipeline is draining and the queue is empty.
func (p *Pipeline) dequeue() (*domain.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 {
		if p.draining {
			return nil, false
		}
		p.cond.Wait()
	}
	env := p.queue[0]
	p.queue = p.queue[1:]
	p.counters.QueueDepth = len(p.queue)
	return env, true
}

func (p *Pipeline) process(ctx context.Context, env *domain.Envelope) {
	log := p.log.With().Str("message_id", env.MessageID).Str("folder", env.Folder).Logger()

	seen, err := p.store.Exists(ctx, env.MessageID)
	if err != nil {
		log.Error().Err(err).Msg("store lookup failed")
		p.bump(func(c *in.PipelineCounters) { c.Failed++ })
		return
	}
	if seen {
		log.Debug().Msg("duplicate, skipping")
		return
	}

	// Junk rules pre-empt the LLM entirely.
	if rule, matched := p.matchJunk(env); matched {
		rec := domain.NewRecord(env)
		rec.IsJunk = true
		text := rule.String()
		rec.MatchedRule = &text
		if _, err := p.store.InsertIfAbsent(ctx, rec); err != nil {
			log.Error().Err(err).Msg("storing junk record failed")
			p.bump(func(c *in.PipelineCounters) { c.Failed++ })
			return
		}
		p.bump(func(c *in.PipelineCounters) { c.Imported++; c.Junk++ })
		p.events.Broadcast(out.EventEmailClassified, out.EmailClassifiedEvent{
			MessageID: env.MessageID,
			Folder:    env.Folder,
			IsJunk:    true,
		})
		log.Info().Str("rule", text).Msg("junk rule matched")
		return
	}

	inserted, err := p.store.InsertIfAbsent(ctx, domain.NewRecord(env))
	if err != nil {
		log.Error().Err(err).Msg("storing record failed")
		p.bump(func(c *in.PipelineCounters) { c.Failed++ })
		return
	}
	if !inserted {
		log.Debug().Msg("lost insert race, skipping")
		return
	}
	p.bump(func(c *in.PipelineCounters) { c.Imported++ })

	pred, err := p.classifier.ClassifyMessage(ctx, env, p.taxonomy())
	if err != nil {
		// The classifier falls back internally; an error here is a hard
		// transport/config problem worth surfacing per message.
		log.Error().Err(err).Msg("classification failed")
		p.bump(func(c *in.PipelineCounters) { c.Failed++ })
		return
	}
	if err := p.store.UpdateClassification(ctx, env.MessageID, pred.Category, pred.Confidence); err != nil {
		log.Error().Err(err).Msg("recording classification failed")
		p.bump(func(c *in.PipelineCounters) { c.Failed++ })
		return
	}
	p.bump(func(c *in.PipelineCounters) { c.Classified++ })
	p.events.Broadcast(out.EventEmailClassified, out.EmailClassifiedEvent{
		MessageID:  env.MessageID,
		Folder:     env.Folder,
		Category:   pred.Category,
		Confidence: pred.Confidence,
	})
	log.Info().Str("category", pred.Category).Float64("confidence", pred.Confidence).Msg("classified")

	if p.target == nil {
		return
	}
	dest := pred.RouteFolder(p.opts.Threshold)
	p.transfer.Add(1)
	go p.transferMessage(ctx, env, dest)
}

// transferMessage moves one message into its category folder, bounded by
// the transfer semaphore.
func (p *Pipeline) transferMessage(ctx context.Context, env *domain.Envelope, dest string) {
	defer p.transfer.Done()
	log := p.log.With().Str("message_id", env.MessageID).Str("dest", dest).Logger()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.bump(func(c *in.PipelineCounters) { c.Failed++ })
		return
	}
	defer p.sem.Release(1)

	created, err := p.target.CreateFolder(ctx, dest)
	if err != nil {
		log.Error().Err(err).Msg("ensuring destination folder failed")
		p.bump(func(c *in.PipelineCounters) { c.Failed++ })
		return
	}
	moved, err := p.target.MoveMessage(ctx, env.MessageID, dest, env.Raw)
	if err != nil || !moved {
		log.Error().Err(err).Msg("transfer failed")
		p.bump(func(c *in.PipelineCounters) { c.Failed++ })
		return
	}
	if err := p.store.MarkTransferred(ctx, env.MessageID); err != nil {
		log.Error().Err(err).Msg("marking transferred failed")
		p.bump(func(c *in.PipelineCounters) { c.Failed++ })
		return
	}
	p.bump(func(c *in.PipelineCounters) { c.Transferred++ })
	p.events.Broadcast(out.EventFolderUpdated, out.FolderUpdatedEvent{Folder: dest, Created: created})
	log.Debug().Msg("transferred")
}

func (p *Pipeline) matchJunk(env *domain.Envelope) (*domain.Rule, bool) {
	if p.engine == nil || p.engine.Empty() {
		return nil, false
	}
	for _, skip := range p.opts.SkipFolders {
		if skip == env.Folder {
			return nil, false
		}
	}
	return p.engine.Match(env)
}

func (p *Pipeline) bump(f func(*in.PipelineCounters)) {
	p.mu.Lock()
	f(&p.counters)
	p.mu.Unlock()
}
