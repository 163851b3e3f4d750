// Package listener maintains one long-lived IMAP idle session per watched
// folder and feeds newly arrived messages into the pipeline.
package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/pkg/apperr"
	"mailsort_daemon/pkg/logger"
)

// Session is one live connection selected on a folder. Implementations are
// used by a single goroutine at a time.
type Session interface {
	// Idle blocks until the server signals new arrivals, the timeout
	// passes, or stop closes. Reports whether the server woke us.
	Idle(timeout time.Duration, stop <-chan struct{}) (bool, error)

	// FetchAbove returns messages with UID strictly above the watermark
	// in ascending UID order, plus the new watermark.
	FetchAbove(watermark uint32) ([]*domain.Envelope, uint32, error)

	Close() error
}

// Dialer opens a fresh session on a folder. It returns the session, the
// highest UID currently in the mailbox (the initial watermark) and the
// mailbox's UIDVALIDITY.
type Dialer func(ctx context.Context, folder string) (Session, uint32, uint32, error)

const (
	baseBackoff = 5 * time.Second
	maxBackoff  = 300 * time.Second
)

// Listener supervises one goroutine per watched folder. Stopping is
// cooperative: the running flag is checked between idle rounds and at
// 1-second granularity inside reconnect sleeps.
type Listener struct {
	dial        Dialer
	folders     []string
	deliver     func(*domain.Envelope)
	idleTimeout time.Duration
	log         zerolog.Logger

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	// sleep pauses between reconnect attempts, reporting false when the
	// listener stopped mid-sleep. Tests substitute it to observe delays.
	sleep func(d time.Duration) bool
}

// New builds a listener. The deliver callback is invoked from listener
// goroutines; it must be safe to call there. Handing envelopes to the
// pipeline queue satisfies that.
func New(dial Dialer, folders []string, idleTimeout time.Duration, deliver func(*domain.Envelope)) *Listener {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	l := &Listener{
		dial:        dial,
		folders:     folders,
		deliver:     deliver,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
		log:         logger.For("listener"),
	}
	l.sleep = l.interruptibleSleep
	return l
}

// Start launches one watch loop per folder.
func (l *Listener) Start(ctx context.Context) {
	l.running.Store(true)
	for _, folder := range l.folders {
		l.wg.Add(1)
		go l.watchFolder(ctx, folder)
	}
	l.log.Info().Strs("folders", l.folders).Msg("listener started")
}

// Stop flips the running flag and waits for every folder loop to exit.
func (l *Listener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	close(l.stop)
	l.wg.Wait()
	l.log.Info().Msg("listener stopped")
}

// Backoff returns the reconnect delay for the given consecutive-failure
// attempt: min(5*2^attempt, 300) seconds.
func Backoff(attempt int) time.Duration {
	d := baseBackoff << attempt
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (l *Listener) watchFolder(ctx context.Context, folder string) {
	defer l.wg.Done()
	log := l.log.With().Str("folder", folder).Logger()

	var (
		attempt   int
		watermark uint32
		validity  uint32
		havePrev  bool
	)

	for l.running.Load() {
		sess, highest, mboxValidity, err := l.dial(ctx, folder)
		if err != nil {
			if apperr.IsFatal(err) {
				log.Error().Err(err).Msg("fatal listener error, stopping folder watch")
				return
			}
			delay := Backoff(attempt)
			log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).
				Msg("connect failed, backing off")
			attempt++
			if !l.sleep(delay) {
				return
			}
			continue
		}

		if !havePrev || mboxValidity != validity {
			// First connect, or the mailbox was rebuilt: prior UIDs are
			// meaningless, start from the current highest.
			watermark = highest
			validity = mboxValidity
			havePrev = true
		}
		log.Debug().Uint32("watermark", watermark).Msg("folder selected")

		// Mail that arrived while we were disconnected is already in the
		// mailbox; fetch it now instead of waiting for the next arrival.
		if highest > watermark {
			envs, newWatermark, err := sess.FetchAbove(watermark)
			if err != nil {
				log.Warn().Err(err).Msg("catch-up fetch failed, reconnecting")
				sess.Close()
				continue
			}
			for _, env := range envs {
				l.deliver(env)
			}
			if len(envs) > 0 {
				log.Info().Int("count", len(envs)).Uint32("watermark", newWatermark).
					Msg("delivered messages missed while disconnected")
			}
			watermark = newWatermark
		}

		watermark = l.idleLoop(sess, watermark, &attempt, log)
		sess.Close()
	}
}

// idleLoop runs idle rounds until an error forces a reconnect or the
// listener stops. Returns the watermark to resume from.
func (l *Listener) idleLoop(sess Session, watermark uint32, attempt *int, log zerolog.Logger) uint32 {
	for l.running.Load() {
		woke, err := sess.Idle(l.idleTimeout, l.stop)
		if err != nil {
			log.Warn().Err(err).Msg("idle failed, reconnecting")
			return watermark
		}
		// A completed idle round means the connection is healthy.
		*attempt = 0

		if !l.running.Load() {
			return watermark
		}
		if !woke {
			continue
		}

		envs, newWatermark, err := sess.FetchAbove(watermark)
		if err != nil {
			log.Warn().Err(err).Msg("fetch failed, reconnecting")
			return watermark
		}
		for _, env := range envs {
			l.deliver(env)
		}
		if len(envs) > 0 {
			log.Info().Int("count", len(envs)).Uint32("watermark", newWatermark).
				Msg("delivered new messages")
		}
		watermark = newWatermark
	}
	return watermark
}

// interruptibleSleep ticks once a second so a stop request never waits out
// a long backoff.
func (l *Listener) interruptibleSleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !l.running.Load() {
			return false
		}
		step := time.Until(deadline)
		if step > time.Second {
			step = time.Second
		}
		select {
		case <-l.stop:
			return false
		case <-time.After(step):
		}
	}
	return l.running.Load()
}
