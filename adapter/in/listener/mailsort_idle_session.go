package listener

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"mailsort_daemon/adapter/out/imapmail"
	"mailsort_daemon/core/domain"
	"mailsort_daemon/pkg/mailparse"
)

// imapSession is the production Session over go-imap/v2. The unilateral
// mailbox handler runs on the client's reader goroutine; it only signals a
// channel and never touches session state.
type imapSession struct {
	clt    *imapclient.Client
	folder string
	wake   chan struct{}
}

// NewDialer returns a Dialer for one IMAP account.
func NewDialer(opts imapmail.Options) Dialer {
	return func(ctx context.Context, folder string) (Session, uint32, uint32, error) {
		s := &imapSession{folder: folder, wake: make(chan struct{}, 1)}

		clt, err := imapmail.Dial(opts, &imapclient.Options{
			UnilateralDataHandler: &imapclient.UnilateralDataHandler{
				Mailbox: func(d *imapclient.UnilateralDataMailbox) {
					if d.NumMessages == nil {
						return
					}
					select {
					case s.wake <- struct{}{}:
					default:
					}
				},
			},
		})
		if err != nil {
			return nil, 0, 0, err
		}
		s.clt = clt

		mbox, err := clt.Select(folder, nil).Wait()
		if err != nil {
			clt.Close()
			return nil, 0, 0, fmt.Errorf("select %s: %w", folder, err)
		}

		// Highest existing UID: the next UID to be assigned, minus one.
		var highest uint32
		if mbox.UIDNext > 0 {
			highest = uint32(mbox.UIDNext) - 1
		}
		return s, highest, mbox.UIDValidity, nil
	}
}

// Idle enters IDLE for at most timeout. The server's EXISTS push lands on
// the wake channel; stop ends the round early without error.
func (s *imapSession) Idle(timeout time.Duration, stop <-chan struct{}) (bool, error) {
	idle, err := s.clt.Idle()
	if err != nil {
		return false, fmt.Errorf("idle on %s: %w", s.folder, err)
	}

	woke := false
	select {
	case <-s.wake:
		woke = true
	case <-stop:
	case <-time.After(timeout):
	}

	if err := errors.Join(idle.Close(), idle.Wait()); err != nil {
		return false, fmt.Errorf("end idle on %s: %w", s.folder, err)
	}
	return woke, nil
}

// FetchAbove fetches every message with UID above the watermark using peek
// semantics and returns the advanced watermark.
func (s *imapSession) FetchAbove(watermark uint32) ([]*domain.Envelope, uint32, error) {
	var set imap.UIDSet
	set.AddRange(imap.UID(watermark+1), 0)

	msgs, err := s.clt.Fetch(set, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}).Collect()
	if err != nil {
		return nil, watermark, fmt.Errorf("fetch above %d in %s: %w", watermark, s.folder, err)
	}

	var envs []*domain.Envelope
	newWatermark := watermark
	for _, msg := range msgs {
		uid := uint32(msg.UID)
		if uid <= watermark {
			// Servers answer an empty range with the last message.
			continue
		}
		var raw []byte
		for _, b := range msg.BodySection {
			raw = b
			break
		}
		if len(raw) == 0 {
			continue
		}
		env := mailparse.Parse(raw)
		env.Folder = s.folder
		env.Source = domain.SourceRemote
		env.SourceRef = strconv.FormatUint(uint64(uid), 10)
		envs = append(envs, env)
		if uid > newWatermark {
			newWatermark = uid
		}
	}
	return envs, newWatermark, nil
}

func (s *imapSession) Close() error {
	return s.clt.Close()
}
