package imapmail

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
	"mailsort_daemon/pkg/mailparse"
)

var _ out.MailSourcePort = (*Source)(nil)

// Source reads folders and messages from one IMAP account. The underlying
// client is synchronous; ReadMessages stays lazy by fetching one message
// per Next call. A mutex serializes use of the shared connection: iterators
// over different folders may interleave, so every fetch re-selects its own
// mailbox when another reader switched away.
type Source struct {
	opts Options
	clt  *imapclient.Client
	log  zerolog.Logger

	mu       sync.Mutex
	selected string

	// selectFn issues the actual SELECT; set by Connect, substituted in
	// tests.
	selectFn func(folder string) error
}

// NewSource builds an unconnected source for the account.
func NewSource(opts Options) *Source {
	return &Source{opts: opts, log: logger.For("imap-source")}
}

// Name is the server host; folder specs qualified with it resolve here.
func (s *Source) Name() string {
	return s.opts.Host
}

// Connect dials and logs in.
func (s *Source) Connect(ctx context.Context) error {
	clt, err := Dial(s.opts, nil)
	if err != nil {
		return err
	}
	s.clt = clt
	s.selectFn = func(folder string) error {
		if _, err := clt.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return fmt.Errorf("select %s: %w", folder, err)
		}
		return nil
	}
	return nil
}

// Disconnect logs out; the close is unconditional so a wedged logout still
// releases the socket.
func (s *Source) Disconnect() error {
	if s.clt == nil {
		return nil
	}
	defer s.clt.Close()
	if err := s.clt.Logout().Wait(); err != nil {
		s.log.Debug().Err(err).Msg("logout failed, closing anyway")
	}
	s.clt = nil
	s.selected = ""
	return nil
}

// ListFolders lists every mailbox. Specs come back unqualified: one
// configured account means bare folder names are unambiguous here.
func (s *Source) ListFolders(ctx context.Context) ([]domain.FolderSpec, error) {
	boxes, err := s.clt.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list folders on %s: %w", s.opts.Host, err)
	}
	specs := make([]domain.FolderSpec, 0, len(boxes))
	for _, box := range boxes {
		specs = append(specs, domain.FolderSpec{Folder: box.Mailbox})
	}
	return specs, nil
}

// ReadMessages selects the folder read-only, resolves the UID list, then
// yields envelopes fetching lazily with peek semantics.
func (s *Source) ReadMessages(ctx context.Context, folder domain.FolderSpec, opts out.ReadOptions) (out.MessageIter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureSelectedLocked(folder.Folder); err != nil {
		return nil, err
	}
	data, err := s.clt.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder.Folder, err)
	}
	uids := data.AllUIDs()

	if opts.Random && opts.Limit > 0 {
		rand.Shuffle(len(uids), func(i, j int) { uids[i], uids[j] = uids[j], uids[i] })
	}
	if opts.Limit > 0 && len(uids) > opts.Limit {
		uids = uids[:opts.Limit]
	}

	return &imapIter{ctx: ctx, source: s, folder: folder.Folder, uids: uids, withRaw: opts.WithRaw}, nil
}

// ensureSelectedLocked makes folder the selected mailbox. UID FETCH and
// SEARCH are relative to the selection, so a fetch interleaved with a
// reader on another folder must reselect first or it answers from the
// wrong mailbox.
func (s *Source) ensureSelectedLocked(folder string) error {
	if s.selected == folder {
		return nil
	}
	if err := s.selectFn(folder); err != nil {
		return err
	}
	s.selected = folder
	return nil
}

// fetchRaw fetches one message's full bytes with peek so \Seen stays unset.
func (s *Source) fetchRaw(folder string, uid imap.UID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureSelectedLocked(folder); err != nil {
		return nil, err
	}
	var set imap.UIDSet
	set.AddNum(uid)
	msgs, err := s.clt.Fetch(set, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("uid %d vanished during fetch", uid)
	}
	for _, b := range msgs[0].BodySection {
		return b, nil
	}
	return nil, fmt.Errorf("uid %d fetched without body section", uid)
}

type imapIter struct {
	ctx     context.Context
	source  *Source
	folder  string
	uids    []imap.UID
	withRaw bool
	pos     int
	err     error
}

func (it *imapIter) Next() (*domain.Envelope, bool) {
	for it.err == nil && it.pos < len(it.uids) {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return nil, false
		}
		uid := it.uids[it.pos]
		it.pos++

		raw, err := it.source.fetchRaw(it.folder, uid)
		if err != nil {
			// Protocol trouble on one message drops it with a warning
			// and moves on; only the fetch chain decides to give up.
			it.source.log.Warn().Err(err).Uint32("uid", uint32(uid)).Str("folder", it.folder).
				Msg("dropping unfetchable message")
			continue
		}
		env := mailparse.Parse(raw)
		env.Folder = it.folder
		env.Source = domain.SourceRemote
		env.SourceRef = strconv.FormatUint(uint64(uid), 10)
		if it.withRaw {
			env.Raw = raw
		}
		return env, true
	}
	return nil, false
}

func (it *imapIter) Err() error {
	return it.err
}

func (it *imapIter) Close() error {
	it.pos = len(it.uids)
	return nil
}
